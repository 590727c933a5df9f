package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/mcpmux/mcpmux/transport"
)

func TestRegistry_LookupIsolation(t *testing.T) {
	r := New()

	e1 := &Entry{Tenant: "acme", SessionID: "s1", Kind: transport.KindStreamable}
	e2 := &Entry{Tenant: "acme", SessionID: "s2", Kind: transport.KindStreamable}

	if err := r.Insert("acme", "s1", transport.KindStreamable, e1); err != nil {
		t.Fatalf("insert s1: %v", err)
	}
	if err := r.Insert("acme", "s2", transport.KindStreamable, e2); err != nil {
		t.Fatalf("insert s2: %v", err)
	}

	got, ok := r.Lookup("acme", "s1", transport.KindStreamable)
	if !ok || got != e1 {
		t.Fatalf("lookup s1: got %v, want %v", got, e1)
	}
	got, ok = r.Lookup("acme", "s2", transport.KindStreamable)
	if !ok || got != e2 {
		t.Fatalf("lookup s2: got %v, want %v", got, e2)
	}
}

func TestRegistry_TenantIsolation(t *testing.T) {
	r := New()

	e1 := &Entry{Tenant: "acme", SessionID: "shared", Kind: transport.KindStream}
	if err := r.Insert("acme", "shared", transport.KindStream, e1); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, ok := r.Lookup("globex", "shared", transport.KindStream); ok {
		t.Fatal("lookup for wrong tenant should miss")
	}
}

func TestRegistry_KindsAreIndependent(t *testing.T) {
	r := New()

	// The same identifier may exist under both kinds for one tenant.
	if err := r.Insert("acme", "dup", transport.KindStreamable, &Entry{}); err != nil {
		t.Fatalf("insert streamable: %v", err)
	}
	if err := r.Insert("acme", "dup", transport.KindStream, &Entry{}); err != nil {
		t.Fatalf("insert stream: %v", err)
	}

	if _, ok := r.Lookup("acme", "dup", transport.KindStreamable); !ok {
		t.Fatal("streamable entry missing")
	}
	if _, ok := r.Lookup("acme", "dup", transport.KindStream); !ok {
		t.Fatal("stream entry missing")
	}
}

func TestRegistry_DuplicateInsert(t *testing.T) {
	r := New()

	if err := r.Insert("acme", "s1", transport.KindStreamable, &Entry{}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.Insert("acme", "s1", transport.KindStreamable, &Entry{})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("want ErrDuplicateSession, got %v", err)
	}
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := New()

	if err := r.Insert("acme", "s1", transport.KindStreamable, &Entry{}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if !r.Remove("acme", "s1", transport.KindStreamable) {
		t.Fatal("first remove should report removal")
	}
	if r.Remove("acme", "s1", transport.KindStreamable) {
		t.Fatal("second remove should be a no-op")
	}
	if r.Remove("acme", "never-existed", transport.KindStreamable) {
		t.Fatal("removing an absent entry should be a no-op")
	}

	if _, ok := r.Lookup("acme", "s1", transport.KindStreamable); ok {
		t.Fatal("entry visible after remove")
	}

	// A removed identifier can be inserted again.
	if err := r.Insert("acme", "s1", transport.KindStreamable, &Entry{}); err != nil {
		t.Fatalf("re-insert after remove: %v", err)
	}
}

func TestRegistry_ConcurrentInserts(t *testing.T) {
	r := New()

	const n = 64
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", i)
			errs[i] = r.Insert("acme", id, transport.KindStreamable, &Entry{SessionID: id})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if got := r.Count(transport.KindStreamable); got != n {
		t.Fatalf("want %d sessions, got %d", n, got)
	}
}

func TestRegistry_CountAndAll(t *testing.T) {
	r := New()

	_ = r.Insert("acme", "s1", transport.KindStreamable, &Entry{})
	_ = r.Insert("acme", "s2", transport.KindStream, &Entry{})
	_ = r.Insert("globex", "s3", transport.KindStream, &Entry{})

	if got := r.Count(transport.KindStreamable); got != 1 {
		t.Fatalf("streamable count: want 1, got %d", got)
	}
	if got := r.Count(transport.KindStream); got != 2 {
		t.Fatalf("stream count: want 2, got %d", got)
	}
	if got := len(r.All()); got != 3 {
		t.Fatalf("all: want 3, got %d", got)
	}
}

// Package registry holds the live, in-process mapping from (tenant,
// transport kind, session identifier) to session entries. It is the only
// shared mutable structure in the multiplexer; all operations are pure map
// mutations with no I/O.
package registry

import (
	"errors"
	"sync"

	"github.com/mcpmux/mcpmux/service"
	"github.com/mcpmux/mcpmux/transport"
)

// ErrDuplicateSession is returned by Insert when an entry already exists at
// the (tenant, kind, session id) key. Admission logic must never insert on an
// occupied slot, so callers treat this as a programming error.
var ErrDuplicateSession = errors.New("registry: duplicate session")

// Entry binds one transport instance to its protocol handler for the
// session's entire lifetime. The transport is exclusively owned by the entry
// once registered; other components hold only short-lived references during
// an active request.
type Entry struct {
	Tenant    string
	SessionID string
	Kind      transport.Kind
	Transport transport.Transport
	Handler   service.SessionHandler
}

// Registry is two independent two-level mappings, one per transport kind,
// each keyed first by tenant, then by session identifier. A session is
// visible if and only if its transport can currently accept traffic.
type Registry struct {
	mu    sync.RWMutex
	kinds map[transport.Kind]map[string]map[string]*Entry
}

// New creates an empty registry with both transport-kind mappings.
func New() *Registry {
	return &Registry{
		kinds: map[transport.Kind]map[string]map[string]*Entry{
			transport.KindStreamable: {},
			transport.KindStream:     {},
		},
	}
}

// Lookup resolves a session entry. This is the router's hot path: exactly one
// read-locked map traversal.
func (r *Registry) Lookup(tenant, sessionID string, kind transport.Kind) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ent, ok := r.kinds[kind][tenant][sessionID]
	return ent, ok
}

// Insert registers a session entry. Per-tenant sub-maps are created lazily on
// first insert. Returns ErrDuplicateSession if the slot is occupied.
func (r *Registry) Insert(tenant, sessionID string, kind transport.Kind, ent *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byTenant, ok := r.kinds[kind]
	if !ok {
		return errors.New("registry: unknown transport kind")
	}

	sessions, ok := byTenant[tenant]
	if !ok {
		sessions = make(map[string]*Entry)
		byTenant[tenant] = sessions
	}

	if _, ok := sessions[sessionID]; ok {
		return ErrDuplicateSession
	}

	sessions[sessionID] = ent
	return nil
}

// Remove deletes a session entry. Removing an absent entry is a no-op, not an
// error: close signals may race with explicit cleanup. The return value
// reports whether this call actually removed the entry, letting the caller
// run teardown side effects exactly once.
//
// Empty per-tenant sub-maps are deliberately left in place.
func (r *Registry) Remove(tenant, sessionID string, kind transport.Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.kinds[kind][tenant]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	return true
}

// All returns a snapshot of every live entry across both kinds. Used for
// draining at shutdown.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Entry
	for _, byTenant := range r.kinds {
		for _, sessions := range byTenant {
			for _, ent := range sessions {
				out = append(out, ent)
			}
		}
	}
	return out
}

// Count returns the number of live sessions of the given kind.
func (r *Registry) Count(kind transport.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, sessions := range r.kinds[kind] {
		n += len(sessions)
	}
	return n
}

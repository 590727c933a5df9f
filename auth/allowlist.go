package auth

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allowlist accepts tenant keys from a fixed set.
type Allowlist struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewAllowlist builds an allowlist from the given keys.
func NewAllowlist(keys ...string) *Allowlist {
	a := &Allowlist{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		a.keys[k] = struct{}{}
	}
	return a
}

func (a *Allowlist) CheckTenant(ctx context.Context, key string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, ok := a.keys[key]; !ok {
		return fmt.Errorf("%w: unknown tenant key", ErrUnauthorized)
	}
	return nil
}

func (a *Allowlist) replace(keys map[string]struct{}) {
	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
}

// NewFileAllowlist loads an allowlist from a file (one tenant key per line,
// '#' starts a comment) and hot-reloads it on writes until ctx is cancelled.
// A reload that fails to read or parse leaves the previous set in place.
func NewFileAllowlist(ctx context.Context, path string, log *slog.Logger) (*Allowlist, error) {
	keys, err := readAllowlistFile(path)
	if err != nil {
		return nil, err
	}

	a := &Allowlist{keys: keys}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("allowlist watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("allowlist watch %q: %w", path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				fresh, err := readAllowlistFile(path)
				if err != nil {
					log.Warn("allowlist.reload.fail", slog.String("err", err.Error()))
					continue
				}
				a.replace(fresh)
				log.Info("allowlist.reload.ok", slog.Int("tenants", len(fresh)))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("allowlist.watch.err", slog.String("err", err.Error()))
			}
		}
	}()

	return a, nil
}

func readAllowlistFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("allowlist open: %w", err)
	}
	defer f.Close()

	keys := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("allowlist read: %w", err)
	}
	return keys, nil
}

var _ TenantAuthenticator = (*Allowlist)(nil)

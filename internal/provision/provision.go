// Package provision implements the memoized, mutually-exclusive
// "create-if-absent" gate described in spec §4.2. It exists so that
// when a new tenant's first N operations arrive concurrently, exactly
// one of them runs the CREATE DDL and the rest simply wait for it,
// instead of all N racing the database's system catalogs.
//
// Grounded on the teacher's lock-per-resource idiom in
// lib/backend/helpers.go (AcquireLock/RunWhileLocked), generalized from
// a single distributed lock to a process-local memoization table.
package provision

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
)

// Factory provisions the resource named by the key it was registered
// under. It is called at most once per key per successful call, ever.
type Factory func(ctx context.Context) error

type entry struct {
	mu   sync.Mutex
	done bool
}

// Registry is the process-wide resourceKey -> completion-record
// mapping from spec §4.2's algorithm. The zero value is not usable;
// construct one with NewRegistry. A single Registry is owned by the
// process host and shared by every state-store service instance it
// creates (spec §4.6, §9 "Global mutable state").
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Ensure runs factory exactly once for key, ever, on success. Callers
// racing on the same key block on that key's own lock until the first
// one finishes; callers on distinct keys never contend with each
// other, because each key gets its own mutex rather than sharing one
// lock for the whole registry. If factory fails, key is not memoized
// and the next call retries from scratch.
func (r *Registry) Ensure(ctx context.Context, key string, factory Factory) error {
	e := r.entryFor(key)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return nil
	}
	if err := factory(ctx); err != nil {
		return trace.Wrap(err)
	}
	e.done = true
	return nil
}

func (r *Registry) entryFor(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
	}
	return e
}

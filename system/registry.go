package system

import (
	"sync"

	"github.com/thrasher-corp/msgkernel/access"
	"github.com/thrasher-corp/msgkernel/msgrouter"
	"github.com/thrasher-corp/msgkernel/scheduler"
)

type registryEntry struct {
	dest       msgrouter.Destination
	identity   access.PKR
	schedulable scheduler.Schedulable
}

// Registry is the MessageSystem's subsystem directory: one entry per
// registered name (including "kernel" itself), satisfying both
// msgrouter.Registry (destination lookup) and kernel.IdentityRegistry
// (owner PKR lookup) so neither of those packages needs to know Registry
// exists, only the narrow interface each defines locally.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register adds or replaces the entry for name.
func (r *Registry) Register(name string, dest msgrouter.Destination, identity access.PKR, schedulable scheduler.Schedulable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = registryEntry{dest: dest, identity: identity, schedulable: schedulable}
}

// Unregister removes name from the directory.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Get implements msgrouter.Registry.
func (r *Registry) Get(name string) (msgrouter.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.dest, true
}

// Identity implements kernel.IdentityRegistry.
func (r *Registry) Identity(name string) (access.PKR, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return access.PKR{}, false
	}
	return e.identity, true
}

// Names returns every registered subsystem name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

// Schedulable returns the registered scheduler.Schedulable for name, if it
// has one (the kernel itself is registered without one today; nothing
// prevents scheduling it too, it simply has no queued work of its own).
func (r *Registry) Schedulable(name string) (scheduler.Schedulable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok || e.schedulable == nil {
		return nil, false
	}
	return e.schedulable, true
}

package upstream

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured upstream adapters in priority order.
type Registry struct {
	mu     sync.RWMutex
	order  []Upstream
	byName map[string]Upstream
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Upstream)}
}

// Register adds an upstream. Names must be unique. The priority order is
// re-derived on every registration (lower Priority first, ties keep
// registration order).
func (r *Registry) Register(u Upstream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := u.Name()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("upstream: duplicate name %q", name)
	}
	r.byName[name] = u
	r.order = append(r.order, u)
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.order[i].Config().Priority < r.order[j].Config().Priority
	})
	return nil
}

// Get returns the upstream by name, or nil.
func (r *Registry) Get(name string) Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

// All returns every upstream in priority order.
func (r *Registry) All() []Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Upstream, len(r.order))
	copy(out, r.order)
	return out
}

// Names returns the upstream names in priority order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.order))
	for i, u := range r.order {
		names[i] = u.Name()
	}
	return names
}

// Available returns quota-available upstreams in priority order, optionally
// restricted to those that can stream. Circuit state is not consulted here;
// that belongs to the dispatch loop.
func (r *Registry) Available(needStream bool) []Upstream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Upstream, 0, len(r.order))
	for _, u := range r.order {
		if needStream && !u.SupportsStream() {
			continue
		}
		if !u.Quota().Available() {
			continue
		}
		out = append(out, u)
	}
	return out
}

// QuotaSnapshots returns the quota state of every upstream by name.
func (r *Registry) QuotaSnapshots() map[string]QuotaSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]QuotaSnapshot, len(r.order))
	for _, u := range r.order {
		out[u.Name()] = u.Quota().Snapshot()
	}
	return out
}

// ResetQuota clears the quota state for one upstream, or for all when
// name is empty.
func (r *Registry) ResetQuota(name string) error {
	if name == "" {
		for _, u := range r.All() {
			u.Quota().Reset()
		}
		return nil
	}
	u := r.Get(name)
	if u == nil {
		return fmt.Errorf("upstream: unknown name %q", name)
	}
	u.Quota().Reset()
	return nil
}

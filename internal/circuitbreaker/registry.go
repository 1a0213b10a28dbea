package circuitbreaker

import "sync"

// Registry manages per-upstream breakers, creating them on first use.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a registry with a shared breaker config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Snapshot returns the state and counts of every known breaker.
func (r *Registry) Snapshot() map[string]struct {
	State  string `json:"state"`
	Counts Counts `json:"counts"`
} {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]struct {
		State  string `json:"state"`
		Counts Counts `json:"counts"`
	}, len(names))
	for _, name := range names {
		b := r.Get(name)
		out[name] = struct {
			State  string `json:"state"`
			Counts Counts `json:"counts"`
		}{State: b.State().String(), Counts: b.Counts()}
	}
	return out
}

package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry owns one Breaker per backend name. Breakers are created lazily
// on first lookup. It is safe for concurrent use from multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	defaults Config
	opts     []Option
}

// NewRegistry creates a Registry whose breakers use defaults (zero fields
// fall back to package defaults) and opts.
func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it with the registry defaults.
func (r *Registry) Get(name string) *Breaker {
	return r.GetWithConfig(name, r.defaults)
}

// GetWithConfig returns the breaker for name, creating it with cfg when
// absent. The config of an existing breaker is never replaced.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	cfg.Name = name
	r.mu.RLock()
	b, ok := r.breakers[cfg.Name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[cfg.Name]; ok {
		return b
	}
	b = New(cfg, r.opts...)
	r.breakers[cfg.Name] = b
	return b
}

// Lookup returns the breaker for name without creating it.
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// Names returns the registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// AllStats returns a snapshot of every registered breaker keyed by name.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make(map[string]Stats, len(list))
	for _, b := range list {
		out[b.Name()] = b.Stats()
	}
	return out
}

// Reset closes the named breaker. It reports false when no breaker exists.
func (r *Registry) Reset(name string) bool {
	b, ok := r.Lookup(name)
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll closes every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	for _, b := range list {
		b.Reset()
	}
}

// Remove drops the named breaker; the next Get creates a fresh one.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.breakers[name]
	delete(r.breakers, name)
	return ok
}

// OpenCount returns how many registered breakers are currently open, and the
// shortest remaining recovery time among them.
func (r *Registry) OpenCount() (int, time.Duration) {
	var (
		n        int
		shortest time.Duration
	)
	for _, s := range r.AllStats() {
		if s.State != StateOpen {
			continue
		}
		n++
		if b, ok := r.Lookup(s.Name); ok {
			if left := b.TimeUntilRetry(); shortest == 0 || left < shortest {
				shortest = left
			}
		}
	}
	return n, shortest
}

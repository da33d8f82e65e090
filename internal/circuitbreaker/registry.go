package circuitbreaker

import "sync"

// Registry holds one Breaker per feed.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for feed, creating it on first use.
func (r *Registry) For(feed string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[feed]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[feed]; ok {
		return b
	}
	b = NewBreaker(r.cfg)
	r.breakers[feed] = b
	return b
}

// States returns the state of every known breaker, keyed by feed.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for feed, b := range r.breakers {
		out[feed] = b.State()
	}
	return out
}

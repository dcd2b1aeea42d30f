// ABOUTME: Registry of per-upstream circuit breakers with shared default parameters.
// ABOUTME: Supports status snapshots and manual reset of one or all breakers.

package breaker

import (
	"sort"
	"sync"
	"time"
)

// Registry holds one breaker per upstream name. Breakers are created lazily
// with the registry's default parameters.
type Registry struct {
	mu               sync.Mutex
	breakers         map[string]*Breaker
	failureThreshold int
	recoveryTimeout  time.Duration
}

// NewRegistry creates a breaker registry. Zero values select the defaults.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		breakers:         make(map[string]*Breaker),
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// Get returns the breaker for the given upstream, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.failureThreshold, r.recoveryTimeout)
		r.breakers[name] = b
	}
	return b
}

// AllStatus returns snapshots of every breaker, sorted by name.
func (r *Registry) AllStatus() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	statuses := make([]Status, 0, len(r.breakers))
	for _, b := range r.breakers {
		statuses = append(statuses, b.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Reset resets a single breaker. Returns false if no breaker exists for name.
func (r *Registry) Reset(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}
	b.Reset()
	return true
}

// ResetAll resets every breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}

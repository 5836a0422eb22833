package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Capabilities describes what a registered service can do.
type Capabilities struct {
	Poll    bool `json:"poll"`
	Execute bool `json:"execute"`
}

// Registry maps service identifiers to connectors and throttles calls per service.
type Registry struct {
	mu        sync.RWMutex
	all       map[string]Connector
	pollers   map[string]Pollable
	executors map[string]Executable
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
}

// NewRegistry creates an empty registry. rps <= 0 disables throttling.
func NewRegistry(rps float64, burst int) *Registry {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst < 1 {
		burst = 1
	}
	return &Registry{
		all:       make(map[string]Connector),
		pollers:   make(map[string]Pollable),
		executors: make(map[string]Executable),
		limiters:  make(map[string]*rate.Limiter),
		limit:     limit,
		burst:     burst,
	}
}

// Register adds a connector and records the capabilities it implements.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := c.Service()
	if _, exists := r.all[name]; exists {
		return fmt.Errorf("connector already registered: %s", name)
	}
	r.all[name] = c
	r.limiters[name] = rate.NewLimiter(r.limit, r.burst)

	if p, ok := c.(Pollable); ok {
		r.pollers[name] = p
	}
	if e, ok := c.(Executable); ok {
		r.executors[name] = e
	}
	return nil
}

// MustRegister is Register that panics on duplicates, for static wiring.
func (r *Registry) MustRegister(cs ...Connector) {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Poller returns the trigger capability of a service.
func (r *Registry) Poller(service string) (Pollable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pollers[service]
	return p, ok
}

// Executor returns the reaction capability of a service.
func (r *Registry) Executor(service string) (Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[service]
	return e, ok
}

// Capabilities reports the capabilities of a registered service.
func (r *Registry) Capabilities(service string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, poll := r.pollers[service]
	_, exec := r.executors[service]
	return Capabilities{Poll: poll, Execute: exec}
}

// Services returns registered service identifiers in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.all))
	for name := range r.all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until the service's limiter admits one call or ctx ends.
func (r *Registry) Wait(ctx context.Context, service string) error {
	r.mu.RLock()
	l := r.limiters[service]
	r.mu.RUnlock()
	if l == nil {
		return nil
	}
	return l.Wait(ctx)
}

// Package health aggregates liveness checks for the broker's runtime
// dependencies. The server registers one checker per dependency (the
// ledger database, anything else it must reach synchronously) and the
// health endpoint reports the aggregate.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is one dependency's check result.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) Status

// Registry holds the registered checkers. Results come back in
// registration order regardless of which check finishes first.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds a checker under name. Registering the same name twice
// replaces the earlier checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.checks[name]; !seen {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll probes every dependency concurrently. A slow database must
// not delay reporting on the rest, so checks fan out and the aggregate
// is unhealthy if any single one is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checks := make([]Checker, len(names))
	for i, name := range names {
		checks[i] = r.checks[name]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(names))
	var wg sync.WaitGroup
	for i := range names {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i] = checks[i](ctx)
		}(i)
	}
	wg.Wait()

	healthy := true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Pinger is the slice of *sql.DB the ping checker needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping builds a checker that pings a dependency under its own timeout.
func Ping(name string, p Pinger, timeout time.Duration) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := p.PingContext(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

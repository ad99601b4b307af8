// Package health runs the named subsystem checks behind the console's
// health endpoint.
package health

import (
	"context"
	"sync"
	"time"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 2 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	// Informational checks are reported but never degrade the aggregate.
	Informational bool `json:"informational,omitempty"`
}

// Checker is a function that checks the health of a subsystem. It must
// return once ctx is done.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	timeout time.Duration

	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name          string
	check         Checker
	informational bool
}

// NewRegistry creates a registry whose checks time out after DefaultTimeout.
func NewRegistry() *Registry {
	return &Registry{timeout: DefaultTimeout}
}

// WithTimeout sets the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	r.timeout = d
	return r
}

// Register adds a checker whose failure degrades the aggregate.
func (r *Registry) Register(name string, check Checker) {
	r.add(namedChecker{name: name, check: check})
}

// RegisterInfo adds a checker that is only reported.
func (r *Registry) RegisterInfo(name string, check Checker) {
	r.add(namedChecker{name: name, check: check, informational: true})
}

func (r *Registry) add(c namedChecker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, c)
	r.mu.Unlock()
}

// CheckAll runs every checker concurrently and returns their statuses in
// registration order. healthy is false if a non-informational check failed
// or did not answer in time.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			statuses[i] = r.run(ctx, nc)
		}()
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy && !s.Informational {
			healthy = false
		}
	}
	return healthy, statuses
}

func (r *Registry) run(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result := make(chan Status, 1)
	go func() { result <- nc.check(ctx) }()

	var s Status
	select {
	case s = <-result:
	case <-ctx.Done():
		s = Status{Healthy: false, Detail: "check timed out"}
	}
	s.Name = nc.name
	s.Informational = nc.informational
	return s
}

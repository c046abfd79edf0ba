package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flux_backend/core"
)

// Cleanup priorities for the serving process. Lower runs first.
const (
	PriorityHTTPServer = 10
	PriorityPredictor  = 20
	PriorityHistory    = 30
	PriorityDatabase   = 40
	PriorityLogSync    = 90
)

type entry struct {
	name     string
	priority int
	fn       core.ShutdownFunc
}

// StepResult reports one cleanup step.
type StepResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Registry holds cleanup functions and runs each of them once, in priority
// order. Equal priorities keep registration order.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. Registering after Run is a no-op.
func (r *Registry) Register(name string, priority int, fn core.ShutdownFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || fn == nil {
		return
	}
	r.entries = append(r.entries, entry{name: name, priority: priority, fn: fn})
}

func (r *Registry) sorted() []entry {
	out := make([]entry, len(r.entries))
	copy(out, r.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].priority < out[j].priority })
	return out
}

// Run executes every function even when some fail. Failed steps carry an
// error naming the step. A second Run returns nil.
func (r *Registry) Run(ctx context.Context) []StepResult {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	steps := r.sorted()
	r.mu.Unlock()

	results := make([]StepResult, 0, len(steps))
	for _, e := range steps {
		start := time.Now()
		err := e.fn(ctx)
		if err != nil {
			err = fmt.Errorf("%s: %w", e.name, err)
		}
		results = append(results, StepResult{Name: e.name, Duration: time.Since(start), Err: err})
	}
	return results
}

// Names lists registered functions in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := r.sorted()
	names := make([]string, len(steps))
	for i, e := range steps {
		names[i] = e.name
	}
	return names
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

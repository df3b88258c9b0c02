// ABOUTME: A fixed set of workers started and stopped together
// ABOUTME: Aggregates connectivity and per-worker state for status surfaces
package worker

import (
	"context"
	"errors"
)

// Group is an ordered collection of workers.
type Group struct {
	workers []*Worker
	stops   map[*Worker]int
}

// NewGroup creates an empty group.
func NewGroup() *Group {
	return &Group{stops: make(map[*Worker]int)}
}

// Add appends a worker. timeoutMs is the stop timeout used by StopAll.
func (g *Group) Add(w *Worker, timeoutMs int) {
	g.workers = append(g.workers, w)
	g.stops[w] = timeoutMs
}

// Workers returns the workers in insertion order.
func (g *Group) Workers() []*Worker {
	return g.workers
}

// StartAll starts every worker under ctx.
func (g *Group) StartAll(ctx context.Context) {
	for _, w := range g.workers {
		w.Start(ctx)
	}
}

// StopAll stops workers in reverse order and joins the errors.
func (g *Group) StopAll() error {
	var errs []error
	for i := len(g.workers) - 1; i >= 0; i-- {
		w := g.workers[i]
		if err := w.Stop(msDuration(g.stops[w])); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsConnected is true only when the group is non-empty and every worker is connected.
func (g *Group) IsConnected() bool {
	if len(g.workers) == 0 {
		return false
	}
	for _, w := range g.workers {
		if !w.IsConnected() {
			return false
		}
	}
	return true
}

// States returns the state of each worker keyed by name.
func (g *Group) States() map[string]State {
	out := make(map[string]State, len(g.workers))
	for _, w := range g.workers {
		out[w.Name()] = w.State()
	}
	return out
}

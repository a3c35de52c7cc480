package cpl

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vthunder/conscience/internal/logging"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Registry tracks loop instances by id. Instances share no state; the
// registry only coordinates their lifecycles.
type Registry struct {
	mu    sync.RWMutex
	loops map[string]*Loop
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{loops: make(map[string]*Loop)}
}

// Create builds a loop and registers it
func (r *Registry) Create(cfg Config, deps Deps) (*Loop, error) {
	l := NewLoop(cfg, deps)
	if err := r.Add(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Add registers an existing loop
func (r *Registry) Add(l *Loop) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.loops[l.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, l.ID())
	}
	r.loops[l.ID()] = l
	return nil
}

// Get looks up a loop by id
func (r *Registry) Get(id string) (*Loop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loops[id]
	return l, ok
}

// Remove stops and unregisters a loop. Unknown ids are ignored.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	l, ok := r.loops[id]
	delete(r.loops, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Stop()
}

// IDs returns the registered ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.loops))
	for id := range r.loops {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered loops
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.loops)
}

func (r *Registry) snapshot() []*Loop {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Loop, 0, len(r.loops))
	for _, l := range r.loops {
		out = append(out, l)
	}
	return out
}

// StopAll stops every registered loop
func (r *Registry) StopAll() error {
	var errs error
	for _, l := range r.snapshot() {
		errs = multierr.Append(errs, l.Stop())
	}
	return errs
}

// RunAll initializes and starts every registered loop, then blocks until
// ctx is done and stops them all. If any loop fails to start the others
// are stopped and the first error is returned.
func (r *Registry) RunAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, l := range r.snapshot() {
		l := l
		g.Go(func() error {
			if err := l.Initialize(gctx); err != nil {
				return fmt.Errorf("%s: %w", l.ID(), err)
			}
			if err := l.Start(gctx); err != nil {
				return fmt.Errorf("%s: %w", l.ID(), err)
			}
			<-gctx.Done()
			err := l.Stop()
			l.Wait()
			return err
		})
	}
	err := g.Wait()
	if err != nil {
		logging.Error("cpl", err, "registry run failed")
	}
	return err
}

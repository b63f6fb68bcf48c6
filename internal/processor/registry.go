package processor

import (
	"fmt"
	"sync"
)

// Factory builds a stage from the job's dependencies.
type Factory func(d *Deps) Stage

// Registry maps stage names to factories. Stages are built on first Resolve
// and reused for the rest of the process.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]Stage
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		loaded:    make(map[string]Stage),
	}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.loaded, name)
}

// Names lists registered stage names.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

// Resolve returns the stages for names in the given order. Each stage is built
// once; resolving the same names again returns the same instances. Duplicate
// names resolve to a single entry.
func (r *Registry) Resolve(names []string, d *Deps) ([]Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make([]Stage, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		if s, ok := r.loaded[name]; ok {
			stages = append(stages, s)
			continue
		}
		f, ok := r.factories[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrStageNotFound, name)
		}
		var s Stage
		if f != nil {
			s = f(d)
		}
		if s == nil {
			return nil, fmt.Errorf("%w: %s", ErrStageNotImplemented, name)
		}
		r.loaded[name] = s
		stages = append(stages, s)
	}
	return stages, nil
}

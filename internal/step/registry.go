package step

import (
	"fmt"
	"sort"
	"sync"

	"dataflow/internal/config"
)

// Descriptor is the immutable definition a step is built from: the step's
// own configuration plus the pipeline-wide settings it may need.
type Descriptor struct {
	config.Step

	// Pipeline is the name of the owning pipeline.
	Pipeline string
	// Job labels metrics emitted by the step.
	Job     string
	Runtime config.RuntimeConfig
	Storage config.Storage
}

// Factory builds a step from its descriptor. b is the copy's runtime state,
// which the returned step must embed. Factories must not keep state shared
// between the steps they build.
type Factory func(d Descriptor, b *Base) (Step, error)

// Registry maps step types to factories. It is constructed once at startup
// and passed to whoever builds pipelines.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs the factory for a step type. Registering a type twice
// replaces the earlier factory.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// New builds the step described by d around b.
func (r *Registry) New(d Descriptor, b *Base) (Step, error) {
	r.mu.RLock()
	f, ok := r.factories[d.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("step: unknown type %q (registered: %v)", d.Type, r.Types())
	}
	s, err := f(d, b)
	if err != nil {
		return nil, fmt.Errorf("step: build %s (%s): %w", d.Name, d.Type, err)
	}
	return s, nil
}

// Types lists the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

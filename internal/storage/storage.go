// Package storage contains the backend-agnostic contracts used by
// storage-backed steps and by partitioner serialization: a step attribute
// store keyed by (pipeline id, step id, code), bulk row loading, and DDL.
//
// Backends (sqlite, postgres, mssql, mysql) live in subpackages and are
// installed into an explicit Registry; see storage/all.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"dataflow/internal/config"
)

// ErrUnsupportedKind is returned by Registry.New for an unknown backend.
var ErrUnsupportedKind = errors.New("storage: unsupported kind")

// AttributeTable holds step attributes in every backend.
const AttributeTable = "dataflow_step_attribute"

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string

	// Table and Columns are the defaults for CopyFrom callers that do not
	// name their own.
	Table   string
	Columns []string
}

// FromConfig converts the pipeline-level storage section.
func FromConfig(s config.Storage) Config {
	return Config{
		Kind:    s.Kind,
		DSN:     s.DB.DSN,
		Table:   s.DB.Table,
		Columns: append([]string(nil), s.DB.Columns...),
	}
}

// Repository is what backends implement.
type Repository interface {
	// SaveStepAttribute stores value under (pipelineID, stepID, code),
	// replacing any earlier value.
	SaveStepAttribute(ctx context.Context, pipelineID, stepID, code, value string) error
	// StepAttribute reads a stored value; ok is false when absent.
	StepAttribute(ctx context.Context, pipelineID, stepID, code string) (value string, ok bool, err error)

	// CopyFrom bulk-inserts rows aligned with columns into table and returns
	// the number of rows the backend reports as inserted.
	CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error)
	// EnsureTable creates td when it does not exist.
	EnsureTable(ctx context.Context, td TableDef) error
	// Exec runs a single statement, typically DDL.
	Exec(ctx context.Context, sql string) error

	Close()
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

// Registry maps backend kinds to factories. It is built once at startup and
// handed to whatever opens repositories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register installs (or replaces) the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New opens a repository for cfg.Kind.
func (r *Registry) New(ctx context.Context, cfg Config) (Repository, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnsupportedKind, cfg.Kind, r.Kinds())
	}
	repo, err := f(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", cfg.Kind, err)
	}
	return repo, nil
}

// Kinds lists the registered backends, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

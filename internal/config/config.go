// Package config defines the canonical, serializable model of a pipeline
// definition: steps, the hops connecting them, declared parameters, partition
// schemas and runtime knobs. Definitions are loaded from JSON or YAML files
// and passed through the program without additional glue code.
//
// Example (trimmed):
//
//	{
//	  "name": "orders",
//	  "mode": "parallel",
//	  "parameters": [ { "name": "LIMIT", "default": "100" } ],
//	  "partition_schemas": [ { "name": "p4", "partitions": ["P1","P2","P3","P4"] } ],
//	  "steps": [
//	    { "name": "gen",  "type": "rowgen", "options": { "rows": 1000 } },
//	    { "name": "sink", "type": "dummy",
//	      "partitioning": { "schema": "p4", "method": "mod", "field": "id" } }
//	  ],
//	  "hops": [ { "from": "gen", "to": "sink" } ]
//	}
package config

import "encoding/json"

// Execution modes a pipeline can be run under.
const (
	ModeParallel    = "parallel"
	ModeCooperative = "cooperative"
)

// Step ordering strategies for the cooperative engine.
const (
	OrderingTopological = "topological"
	OrderingCocktail    = "cocktail"
)

// Pipeline describes a full dataflow graph. It is the top-level object decoded
// from a pipeline file.
type Pipeline struct {
	// Name identifies the pipeline in logs and sub-pipeline status tables.
	Name string `json:"name" yaml:"name"`

	// Job labels metrics; defaults to Name.
	Job string `json:"job,omitempty" yaml:"job,omitempty"`

	// Mode selects the engine: "parallel" (default) runs one goroutine per
	// step copy, "cooperative" drives every copy from a single goroutine.
	Mode string `json:"mode,omitempty" yaml:"mode,omitempty"`

	// Parameters are the named parameters the pipeline declares. Values bound
	// at run time override the defaults.
	Parameters []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	Steps []Step `json:"steps" yaml:"steps"`
	Hops  []Hop  `json:"hops" yaml:"hops"`

	PartitionSchemas []PartitionSchema `json:"partition_schemas,omitempty" yaml:"partition_schemas,omitempty"`

	// Storage is the default connection used by storage-backed steps that do
	// not carry their own.
	Storage Storage       `json:"storage,omitempty" yaml:"storage,omitempty"`
	Runtime RuntimeConfig `json:"runtime,omitempty" yaml:"runtime,omitempty"`
}

// JobName returns Job, falling back to Name.
func (p Pipeline) JobName() string {
	if p.Job != "" {
		return p.Job
	}
	return p.Name
}

// Step looks up a step definition by name.
func (p Pipeline) Step(name string) (Step, bool) {
	for _, s := range p.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// PartitionSchema looks up a partition schema by name.
func (p Pipeline) PartitionSchema(name string) (PartitionSchema, bool) {
	for _, s := range p.PartitionSchemas {
		if s.Name == name {
			return s, true
		}
	}
	return PartitionSchema{}, false
}

// DeclaresParameter reports whether name is a declared parameter.
func (p Pipeline) DeclaresParameter(name string) bool {
	for _, prm := range p.Parameters {
		if prm.Name == name {
			return true
		}
	}
	return false
}

// RuntimeConfig controls row set sizing, polling and step ordering.
type RuntimeConfig struct {
	// RowSetSize is the capacity of each row set under the parallel engine.
	RowSetSize int `json:"rowset_size,omitempty" yaml:"rowset_size,omitempty"`

	// PollTimeoutMS bounds each blocking wait of a parallel step copy before
	// it re-checks the stop flag.
	PollTimeoutMS int `json:"poll_timeout_ms,omitempty" yaml:"poll_timeout_ms,omitempty"`

	// Ordering selects how the cooperative engine orders step copies:
	// "topological" (default) or "cocktail".
	Ordering string `json:"ordering,omitempty" yaml:"ordering,omitempty"`

	// BatchSize is the default flush size of storage-backed output steps.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`
}

// Step defines one processing unit of the graph.
type Step struct {
	Name string `json:"name" yaml:"name"`

	// Type selects the step implementation from the step registry.
	Type string `json:"type" yaml:"type"`

	// Copies is the number of parallel copies; 0 means 1. Partitioned steps
	// derive their copy count from the partition schema instead.
	Copies int `json:"copies,omitempty" yaml:"copies,omitempty"`

	// CopyRows sends every output row to every target step. By default rows
	// are distributed round-robin across targets.
	CopyRows bool `json:"copy_rows,omitempty" yaml:"copy_rows,omitempty"`

	// Partitioning routes incoming rows to this step's copies by partition.
	Partitioning *Partitioning `json:"partitioning,omitempty" yaml:"partitioning,omitempty"`

	// Options is a free-form map interpreted by the step implementation.
	Options Options `json:"options,omitempty" yaml:"options,omitempty"`
}

// CopyCount returns Copies, or 1 when unset.
func (s Step) CopyCount() int {
	if s.Copies > 0 {
		return s.Copies
	}
	return 1
}

// IsPartitioned reports whether the step has an active partitioning method.
func (s Step) IsPartitioned() bool {
	return s.Partitioning != nil && s.Partitioning.Method != "" && s.Partitioning.Method != "none"
}

// Partitioning configures how rows entering a step are spread over its
// copies.
type Partitioning struct {
	// Schema names an entry of Pipeline.PartitionSchemas.
	Schema string `json:"schema" yaml:"schema"`

	// Method selects the partitioner: "none" or "mod".
	Method string `json:"method" yaml:"method"`

	// Field is the column the "mod" partitioner routes on.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`

	// Normalize applies Unicode NFC normalization to string keys before
	// hashing, so canonically equal strings share a partition.
	Normalize bool `json:"normalize,omitempty" yaml:"normalize,omitempty"`
}

// Hop connects two steps.
type Hop struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`

	// Info marks a side-input hop: the target reads it as an info stream
	// rather than as primary input.
	Info bool `json:"info,omitempty" yaml:"info,omitempty"`

	// Disabled hops are ignored when the graph is built.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

// Parameter is a named parameter declared by a pipeline.
type Parameter struct {
	Name        string `json:"name" yaml:"name"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// PartitionSchema names a set of partitions.
type PartitionSchema struct {
	Name string `json:"name" yaml:"name"`

	// Partitions lists the partition ids of a static schema.
	Partitions []string `json:"partitions,omitempty" yaml:"partitions,omitempty"`

	// Dynamic schemas derive their partitions from the worker count.
	Dynamic bool `json:"dynamic,omitempty" yaml:"dynamic,omitempty"`

	// PartitionsPerWorker is the per-worker partition count of a dynamic
	// schema.
	PartitionsPerWorker int `json:"partitions_per_worker,omitempty" yaml:"partitions_per_worker,omitempty"`
}

// Storage selects the backend used by storage-backed steps.
type Storage struct {
	// Kind selects the backend: "sqlite", "postgres", "mssql" or "mysql".
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	DB DBConfig `json:"db,omitempty" yaml:"db,omitempty"`
}

// DBConfig configures a database connection.
type DBConfig struct {
	// DSN is the driver connection string.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// Table is the default target table of output steps.
	Table string `json:"table,omitempty" yaml:"table,omitempty"`

	// Columns enumerates the destination columns in COPY order.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`
}

// Options is a small helper to fetch typed values from arbitrary decoded maps.
// It performs only minimal type coercion and returns provided defaults when a
// key is absent or of an unexpected type.
type Options map[string]any

// String returns the string value for key or def if key is missing or not a string.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Bool returns the bool value for key or def if key is missing or not a bool.
func (o Options) Bool(key string, def bool) bool {
	if v, ok := o[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// Int returns the int value for key or def. JSON numbers are decoded as
// float64 and YAML numbers as int, so both are accepted.
func (o Options) Int(key string, def int) int {
	if v, ok := o[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n)
		case int:
			return n
		case int64:
			return int(n)
		}
	}
	return def
}

// Rune returns the first rune of a string value for key, or def if key is
// missing or empty.
func (o Options) Rune(key string, def rune) rune {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok && len(s) > 0 {
			return []rune(s)[0]
		}
	}
	return def
}

// StringMap returns a map[string]string for key when the value is an object
// whose values are strings. Non-string values are ignored.
func (o Options) StringMap(key string) map[string]string {
	res := map[string]string{}
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			for k, vv := range m {
				if s, ok := vv.(string); ok {
					res[k] = s
				}
			}
		}
	}
	return res
}

// StringSlice returns a []string for key when the value is an array of
// strings. Returns nil when the key is missing or the value is not an array.
func (o Options) StringSlice(key string) []string {
	if v, ok := o[key]; ok {
		switch vv := v.(type) {
		case []any:
			out := make([]string, 0, len(vv))
			for _, x := range vv {
				if s, ok := x.(string); ok {
					out = append(out, s)
				}
			}
			return out
		case []string:
			return vv
		}
	}
	return nil
}

// Any returns the raw value for key.
func (o Options) Any(key string) any {
	if v, ok := o[key]; ok {
		return v
	}
	return nil
}

// Sub returns the nested object stored under key as Options, or an empty
// Options when absent.
func (o Options) Sub(key string) Options {
	if v, ok := o[key]; ok {
		if m, ok := v.(map[string]any); ok {
			return Options(m)
		}
	}
	return Options{}
}

// UnmarshalJSON makes a missing or null "options" object decode to a non-nil,
// empty Options map.
func (o *Options) UnmarshalJSON(b []byte) error {
	var tmp map[string]any
	if len(b) == 0 || string(b) == "null" {
		*o = Options{}
		return nil
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*o = Options(tmp)
	return nil
}

// Package pipeline turns a pipeline definition into a runnable graph of step
// copies and drives it with the engine its mode selects.
//
// A Run owns everything one execution needs: the variable space, declared
// parameter values, the previous result handed down by an enclosing run, row
// listeners and the prepared graph. Runs are single-use.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/distribution"
	"dataflow/internal/engine"
	"dataflow/internal/partition"
	"dataflow/internal/row"
	"dataflow/internal/rowset"
	"dataflow/internal/step"
	"dataflow/internal/variables"

	"github.com/google/uuid"
)

// LogLevel controls how much a run logs.
type LogLevel int

const (
	LogBasic LogLevel = iota
	LogDetailed
	LogDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogDetailed:
		return "detailed"
	case LogDebug:
		return "debug"
	default:
		return "basic"
	}
}

// ParseLogLevel maps a level name to a LogLevel; "" is basic.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "basic":
		return LogBasic, nil
	case "detailed":
		return LogDetailed, nil
	case "debug":
		return LogDebug, nil
	default:
		return LogBasic, fmt.Errorf("pipeline: unknown log level %q", s)
	}
}

// Env holds the process-wide collaborators a run is built with.
type Env struct {
	Steps        *step.Registry
	Partitioners *partition.Registry

	// Distribution and Worker are set when this process is one worker of a
	// clustered run. Partitioned steps then get one copy per partition the
	// table assigns to Worker, and rows of other partitions are not
	// processed here.
	Distribution *distribution.Table
	Worker       string
}

func (e Env) clustered() bool { return e.Distribution != nil && e.Worker != "" }

// Options tune a run.
type Options struct {
	// Mode overrides the definition's execution mode when non-zero.
	Mode step.Mode

	// Parent is the enclosing run of a nested pipeline. The nested run
	// inherits its log level and arguments.
	Parent *Run
	// ShareVariables makes a nested run read and write the parent's
	// variable space. Otherwise it works on a snapshot of it.
	ShareVariables bool

	// Variables is the space a top-level run reads through to.
	Variables *variables.Space

	LogLevel LogLevel
	Args     []string
	Verbose  bool

	// RowSetSize overrides the row set capacity under the parallel mode.
	RowSetSize int
}

// Result is the outcome of a finished run.
type Result struct {
	RunID string

	// Meta and Rows hold the rows the run handed back to its caller.
	Meta *row.Meta
	Rows []row.Row

	Errors        int64
	LinesRead     int64
	LinesWritten  int64
	LinesRejected int64
	Stopped       bool
	Duration      time.Duration
}

// Run is one execution of a pipeline definition.
type Run struct {
	ID string

	def    config.Pipeline
	env    Env
	opts   Options
	mode   step.Mode
	vars   *variables.Space
	parent *Run

	mu         sync.Mutex
	params     map[string]string
	previous   *Result
	resultMeta *row.Meta
	resultRows []row.Row
	listeners  map[string][]step.RowListener
	graph      *step.Graph
	eng        engine.Engine

	stopped  atomic.Bool
	executed atomic.Bool
	done     chan struct{}
	result   *Result
	err      error
}

// New returns an unprepared run of def.
func New(def config.Pipeline, env Env, opts Options) (*Run, error) {
	if env.Steps == nil {
		return nil, fmt.Errorf("pipeline: %s: no step registry", def.Name)
	}
	if env.Partitioners == nil {
		env.Partitioners = partition.NewRegistry()
	}
	mode := opts.Mode
	if mode == 0 {
		m, err := step.ParseMode(def.Mode)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s: %w", def.Name, err)
		}
		mode = m
	}

	r := &Run{
		ID:        uuid.NewString(),
		def:       def,
		env:       env,
		opts:      opts,
		mode:      mode,
		parent:    opts.Parent,
		params:    map[string]string{},
		listeners: map[string][]step.RowListener{},
	}
	switch p := opts.Parent; {
	case p != nil && opts.ShareVariables:
		r.vars = p.vars
	case p != nil:
		r.vars = p.vars.Snapshot()
	case opts.Variables != nil:
		r.vars = opts.Variables.NewChild()
	default:
		r.vars = variables.New()
	}
	if p := opts.Parent; p != nil {
		if r.opts.LogLevel == LogBasic {
			r.opts.LogLevel = p.opts.LogLevel
		}
		if r.opts.Args == nil {
			r.opts.Args = p.opts.Args
		}
		r.opts.Verbose = r.opts.Verbose || p.opts.Verbose
	}
	return r, nil
}

func (r *Run) Name() string                { return r.def.Name }
func (r *Run) Env() Env                    { return r.env }
func (r *Run) Definition() config.Pipeline { return r.def }
func (r *Run) Mode() step.Mode             { return r.mode }
func (r *Run) Parent() *Run                { return r.parent }
func (r *Run) LogLevel() LogLevel          { return r.opts.LogLevel }
func (r *Run) Args() []string              { return r.opts.Args }
func (r *Run) Variables() *variables.Space { return r.vars }

// DeclaresParameter reports whether the definition declares name.
func (r *Run) DeclaresParameter(name string) bool { return r.def.DeclaresParameter(name) }

// SetParameterValue binds a declared parameter. Values take effect when the
// run is prepared.
func (r *Run) SetParameterValue(name, value string) error {
	if !r.def.DeclaresParameter(name) {
		return fmt.Errorf("pipeline: %s: parameter %q is not declared", r.def.Name, name)
	}
	r.mu.Lock()
	r.params[name] = value
	r.mu.Unlock()
	return nil
}

// ParameterValue returns the value bound to a parameter, falling back to its
// declared default.
func (r *Run) ParameterValue(name string) (string, bool) {
	r.mu.Lock()
	v, ok := r.params[name]
	r.mu.Unlock()
	if ok {
		return v, true
	}
	for _, p := range r.def.Parameters {
		if p.Name == name {
			return p.Default, true
		}
	}
	return "", false
}

// SetVariable assigns a variable in the run's space.
func (r *Run) SetVariable(name, value string) { r.vars.Set(name, value) }

// ActivateParameters copies every declared parameter into the variable
// space: the bound value when there is one, the default otherwise.
func (r *Run) ActivateParameters() {
	for _, p := range r.def.Parameters {
		v, _ := r.ParameterValue(p.Name)
		r.vars.Set(p.Name, v)
	}
}

// SetPreviousResult hands the run the result of whatever ran before it.
func (r *Run) SetPreviousResult(res *Result) {
	r.mu.Lock()
	r.previous = res
	r.mu.Unlock()
}

// PreviousResult returns the result set with SetPreviousResult, or nil.
func (r *Run) PreviousResult() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.previous
}

// AddResultRow appends a row to the rows the run hands back in its Result.
// Safe for concurrent use by step copies.
func (r *Run) AddResultRow(meta *row.Meta, rw row.Row) {
	r.mu.Lock()
	if r.resultMeta == nil {
		r.resultMeta = meta
	}
	r.resultRows = append(r.resultRows, rw.Clone())
	r.mu.Unlock()
}

// AddRowListener registers fn on every copy of the named step. Listeners
// added before Prepare are attached when the copies are built.
func (r *Run) AddRowListener(stepName string, fn step.RowListener) error {
	if _, ok := r.def.Step(stepName); !ok {
		return fmt.Errorf("pipeline: %s: unknown step %q", r.def.Name, stepName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.graph == nil {
		r.listeners[stepName] = append(r.listeners[stepName], fn)
		return nil
	}
	for _, c := range r.graph.CopiesOf(stepName) {
		c.Base().AddRowListener(fn)
	}
	return nil
}

// AddRowProducer attaches an extra input to one copy of a step and returns a
// producer feeding it. The caller must call Finished on the producer, or the
// step never sees the end of its input. Only valid between Prepare and
// Execute.
func (r *Run) AddRowProducer(stepName string, copyNr int) (*rowset.Producer, error) {
	r.mu.Lock()
	g := r.graph
	r.mu.Unlock()
	if g == nil {
		return nil, fmt.Errorf("pipeline: %s: add row producer before prepare", r.def.Name)
	}
	for _, c := range g.CopiesOf(stepName) {
		if c.Nr() == copyNr {
			rs := rowset.New(fmt.Sprintf("producer - %s", c.ID()), r.rowSetSize())
			c.Base().AddInput(rs)
			return rowset.NewProducer(rs), nil
		}
	}
	return nil, fmt.Errorf("pipeline: %s: no copy %d of step %q", r.def.Name, copyNr, stepName)
}

// Graph returns the prepared graph, or nil before Prepare.
func (r *Run) Graph() *step.Graph {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.graph
}

// StepStatuses snapshots every copy. It is empty before Prepare.
func (r *Run) StepStatuses() []step.CopyStatus {
	g := r.Graph()
	if g == nil {
		return nil
	}
	return g.Snapshot()
}

type runKey struct{}

// WithRun returns a context carrying r. Steps reach their run through it.
func WithRun(ctx context.Context, r *Run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

// RunFromContext returns the run carried by ctx.
func RunFromContext(ctx context.Context) (*Run, bool) {
	r, ok := ctx.Value(runKey{}).(*Run)
	return r, ok
}

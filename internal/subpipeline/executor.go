// Package subpipeline runs a nested pipeline once per batch of rows coming
// from an enclosing pipeline.
//
// Each batch becomes the previous result of a fresh nested run, parameters
// are bound from the batch's first row or from literals, and the rows the
// designated result step writes are handed back. An admission semaphore
// bounds how many batches can be in flight: callers take one permit per row
// with AcquireBufferPermit before dispatching, and Execute gives them back
// once the nested run is over.
package subpipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/metrics"
	"dataflow/internal/pipeline"
	"dataflow/internal/row"

	"golang.org/x/sync/semaphore"
)

// ErrBindingField is returned when a binding names a field the batch does
// not have.
var ErrBindingField = errors.New("subpipeline: binding field not in batch schema")

// DefaultPrefetch is the permit count when Config.Prefetch is unset.
const DefaultPrefetch = 1

// Binding sets one nested variable or parameter. The value comes from Field
// in the first row of the batch, or, when Field is empty, from Value with
// the parent's variables substituted.
type Binding struct {
	Variable string
	Field    string
	Value    string
}

// BindingsFromLists zips three parallel lists into bindings. The lists must
// have equal lengths.
func BindingsFromLists(vars, fields, values []string) ([]Binding, error) {
	if len(vars) != len(fields) || len(vars) != len(values) {
		return nil, fmt.Errorf("subpipeline: binding lists differ in length: %d variables, %d fields, %d values",
			len(vars), len(fields), len(values))
	}
	out := make([]Binding, len(vars))
	for i := range vars {
		if vars[i] == "" {
			return nil, fmt.Errorf("subpipeline: binding %d has no variable name", i)
		}
		out[i] = Binding{Variable: vars[i], Field: fields[i], Value: values[i]}
	}
	return out, nil
}

// Config describes the nested pipeline and how batches reach it.
type Config struct {
	Definition config.Pipeline

	// ShareVariables lets nested runs read and write the parent's variables
	// instead of a snapshot of them.
	ShareVariables bool

	// ResultStep names the nested step whose output is returned. Empty
	// returns no rows.
	ResultStep string

	// Prefetch is the number of admission permits.
	Prefetch int

	Bindings []Binding

	// GroupSize is the number of rows per batch. The executor runs whatever
	// batch it is given; callers use GroupSize to cut them.
	GroupSize int
}

// Executor runs nested pipelines. Execute may be called from several
// goroutines at once; the semaphore is the only limit on overlap.
type Executor struct {
	cfg    Config
	env    pipeline.Env
	parent *pipeline.Run
	job    string

	sem  *semaphore.Weighted
	held atomic.Int64

	stopped atomic.Bool

	activeMu sync.Mutex
	active   map[string]*pipeline.Run

	statuses *StatusTable
}

// New returns an executor. parent is the enclosing run and may be nil.
func New(cfg Config, env pipeline.Env, parent *pipeline.Run) (*Executor, error) {
	if env.Steps == nil {
		return nil, fmt.Errorf("subpipeline: %s: no step registry", cfg.Definition.Name)
	}
	if cfg.ResultStep != "" {
		if _, ok := cfg.Definition.Step(cfg.ResultStep); !ok {
			return nil, fmt.Errorf("subpipeline: %s: unknown result step %q", cfg.Definition.Name, cfg.ResultStep)
		}
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	job := cfg.Definition.JobName()
	if parent != nil {
		job = parent.Definition().JobName()
	}
	return &Executor{
		cfg:      cfg,
		env:      env,
		parent:   parent,
		job:      job,
		sem:      semaphore.NewWeighted(int64(cfg.Prefetch)),
		active:   map[string]*pipeline.Run{},
		statuses: NewStatusTable(),
	}, nil
}

func (e *Executor) Config() Config { return e.cfg }

// AcquireBufferPermit takes one admission permit, blocking until one is free
// or ctx is done.
func (e *Executor) AcquireBufferPermit(ctx context.Context) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("subpipeline: acquire permit: %w", err)
	}
	e.held.Add(1)
	return nil
}

// HeldPermits returns the number of permits acquired and not yet released.
func (e *Executor) HeldPermits() int64 { return e.held.Load() }

// release gives back up to n permits, never more than are held.
func (e *Executor) release(n int64) {
	for {
		h := e.held.Load()
		m := min(n, h)
		if m <= 0 {
			return
		}
		if e.held.CompareAndSwap(h, h-m) {
			e.sem.Release(m)
			return
		}
	}
}

// Execute runs the nested pipeline over one batch on the calling goroutine.
// It returns nil without running when the batch is empty or the executor is
// stopped. One permit per row of the batch is released when it returns,
// including when it does not run.
func (e *Executor) Execute(ctx context.Context, meta *row.Meta, batch []row.Row) (*pipeline.Result, error) {
	defer e.release(int64(len(batch)))
	if len(batch) == 0 || e.IsStopped() {
		return nil, nil
	}
	start := time.Now()
	name := e.cfg.Definition.Name

	run, err := pipeline.New(e.cfg.Definition, e.env, pipeline.Options{
		Parent:         e.parent,
		ShareVariables: e.cfg.ShareVariables,
	})
	if err != nil {
		return nil, err
	}
	if err := e.bind(run, meta, batch[0]); err != nil {
		metrics.RecordSubPipeline(e.job, name, err, time.Since(start))
		return nil, err
	}
	run.SetPreviousResult(&pipeline.Result{Meta: meta, Rows: batch})

	var (
		outMu   sync.Mutex
		outMeta *row.Meta
		out     []row.Row
	)
	if e.cfg.ResultStep != "" {
		err := run.AddRowListener(e.cfg.ResultStep, func(m *row.Meta, r row.Row) {
			outMu.Lock()
			if outMeta == nil {
				outMeta = m
			}
			out = append(out, r.Clone())
			outMu.Unlock()
		})
		if err != nil {
			return nil, err
		}
	}

	e.activeMu.Lock()
	e.active[run.ID] = run
	e.activeMu.Unlock()
	if e.IsStopped() {
		run.Stop()
	}
	if run.LogLevel() >= pipeline.LogDetailed {
		log.Printf("subpipeline: start name=%s run=%s rows=%d", name, run.ID, len(batch))
	}

	res, err := run.Execute(ctx)

	e.statuses.Merge(run.StepStatuses())
	// Stop may have marked the table before this run merged.
	if e.IsStopped() {
		e.statuses.MarkStopped()
	}
	e.activeMu.Lock()
	delete(e.active, run.ID)
	e.activeMu.Unlock()
	metrics.RecordSubPipeline(e.job, name, err, time.Since(start))

	if res != nil && e.cfg.ResultStep != "" {
		outMu.Lock()
		res.Meta, res.Rows = outMeta, out
		outMu.Unlock()
	}
	if err != nil {
		return res, fmt.Errorf("subpipeline: %w", err)
	}
	return res, nil
}

// bind applies every binding to run, as a parameter when the nested
// pipeline declares the name and as a variable otherwise.
func (e *Executor) bind(run *pipeline.Run, meta *row.Meta, first row.Row) error {
	for _, b := range e.cfg.Bindings {
		var value string
		if b.Field != "" {
			idx := -1
			if meta != nil {
				idx = meta.IndexOf(b.Field)
			}
			if idx < 0 || idx >= len(first) {
				return fmt.Errorf("%w: %q (binding %s)", ErrBindingField, b.Field, b.Variable)
			}
			value = row.Text(first[idx])
		} else if e.parent != nil {
			value = e.parent.Variables().Substitute(b.Value)
		} else {
			value = run.Variables().Substitute(b.Value)
		}

		if run.DeclaresParameter(b.Variable) {
			if err := run.SetParameterValue(b.Variable, value); err != nil {
				return err
			}
			continue
		}
		run.SetVariable(b.Variable, value)
	}
	return nil
}

// Stop rejects every later Execute call, stops the nested runs in flight and
// marks every tracked step stopped. Safe to call concurrently with Execute.
func (e *Executor) Stop() {
	e.stopped.Store(true)
	e.activeMu.Lock()
	runs := make([]*pipeline.Run, 0, len(e.active))
	for id, r := range e.active {
		runs = append(runs, r)
		delete(e.active, id)
	}
	e.activeMu.Unlock()
	for _, r := range runs {
		r.Stop()
	}
	e.statuses.MarkStopped()
}

func (e *Executor) IsStopped() bool { return e.stopped.Load() }

// Active returns the number of nested runs in flight.
func (e *Executor) Active() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// Statuses snapshots the cumulative nested step statuses.
func (e *Executor) Statuses() []StepStatus { return e.statuses.Snapshot() }

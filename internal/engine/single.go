package engine

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"dataflow/internal/scheduler"
	"dataflow/internal/step"

	"github.com/dustin/go-humanize"
)

// SingleThreaded drives every copy of a graph from the calling goroutine, in
// passes. Steps must support step.ModeCooperative and must be built over
// cooperative bases, so that reading an empty input yields instead of
// blocking.
type SingleThreaded struct {
	graph *step.Graph
	opts  Options
	job   string

	order   []*step.Copy
	started time.Time
	passes  int
	inited  bool

	stopped atomic.Bool
}

// NewSingleThreaded returns an engine for g.
func NewSingleThreaded(g *step.Graph, opts Options) *SingleThreaded {
	return &SingleThreaded{graph: g, opts: opts, job: jobName(opts)}
}

// Init checks that every copy supports the cooperative mode, orders the
// copies so producers come before their consumers and initializes them. No
// step is initialized when any copy lacks cooperative support.
func (e *SingleThreaded) Init(ctx context.Context) error {
	if e.inited {
		return nil
	}
	if err := checkModes(e.graph.Copies, step.ModeCooperative); err != nil {
		return err
	}

	if useCocktail(e.opts) {
		e.order = append([]*step.Copy(nil), e.graph.Copies...)
		n := scheduler.Cocktail(e.order, e.graph.Precedes)
		if e.opts.Verbose {
			log.Printf("engine: cocktail order settled after %d iteration(s)", n)
		}
	} else {
		order, err := e.graph.Order()
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		e.order = order
	}

	for _, c := range e.order {
		if !c.Step.Init(ctx) {
			c.SetStatus(step.StatusHalted)
			return fmt.Errorf("engine: init %s: %w", c.ID(), ErrInitFailed)
		}
		c.SetStatus(step.StatusRunning)
	}
	e.started = time.Now()
	e.inited = true
	return nil
}

// Order returns the processing order chosen by Init.
func (e *SingleThreaded) Order() []*step.Copy { return e.order }

// Passes returns how many passes have run.
func (e *SingleThreaded) Passes() int { return e.passes }

// OneIteration runs one pass over every unfinished copy in order. It returns
// true while some copy is unfinished and the engine has not been stopped. A
// copy reporting errors aborts the pass with an error wrapping
// ErrStepErrors.
func (e *SingleThreaded) OneIteration(ctx context.Context) (bool, error) {
	if !e.inited {
		return false, fmt.Errorf("engine: OneIteration before Init")
	}
	if e.IsStopped() || ctx.Err() != nil {
		return false, nil
	}
	e.passes++

	for _, c := range e.order {
		if e.IsStopped() || ctx.Err() != nil {
			break
		}
		if c.Status() != step.StatusRunning {
			continue
		}
		if err := e.turn(ctx, c); err != nil {
			return false, err
		}
	}

	remaining := 0
	for _, c := range e.order {
		if !c.Status().Finished() {
			remaining++
		}
	}
	if e.opts.Verbose {
		log.Printf("engine: pass=%d remaining=%d", e.passes, remaining)
	}
	return remaining > 0 && !e.IsStopped() && ctx.Err() == nil, nil
}

// turn gives one copy its share of a pass.
func (e *SingleThreaded) turn(ctx context.Context, c *step.Copy) error {
	s := c.Step
	more := true

	// Side inputs are drained first so lookups see complete reference data.
	for _, rs := range s.InfoRowSets() {
		for more {
			before := rs.Size()
			if before == 0 {
				break
			}
			more = s.ProcessRow(ctx)
			if s.Errors() > 0 {
				return e.halt(c)
			}
			if rs.Size() >= before {
				break
			}
		}
	}

	switch inputs := s.InputRowSets(); {
	case !more:

	case len(inputs) == 0:
		for more && !e.IsStopped() && ctx.Err() == nil {
			more = s.ProcessRow(ctx)
			if s.Errors() > 0 {
				return e.halt(c)
			}
		}

	default:
		// Rows arriving during this turn wait for the next pass.
		n := 0
		for _, rs := range inputs {
			n += rs.Size()
		}
		if n == 0 {
			n = 1
		}
		for i := 0; i < n && more; i++ {
			more = s.ProcessRow(ctx)
			if s.Errors() > 0 {
				return e.halt(c)
			}
		}
	}

	if err := s.BatchComplete(); err != nil {
		c.Base().AddError(fmt.Errorf("batch complete: %w", err))
		return e.halt(c)
	}

	if !more && c.Status() == step.StatusRunning {
		c.Base().SetOutputDone()
		c.SetStatus(step.StatusDone)
		record(e.job, c, nil, time.Since(e.started))
	}
	return nil
}

func (e *SingleThreaded) halt(c *step.Copy) error {
	c.SetStatus(step.StatusHalted)
	c.Base().SetOutputDone()
	err := stepError(c)
	record(e.job, c, err, time.Since(e.started))
	return err
}

// Run initializes the engine if needed and repeats passes until none is
// left to do.
func (e *SingleThreaded) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}
	for {
		more, err := e.OneIteration(ctx)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	var written int64
	for _, c := range e.order {
		written += c.Base().LinesWritten()
	}
	log.Printf("engine: cooperative run finished passes=%d copies=%d rows_written=%s in %s",
		e.passes, len(e.order), humanize.Comma(written), time.Since(e.started).Round(time.Millisecond))
	return ctx.Err()
}

// Stop halts the run after the current step call. Unfinished copies are
// marked stopped and their outputs closed. Safe to call from any goroutine.
func (e *SingleThreaded) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	for _, c := range e.graph.Copies {
		c.Base().Stop()
		if !c.Status().Finished() {
			c.SetStatus(step.StatusStopped)
		}
		c.Base().SetOutputDone()
	}
}

func (e *SingleThreaded) IsStopped() bool { return e.stopped.Load() }

// Dispose releases every copy's resources.
func (e *SingleThreaded) Dispose() {
	for _, c := range e.graph.Copies {
		c.Step.Dispose()
	}
}

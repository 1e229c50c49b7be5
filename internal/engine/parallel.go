package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dataflow/internal/step"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// Parallel runs every copy of a graph on its own goroutine. Copies talk
// through bounded row sets, so a slow consumer throttles its producers.
// The first copy to report errors cancels the others.
type Parallel struct {
	graph *step.Graph
	opts  Options
	job   string

	inited  bool
	stopped atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewParallel returns an engine for g.
func NewParallel(g *step.Graph, opts Options) *Parallel {
	return &Parallel{graph: g, opts: opts, job: jobName(opts)}
}

// Init checks mode support and initializes all copies concurrently. Every
// copy that fails is marked halted; the error names the first of them.
func (e *Parallel) Init(ctx context.Context) error {
	if e.inited {
		return nil
	}
	if err := checkModes(e.graph.Copies, step.ModeParallel); err != nil {
		return err
	}

	var g errgroup.Group
	for _, c := range e.graph.Copies {
		g.Go(func() error {
			if !c.Step.Init(ctx) {
				c.SetStatus(step.StatusHalted)
				return fmt.Errorf("engine: init %s: %w", c.ID(), ErrInitFailed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.inited = true
	return nil
}

// Run initializes the engine if needed and blocks until every copy has
// finished.
func (e *Parallel) Run(ctx context.Context) error {
	if err := e.Init(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	if e.IsStopped() {
		cancel()
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range e.graph.Copies {
		g.Go(func() error { return e.runCopy(gctx, c) })
	}
	err := g.Wait()

	var written int64
	for _, c := range e.graph.Copies {
		written += c.Base().LinesWritten()
	}
	if e.opts.Verbose || err != nil {
		log.Printf("engine: parallel run finished copies=%d rows_written=%s in %s err=%v",
			len(e.graph.Copies), humanize.Comma(written), time.Since(start).Round(time.Millisecond), err)
	}
	return err
}

func (e *Parallel) runCopy(ctx context.Context, c *step.Copy) error {
	start := time.Now()
	s, b := c.Step, c.Base()
	c.SetStatus(step.StatusRunning)
	defer b.SetOutputDone()

	for !b.IsStopped() && ctx.Err() == nil {
		if !s.ProcessRow(ctx) || s.Errors() > 0 {
			break
		}
	}
	if err := s.BatchComplete(); err != nil {
		b.AddError(fmt.Errorf("batch complete: %w", err))
	}

	var err error
	switch {
	case b.IsStopped() || ctx.Err() != nil:
		// Errors seen after cancellation are fallout of the stop.
		c.SetStatus(step.StatusStopped)
	case s.Errors() > 0:
		c.SetStatus(step.StatusHalted)
		err = stepError(c)
	default:
		c.SetStatus(step.StatusDone)
	}
	record(e.job, c, err, time.Since(start))
	if e.opts.Verbose {
		log.Printf("engine: copy=%s status=%s read=%d written=%d", c.ID(), c.Status(), b.LinesRead(), b.LinesWritten())
	}
	return err
}

// Stop asks every copy to finish and cancels blocked reads and writes. Safe
// to call from any goroutine.
func (e *Parallel) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	for _, c := range e.graph.Copies {
		c.Base().Stop()
	}
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Unlock()
}

func (e *Parallel) IsStopped() bool { return e.stopped.Load() }

// Dispose releases every copy's resources.
func (e *Parallel) Dispose() {
	for _, c := range e.graph.Copies {
		c.Step.Dispose()
	}
}

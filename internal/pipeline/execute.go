package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dustin/go-humanize"
)

// ErrAlreadyExecuted is returned when a run is executed a second time.
var ErrAlreadyExecuted = errors.New("pipeline: run already executed")

// Execute prepares the run if needed and drives it to completion on the
// calling goroutine. The result is returned even when the run fails. A run
// stopped before it starts returns a stopped result without running.
func (r *Run) Execute(ctx context.Context) (*Result, error) {
	if r.executed.Swap(true) {
		return nil, ErrAlreadyExecuted
	}
	start := time.Now()
	if r.IsStopped() {
		return r.collect(ctx, start, nil), nil
	}
	if err := r.Prepare(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	eng := r.eng
	r.mu.Unlock()
	err := eng.Run(WithRun(ctx, r))
	eng.Dispose()

	res := r.collect(ctx, start, err)
	if r.opts.LogLevel >= LogDetailed || err != nil {
		log.Printf("pipeline: finished name=%s run=%s read=%s written=%s rejected=%s errors=%d stopped=%t in %s",
			r.def.Name, r.ID, humanize.Comma(res.LinesRead), humanize.Comma(res.LinesWritten),
			humanize.Comma(res.LinesRejected), res.Errors, res.Stopped, res.Duration.Round(time.Millisecond))
	}
	if err != nil {
		return res, fmt.Errorf("pipeline: %s: %w", r.def.Name, err)
	}
	return res, nil
}

func (r *Run) collect(ctx context.Context, start time.Time, err error) *Result {
	res := &Result{
		RunID:    r.ID,
		Stopped:  r.IsStopped() || ctx.Err() != nil,
		Duration: time.Since(start),
	}
	for _, s := range r.StepStatuses() {
		res.Errors += s.Errors
		res.LinesRead += s.LinesRead
		res.LinesWritten += s.LinesWritten
		res.LinesRejected += s.LinesRejected
	}
	if err != nil && res.Errors == 0 && !res.Stopped {
		res.Errors = 1
	}
	r.mu.Lock()
	res.Meta, res.Rows = r.resultMeta, r.resultRows
	r.mu.Unlock()
	return res
}

// Start runs Execute on a new goroutine. Collect the outcome with Wait.
func (r *Run) Start(ctx context.Context) error {
	if err := r.Prepare(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return ErrAlreadyExecuted
	}
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		res, err := r.Execute(ctx)
		r.mu.Lock()
		r.result, r.err = res, err
		r.mu.Unlock()
	}()
	return nil
}

// Wait blocks until a run started with Start finishes.
func (r *Run) Wait() (*Result, error) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return nil, fmt.Errorf("pipeline: %s: wait on a run that was not started", r.def.Name)
	}
	<-done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err
}

// Stop halts the run. Stopping an unprepared run makes Execute return
// without running anything. Idempotent and safe from any goroutine.
func (r *Run) Stop() {
	if r.stopped.Swap(true) {
		return
	}
	r.mu.Lock()
	eng := r.eng
	r.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	if r.opts.LogLevel >= LogDetailed {
		log.Printf("pipeline: stop name=%s run=%s", r.def.Name, r.ID)
	}
}

func (r *Run) IsStopped() bool { return r.stopped.Load() }

// Package engine drives the step copies of a prepared graph to completion,
// either all from one goroutine (SingleThreaded) or with one goroutine per
// copy (Parallel).
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/metrics"
	"dataflow/internal/step"
)

var (
	// ErrStepErrors is returned when a step copy reports a non-zero error
	// count. The run is not retried.
	ErrStepErrors = errors.New("engine: step reported errors")
	// ErrInitFailed is returned when a step copy fails to initialize.
	ErrInitFailed = errors.New("engine: step initialization failed")
)

// Options tune an engine.
type Options struct {
	// Job labels metrics.
	Job string
	// Ordering selects how the single-threaded engine orders copies:
	// config.OrderingTopological (default) or config.OrderingCocktail.
	Ordering string
	// Verbose logs every pass.
	Verbose bool
}

// Engine is what a pipeline run drives.
type Engine interface {
	Init(ctx context.Context) error
	Run(ctx context.Context) error
	Stop()
	IsStopped() bool
	Dispose()
}

// New returns the engine for mode.
func New(mode step.Mode, g *step.Graph, opts Options) (Engine, error) {
	switch mode {
	case step.ModeParallel:
		return NewParallel(g, opts), nil
	case step.ModeCooperative:
		return NewSingleThreaded(g, opts), nil
	default:
		return nil, fmt.Errorf("engine: %w: %s", step.ErrUnsupportedMode, mode)
	}
}

// checkModes fails when any copy does not declare support for mode.
func checkModes(copies []*step.Copy, mode step.Mode) error {
	for _, c := range copies {
		if !c.Step.Modes().Has(mode) {
			return fmt.Errorf("engine: step %s cannot run %s: %w", c.ID(), mode, step.ErrUnsupportedMode)
		}
	}
	return nil
}

// stepError describes a copy that reported errors.
func stepError(c *step.Copy) error {
	b := c.Base()
	if first := b.Err(); first != nil {
		return fmt.Errorf("engine: step %s reported %d error(s): %w: %w", c.ID(), b.Errors(), ErrStepErrors, first)
	}
	return fmt.Errorf("engine: step %s reported %d error(s): %w", c.ID(), b.Errors(), ErrStepErrors)
}

// record emits the metrics of a copy that just finished.
func record(job string, c *step.Copy, err error, d time.Duration) {
	b := c.Base()
	metrics.RecordStep(job, c.Name(), err, d)
	metrics.RecordRows(job, "read", b.LinesRead())
	metrics.RecordRows(job, "written", b.LinesWritten())
	metrics.RecordRows(job, "rejected", b.LinesRejected())
}

func jobName(opts Options) string {
	if opts.Job != "" {
		return opts.Job
	}
	return "dataflow"
}

func useCocktail(opts Options) bool { return opts.Ordering == config.OrderingCocktail }

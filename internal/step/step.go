// Package step defines the contract every processing unit of a pipeline
// implements, the runtime copy of a step inside a prepared graph, and the
// explicit factory registry that builds steps from their descriptors.
//
// Step implementations embed *Base, which supplies row input and output,
// counters, listeners and the stop flag, and override ProcessRow plus
// whichever lifecycle hooks they need.
package step

import (
	"context"
	"errors"
	"strings"

	"dataflow/internal/config"
	"dataflow/internal/rowset"
)

// ErrUnsupportedMode is returned when a step is asked to run under an
// execution mode it does not declare.
var ErrUnsupportedMode = errors.New("step: execution mode not supported")

// Mode is an execution mode a step can run under.
type Mode uint8

const (
	// ModeParallel runs every step copy on its own goroutine.
	ModeParallel Mode = 1 << iota
	// ModeCooperative drives every step copy from a single goroutine.
	ModeCooperative
)

func (m Mode) String() string {
	switch m {
	case ModeParallel:
		return config.ModeParallel
	case ModeCooperative:
		return config.ModeCooperative
	default:
		return "unknown"
	}
}

// ParseMode maps a configuration mode name to a Mode; "" is parallel.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", config.ModeParallel:
		return ModeParallel, nil
	case config.ModeCooperative:
		return ModeCooperative, nil
	default:
		return 0, errors.New("step: unknown execution mode " + s)
	}
}

// ModeSet is the set of modes a step declares support for.
type ModeSet uint8

// Modes builds a ModeSet.
func Modes(ms ...Mode) ModeSet {
	var s ModeSet
	for _, m := range ms {
		s |= ModeSet(m)
	}
	return s
}

// Has reports whether m is in the set.
func (s ModeSet) Has(m Mode) bool { return s&ModeSet(m) != 0 }

// AllModes is what Base declares by default.
var AllModes = Modes(ModeParallel, ModeCooperative)

// Step is one processing unit. ProcessRow handles at most one unit of input
// per call and returns false once the step has no more output. Errors are
// reported through the error counter, not by unwinding.
type Step interface {
	Init(ctx context.Context) bool
	ProcessRow(ctx context.Context) bool
	BatchComplete() error
	Dispose()
	Errors() int64

	InputRowSets() []*rowset.RowSet
	InfoRowSets() []*rowset.RowSet
	OutputRowSets() []*rowset.RowSet
	Modes() ModeSet

	// StepBase exposes the shared runtime state embedded in every step.
	StepBase() *Base
}

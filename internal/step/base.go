package step

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/row"
	"dataflow/internal/rowset"
	"dataflow/internal/variables"
)

// DefaultPollTimeout bounds each wait of a parallel copy on an empty input.
const DefaultPollTimeout = 50 * time.Millisecond

// Fetch is the outcome of reading a row from a step's input.
type Fetch int

const (
	// Fetched means a row was returned.
	Fetched Fetch = iota
	// Wait means no row is buffered yet but more may arrive. Only returned
	// under the cooperative mode; the step should yield and return true.
	Wait
	// End means every input is done and drained, or the step was stopped.
	End
)

func (f Fetch) String() string {
	switch f {
	case Fetched:
		return "fetched"
	case Wait:
		return "wait"
	default:
		return "end"
	}
}

// RowListener observes every row a step writes.
type RowListener func(meta *row.Meta, r row.Row)

// Partitioner maps a row to a partition number.
type Partitioner interface {
	Partition(meta *row.Meta, r row.Row) (int, error)
}

// Target is the set of row sets leading from one step copy to the copies of
// one downstream step.
type Target struct {
	Step    string
	RowSets []*rowset.RowSet

	// Partitioner, when set, picks the lane of every row.
	Partitioner Partitioner
	// Lanes maps partition number to an index into RowSets, or to
	// RemoteLane for partitions owned by another worker. When nil the
	// partition number itself, modulo len(RowSets), is the lane.
	Lanes []int

	next int
}

// RemoteLane marks a partition handled by another worker. Rows routed to it
// are not delivered on this worker and count as rejected.
const RemoteLane = -1

// lane picks the row set a row goes to.
func (t *Target) lane(meta *row.Meta, r row.Row) (int, error) {
	if t.Partitioner != nil {
		p, err := t.Partitioner.Partition(meta, r)
		if err != nil {
			return 0, err
		}
		if t.Lanes == nil {
			return p % len(t.RowSets), nil
		}
		if p < 0 || p >= len(t.Lanes) || t.Lanes[p] >= len(t.RowSets) || t.Lanes[p] < RemoteLane {
			return 0, fmt.Errorf("partition %d has no lane towards %s", p, t.Step)
		}
		return t.Lanes[p], nil
	}
	if len(t.RowSets) == 1 {
		return 0, nil
	}
	l := t.next
	t.next = (t.next + 1) % len(t.RowSets)
	return l, nil
}

// Base carries the runtime state shared by every step implementation.
// A Base belongs to exactly one step copy and is driven by one goroutine at a
// time; counters and the stop flag may be read from any goroutine.
type Base struct {
	desc        Descriptor
	copyNr      int
	mode        Mode
	vars        *variables.Space
	pollTimeout time.Duration

	inputs       []*rowset.RowSet
	infos        []*rowset.RowSet
	infoBySource map[string][]*rowset.RowSet
	targets      []*Target
	nextInput    int
	nextInfo     int
	nextTarget   int

	listenersMu sync.Mutex
	listeners   []RowListener

	linesRead     atomic.Int64
	linesWritten  atomic.Int64
	linesRejected atomic.Int64
	errCount      atomic.Int64
	stopped       atomic.Bool
	outputDone    atomic.Bool

	errMu    sync.Mutex
	firstErr error
}

// NewBase returns the runtime state of copy copyNr of the described step.
// vars may be nil.
func NewBase(d Descriptor, copyNr int, mode Mode, vars *variables.Space) *Base {
	if vars == nil {
		vars = variables.New()
	}
	poll := DefaultPollTimeout
	if d.Runtime.PollTimeoutMS > 0 {
		poll = time.Duration(d.Runtime.PollTimeoutMS) * time.Millisecond
	}
	return &Base{
		desc:         d,
		copyNr:       copyNr,
		mode:         mode,
		vars:         vars,
		pollTimeout:  poll,
		infoBySource: map[string][]*rowset.RowSet{},
	}
}

func (b *Base) StepBase() *Base { return b }

func (b *Base) Name() string                { return b.desc.Name }
func (b *Base) CopyNr() int                 { return b.copyNr }
func (b *Base) ID() string                  { return fmt.Sprintf("%s.%d", b.desc.Name, b.copyNr) }
func (b *Base) Descriptor() Descriptor      { return b.desc }
func (b *Base) Options() config.Options     { return b.desc.Options }
func (b *Base) Mode() Mode                  { return b.mode }
func (b *Base) Variables() *variables.Space { return b.vars }

// Substitute resolves ${NAME} references against the step's variables.
func (b *Base) Substitute(s string) string { return b.vars.Substitute(s) }

// Default lifecycle hooks; steps override what they need.

func (b *Base) Init(ctx context.Context) bool { return true }
func (b *Base) BatchComplete() error          { return nil }
func (b *Base) Dispose()                      {}
func (b *Base) Modes() ModeSet                { return AllModes }

// AddInput attaches a primary input row set.
func (b *Base) AddInput(rs *rowset.RowSet) { b.inputs = append(b.inputs, rs) }

// AddInfo attaches a side-input row set coming from the named step.
func (b *Base) AddInfo(source string, rs *rowset.RowSet) {
	b.infos = append(b.infos, rs)
	b.infoBySource[source] = append(b.infoBySource[source], rs)
}

// AddTarget attaches the row sets leading to one downstream step.
func (b *Base) AddTarget(t *Target) { b.targets = append(b.targets, t) }

func (b *Base) Targets() []*Target                       { return b.targets }
func (b *Base) InputRowSets() []*rowset.RowSet           { return b.inputs }
func (b *Base) InfoRowSets() []*rowset.RowSet            { return b.infos }
func (b *Base) InfoSources() map[string][]*rowset.RowSet { return b.infoBySource }

// OutputRowSets lists every outgoing row set across all targets.
func (b *Base) OutputRowSets() []*rowset.RowSet {
	var out []*rowset.RowSet
	for _, t := range b.targets {
		out = append(out, t.RowSets...)
	}
	return out
}

// Errors returns the number of errors reported so far.
func (b *Base) Errors() int64 { return b.errCount.Load() }

// AddError counts and logs a processing error. The first error is kept for
// Err.
func (b *Base) AddError(err error) {
	if err == nil {
		return
	}
	b.errCount.Add(1)
	b.errMu.Lock()
	if b.firstErr == nil {
		b.firstErr = err
	}
	b.errMu.Unlock()
	log.Printf("step %s: error: %v", b.ID(), err)
}

// Err returns the first reported error, if any.
func (b *Base) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.firstErr
}

func (b *Base) LinesRead() int64     { return b.linesRead.Load() }
func (b *Base) LinesWritten() int64  { return b.linesWritten.Load() }
func (b *Base) LinesRejected() int64 { return b.linesRejected.Load() }

// IncRejected counts rows the step dropped on purpose.
func (b *Base) IncRejected(n int64) { b.linesRejected.Add(n) }

// Stop asks the step to finish. Input reads report End from now on.
func (b *Base) Stop() { b.stopped.Store(true) }

func (b *Base) IsStopped() bool { return b.stopped.Load() }

// SetOutputDone marks every outgoing row set done. Idempotent.
func (b *Base) SetOutputDone() {
	if b.outputDone.Swap(true) {
		return
	}
	for _, rs := range b.OutputRowSets() {
		rs.MarkDone()
	}
}

// OutputDone reports whether SetOutputDone has been called.
func (b *Base) OutputDone() bool { return b.outputDone.Load() }

// AddRowListener registers fn to observe every row this copy writes.
func (b *Base) AddRowListener(fn RowListener) {
	b.listenersMu.Lock()
	b.listeners = append(b.listeners, fn)
	b.listenersMu.Unlock()
}

func (b *Base) notify(meta *row.Meta, r row.Row) {
	b.listenersMu.Lock()
	ls := b.listeners
	b.listenersMu.Unlock()
	for _, fn := range ls {
		fn(meta, r)
	}
}

// GetRow reads the next row from the primary inputs, rotating over them.
// Under the parallel mode it waits for rows; under the cooperative mode it
// returns Wait instead of blocking.
func (b *Base) GetRow(ctx context.Context) (*row.Meta, row.Row, Fetch) {
	return b.fetch(ctx, b.inputs, &b.nextInput)
}

// GetInfoRow reads the next row from the side inputs fed by source, or from
// every side input when source is empty.
func (b *Base) GetInfoRow(ctx context.Context, source string) (*row.Meta, row.Row, Fetch) {
	if source == "" {
		return b.fetch(ctx, b.infos, &b.nextInfo)
	}
	var cursor int
	return b.fetch(ctx, b.infoBySource[source], &cursor)
}

func (b *Base) fetch(ctx context.Context, sets []*rowset.RowSet, cursor *int) (*row.Meta, row.Row, Fetch) {
	n := len(sets)
	if n == 0 {
		return nil, nil, End
	}
	for {
		if b.IsStopped() || ctx.Err() != nil {
			return nil, nil, End
		}
		finished := 0
		for i := 0; i < n; i++ {
			idx := (*cursor + i) % n
			rs := sets[idx]
			if meta, r, ok := rs.Get(); ok {
				*cursor = (idx + 1) % n
				b.linesRead.Add(1)
				return meta, r, Fetched
			}
			if rs.Finished() {
				finished++
			}
		}
		if finished == n {
			return nil, nil, End
		}
		if b.mode == ModeCooperative {
			return nil, nil, Wait
		}

		// Wait on the next unfinished set, then rescan all of them.
		for i := 0; i < n; i++ {
			idx := (*cursor + i) % n
			if sets[idx].Finished() {
				continue
			}
			if meta, r, ok := sets[idx].GetWithTimeout(b.pollTimeout); ok {
				*cursor = (idx + 1) % n
				b.linesRead.Add(1)
				return meta, r, Fetched
			}
			break
		}
	}
}

// PutRow writes a row downstream. Rows are distributed round-robin across
// target steps, or copied to every target when the step is configured with
// copy_rows. Within a target, partitioned steps receive the row on the copy
// that owns its partition and other multi-copy targets get round-robin
// distribution. Every lane is resolved before any row is written, so a
// routing error never leaves a row half delivered. A row whose partition
// lives on another worker is dropped and counted as rejected.
func (b *Base) PutRow(ctx context.Context, meta *row.Meta, r row.Row) error {
	switch {
	case len(b.targets) == 0:

	case !b.desc.CopyRows || len(b.targets) == 1:
		t := b.targets[b.nextTarget]
		lane, err := t.lane(meta, r)
		if err != nil {
			return fmt.Errorf("step %s: route to %s: %w", b.ID(), t.Step, err)
		}
		b.nextTarget = (b.nextTarget + 1) % len(b.targets)
		if lane == RemoteLane {
			b.linesRejected.Add(1)
			return nil
		}
		if err := b.put(ctx, t.RowSets[lane], meta, r); err != nil {
			return err
		}

	default:
		lanes := make([]int, len(b.targets))
		local := 0
		for i, t := range b.targets {
			lane, err := t.lane(meta, r)
			if err != nil {
				return fmt.Errorf("step %s: route to %s: %w", b.ID(), t.Step, err)
			}
			lanes[i] = lane
			if lane != RemoteLane {
				local++
			}
		}
		if local == 0 {
			b.linesRejected.Add(1)
			return nil
		}
		first := true
		for i, t := range b.targets {
			if lanes[i] == RemoteLane {
				continue
			}
			out := r
			if !first {
				out = r.Clone()
			}
			first = false
			if err := b.put(ctx, t.RowSets[lanes[i]], meta, out); err != nil {
				return err
			}
		}
	}

	b.linesWritten.Add(1)
	b.notify(meta, r)
	return nil
}

func (b *Base) put(ctx context.Context, rs *rowset.RowSet, meta *row.Meta, r row.Row) error {
	if b.mode == ModeCooperative {
		if !rs.Put(meta, r) {
			return fmt.Errorf("step %s: row set %s refused a row", b.ID(), rs.Name())
		}
		return nil
	}
	if err := rs.PutContext(ctx, meta, r); err != nil {
		return fmt.Errorf("step %s: put on %s: %w", b.ID(), rs.Name(), err)
	}
	return nil
}

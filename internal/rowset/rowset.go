// Package rowset implements the bounded row transport between one producing
// step copy and one consuming step copy.
//
// A RowSet is a FIFO of rows sharing one schema. The schema is fixed by the
// first row put on the set. Capacity is fixed at construction; a capacity of
// zero or less yields an unbounded queue, which the cooperative engine uses so
// a source can emit its whole output during a single pass.
//
// End of stream is signalled with MarkDone. Consumers treat an empty set that
// is done as finished, and an empty set that is not done as "wait".
//
// Waiters are woken by closing a broadcast channel that is replaced on every
// state change, so blocking calls can combine the wait with timers and
// context cancellation.
package rowset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dataflow/internal/row"
)

// ErrDone is returned by PutContext when the row set has already been marked
// done and can no longer accept rows.
var ErrDone = errors.New("rowset: put on a finished row set")

// RowSet is a bounded FIFO of rows between two step copies.
type RowSet struct {
	name     string
	capacity int

	mu      sync.Mutex
	meta    *row.Meta
	queue   []row.Row
	head    int
	done    bool
	changed chan struct{}
}

// New returns an empty row set. capacity <= 0 means unbounded.
func New(name string, capacity int) *RowSet {
	return &RowSet{
		name:     name,
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Name identifies the row set in logs, e.g. "source.0 - sink.1".
func (rs *RowSet) Name() string { return rs.name }

// Capacity returns the fixed capacity; zero or less means unbounded.
func (rs *RowSet) Capacity() int { return rs.capacity }

func (rs *RowSet) String() string {
	return fmt.Sprintf("rowset[%s size=%d done=%v]", rs.name, rs.Size(), rs.IsDone())
}

// Meta returns the schema fixed by the first row, or nil before any row.
func (rs *RowSet) Meta() *row.Meta {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.meta
}

// Size returns the number of buffered rows.
func (rs *RowSet) Size() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.queue) - rs.head
}

// IsDone reports whether MarkDone has been called.
func (rs *RowSet) IsDone() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done
}

// Finished reports whether the set is done and fully drained.
func (rs *RowSet) Finished() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.done && len(rs.queue) == rs.head
}

// MarkDone signals that no more rows will ever be appended. Idempotent.
func (rs *RowSet) MarkDone() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done {
		return
	}
	rs.done = true
	rs.signalLocked()
}

// Put appends a row without blocking. It returns false when the set is full
// or already done.
func (rs *RowSet) Put(meta *row.Meta, r row.Row) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.done || rs.fullLocked() {
		return false
	}
	rs.pushLocked(meta, r)
	return true
}

// PutBlocking appends a row, waiting up to timeout for space. It returns true
// once the row is admitted and false when the timeout elapses first or the
// set is done. A timeout is an ordinary outcome, not an error.
func (rs *RowSet) PutBlocking(meta *row.Meta, r row.Row, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		rs.mu.Lock()
		if rs.done {
			rs.mu.Unlock()
			return false
		}
		if !rs.fullLocked() {
			rs.pushLocked(meta, r)
			rs.mu.Unlock()
			return true
		}
		ch := rs.changed
		rs.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
}

// PutContext appends a row, blocking until there is space, the set is done
// (ErrDone) or ctx is cancelled.
func (rs *RowSet) PutContext(ctx context.Context, meta *row.Meta, r row.Row) error {
	for {
		rs.mu.Lock()
		if rs.done {
			rs.mu.Unlock()
			return ErrDone
		}
		if !rs.fullLocked() {
			rs.pushLocked(meta, r)
			rs.mu.Unlock()
			return nil
		}
		ch := rs.changed
		rs.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Get removes the oldest row without blocking. ok is false when the set is
// empty.
func (rs *RowSet) Get() (*row.Meta, row.Row, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.popLocked()
}

// GetWithTimeout removes the oldest row, waiting up to timeout for one to
// arrive. ok is false on timeout and when the set is finished; use Finished
// to tell the two apart.
func (rs *RowSet) GetWithTimeout(timeout time.Duration) (*row.Meta, row.Row, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		rs.mu.Lock()
		if m, r, ok := rs.popLocked(); ok {
			rs.mu.Unlock()
			return m, r, true
		}
		if rs.done {
			rs.mu.Unlock()
			return nil, nil, false
		}
		ch := rs.changed
		rs.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return nil, nil, false
		}
	}
}

func (rs *RowSet) fullLocked() bool {
	return rs.capacity > 0 && len(rs.queue)-rs.head >= rs.capacity
}

func (rs *RowSet) pushLocked(meta *row.Meta, r row.Row) {
	if rs.meta == nil {
		rs.meta = meta
	}
	rs.queue = append(rs.queue, r)
	rs.signalLocked()
}

func (rs *RowSet) popLocked() (*row.Meta, row.Row, bool) {
	if rs.head == len(rs.queue) {
		return nil, nil, false
	}
	r := rs.queue[rs.head]
	rs.queue[rs.head] = nil
	rs.head++
	switch {
	case rs.head == len(rs.queue):
		rs.queue = rs.queue[:0]
		rs.head = 0
	case rs.head > 64 && rs.head*2 > len(rs.queue):
		n := copy(rs.queue, rs.queue[rs.head:])
		rs.queue = rs.queue[:n]
		rs.head = 0
	}
	rs.signalLocked()
	return rs.meta, r, true
}

func (rs *RowSet) signalLocked() {
	close(rs.changed)
	rs.changed = make(chan struct{})
}

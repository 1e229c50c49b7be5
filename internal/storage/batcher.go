package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"dataflow/internal/metrics"

	"github.com/dustin/go-humanize"
)

// CopyFn abstracts a backend's bulk insert. Implementations insert rows
// aligned with columns and return the number of rows reported as inserted.
type CopyFn func(ctx context.Context, columns []string, rows [][]any) (int64, error)

// Batcher groups rows and hands them to a CopyFn once a batch is full or on
// an explicit Flush. Progress is logged on every successful flush with the
// running total and the rate since the previous flush.
//
// A Batcher is not safe for concurrent use.
type Batcher struct {
	job     string
	label   string
	columns []string
	size    int
	copyFn  CopyFn

	batch     [][]any
	total     int64
	batches   int64
	start     time.Time
	lastFlush time.Time
	lastTotal int64
}

// NewBatcher returns a batcher flushing every size rows. job labels metrics
// and label names the destination in logs.
func NewBatcher(job, label string, columns []string, size int, copyFn CopyFn) (*Batcher, error) {
	if size <= 0 {
		return nil, fmt.Errorf("storage: batch size must be > 0")
	}
	if copyFn == nil {
		return nil, fmt.Errorf("storage: copyFn must not be nil")
	}
	now := time.Now()
	return &Batcher{
		job:       job,
		label:     label,
		columns:   append([]string(nil), columns...),
		size:      size,
		copyFn:    copyFn,
		batch:     make([][]any, 0, size),
		start:     now,
		lastFlush: now,
	}, nil
}

// Add queues one row, flushing when the batch is full.
func (b *Batcher) Add(ctx context.Context, r []any) error {
	b.batch = append(b.batch, r)
	if len(b.batch) >= b.size {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes the pending rows, if any.
func (b *Batcher) Flush(ctx context.Context) error {
	if len(b.batch) == 0 {
		return nil
	}
	n, err := b.copyFn(ctx, b.columns, b.batch)
	b.total += n
	pending := len(b.batch)
	// The copy function is done with the rows; keep capacity.
	b.batch = b.batch[:0]
	if err != nil {
		log.Printf("storage: copy into %s failed rows=%d total=%d err=%v", b.label, pending, b.total, err)
		return fmt.Errorf("storage: copy into %s: %w", b.label, err)
	}

	b.batches++
	metrics.RecordBatches(b.job, 1)
	now := time.Now()
	sinceLast := now.Sub(b.lastFlush)
	rps := float64(0)
	if sinceLast > 0 {
		rps = float64(b.total-b.lastTotal) / sinceLast.Seconds()
	}
	log.Printf("storage: batch #%d table=%s rps=%s inserted=%d total_inserted=%s elapsed=%s",
		b.batches, b.label, humanize.Commaf(float64(int64(rps))), n, humanize.Comma(b.total),
		now.Sub(b.start).Truncate(time.Millisecond))
	b.lastFlush = now
	b.lastTotal = b.total
	return nil
}

// Pending returns the number of queued rows.
func (b *Batcher) Pending() int { return len(b.batch) }

// Total returns the number of rows reported inserted so far.
func (b *Batcher) Total() int64 { return b.total }

// Batches returns the number of successful flushes.
func (b *Batcher) Batches() int64 { return b.batches }

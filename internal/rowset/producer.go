package rowset

import (
	"context"
	"time"

	"dataflow/internal/row"
)

// Producer lets code outside the step graph feed rows into a running
// pipeline through one of its row sets.
type Producer struct {
	rs *RowSet
}

// NewProducer wraps rs.
func NewProducer(rs *RowSet) *Producer { return &Producer{rs: rs} }

// RowSet returns the wrapped row set.
func (p *Producer) RowSet() *RowSet { return p.rs }

// PutRow blocks until the row is admitted. It fails only when ctx is
// cancelled or the row set has been finished.
func (p *Producer) PutRow(ctx context.Context, meta *row.Meta, r row.Row) error {
	return p.rs.PutContext(ctx, meta, r)
}

// PutRowWithTimeout waits up to timeout for the row to be admitted.
func (p *Producer) PutRowWithTimeout(meta *row.Meta, r row.Row, timeout time.Duration) bool {
	return p.rs.PutBlocking(meta, r, timeout)
}

// Finished signals end of stream to the consumer.
func (p *Producer) Finished() { p.rs.MarkDone() }

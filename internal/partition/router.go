// Package partition assigns rows to parallel execution lanes.
//
// A Router maps a row to one of N partitions from the value of one field.
// Integer fields use their value directly; every other value is reduced to a
// stable 64-bit content hash (xxh3 over a canonical text form) so the same
// value lands on the same partition in every run and on every worker.
package partition

import (
	"errors"
	"fmt"
	"sync/atomic"

	"dataflow/internal/row"

	"github.com/zeebo/xxh3"
	"golang.org/x/text/unicode/norm"
)

// ErrFieldNotFound is returned when the partitioning field is not part of the
// row schema.
var ErrFieldNotFound = errors.New("partition: field not found in row schema")

// Router routes rows on one field. It is safe for concurrent use: the field
// index is resolved on first use per schema and cached.
type Router struct {
	field     string
	n         int
	normalize bool

	cached atomic.Pointer[resolved]
}

type resolved struct {
	meta  *row.Meta
	index int
	typ   row.ValueType
}

// NewRouter returns a router over n partitions. normalize applies Unicode NFC
// to string keys before hashing.
func NewRouter(field string, n int, normalize bool) (*Router, error) {
	if field == "" {
		return nil, fmt.Errorf("partition: empty field name")
	}
	if n <= 0 {
		return nil, fmt.Errorf("partition: partition count must be positive, got %d", n)
	}
	return &Router{field: field, n: n, normalize: normalize}, nil
}

func (r *Router) Field() string     { return r.field }
func (r *Router) NrPartitions() int { return r.n }

// Partition returns the partition of a row, in [0, NrPartitions()).
func (r *Router) Partition(meta *row.Meta, rw row.Row) (int, error) {
	res := r.cached.Load()
	if res == nil || res.meta != meta {
		idx := meta.IndexOf(r.field)
		if idx < 0 {
			return 0, fmt.Errorf("%w: %q", ErrFieldNotFound, r.field)
		}
		res = &resolved{meta: meta, index: idx, typ: meta.Value(idx).Type}
		r.cached.Store(res)
	}
	if res.index >= len(rw) {
		return 0, fmt.Errorf("partition: row has %d values, field %q is at %d", len(rw), r.field, res.index)
	}
	return Index(Value(rw[res.index], res.typ, r.normalize), r.n), nil
}

// Route is the uncached form of Router.Partition.
func Route(meta *row.Meta, rw row.Row, field string, n int) (int, error) {
	r, err := NewRouter(field, n, false)
	if err != nil {
		return 0, err
	}
	return r.Partition(meta, rw)
}

// Value reduces a cell to the signed 64-bit number routing is based on.
// Non-null cells of integer columns yield their value; everything else is
// hashed. Null hashes to 0.
func Value(v any, typ row.ValueType, normalize bool) int64 {
	if v == nil {
		return 0
	}
	if typ == row.Integer {
		if n, ok := row.AsInteger(v); ok {
			return n
		}
	}
	return Hash(v, normalize)
}

// Hash returns a stable content hash of a cell.
func Hash(v any, normalize bool) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(xxh3.Hash(x))
	case string:
		if normalize {
			x = norm.NFC.String(x)
		}
		return int64(xxh3.HashString(x))
	default:
		return int64(xxh3.HashString(row.Text(v)))
	}
}

// Index maps a routing value onto [0, n) as abs(v mod n). Taking the remainder
// first keeps math.MinInt64 in range.
func Index(v int64, n int) int {
	if n <= 0 {
		return 0
	}
	m := v % int64(n)
	if m < 0 {
		m = -m
	}
	return int(m)
}

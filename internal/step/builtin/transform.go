package builtin

import (
	"context"
	"errors"
	"fmt"

	"dataflow/internal/partition"
	"dataflow/internal/pipeline"
	"dataflow/internal/row"
	"dataflow/internal/step"
)

// lookup joins every main row with one field of a reference stream read from
// an info hop. The reference stream is read completely before the first main
// row is handled. Options: from (info step, default all info inputs), key,
// lookup_key (defaults to key), value, as (defaults to value).
type lookup struct {
	*step.Base
	from, key, lookupKey, value, as string

	loaded  bool
	valType row.ValueType
	table   map[string]any

	in, out *row.Meta
	keyIdx  int
}

func newLookup(d step.Descriptor, b *step.Base) (*lookup, error) {
	o := d.Options
	s := &lookup{
		Base:  b,
		from:  o.String("from", ""),
		key:   o.String("key", ""),
		value: o.String("value", ""),
		table: map[string]any{},
	}
	if s.key == "" || s.value == "" {
		return nil, errors.New("lookup: options key and value are required")
	}
	s.lookupKey = o.String("lookup_key", s.key)
	s.as = o.String("as", s.value)
	return s, nil
}

// load consumes one reference row. It reports whether the reference stream
// is complete.
func (s *lookup) load(ctx context.Context) (bool, error) {
	meta, r, f := s.GetInfoRow(ctx, s.from)
	switch f {
	case step.Wait:
		return false, nil
	case step.End:
		s.loaded = true
		return true, nil
	}
	ki, vi := meta.IndexOf(s.lookupKey), meta.IndexOf(s.value)
	if ki < 0 || vi < 0 {
		return false, fmt.Errorf("lookup: reference stream lacks %q or %q: %w", s.lookupKey, s.value, partition.ErrFieldNotFound)
	}
	s.valType = meta.Value(vi).Type
	s.table[row.Text(r[ki])] = r[vi]
	return false, nil
}

func (s *lookup) ProcessRow(ctx context.Context) bool {
	if !s.loaded {
		done, err := s.load(ctx)
		if err != nil {
			s.AddError(err)
			return false
		}
		if !done {
			return true
		}
	}

	meta, r, f := s.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		return false
	}
	if meta != s.in {
		s.keyIdx = meta.IndexOf(s.key)
		if s.keyIdx < 0 {
			s.AddError(fmt.Errorf("lookup: main stream lacks %q: %w", s.key, partition.ErrFieldNotFound))
			return false
		}
		s.in = meta
		s.out = meta.Append(row.ValueMeta{Name: s.as, Type: s.valType})
	}
	out := append(r.Clone(), s.table[row.Text(r[s.keyIdx])])
	if err := s.PutRow(ctx, s.out, out); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	return true
}

// resultRows hands every row to the enclosing run's result and passes it
// on.
type resultRows struct {
	*step.Base
	run *pipeline.Run
}

func (s *resultRows) Init(ctx context.Context) bool {
	run, ok := pipeline.RunFromContext(ctx)
	if !ok {
		s.AddError(errors.New("resultrows: not running inside a pipeline"))
		return false
	}
	s.run = run
	return true
}

func (s *resultRows) ProcessRow(ctx context.Context) bool {
	return forward(ctx, s.Base, func(meta *row.Meta, r row.Row) error {
		s.run.AddResultRow(meta, r)
		return nil
	})
}

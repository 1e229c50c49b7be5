package builtin

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dataflow/internal/row"
	"dataflow/internal/step"
	"dataflow/internal/storage"
)

// DefaultBatchSize is the tableoutput flush size when neither the step nor
// the pipeline runtime sets one.
const DefaultBatchSize = 1000

// tableOutput bulk-loads its input into a table and passes rows on.
// Options: kind and dsn (override the pipeline storage), table, columns,
// batch_size, create_table. Pending rows are flushed at the end of every
// engine batch and at end of input.
type tableOutput struct {
	*step.Base
	stores *storage.Registry

	cfg     storage.Config
	repo    storage.Repository
	table   string
	create  bool
	size    int
	columns []string

	meta    *row.Meta
	idx     []int
	batcher *storage.Batcher
}

func (s *tableOutput) Init(ctx context.Context) bool {
	d, o := s.Descriptor(), s.Options()
	s.cfg = storage.FromConfig(d.Storage)
	s.cfg.Kind = o.String("kind", s.cfg.Kind)
	s.cfg.DSN = s.Substitute(o.String("dsn", s.cfg.DSN))
	s.table = s.Substitute(o.String("table", s.cfg.Table))
	if s.table == "" {
		s.AddError(errors.New("tableoutput: no table configured"))
		return false
	}
	s.columns = o.StringSlice("columns")
	if len(s.columns) == 0 {
		s.columns = s.cfg.Columns
	}
	s.create = o.Bool("create_table", false)

	size, err := intOption(s.Base, "batch_size", d.Runtime.BatchSize)
	if err != nil {
		s.AddError(err)
		return false
	}
	if size <= 0 {
		size = DefaultBatchSize
	}
	s.size = size

	repo, err := s.stores.New(ctx, s.cfg)
	if err != nil {
		s.AddError(fmt.Errorf("tableoutput: %w", err))
		return false
	}
	s.repo = repo
	return true
}

// open resolves the column layout from the first row's schema.
func (s *tableOutput) open(ctx context.Context, meta *row.Meta) error {
	cols := s.columns
	if len(cols) == 0 {
		cols = meta.Names()
	}
	s.idx = make([]int, len(cols))
	for i, c := range cols {
		if s.idx[i] = meta.IndexOf(c); s.idx[i] < 0 {
			return fmt.Errorf("tableoutput: column %q not in input", c)
		}
	}
	if s.create {
		td, err := storage.TableFromMeta(s.table, meta, cols)
		if err != nil {
			return err
		}
		if err := s.repo.EnsureTable(ctx, td); err != nil {
			return err
		}
		log.Printf("step %s: table ensured: %s", s.ID(), s.table)
	}
	table := s.table
	b, err := storage.NewBatcher(s.Descriptor().Job, table, cols, s.size,
		func(ctx context.Context, columns []string, rows [][]any) (int64, error) {
			return s.repo.CopyFrom(ctx, table, columns, rows)
		})
	if err != nil {
		return err
	}
	s.meta, s.batcher = meta, b
	return nil
}

func (s *tableOutput) ProcessRow(ctx context.Context) bool {
	meta, r, f := s.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		if err := s.flush(ctx); err != nil {
			s.AddError(err)
		}
		return false
	}
	if s.batcher == nil {
		if err := s.open(ctx, meta); err != nil {
			s.AddError(err)
			return false
		}
	}
	vals := make([]any, len(s.idx))
	for i, j := range s.idx {
		vals[i] = r[j]
	}
	if err := s.batcher.Add(ctx, vals); err != nil {
		s.AddError(err)
		return false
	}
	if err := s.PutRow(ctx, meta, r); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	return true
}

func (s *tableOutput) flush(ctx context.Context) error {
	if s.batcher == nil {
		return nil
	}
	return s.batcher.Flush(ctx)
}

func (s *tableOutput) BatchComplete() error { return s.flush(context.Background()) }

func (s *tableOutput) Dispose() {
	if s.repo != nil {
		s.repo.Close()
	}
}

package builtin

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"dataflow/internal/pipeline"
	"dataflow/internal/row"
	"dataflow/internal/source"
	"dataflow/internal/step"
)

// rowGen emits rows with an increasing integer "id" and constant string
// fields. Options: rows (-1 is endless), start, fields (name to value).
type rowGen struct {
	*step.Base
	meta    *row.Meta
	consts  []any
	next    int64
	end     int64
	endless bool
}

func (s *rowGen) Init(ctx context.Context) bool {
	n, err := intOption(s.Base, "rows", 0)
	if err != nil {
		s.AddError(err)
		return false
	}
	start, err := intOption(s.Base, "start", 0)
	if err != nil {
		s.AddError(err)
		return false
	}
	s.next, s.end, s.endless = int64(start), int64(start)+int64(n), n < 0

	fields := s.Options().StringMap("fields")
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	vms := []row.ValueMeta{{Name: "id", Type: row.Integer}}
	for _, k := range names {
		vms = append(vms, row.ValueMeta{Name: k, Type: row.String})
		s.consts = append(s.consts, s.Substitute(fields[k]))
	}
	s.meta = row.NewMeta(vms...)
	return true
}

func (s *rowGen) ProcessRow(ctx context.Context) bool {
	if !s.endless && s.next >= s.end {
		return false
	}
	r := make(row.Row, 0, 1+len(s.consts))
	r = append(r, s.next)
	r = append(r, s.consts...)
	if err := s.PutRow(ctx, s.meta, r); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	s.next++
	return true
}

// rowsFromResult emits the rows of the enclosing run's previous result.
// Nested pipelines start with it to read the batch they were given.
type rowsFromResult struct {
	*step.Base
	res  *pipeline.Result
	next int
}

func (s *rowsFromResult) Init(ctx context.Context) bool {
	run, ok := pipeline.RunFromContext(ctx)
	if !ok {
		s.AddError(errors.New("rowsfromresult: not running inside a pipeline"))
		return false
	}
	s.res = run.PreviousResult()
	return true
}

func (s *rowsFromResult) ProcessRow(ctx context.Context) bool {
	if s.res == nil || s.next >= len(s.res.Rows) {
		return false
	}
	if err := s.PutRow(ctx, s.res.Meta, s.res.Rows[s.next]); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	s.next++
	return true
}

// maxLoggedRejects caps the per-row reject lines csvinput logs.
const maxLoggedRejects = 10

// csvInput reads a delimited file or http(s) URL. Options: file, delimiter,
// header (default true), fields (column names when there is no header), types
// (column name to type name), and for URLs retries, timeout_ms and
// insecure_skip_verify. Rows whose cells cannot be converted are rejected and
// counted, not fatal.
type csvInput struct {
	*step.Base
	f      io.ReadCloser
	r      *csv.Reader
	meta   *row.Meta
	line   int
	logged int
}

func (s *csvInput) Init(ctx context.Context) bool {
	o := s.Options()
	path := s.Substitute(o.String("file", ""))
	if path == "" {
		s.AddError(errors.New("csvinput: option file is required"))
		return false
	}
	f, err := source.For(path, source.Config{
		MaxRetries:         o.Int("retries", 0),
		Timeout:            time.Duration(o.Int("timeout_ms", 0)) * time.Millisecond,
		InsecureSkipVerify: o.Bool("insecure_skip_verify", false),
	}).Open(ctx)
	if err != nil {
		s.AddError(fmt.Errorf("csvinput: %w", err))
		return false
	}
	s.f = f
	s.r = csv.NewReader(f)
	s.r.Comma = o.Rune("delimiter", ',')
	s.r.FieldsPerRecord = -1

	names := o.StringSlice("fields")
	if o.Bool("header", true) {
		hdr, err := s.r.Read()
		if err != nil {
			s.AddError(fmt.Errorf("csvinput: %s: read header: %w", path, err))
			return false
		}
		s.line++
		if len(names) == 0 {
			names = source.StripHeaderBOM(hdr)
		}
	}
	if len(names) == 0 {
		s.AddError(fmt.Errorf("csvinput: %s: no header and no fields option", path))
		return false
	}
	types := o.StringMap("types")
	vms := make([]row.ValueMeta, len(names))
	for i, n := range names {
		vms[i] = row.ValueMeta{Name: n, Type: row.ParseType(types[n])}
	}
	s.meta = row.NewMeta(vms...)
	return true
}

func (s *csvInput) ProcessRow(ctx context.Context) bool {
	for {
		rec, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			return false
		}
		s.line++
		if err != nil {
			s.AddError(fmt.Errorf("csvinput: line %d: %w", s.line, err))
			return false
		}
		r, err := s.convert(rec)
		if err != nil {
			s.IncRejected(1)
			if s.logged < maxLoggedRejects {
				s.logged++
				log.Printf("step %s: line %d rejected: %v", s.ID(), s.line, err)
			}
			continue
		}
		if err := s.PutRow(ctx, s.meta, r); err != nil {
			if !s.IsStopped() {
				s.AddError(err)
			}
			return false
		}
		return true
	}
}

func (s *csvInput) convert(rec []string) (row.Row, error) {
	if len(rec) != s.meta.Len() {
		return nil, fmt.Errorf("got %d fields, want %d", len(rec), s.meta.Len())
	}
	r := make(row.Row, len(rec))
	for i, raw := range rec {
		v, err := row.Coerce(s.meta.Value(i).Type, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", s.meta.Value(i).Name, err)
		}
		r[i] = v
	}
	return r, nil
}

func (s *csvInput) Dispose() {
	if s.f != nil {
		_ = s.f.Close()
	}
}

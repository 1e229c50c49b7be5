package builtin

import (
	"context"
	"errors"
	"fmt"

	"dataflow/internal/config"
	"dataflow/internal/partition"
	"dataflow/internal/pipeline"
	"dataflow/internal/row"
	"dataflow/internal/step"
	"dataflow/internal/subpipeline"
)

// pipelineExecutor runs a nested pipeline for every group of input rows and
// writes the rows of the nested result step. Options: file, result_step,
// group_size (default 1), prefetch (at least group_size), share_variables,
// and the parallel lists variables, fields and values.
type pipelineExecutor struct {
	*step.Base
	steps *step.Registry
	parts *partition.Registry

	exec  *subpipeline.Executor
	group int
	meta  *row.Meta
	batch []row.Row
}

func (s *pipelineExecutor) Init(ctx context.Context) bool {
	exec, group, err := s.newExecutor(ctx)
	if err != nil {
		s.AddError(fmt.Errorf("pipeline_executor: %w", err))
		return false
	}
	s.exec, s.group = exec, group
	return true
}

func (s *pipelineExecutor) newExecutor(ctx context.Context) (*subpipeline.Executor, int, error) {
	o := s.Options()
	path := s.Substitute(o.String("file", ""))
	if path == "" {
		return nil, 0, errors.New("option file is required")
	}
	def, err := config.Load(path)
	if err != nil {
		return nil, 0, err
	}
	bindings, err := subpipeline.BindingsFromLists(o.StringSlice("variables"), o.StringSlice("fields"), o.StringSlice("values"))
	if err != nil {
		return nil, 0, err
	}
	group, err := intOption(s.Base, "group_size", 1)
	if err != nil {
		return nil, 0, err
	}
	group = max(group, 1)
	prefetch, err := intOption(s.Base, "prefetch", group)
	if err != nil {
		return nil, 0, err
	}

	// Permits are held per buffered row, so fewer permits than a group
	// would never let a batch fill up.
	parent, _ := pipeline.RunFromContext(ctx)
	exec, err := subpipeline.New(subpipeline.Config{
		Definition:     def,
		ShareVariables: o.Bool("share_variables", false),
		ResultStep:     o.String("result_step", ""),
		Prefetch:       max(prefetch, group),
		Bindings:       bindings,
		GroupSize:      group,
	}, pipeline.Env{Steps: s.steps, Partitioners: s.parts}, parent)
	if err != nil {
		return nil, 0, err
	}
	return exec, group, nil
}

func (s *pipelineExecutor) ProcessRow(ctx context.Context) bool {
	if s.IsStopped() {
		s.exec.Stop()
		return false
	}
	meta, r, f := s.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		if s.IsStopped() {
			s.exec.Stop()
			return false
		}
		s.flush(ctx)
		return false
	}

	if err := s.exec.AcquireBufferPermit(ctx); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	if s.meta == nil {
		s.meta = meta
	}
	s.batch = append(s.batch, r)
	if len(s.batch) >= s.group {
		return s.flush(ctx)
	}
	return true
}

// flush runs the nested pipeline over the buffered rows.
func (s *pipelineExecutor) flush(ctx context.Context) bool {
	if len(s.batch) == 0 {
		return true
	}
	batch := s.batch
	s.batch = nil
	res, err := s.exec.Execute(ctx, s.meta, batch)
	if err != nil {
		s.AddError(err)
		return false
	}
	if res == nil {
		return true
	}
	for _, out := range res.Rows {
		if err := s.PutRow(ctx, res.Meta, out); err != nil {
			if !s.IsStopped() {
				s.AddError(err)
			}
			return false
		}
	}
	return true
}

// Statuses exposes the cumulative nested step statuses.
func (s *pipelineExecutor) Statuses() []subpipeline.StepStatus {
	if s.exec == nil {
		return nil
	}
	return s.exec.Statuses()
}

func (s *pipelineExecutor) Dispose() {
	if s.exec != nil && s.IsStopped() {
		s.exec.Stop()
	}
}

// Package builtin provides the step types every dataflow binary ships with.
//
// Register installs them into an explicit step registry:
//
//	reg := step.NewRegistry()
//	builtin.Register(reg, builtin.Deps{Storage: stores, Partitioners: parts})
package builtin

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"dataflow/internal/partition"
	"dataflow/internal/row"
	"dataflow/internal/step"
	"dataflow/internal/storage"
)

// Step type names.
const (
	TypeRowGen           = "rowgen"
	TypeDummy            = "dummy"
	TypeLookup           = "lookup"
	TypeRowsFromResult   = "rowsfromresult"
	TypeResultRows       = "resultrows"
	TypeCSVInput         = "csvinput"
	TypeTableOutput      = "tableoutput"
	TypePipelineExecutor = "pipeline_executor"
)

// Deps are the collaborators some built-in steps need.
type Deps struct {
	// Storage opens repositories for tableoutput.
	Storage *storage.Registry
	// Partitioners is handed to nested pipelines run by pipeline_executor.
	Partitioners *partition.Registry
}

// Register installs every built-in step type into reg. pipeline_executor
// builds its nested pipelines from reg as well.
func Register(reg *step.Registry, deps Deps) {
	reg.Register(TypeRowGen, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &rowGen{Base: b}, nil
	})
	reg.Register(TypeDummy, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &dummy{Base: b}, nil
	})
	reg.Register(TypeLookup, func(d step.Descriptor, b *step.Base) (step.Step, error) {
		return newLookup(d, b)
	})
	reg.Register(TypeRowsFromResult, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &rowsFromResult{Base: b}, nil
	})
	reg.Register(TypeResultRows, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &resultRows{Base: b}, nil
	})
	reg.Register(TypeCSVInput, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &csvInput{Base: b}, nil
	})
	reg.Register(TypeTableOutput, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		if deps.Storage == nil {
			return nil, fmt.Errorf("no storage registry")
		}
		return &tableOutput{Base: b, stores: deps.Storage}, nil
	})
	reg.Register(TypePipelineExecutor, func(_ step.Descriptor, b *step.Base) (step.Step, error) {
		return &pipelineExecutor{Base: b, steps: reg, parts: deps.Partitioners}, nil
	})
}

// intOption reads an integer option. String values have variables
// substituted first, so "${LIMIT}" works.
func intOption(b *step.Base, key string, def int) (int, error) {
	switch v := b.Options().Any(key).(type) {
	case nil:
		return def, nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(b.Substitute(v)))
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return n, nil
	default:
		return b.Options().Int(key, def), nil
	}
}

// forward reads one input row and writes it on unchanged, calling fn first
// when set. It reports whether the step has more to do.
func forward(ctx context.Context, b *step.Base, fn func(meta *row.Meta, r row.Row) error) bool {
	meta, r, f := b.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		return false
	}
	if fn != nil {
		if err := fn(meta, r); err != nil {
			b.AddError(err)
			return false
		}
	}
	if err := b.PutRow(ctx, meta, r); err != nil {
		if !b.IsStopped() {
			b.AddError(err)
		}
		return false
	}
	return true
}

// dummy passes rows through unchanged.
type dummy struct{ *step.Base }

func (s *dummy) ProcessRow(ctx context.Context) bool { return forward(ctx, s.Base, nil) }

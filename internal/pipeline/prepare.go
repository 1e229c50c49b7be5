package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"dataflow/internal/config"
	"dataflow/internal/engine"
	"dataflow/internal/partition"
	"dataflow/internal/rowset"
	"dataflow/internal/step"
)

// DefaultRowSetSize is the row set capacity under the parallel mode when
// neither the options, the definition nor DATAFLOW_ROWSET_SIZE set one.
const DefaultRowSetSize = 10000

// rowSetSize is unbounded under the cooperative mode so a source can emit
// all its rows within one pass.
func (r *Run) rowSetSize() int {
	if r.mode == step.ModeCooperative {
		return 0
	}
	if r.opts.RowSetSize > 0 {
		return r.opts.RowSetSize
	}
	if r.def.Runtime.RowSetSize > 0 {
		return r.def.Runtime.RowSetSize
	}
	if v, err := strconv.Atoi(os.Getenv("DATAFLOW_ROWSET_SIZE")); err == nil && v > 0 {
		return v
	}
	return DefaultRowSetSize
}

// partitionPlan is how a partitioned step is laid out on this process.
type partitionPlan struct {
	step   config.Step
	schema partition.Schema
	copies int
	// lanes is nil for a local run, where copy i owns partition i.
	lanes []int
}

func (r *Run) planPartitions(s config.Step) (*partitionPlan, error) {
	if !s.IsPartitioned() {
		return nil, nil
	}
	cs, ok := r.def.PartitionSchema(s.Partitioning.Schema)
	if !ok {
		return nil, fmt.Errorf("step %s: unknown partition schema %q", s.Name, s.Partitioning.Schema)
	}
	schema := partition.FromConfig(cs)
	if !r.env.clustered() {
		schema = schema.Expand(1)
		return &partitionPlan{step: s, schema: schema, copies: schema.NrPartitions()}, nil
	}

	dist, worker := r.env.Distribution, r.env.Worker
	if orig, ok := dist.OriginalSchema(schema.Name); ok {
		schema = orig
	} else if schema.Dynamic {
		return nil, fmt.Errorf("step %s: dynamic schema %s is missing from the distribution table", s.Name, schema.Name)
	}
	n := dist.CopiesOn(worker, schema.Name)
	if n == 0 {
		return nil, fmt.Errorf("step %s: no partition of schema %s is assigned to worker %s", s.Name, schema.Name, worker)
	}
	return &partitionPlan{
		step:   s,
		schema: schema,
		copies: n,
		lanes:  dist.Lanes(worker, schema.Name, schema.NrPartitions()),
	}, nil
}

// Prepare validates the definition, activates parameters and builds the
// step copies, row sets and engine. Calling it again is a no-op.
func (r *Run) Prepare(ctx context.Context) error {
	if r.Graph() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := config.Err(config.ValidatePipeline(r.def, r.env.Steps.Types()...)); err != nil {
		return fmt.Errorf("pipeline: %s: invalid definition: %w", r.def.Name, err)
	}
	r.ActivateParameters()

	byName := make(map[string][]*step.Copy, len(r.def.Steps))
	plans := map[string]*partitionPlan{}
	var copies []*step.Copy
	for _, s := range r.def.Steps {
		plan, err := r.planPartitions(s)
		if err != nil {
			return fmt.Errorf("pipeline: %s: %w", r.def.Name, err)
		}
		n := s.CopyCount()
		if plan != nil {
			plans[s.Name] = plan
			n = plan.copies
		}
		desc := step.Descriptor{
			Step:     s,
			Pipeline: r.def.Name,
			Job:      r.def.JobName(),
			Runtime:  r.def.Runtime,
			Storage:  r.def.Storage,
		}
		for i := 0; i < n; i++ {
			st, err := r.env.Steps.New(desc, step.NewBase(desc, i, r.mode, r.vars))
			if err != nil {
				return fmt.Errorf("pipeline: %s: %w", r.def.Name, err)
			}
			c := step.NewCopy(st)
			byName[s.Name] = append(byName[s.Name], c)
			copies = append(copies, c)
		}
	}

	var edges []step.Edge
	for _, h := range r.def.Hops {
		if h.Disabled {
			continue
		}
		es, err := r.connect(h, byName[h.From], byName[h.To], plans[h.To])
		if err != nil {
			return fmt.Errorf("pipeline: %s: hop %s -> %s: %w", r.def.Name, h.From, h.To, err)
		}
		edges = append(edges, es...)
	}

	g := step.NewGraph(copies, edges)
	eng, err := engine.New(r.mode, g, engine.Options{
		Job:      r.def.JobName(),
		Ordering: r.def.Runtime.Ordering,
		Verbose:  r.opts.Verbose || r.opts.LogLevel >= LogDebug,
	})
	if err != nil {
		return fmt.Errorf("pipeline: %s: %w", r.def.Name, err)
	}

	r.mu.Lock()
	for name, fns := range r.listeners {
		for _, c := range byName[name] {
			for _, fn := range fns {
				c.Base().AddRowListener(fn)
			}
		}
	}
	r.graph, r.eng = g, eng
	r.mu.Unlock()
	if r.IsStopped() {
		eng.Stop()
	}

	if r.opts.LogLevel >= LogDetailed {
		log.Printf("pipeline: prepared name=%s run=%s mode=%s copies=%d edges=%d",
			r.def.Name, r.ID, r.mode, len(copies), len(edges))
	}
	return nil
}

// connect wires the copies of one hop. Partitioned targets get a full mesh
// with a partitioner per producing copy. Steps with the same number of
// copies are connected one to one; every other shape is a full mesh fed
// round-robin.
func (r *Run) connect(h config.Hop, from, to []*step.Copy, plan *partitionPlan) ([]step.Edge, error) {
	capacity := r.rowSetSize()
	var edges []step.Edge
	link := func(f, t *step.Copy) *rowset.RowSet {
		rs := rowset.New(fmt.Sprintf("%s - %s", f.ID(), t.ID()), capacity)
		if h.Info {
			t.Base().AddInfo(h.From, rs)
		} else {
			t.Base().AddInput(rs)
		}
		edges = append(edges, step.Edge{From: f, To: t, Info: h.Info, RowSet: rs})
		return rs
	}

	switch {
	case plan != nil && !h.Info:
		p := plan.step.Partitioning
		for _, f := range from {
			part, err := r.env.Partitioners.New(partition.Descriptor{
				Method:     p.Method,
				Field:      p.Field,
				Normalize:  p.Normalize,
				Partitions: plan.schema.NrPartitions(),
			})
			if err != nil {
				return nil, err
			}
			sets := make([]*rowset.RowSet, len(to))
			for j, t := range to {
				sets[j] = link(f, t)
			}
			f.Base().AddTarget(&step.Target{Step: h.To, RowSets: sets, Partitioner: part, Lanes: plan.lanes})
		}

	case len(from) == len(to) && len(from) > 1:
		for i, f := range from {
			f.Base().AddTarget(&step.Target{Step: h.To, RowSets: []*rowset.RowSet{link(f, to[i])}})
		}

	default:
		for _, f := range from {
			sets := make([]*rowset.RowSet, len(to))
			for j, t := range to {
				sets[j] = link(f, t)
			}
			f.Base().AddTarget(&step.Target{Step: h.To, RowSets: sets})
		}
	}
	return edges, nil
}

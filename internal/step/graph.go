package step

import (
	"fmt"
	"sync/atomic"

	"dataflow/internal/rowset"
	"dataflow/internal/scheduler"
)

// Status is the lifecycle state of a step copy.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusStopped
	StatusHalted
)

var statusNames = [...]string{"pending", "running", "done", "stopped", "halted"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// Finished reports whether s is terminal.
func (s Status) Finished() bool { return s >= StatusDone }

// Copy is one running instance of a step.
type Copy struct {
	Step Step

	status atomic.Int32
}

// NewCopy wraps s as a pending copy.
func NewCopy(s Step) *Copy { return &Copy{Step: s} }

func (c *Copy) Base() *Base        { return c.Step.StepBase() }
func (c *Copy) Name() string       { return c.Base().Name() }
func (c *Copy) Nr() int            { return c.Base().CopyNr() }
func (c *Copy) ID() string         { return c.Base().ID() }
func (c *Copy) Status() Status     { return Status(c.status.Load()) }
func (c *Copy) SetStatus(s Status) { c.status.Store(int32(s)) }

// CopyStatus is a point-in-time view of a copy.
type CopyStatus struct {
	Step          string
	Copy          int
	Status        Status
	LinesRead     int64
	LinesWritten  int64
	LinesRejected int64
	Errors        int64
}

// Snapshot captures the copy's counters and status.
func (c *Copy) Snapshot() CopyStatus {
	b := c.Base()
	return CopyStatus{
		Step:          b.Name(),
		Copy:          b.CopyNr(),
		Status:        c.Status(),
		LinesRead:     b.LinesRead(),
		LinesWritten:  b.LinesWritten(),
		LinesRejected: b.LinesRejected(),
		Errors:        b.Errors(),
	}
}

// Edge connects a producing copy to a consuming copy through one row set.
type Edge struct {
	From, To *Copy
	Info     bool
	RowSet   *rowset.RowSet
}

// Graph is the fixed set of copies and edges of a prepared pipeline.
type Graph struct {
	Copies []*Copy
	Edges  []Edge

	index     map[*Copy]int
	reachable map[string]map[string]bool
}

// NewGraph indexes copies and edges. The graph must not change afterwards.
func NewGraph(copies []*Copy, edges []Edge) *Graph {
	g := &Graph{
		Copies: copies,
		Edges:  edges,
		index:  make(map[*Copy]int, len(copies)),
	}
	for i, c := range copies {
		g.index[c] = i
	}

	next := map[string]map[string]bool{}
	for _, e := range edges {
		from, to := e.From.Name(), e.To.Name()
		if next[from] == nil {
			next[from] = map[string]bool{}
		}
		next[from][to] = true
	}
	g.reachable = make(map[string]map[string]bool, len(next))
	for from := range next {
		seen := map[string]bool{}
		stack := []string{from}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for m := range next[n] {
				if !seen[m] {
					seen[m] = true
					stack = append(stack, m)
				}
			}
		}
		g.reachable[from] = seen
	}
	return g
}

// CopiesOf returns the copies of the named step in copy order.
func (g *Graph) CopiesOf(name string) []*Copy {
	var out []*Copy
	for _, c := range g.Copies {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

// Precedes reports whether a's step feeds b's step, directly or through
// other steps.
func (g *Graph) Precedes(a, b *Copy) bool {
	return g.reachable[a.Name()][b.Name()]
}

// Order returns the copies in an order where every producer comes before the
// consumers it feeds, breaking ties by position in Copies.
func (g *Graph) Order() ([]*Copy, error) {
	edges := make([]scheduler.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, scheduler.Edge{From: g.index[e.From], To: g.index[e.To]})
	}
	idx, err := scheduler.Order(len(g.Copies), edges)
	if err != nil {
		return nil, fmt.Errorf("step: order graph: %w", err)
	}
	out := make([]*Copy, len(idx))
	for i, n := range idx {
		out[i] = g.Copies[n]
	}
	return out, nil
}

// Snapshot captures every copy's status in graph order.
func (g *Graph) Snapshot() []CopyStatus {
	out := make([]CopyStatus, len(g.Copies))
	for i, c := range g.Copies {
		out[i] = c.Snapshot()
	}
	return out
}

package subpipeline

import (
	"sync"

	"dataflow/internal/step"
)

// StepStatus is the cumulative view of one nested step across every run the
// executor has made.
type StepStatus struct {
	Step   string
	Status step.Status
	// Copies is the copy count seen in the latest run.
	Copies int
	Runs   int

	LinesRead     int64
	LinesWritten  int64
	LinesRejected int64
	Errors        int64
}

// StatusTable accumulates nested step statuses by step name. All access goes
// through its lock; readers get copies.
type StatusTable struct {
	mu     sync.Mutex
	byName map[string]*StepStatus
	order  []string
}

// NewStatusTable returns an empty table.
func NewStatusTable() *StatusTable {
	return &StatusTable{byName: map[string]*StepStatus{}}
}

// Merge folds the copy statuses of one finished run into the table. Counters
// add up across runs; the status is the latest one.
func (t *StatusTable) Merge(copies []step.CopyStatus) {
	seen := map[string]bool{}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range copies {
		s, ok := t.byName[c.Step]
		if !ok {
			s = &StepStatus{Step: c.Step}
			t.byName[c.Step] = s
			t.order = append(t.order, c.Step)
		}
		if !seen[c.Step] {
			seen[c.Step] = true
			s.Runs++
			s.Copies = 0
			s.Status = c.Status
		}
		s.Copies++
		s.Status = worse(s.Status, c.Status)
		s.LinesRead += c.LinesRead
		s.LinesWritten += c.LinesWritten
		s.LinesRejected += c.LinesRejected
		s.Errors += c.Errors
	}
}

// worse keeps the status that says most about a multi-copy step: halted
// beats stopped beats everything else.
func worse(a, b step.Status) step.Status {
	rank := func(s step.Status) int {
		switch s {
		case step.StatusHalted:
			return 2
		case step.StatusStopped:
			return 1
		default:
			return 0
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// MarkStopped sets every tracked step to stopped.
func (t *StatusTable) MarkStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.byName {
		s.Status = step.StatusStopped
	}
}

// Snapshot returns the table in first-seen order.
func (t *StatusTable) Snapshot() []StepStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StepStatus, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.byName[name])
	}
	return out
}

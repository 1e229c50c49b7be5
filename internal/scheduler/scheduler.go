// Package scheduler orders step copies so that every producer is processed
// before the consumers it feeds.
//
// Order is the primary entry point: a topological sort (Kahn) over node
// indices with ties broken by original position, so the same graph always
// yields the same order. Cyclic graphs are rejected with ErrCycle.
//
// Cocktail is the older adaptive heuristic kept for callers that only have a
// precedence predicate. It is bounded to 2*N outer iterations but does not
// guarantee a valid order for every partial order.
package scheduler

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
)

// ErrCycle is returned when the precedence graph contains a cycle.
var ErrCycle = errors.New("scheduler: precedence graph contains a cycle")

// Edge says node From must run before node To.
type Edge struct {
	From, To int
}

// CycleError lists the nodes that could not be ordered.
type CycleError struct {
	Nodes []int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: unordered nodes %v", ErrCycle, e.Nodes)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// Order returns a permutation of 0..n-1 in which, for every edge, From comes
// before To. Among nodes that are ready at the same time, the lower index
// goes first. Self-edges count as cycles.
func Order(n int, edges []Edge) ([]int, error) {
	indeg := make([]int, n)
	succ := make([][]int, n)
	for _, e := range edges {
		if e.From < 0 || e.From >= n || e.To < 0 || e.To >= n {
			return nil, fmt.Errorf("scheduler: edge %d->%d out of range [0,%d)", e.From, e.To, n)
		}
		succ[e.From] = append(succ[e.From], e.To)
		indeg[e.To]++
	}

	ready := &intHeap{}
	for i := 0; i < n; i++ {
		if indeg[i] == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, n)
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		order = append(order, i)
		for _, j := range succ[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	if len(order) < n {
		var left []int
		for i := 0; i < n; i++ {
			if indeg[i] > 0 {
				left = append(left, i)
			}
		}
		sort.Ints(left)
		return nil, &CycleError{Nodes: left}
	}
	return order, nil
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

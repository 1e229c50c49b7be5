package scheduler

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// randomDAG builds a DAG over n nodes whose edges follow a hidden random
// topological order, then returns the edges with node labels shuffled.
func randomDAG(rng *rand.Rand, n int) []Edge {
	perm := rng.Perm(n)
	var edges []Edge
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if rng.Intn(4) == 0 {
				edges = append(edges, Edge{From: perm[i], To: perm[j]})
			}
		}
	}
	return edges
}

// TestOrder_RandomDAGs checks that every edge is respected for random DAGs of
// 5 to 50 nodes.
func TestOrder_RandomDAGs(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		n := 5 + rng.Intn(46)
		edges := randomDAG(rng, n)

		order, err := Order(n, edges)
		if err != nil {
			t.Fatalf("trial %d: Order: %v", trial, err)
		}
		if len(order) != n {
			t.Fatalf("trial %d: order has %d nodes, want %d", trial, len(order), n)
		}
		pos := make([]int, n)
		for i, v := range order {
			pos[v] = i
		}
		for _, e := range edges {
			if pos[e.From] >= pos[e.To] {
				t.Fatalf("trial %d: edge %d->%d violated (pos %d >= %d)", trial, e.From, e.To, pos[e.From], pos[e.To])
			}
		}
	}
}

func TestOrder_StableTieBreak(t *testing.T) {
	t.Parallel()

	// 3 -> 0, everything else independent.
	order, err := Order(5, []Edge{{From: 3, To: 0}})
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	want := []int{1, 2, 3, 0, 4}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestOrder_Cycle(t *testing.T) {
	t.Parallel()

	_, err := Order(4, []Edge{{0, 1}, {1, 2}, {2, 1}, {2, 3}})
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("err is not a *CycleError: %T", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, ce.Nodes); diff != "" {
		t.Fatalf("cycle nodes (-want +got):\n%s", diff)
	}

	if _, err := Order(1, []Edge{{0, 0}}); !errors.Is(err, ErrCycle) {
		t.Fatalf("self edge err = %v, want ErrCycle", err)
	}
}

func TestOrder_EdgeOutOfRange(t *testing.T) {
	t.Parallel()

	if _, err := Order(2, []Edge{{0, 5}}); err == nil {
		t.Fatalf("expected range error")
	}
}

// TestCocktail_TerminatesWithinBound runs the heuristic over random inputs,
// including cyclic predicates, and checks the 2*N iteration cap.
func TestCocktail_TerminatesWithinBound(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(11))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(40)
		items := rng.Perm(n)
		var precedes func(a, b int) bool
		if trial%2 == 0 {
			precedes = func(a, b int) bool { return a < b }
		} else {
			// Cyclic relation: a precedes b when b == a+1 mod n.
			precedes = func(a, b int) bool { return b == (a+1)%n }
		}
		if it := Cocktail(items, precedes); it > 2*n {
			t.Fatalf("trial %d: %d iterations for n=%d", trial, it, n)
		}
	}
}

func TestCocktail_SortsChain(t *testing.T) {
	t.Parallel()

	items := []int{4, 2, 0, 3, 1}
	Cocktail(items, func(a, b int) bool { return a < b })
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, items); diff != "" {
		t.Fatalf("sorted mismatch (-want +got):\n%s", diff)
	}
}

func TestCocktail_AlreadySortedStopsEarly(t *testing.T) {
	t.Parallel()

	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	if it := Cocktail(items, func(a, b int) bool { return a < b }); it != 1 {
		t.Fatalf("iterations = %d, want 1 for sorted input", it)
	}
}

/*
TestCocktail_UnrelatedItemBlocksSwap verifies that Cocktail only compares
neighbours: a consumer, an unrelated item and its producer keep their order,
while Order places the producer first.
*/
func TestCocktail_UnrelatedItemBlocksSwap(t *testing.T) {
	t.Parallel()

	items := []string{"consumer", "other", "producer"}
	precedes := func(a, b string) bool { return a == "producer" && b == "consumer" }
	Cocktail(items, precedes)
	if diff := cmp.Diff([]string{"consumer", "other", "producer"}, items); diff != "" {
		t.Fatalf("cocktail order (-want +got):\n%s", diff)
	}

	order, err := Order(3, []Edge{{From: 2, To: 0}})
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 0}, order); diff != "" {
		t.Fatalf("kahn order (-want +got):\n%s", diff)
	}
}

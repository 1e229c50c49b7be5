package scheduler

// Cocktail sorts items in place with a bidirectional bubble sort over a
// shrinking [low, high) window, swapping adjacent pairs where the right item
// must precede the left one. It returns the number of outer iterations run.
//
// A forward sweep without swaps raises low; a backward sweep without swaps
// lowers high. Forward sweeps are switched off after two consecutive idle
// ones. The loop stops when the window closes, when a whole iteration swaps
// nothing, or after 2*len(items) iterations.
//
// Only neighbours are compared, so an item unrelated to both sides of a
// dependency prevents the swap. The result is not a topological order; use
// Order for that.
func Cocktail[T any](items []T, precedes func(a, b T) bool) int {
	n := len(items)
	low, high := 0, n
	forward := true
	idleForward := 0

	iterations := 0
	for iterations < 2*n && low < high {
		iterations++
		changed := false

		if forward {
			swapped := false
			for i := low; i < high-1; i++ {
				if precedes(items[i+1], items[i]) {
					items[i], items[i+1] = items[i+1], items[i]
					swapped = true
				}
			}
			if swapped {
				changed = true
				idleForward = 0
			} else {
				low++
				idleForward++
				if idleForward >= 2 {
					forward = false
				}
			}
		}

		swapped := false
		for i := high - 1; i > low; i-- {
			if precedes(items[i], items[i-1]) {
				items[i], items[i-1] = items[i-1], items[i]
				swapped = true
			}
		}
		if swapped {
			changed = true
		} else {
			high--
		}

		if !changed {
			break
		}
	}
	return iterations
}

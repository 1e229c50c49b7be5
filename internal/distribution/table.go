// Package distribution fixes which worker and step copy owns which partition
// during a clustered run.
//
// The table is built once, before workers start, and shipped to every worker
// as an XML document. Workers only read it afterwards.
package distribution

import (
	"sort"
	"sync"

	"dataflow/internal/partition"
)

// Key identifies one step copy of a partitioned step on one worker.
type Key struct {
	Worker string
	Schema string
	Copy   int
}

// Entry is one row of the table.
type Entry struct {
	Key
	Partition int
}

// Table maps (worker, partition schema, step copy) to a partition number.
type Table struct {
	mu       sync.RWMutex
	entries  map[Key]int
	original []partition.Schema
}

// New returns an empty table.
func New() *Table {
	return &Table{entries: map[Key]int{}}
}

// Set assigns a partition, replacing any previous assignment.
func (t *Table) Set(worker, schema string, copyNr, part int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[Key{worker, schema, copyNr}] = part
}

// GetOrAssign returns the partition of a key, allocating the next number for
// the schema when the key is new. Numbers per schema are handed out densely
// from 0 as long as only GetOrAssign inserts into that schema.
func (t *Table) GetOrAssign(worker, schema string, copyNr int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := Key{worker, schema, copyNr}
	if p, ok := t.entries[k]; ok {
		return p
	}
	next := 0
	for ek := range t.entries {
		if ek.Schema == schema {
			next++
		}
	}
	t.entries[k] = next
	return next
}

// Lookup returns the partition of a key, or -1 when absent.
func (t *Table) Lookup(worker, schema string, copyNr int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if p, ok := t.entries[Key{worker, schema, copyNr}]; ok {
		return p
	}
	return -1
}

// Len returns the number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries lists all entries ordered by schema, worker and copy.
func (t *Table) Entries() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for k, p := range t.entries {
		out = append(out, Entry{Key: k, Partition: p})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Schema != b.Schema {
			return a.Schema < b.Schema
		}
		if a.Worker != b.Worker {
			return a.Worker < b.Worker
		}
		return a.Copy < b.Copy
	})
	return out
}

// SetOriginalSchemas embeds the schema definitions the table was built from.
func (t *Table) SetOriginalSchemas(schemas []partition.Schema) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.original = append([]partition.Schema(nil), schemas...)
}

// OriginalSchemas returns the embedded schema definitions, if any.
func (t *Table) OriginalSchemas() []partition.Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]partition.Schema(nil), t.original...)
}

// OriginalSchema looks up an embedded schema by name.
func (t *Table) OriginalSchema(name string) (partition.Schema, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.original {
		if s.Name == name {
			return s, true
		}
	}
	return partition.Schema{}, false
}

// Assign builds a table spreading the partitions of every schema over the
// workers: partition p goes to worker p mod len(workers), on that worker's
// next free copy. Dynamic schemas are expanded for the worker count first,
// and the expanded definitions are embedded in the table.
func Assign(workers []string, schemas ...partition.Schema) *Table {
	t := New()
	if len(workers) == 0 {
		return t
	}
	expanded := make([]partition.Schema, 0, len(schemas))
	for _, s := range schemas {
		s = s.Expand(len(workers))
		expanded = append(expanded, s)

		copies := make(map[string]int, len(workers))
		for p := 0; p < s.NrPartitions(); p++ {
			w := workers[p%len(workers)]
			t.GetOrAssign(w, s.Name, copies[w])
			copies[w]++
		}
	}
	t.SetOriginalSchemas(expanded)
	return t
}

// CopiesOn returns how many copies of a step partitioned by schema run on
// worker.
func (t *Table) CopiesOn(worker, schema string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for k := range t.entries {
		if k.Worker == worker && k.Schema == schema {
			n++
		}
	}
	return n
}

// Lanes maps every partition of schema to the copy that owns it on worker,
// or -1 when another worker owns it. The result is indexed by partition.
func (t *Table) Lanes(worker, schema string, nrPartitions int) []int {
	lanes := make([]int, nrPartitions)
	for i := range lanes {
		lanes[i] = -1
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, p := range t.entries {
		if k.Worker == worker && k.Schema == schema && p >= 0 && p < nrPartitions {
			lanes[p] = k.Copy
		}
	}
	return lanes
}

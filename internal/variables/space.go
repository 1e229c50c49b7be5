// Package variables holds the name/value variable space a pipeline run
// resolves ${NAME} references against. Spaces chain to an optional parent:
// lookups fall through to the parent, writes stay local.
package variables

import (
	"os"
	"sort"
	"strings"
	"sync"
)

// Space is a concurrency-safe set of variables with an optional parent.
type Space struct {
	parent *Space

	mu   sync.RWMutex
	vars map[string]string
}

// New returns an empty root space.
func New() *Space { return &Space{vars: map[string]string{}} }

// FromEnviron returns a root space seeded with the process environment.
func FromEnviron() *Space {
	s := New()
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			s.vars[k] = v
		}
	}
	return s
}

// NewChild returns an empty space reading through to s.
func (s *Space) NewChild() *Space {
	return &Space{parent: s, vars: map[string]string{}}
}

// Parent returns the parent space, or nil for a root.
func (s *Space) Parent() *Space { return s.parent }

// Set assigns a variable in this space.
func (s *Space) Set(name, value string) {
	s.mu.Lock()
	s.vars[name] = value
	s.mu.Unlock()
}

// Get resolves a variable, falling through to parents.
func (s *Space) Get(name string) (string, bool) {
	for sp := s; sp != nil; sp = sp.parent {
		sp.mu.RLock()
		v, ok := sp.vars[name]
		sp.mu.RUnlock()
		if ok {
			return v, true
		}
	}
	return "", false
}

// Value resolves a variable or returns def.
func (s *Space) Value(name, def string) string {
	if v, ok := s.Get(name); ok {
		return v
	}
	return def
}

// Names lists every visible variable name, sorted.
func (s *Space) Names() []string {
	seen := map[string]struct{}{}
	for sp := s; sp != nil; sp = sp.parent {
		sp.mu.RLock()
		for k := range sp.vars {
			seen[k] = struct{}{}
		}
		sp.mu.RUnlock()
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot flattens the visible variables into a fresh root space.
func (s *Space) Snapshot() *Space {
	out := New()
	for _, k := range s.Names() {
		v, _ := s.Get(k)
		out.vars[k] = v
	}
	return out
}

// Substitute replaces ${NAME} references with their values. Unknown names are
// left untouched so that a later, wider space can still resolve them.
func (s *Space) Substitute(in string) string {
	if !strings.Contains(in, "${") {
		return in
	}
	var b strings.Builder
	b.Grow(len(in))
	for {
		i := strings.Index(in, "${")
		if i < 0 {
			b.WriteString(in)
			return b.String()
		}
		j := strings.IndexByte(in[i+2:], '}')
		if j < 0 {
			b.WriteString(in)
			return b.String()
		}
		name := in[i+2 : i+2+j]
		b.WriteString(in[:i])
		if v, ok := s.Get(name); ok {
			b.WriteString(v)
		} else {
			b.WriteString(in[i : i+3+j])
		}
		in = in[i+3+j:]
	}
}

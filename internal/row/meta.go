// Package row defines the row model that flows between step copies: an
// ordered schema (Meta) describing named, typed columns, and a positional
// tuple (Row) holding the cell values.
//
// A nil cell is a null. Cells are plain Go values: string, int64, float64,
// bool, time.Time or []byte, matching the declared ValueType.
package row

import (
	"fmt"
	"strings"
	"sync"
)

// ValueType is the declared type of a column.
type ValueType int

const (
	String ValueType = iota
	Integer
	Number
	Boolean
	Date
	Binary
)

var typeNames = map[ValueType]string{
	String:  "string",
	Integer: "integer",
	Number:  "number",
	Boolean: "boolean",
	Date:    "date",
	Binary:  "binary",
}

func (t ValueType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ValueType(%d)", int(t))
}

// ParseType maps a configuration type name onto a ValueType. Unknown names
// map to String, mirroring the pass-through default used for coercion.
func ParseType(s string) ValueType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "bigint", "int8", "int4", "long":
		return Integer
	case "number", "float", "double", "real", "numeric":
		return Number
	case "bool", "boolean":
		return Boolean
	case "date", "datetime", "timestamp":
		return Date
	case "binary", "bytes", "blob":
		return Binary
	default:
		return String
	}
}

// ValueMeta describes one column.
type ValueMeta struct {
	Name string
	Type ValueType
}

// Meta is the schema of a row: an ordered list of columns. A Meta must not be
// modified once rows carrying it have been put on a row set.
type Meta struct {
	values []ValueMeta

	once  sync.Once
	index map[string]int
}

// NewMeta returns a schema over the given columns.
func NewMeta(values ...ValueMeta) *Meta {
	return &Meta{values: append([]ValueMeta(nil), values...)}
}

// Len returns the number of columns.
func (m *Meta) Len() int {
	if m == nil {
		return 0
	}
	return len(m.values)
}

// Value returns the column at position i.
func (m *Meta) Value(i int) ValueMeta { return m.values[i] }

// Values returns a copy of the column list.
func (m *Meta) Values() []ValueMeta { return append([]ValueMeta(nil), m.values...) }

// Names returns the column names in order.
func (m *Meta) Names() []string {
	out := make([]string, len(m.values))
	for i, v := range m.values {
		out[i] = v.Name
	}
	return out
}

// IndexOf returns the position of the named column, or -1 when absent.
// Lookups are case-sensitive. The name index is built once and is safe for
// concurrent readers.
func (m *Meta) IndexOf(name string) int {
	if m == nil {
		return -1
	}
	m.once.Do(func() {
		m.index = make(map[string]int, len(m.values))
		for i, v := range m.values {
			if _, dup := m.index[v.Name]; !dup {
				m.index[v.Name] = i
			}
		}
	})
	if i, ok := m.index[name]; ok {
		return i
	}
	return -1
}

// Clone returns an independent copy of the schema.
func (m *Meta) Clone() *Meta { return NewMeta(m.values...) }

// Append returns a new schema with extra columns added at the end.
func (m *Meta) Append(values ...ValueMeta) *Meta {
	out := make([]ValueMeta, 0, m.Len()+len(values))
	if m != nil {
		out = append(out, m.values...)
	}
	return NewMeta(append(out, values...)...)
}

func (m *Meta) String() string {
	parts := make([]string, len(m.values))
	for i, v := range m.values {
		parts[i] = v.Name + ":" + v.Type.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

package partition

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"dataflow/internal/row"
)

// Method codes.
const (
	MethodNone = "none"
	MethodMod  = "mod"
)

// FieldNameAttribute is the repository attribute holding a mod partitioner's
// field name.
const FieldNameAttribute = "PARTITIONING_FIELDNAME"

// Descriptor is the configuration a partitioner is built from.
type Descriptor struct {
	Method     string
	Field      string
	Normalize  bool
	Partitions int
}

// Partitioner routes rows of a partitioned step.
type Partitioner interface {
	Partition(meta *row.Meta, r row.Row) (int, error)
	NrPartitions() int
	Descriptor() Descriptor
}

// Factory builds a partitioner from its descriptor.
type Factory func(d Descriptor) (Partitioner, error)

// Registry maps method codes to factories. NewRegistry installs the built-in
// "mod" method; "none" needs no entry.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}}
	r.Register(MethodMod, func(d Descriptor) (Partitioner, error) {
		m, err := NewMod(d)
		if err != nil {
			return nil, err
		}
		return m, nil
	})
	return r
}

func (r *Registry) Register(method string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[method] = f
}

// New builds the partitioner for d. The "none" method, and an empty one,
// yield a nil partitioner.
func (r *Registry) New(d Descriptor) (Partitioner, error) {
	if d.Method == "" || d.Method == MethodNone {
		return nil, nil
	}
	r.mu.RLock()
	f, ok := r.factories[d.Method]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("partition: unknown method %q", d.Method)
	}
	return f(d)
}

// Methods lists the registered method codes plus "none", sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []string{MethodNone}
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Mod is the remainder partitioner: it routes on one field with a Router.
type Mod struct {
	desc   Descriptor
	router *Router
}

// NewMod builds a mod partitioner. The field may be left empty when the
// partitioner is about to be loaded from XML or a repository; routing then
// fails until a field is set.
func NewMod(d Descriptor) (*Mod, error) {
	d.Method = MethodMod
	m := &Mod{desc: d}
	if d.Field != "" {
		if err := m.SetField(d.Field); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Mod) Descriptor() Descriptor { return m.desc }
func (m *Mod) NrPartitions() int      { return m.desc.Partitions }
func (m *Mod) Field() string          { return m.desc.Field }

// SetField changes the routing field.
func (m *Mod) SetField(field string) error {
	r, err := NewRouter(field, m.desc.Partitions, m.desc.Normalize)
	if err != nil {
		return err
	}
	m.desc.Field = field
	m.router = r
	return nil
}

func (m *Mod) Partition(meta *row.Meta, r row.Row) (int, error) {
	if m.router == nil {
		return 0, fmt.Errorf("partition: mod partitioner has no field")
	}
	return m.router.Partition(meta, r)
}

// XML renders the partitioner configuration as a single <field_name> tag.
func (m *Mod) XML() (string, error) {
	var b strings.Builder
	enc := xml.NewEncoder(&b)
	err := enc.EncodeElement(m.desc.Field, xml.StartElement{Name: xml.Name{Local: "field_name"}})
	if err != nil {
		return "", fmt.Errorf("partition: encode mod xml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return b.String(), nil
}

// LoadXML reads the field name from the first <field_name> element found in
// data, which may be the tag itself or any element enclosing it.
func (m *Mod) LoadXML(data []byte) error {
	dec := xml.NewDecoder(strings.NewReader(string(data)))
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("partition: no field_name element")
		}
		if err != nil {
			return fmt.Errorf("partition: decode mod xml: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok || se.Name.Local != "field_name" {
			continue
		}
		var field string
		if err := dec.DecodeElement(&field, &se); err != nil {
			return fmt.Errorf("partition: decode field_name: %w", err)
		}
		return m.SetField(strings.TrimSpace(field))
	}
}

// AttributeRepository stores step attributes keyed by pipeline and step id.
type AttributeRepository interface {
	SaveStepAttribute(ctx context.Context, pipelineID, stepID, code, value string) error
	StepAttribute(ctx context.Context, pipelineID, stepID, code string) (string, bool, error)
}

// SaveRep stores the field name under FieldNameAttribute.
func (m *Mod) SaveRep(ctx context.Context, repo AttributeRepository, pipelineID, stepID string) error {
	if err := repo.SaveStepAttribute(ctx, pipelineID, stepID, FieldNameAttribute, m.desc.Field); err != nil {
		return fmt.Errorf("partition: save %s/%s: %w", pipelineID, stepID, err)
	}
	return nil
}

// LoadRep reads the field name stored by SaveRep.
func (m *Mod) LoadRep(ctx context.Context, repo AttributeRepository, pipelineID, stepID string) error {
	v, ok, err := repo.StepAttribute(ctx, pipelineID, stepID, FieldNameAttribute)
	if err != nil {
		return fmt.Errorf("partition: load %s/%s: %w", pipelineID, stepID, err)
	}
	if !ok {
		return fmt.Errorf("partition: %s/%s has no %s attribute", pipelineID, stepID, FieldNameAttribute)
	}
	return m.SetField(v)
}

package partition

import (
	"encoding/xml"
	"fmt"

	"dataflow/internal/config"
)

// Schema is a named, ordered set of partition ids.
type Schema struct {
	Name         string
	PartitionIDs []string

	// Dynamic schemas have no fixed ids; Expand derives them from the
	// number of workers.
	Dynamic             bool
	PartitionsPerWorker int
}

// FromConfig converts a configured schema.
func FromConfig(c config.PartitionSchema) Schema {
	return Schema{
		Name:                c.Name,
		PartitionIDs:        append([]string(nil), c.Partitions...),
		Dynamic:             c.Dynamic,
		PartitionsPerWorker: c.PartitionsPerWorker,
	}
}

// NrPartitions returns the number of partition ids.
func (s Schema) NrPartitions() int { return len(s.PartitionIDs) }

// Expand returns a copy with ids P1..Pk for a dynamic schema, where k is
// PartitionsPerWorker times workers (at least one worker). Static schemas are
// returned unchanged.
func (s Schema) Expand(workers int) Schema {
	if !s.Dynamic {
		return s
	}
	if workers < 1 {
		workers = 1
	}
	per := s.PartitionsPerWorker
	if per < 1 {
		per = 1
	}
	out := s
	out.PartitionIDs = make([]string, 0, per*workers)
	for i := 1; i <= per*workers; i++ {
		out.PartitionIDs = append(out.PartitionIDs, fmt.Sprintf("P%d", i))
	}
	return out
}

// IndexOf returns the position of a partition id, or -1.
func (s Schema) IndexOf(id string) int {
	for i, p := range s.PartitionIDs {
		if p == id {
			return i
		}
	}
	return -1
}

type schemaXML struct {
	XMLName             xml.Name       `xml:"partitionschema"`
	Name                string         `xml:"name"`
	Partitions          []partitionXML `xml:"partition"`
	Dynamic             string         `xml:"dynamic"`
	PartitionsPerWorker int            `xml:"partitions_per_slave"`
}

type partitionXML struct {
	ID string `xml:"id"`
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// MarshalXML writes the schema as a <partitionschema> element.
func (s Schema) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	x := schemaXML{
		Name:                s.Name,
		Dynamic:             yesNo(s.Dynamic),
		PartitionsPerWorker: s.PartitionsPerWorker,
	}
	for _, id := range s.PartitionIDs {
		x.Partitions = append(x.Partitions, partitionXML{ID: id})
	}
	start.Name = xml.Name{Local: "partitionschema"}
	return e.EncodeElement(x, start)
}

// UnmarshalXML reads a <partitionschema> element.
func (s *Schema) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var x schemaXML
	if err := d.DecodeElement(&x, &start); err != nil {
		return err
	}
	*s = Schema{
		Name:                x.Name,
		Dynamic:             x.Dynamic == "Y",
		PartitionsPerWorker: x.PartitionsPerWorker,
	}
	for _, p := range x.Partitions {
		s.PartitionIDs = append(s.PartitionIDs, p.ID)
	}
	return nil
}

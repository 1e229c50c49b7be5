package distribution

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"

	"dataflow/internal/partition"
)

// RootTag is the root element of the distribution document.
const RootTag = "slave-step-copy-partition-distribution"

type documentXML struct {
	XMLName  xml.Name     `xml:"slave-step-copy-partition-distribution"`
	Entries  []entryXML   `xml:"entry"`
	Original *originalXML `xml:"original-partition-schemas"`
}

type entryXML struct {
	Worker    string `xml:"slavename"`
	Schema    string `xml:"partition_schema_name"`
	Copy      int    `xml:"stepcopy"`
	Partition int    `xml:"partition"`
}

type originalXML struct {
	Schemas []partition.Schema `xml:"partitionschema"`
}

// MarshalXML writes the table as a distribution document.
func (t *Table) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	doc := documentXML{}
	for _, en := range t.Entries() {
		doc.Entries = append(doc.Entries, entryXML{
			Worker:    en.Worker,
			Schema:    en.Schema,
			Copy:      en.Copy,
			Partition: en.Partition,
		})
	}
	if orig := t.OriginalSchemas(); len(orig) > 0 {
		doc.Original = &originalXML{Schemas: orig}
	}
	start.Name = xml.Name{Local: RootTag}
	return e.EncodeElement(doc, start)
}

// UnmarshalXML replaces the table contents with a distribution document.
func (t *Table) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var doc documentXML
	if err := d.DecodeElement(&doc, &start); err != nil {
		return err
	}
	t.mu.Lock()
	t.entries = make(map[Key]int, len(doc.Entries))
	for _, en := range doc.Entries {
		t.entries[Key{en.Worker, en.Schema, en.Copy}] = en.Partition
	}
	t.original = nil
	if doc.Original != nil {
		t.original = doc.Original.Schemas
	}
	t.mu.Unlock()
	return nil
}

// Write encodes the table as an indented document.
func (t *Table) Write(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("distribution: encode: %w", err)
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	return nil
}

// Read decodes a distribution document.
func Read(r io.Reader) (*Table, error) {
	t := New()
	if err := xml.NewDecoder(r).Decode(t); err != nil {
		return nil, fmt.Errorf("distribution: decode: %w", err)
	}
	return t, nil
}

// WriteFile writes the table to path.
func (t *Table) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("distribution: create %s: %w", path, err)
	}
	if err := t.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a table written by WriteFile.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("distribution: open %s: %w", path, err)
	}
	defer f.Close()
	return Read(f)
}

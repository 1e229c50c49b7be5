package storage

import (
	"fmt"
	"strings"

	"dataflow/internal/row"
)

// ColumnDef describes one column of a table to create.
type ColumnDef struct {
	Name     string
	Type     row.ValueType
	Nullable bool
	// Size bounds string columns that take part in keys; 0 means unbounded.
	Size int
}

// TableDef describes a table to create.
type TableDef struct {
	// Name may be schema-qualified ("public.events").
	Name       string
	Columns    []ColumnDef
	PrimaryKey []string
}

// Dialect is what the DDL builder needs to know about a backend.
type Dialect struct {
	Name string
	// Quote quotes a single identifier segment.
	Quote func(id string) string
	// Type maps a column type (and optional string size) to SQL.
	Type func(t row.ValueType, size int) string
	// IfNotExists selects the "CREATE TABLE IF NOT EXISTS" form.
	IfNotExists bool
}

// QuoteName quotes a possibly schema-qualified name segment by segment.
func (d Dialect) QuoteName(name string) string {
	parts := strings.Split(name, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, d.Quote(p))
	}
	return strings.Join(out, ".")
}

// QuoteAll quotes a list of column names.
func (d Dialect) QuoteAll(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = d.Quote(c)
	}
	return out
}

// BuildCreateTable renders a CREATE TABLE statement for td:
//
//	CREATE TABLE [IF NOT EXISTS] "t" (
//	  "a" TYPE NOT NULL,
//	  "b" TYPE,
//	  PRIMARY KEY ("a")
//	)
func BuildCreateTable(td TableDef, d Dialect) (string, error) {
	name := strings.TrimSpace(td.Name)
	if name == "" {
		return "", fmt.Errorf("storage: ddl: table name must not be empty")
	}
	if len(td.Columns) == 0 {
		return "", fmt.Errorf("storage: ddl: table %s has no columns", name)
	}

	lines := make([]string, 0, len(td.Columns)+1)
	for _, c := range td.Columns {
		cn := strings.TrimSpace(c.Name)
		if cn == "" {
			return "", fmt.Errorf("storage: ddl: column with empty name in table %s", name)
		}
		line := d.Quote(cn) + " " + d.Type(c.Type, c.Size)
		if !c.Nullable {
			line += " NOT NULL"
		}
		lines = append(lines, line)
	}
	if len(td.PrimaryKey) > 0 {
		lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(d.QuoteAll(td.PrimaryKey), ", ")))
	}

	create := "CREATE TABLE "
	if d.IfNotExists {
		create += "IF NOT EXISTS "
	}
	return fmt.Sprintf("%s%s (\n  %s\n)", create, d.QuoteName(name), strings.Join(lines, ",\n  ")), nil
}

// TableFromMeta derives a table definition from a row schema. When columns
// is non-empty only those fields are kept, in that order.
func TableFromMeta(name string, meta *row.Meta, columns []string) (TableDef, error) {
	td := TableDef{Name: name}
	if len(columns) == 0 {
		for _, v := range meta.Values() {
			td.Columns = append(td.Columns, ColumnDef{Name: v.Name, Type: v.Type, Nullable: true})
		}
		return td, nil
	}
	for _, c := range columns {
		i := meta.IndexOf(c)
		if i < 0 {
			return TableDef{}, fmt.Errorf("storage: column %q not in row schema %s", c, meta)
		}
		td.Columns = append(td.Columns, ColumnDef{Name: c, Type: meta.Value(i).Type, Nullable: true})
	}
	return td, nil
}

// AttributeTableDef is the step attribute table every backend creates.
func AttributeTableDef() TableDef {
	return TableDef{
		Name: AttributeTable,
		Columns: []ColumnDef{
			{Name: "pipeline_id", Type: row.String, Size: 255},
			{Name: "step_id", Type: row.String, Size: 255},
			{Name: "code", Type: row.String, Size: 255},
			{Name: "value", Type: row.String, Nullable: true},
		},
		PrimaryKey: []string{"pipeline_id", "step_id", "code"},
	}
}

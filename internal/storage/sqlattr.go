package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SQLBase implements the statement-level half of Repository over
// database/sql. Backends embed it and add CopyFrom.
type SQLBase struct {
	DB      *sql.DB
	Dialect Dialect

	// Upsert stores an attribute; parameters are pipeline id, step id, code
	// and value, in that order.
	Upsert string
	// Select reads an attribute value by pipeline id, step id and code.
	Select string
	// WrapCreate, when set, rewrites CREATE TABLE statements for dialects
	// without IF NOT EXISTS.
	WrapCreate func(td TableDef, stmt string) string
}

// EnsureTable creates td when missing.
func (b *SQLBase) EnsureTable(ctx context.Context, td TableDef) error {
	stmt, err := BuildCreateTable(td, b.Dialect)
	if err != nil {
		return err
	}
	if b.WrapCreate != nil {
		stmt = b.WrapCreate(td, stmt)
	}
	if err := b.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("%s: ensure table %s: %w", b.Dialect.Name, td.Name, err)
	}
	return nil
}

// EnsureAttributeTable creates the step attribute table.
func (b *SQLBase) EnsureAttributeTable(ctx context.Context) error {
	return b.EnsureTable(ctx, AttributeTableDef())
}

func (b *SQLBase) SaveStepAttribute(ctx context.Context, pipelineID, stepID, code, value string) error {
	if _, err := b.DB.ExecContext(ctx, b.Upsert, pipelineID, stepID, code, value); err != nil {
		return fmt.Errorf("%s: save attribute %s/%s/%s: %w", b.Dialect.Name, pipelineID, stepID, code, err)
	}
	return nil
}

func (b *SQLBase) StepAttribute(ctx context.Context, pipelineID, stepID, code string) (string, bool, error) {
	var v sql.NullString
	err := b.DB.QueryRowContext(ctx, b.Select, pipelineID, stepID, code).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%s: read attribute %s/%s/%s: %w", b.Dialect.Name, pipelineID, stepID, code, err)
	}
	return v.String, true, nil
}

// Exec executes an arbitrary statement; blank statements are ignored.
func (b *SQLBase) Exec(ctx context.Context, stmt string) error {
	if strings.TrimSpace(stmt) == "" {
		return nil
	}
	if _, err := b.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%s: exec: %w", b.Dialect.Name, err)
	}
	return nil
}

func (b *SQLBase) Close() { _ = b.DB.Close() }

// InsertStatement renders a single-row INSERT with the given placeholders.
func InsertStatement(d Dialect, table string, columns []string, placeholder func(i int) string) string {
	ph := make([]string, len(columns))
	for i := range ph {
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.QuoteName(table), strings.Join(d.QuoteAll(columns), ", "), strings.Join(ph, ", "))
}

// CheckRows validates CopyFrom arguments shared by every backend.
func CheckRows(columns []string, rows [][]any) error {
	if len(columns) == 0 {
		return fmt.Errorf("storage: CopyFrom: columns must not be empty")
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return fmt.Errorf("storage: CopyFrom: row %d has %d values for %d columns", i, len(r), len(columns))
		}
	}
	return nil
}

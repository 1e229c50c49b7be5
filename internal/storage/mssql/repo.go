// Package mssql implements a Microsoft SQL Server storage.Repository using
// the go-mssqldb bulk copy API.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dataflow/internal/row"
	"dataflow/internal/storage"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"
)

// Kind is the registry key of this backend.
const Kind = "mssql"

// Dialect renders SQL Server DDL. CREATE TABLE has no IF NOT EXISTS form;
// the repository guards it with OBJECT_ID instead.
var Dialect = storage.Dialect{
	Name:  Kind,
	Quote: msIdent,
	Type:  mapType,
}

// Repository is an MSSQL-backed storage.Repository.
type Repository struct {
	storage.SQLBase
	cfg storage.Config
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository validates the DSN, connects and creates the step attribute
// table.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, fmt.Errorf("mssql: dsn: %w", err)
	}
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	r := &Repository{SQLBase: newBase(db), cfg: cfg}
	if err := r.EnsureAttributeTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func newBase(db *sql.DB) storage.SQLBase {
	t := msIdent(storage.AttributeTable)
	return storage.SQLBase{
		DB:      db,
		Dialect: Dialect,
		Upsert: `MERGE ` + t + ` AS T
USING (SELECT @p1 AS [pipeline_id], @p2 AS [step_id], @p3 AS [code], @p4 AS [value]) AS S
ON T.[pipeline_id] = S.[pipeline_id] AND T.[step_id] = S.[step_id] AND T.[code] = S.[code]
WHEN MATCHED THEN UPDATE SET [value] = S.[value]
WHEN NOT MATCHED THEN INSERT ([pipeline_id], [step_id], [code], [value])
VALUES (S.[pipeline_id], S.[step_id], S.[code], S.[value]);`,
		Select:     `SELECT [value] FROM ` + t + ` WHERE [pipeline_id] = @p1 AND [step_id] = @p2 AND [code] = @p3`,
		WrapCreate: guardCreate,
	}
}

// guardCreate makes a CREATE TABLE statement a no-op when the table exists.
func guardCreate(td storage.TableDef, stmt string) string {
	name := strings.ReplaceAll(Dialect.QuoteName(td.Name), "'", "''")
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\n%s", name, stmt)
}

// CopyFrom bulk-inserts rows into table.
func (r *Repository) CopyFrom(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	if table == "" {
		table = r.cfg.Table
	}
	if len(columns) == 0 {
		columns = r.cfg.Columns
	}
	if err := storage.CheckRows(columns, rows); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mssql: begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(table, mssql.BulkOptions{}, columns...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: prepare bulk: %w", err)
	}
	for i := range rows {
		if _, err := stmt.ExecContext(ctx, rows[i]...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("mssql: bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: bulk finalize: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("mssql: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mssql: commit: %w", err)
	}
	return n, nil
}

// Register installs the backend.
func Register(reg *storage.Registry) {
	reg.Register(Kind, func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		r, err := NewRepository(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
}

func mapType(t row.ValueType, size int) string {
	switch t {
	case row.Integer:
		return "BIGINT"
	case row.Number:
		return "FLOAT"
	case row.Boolean:
		return "BIT"
	case row.Date:
		return "DATETIME2"
	case row.Binary:
		return "VARBINARY(MAX)"
	default:
		if size > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", size)
		}
		return "NVARCHAR(MAX)"
	}
}

// msIdent quotes a SQL Server identifier using [brackets], escaping ].
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }

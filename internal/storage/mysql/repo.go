// Package mysql implements a MySQL storage.Repository on go-sql-driver.
// CopyFrom uses multi-row INSERT statements sized below the server's
// placeholder limit.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dataflow/internal/row"
	"dataflow/internal/storage"

	"github.com/go-sql-driver/mysql"
)

// Kind is the registry key of this backend.
const Kind = "mysql"

// maxPlaceholders is MySQL's prepared statement parameter limit.
const maxPlaceholders = 65535

// Dialect renders MySQL DDL.
var Dialect = storage.Dialect{
	Name:        Kind,
	Quote:       myIdent,
	Type:        mapType,
	IfNotExists: true,
}

// Repository is a MySQL-backed storage.Repository.
type Repository struct {
	storage.SQLBase
	cfg storage.Config
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository parses the DSN, connects and creates the step attribute
// table. Time values are parsed into time.Time.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	mc, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("mysql: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: ping: %w", err)
	}
	t := myIdent(storage.AttributeTable)
	r := &Repository{
		SQLBase: storage.SQLBase{
			DB:      db,
			Dialect: Dialect,
			Upsert: "INSERT INTO " + t + " (`pipeline_id`, `step_id`, `code`, `value`) VALUES (?, ?, ?, ?)\n" +
				"ON DUPLICATE KEY UPDATE `value` = VALUES(`value`)",
			Select: "SELECT `value` FROM " + t + " WHERE `pipeline_id` = ? AND `step_id` = ? AND `code` = ?",
		},
		cfg: cfg,
	}
	if err := r.EnsureAttributeTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func normalizeDSN(dsn string) (*mysql.Config, error) {
	mc, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: dsn: %w", err)
	}
	mc.ParseTime = true
	return mc, nil
}

// CopyFrom inserts rows into table in a transaction, several rows per
// statement.
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
		return 0, fmt.Errorf("mysql: begin tx: %w", err)
	}
	var inserted int64
	for _, chunk := range chunkRows(rows, maxPlaceholders/len(columns)) {
		args := make([]any, 0, len(chunk)*len(columns))
		for _, vals := range chunk {
			args = append(args, vals...)
		}
		res, err := tx.ExecContext(ctx, insertSQL(table, columns, len(chunk)), args...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: insert: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: rows affected: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return inserted, nil
}

// insertSQL renders INSERT INTO t (cols) VALUES (?, ?), (?, ?) for n rows.
func insertSQL(table string, columns []string, n int) string {
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	values := make([]string, n)
	for i := range values {
		values[i] = tuple
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		Dialect.QuoteName(table), strings.Join(Dialect.QuoteAll(columns), ", "), strings.Join(values, ", "))
}

func chunkRows(rows [][]any, size int) [][][]any {
	if size < 1 {
		size = 1
	}
	var out [][][]any
	for len(rows) > size {
		out = append(out, rows[:size])
		rows = rows[size:]
	}
	return append(out, rows)
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
		return "DOUBLE"
	case row.Boolean:
		return "BOOLEAN"
	case row.Date:
		return "DATETIME(6)"
	case row.Binary:
		return "LONGBLOB"
	default:
		if size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", size)
		}
		return "TEXT"
	}
}

// myIdent quotes an identifier with backticks.
func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

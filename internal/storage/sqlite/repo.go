// Package sqlite implements a SQLite-backed storage.Repository using
// database/sql. SQLite has no bulk-load API like Postgres COPY; CopyFrom runs
// a prepared INSERT per row inside one transaction.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"dataflow/internal/row"
	"dataflow/internal/storage"

	_ "modernc.org/sqlite"
)

// Kind is the registry key of this backend.
const Kind = "sqlite"

// Dialect renders SQLite DDL.
var Dialect = storage.Dialect{
	Name:        Kind,
	Quote:       quoteIdent,
	Type:        mapType,
	IfNotExists: true,
}

// Repository is a SQLite-backed storage.Repository.
type Repository struct {
	storage.SQLBase
	cfg storage.Config
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository opens the database at cfg.DSN, for example "dataflow.db" or
// "file::memory:", and creates the step attribute table.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One connection keeps in-memory databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	_, _ = db.ExecContext(ctx, "PRAGMA foreign_keys = ON;")

	t := quoteIdent(storage.AttributeTable)
	r := &Repository{
		SQLBase: storage.SQLBase{
			DB:      db,
			Dialect: Dialect,
			Upsert: "INSERT INTO " + t + ` ("pipeline_id", "step_id", "code", "value") VALUES (?, ?, ?, ?)
ON CONFLICT ("pipeline_id", "step_id", "code") DO UPDATE SET "value" = excluded."value"`,
			Select: "SELECT \"value\" FROM " + t + ` WHERE "pipeline_id" = ? AND "step_id" = ? AND "code" = ?`,
		},
		cfg: cfg,
	}
	if err := r.EnsureAttributeTable(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// CopyFrom inserts rows into table inside a single transaction. An empty
// table or column list falls back to the configured defaults.
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
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, storage.InsertStatement(Dialect, table, columns, func(int) string { return "?" }))
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, vals := range rows {
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
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

// mapType prefers SQLite's canonical affinities; dates are ISO-8601 text and
// booleans 0/1 integers.
func mapType(t row.ValueType, _ int) string {
	switch t {
	case row.Integer, row.Boolean:
		return "INTEGER"
	case row.Number:
		return "REAL"
	case row.Binary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func quoteIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

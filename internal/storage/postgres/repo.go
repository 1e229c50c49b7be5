// Package postgres implements a Postgres storage.Repository on pgx v5. Bulk
// loads use the COPY protocol.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dataflow/internal/row"
	"dataflow/internal/storage"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Kind is the registry key of this backend.
const Kind = "postgres"

// Dialect renders Postgres DDL.
var Dialect = storage.Dialect{
	Name:        Kind,
	Quote:       pgIdent,
	Type:        mapType,
	IfNotExists: true,
}

var (
	upsertSQL = fmt.Sprintf(`INSERT INTO %s ("pipeline_id", "step_id", "code", "value") VALUES ($1, $2, $3, $4)
ON CONFLICT ("pipeline_id", "step_id", "code") DO UPDATE SET "value" = EXCLUDED."value"`, pgIdent(storage.AttributeTable))
	selectSQL = fmt.Sprintf(`SELECT "value" FROM %s WHERE "pipeline_id" = $1 AND "step_id" = $2 AND "code" = $3`,
		pgIdent(storage.AttributeTable))
)

// Repository is a Postgres-backed storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  storage.Config
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository connects a pool and creates the step attribute table.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: pgxpool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	r := &Repository{pool: pool, cfg: cfg}
	if err := r.EnsureTable(ctx, storage.AttributeTableDef()); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) SaveStepAttribute(ctx context.Context, pipelineID, stepID, code, value string) error {
	if _, err := r.pool.Exec(ctx, upsertSQL, pipelineID, stepID, code, value); err != nil {
		return fmt.Errorf("postgres: save attribute %s/%s/%s: %w", pipelineID, stepID, code, err)
	}
	return nil
}

func (r *Repository) StepAttribute(ctx context.Context, pipelineID, stepID, code string) (string, bool, error) {
	var v *string
	err := r.pool.QueryRow(ctx, selectSQL, pipelineID, stepID, code).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("postgres: read attribute %s/%s/%s: %w", pipelineID, stepID, code, err)
	}
	if v == nil {
		return "", true, nil
	}
	return *v, true, nil
}

// CopyFrom streams rows into table with COPY.
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
	n, err := r.pool.CopyFrom(ctx, splitFQN(table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return n, fmt.Errorf("postgres: copy into %s: %s (%s): %w", table, pgErr.Detail, pgErr.SQLState(), err)
		}
		return n, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	return n, nil
}

func (r *Repository) EnsureTable(ctx context.Context, td storage.TableDef) error {
	stmt, err := storage.BuildCreateTable(td, Dialect)
	if err != nil {
		return err
	}
	if err := r.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("postgres: ensure table %s: %w", td.Name, err)
	}
	return nil
}

func (r *Repository) Exec(ctx context.Context, sql string) error {
	if strings.TrimSpace(sql) == "" {
		return nil
	}
	if _, err := r.pool.Exec(ctx, sql); err != nil {
		return fmt.Errorf("postgres: exec: %w", err)
	}
	return nil
}

func (r *Repository) Close() { r.pool.Close() }

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
		return "DOUBLE PRECISION"
	case row.Boolean:
		return "BOOLEAN"
	case row.Date:
		return "TIMESTAMPTZ"
	case row.Binary:
		return "BYTEA"
	default:
		if size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", size)
		}
		return "TEXT"
	}
}

// pgIdent quotes a single identifier segment.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}

package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"dataflow/internal/config"
	"dataflow/internal/row"

	"github.com/google/go-cmp/cmp"
)

var testDialect = Dialect{
	Name:  "test",
	Quote: func(id string) string { return `"` + id + `"` },
	Type: func(t row.ValueType, size int) string {
		if t == row.Integer {
			return "INT"
		}
		if size > 0 {
			return "VARCHAR"
		}
		return "TEXT"
	},
	IfNotExists: true,
}

func TestRegistry_UnknownKind(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register("b", func(context.Context, Config) (Repository, error) { return nil, errors.New("boom") })
	reg.Register("a", func(context.Context, Config) (Repository, error) { return nil, nil })

	if diff := cmp.Diff([]string{"a", "b"}, reg.Kinds()); diff != "" {
		t.Fatalf("kinds (-want +got):\n%s", diff)
	}
	_, err := reg.New(context.Background(), Config{Kind: "oracle"})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("err = %v, want ErrUnsupportedKind", err)
	}
	_, err = reg.New(context.Background(), Config{Kind: "b"})
	if err == nil || !strings.Contains(err.Error(), "open b: boom") {
		t.Fatalf("err = %v, want wrapped factory error", err)
	}
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	got := FromConfig(config.Storage{Kind: "sqlite", DB: config.DBConfig{DSN: "x.db", Table: "t", Columns: []string{"a"}}})
	want := Config{Kind: "sqlite", DSN: "x.db", Table: "t", Columns: []string{"a"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("config (-want +got):\n%s", diff)
	}
}

func TestBuildCreateTable(t *testing.T) {
	t.Parallel()

	got, err := BuildCreateTable(AttributeTableDef(), testDialect)
	if err != nil {
		t.Fatal(err)
	}
	want := `CREATE TABLE IF NOT EXISTS "dataflow_step_attribute" (
  "pipeline_id" VARCHAR NOT NULL,
  "step_id" VARCHAR NOT NULL,
  "code" VARCHAR NOT NULL,
  "value" TEXT,
  PRIMARY KEY ("pipeline_id", "step_id", "code")
)`
	if got != want {
		t.Fatalf("ddl mismatch:\n got: %s\nwant: %s", got, want)
	}

	if _, err := BuildCreateTable(TableDef{Name: " "}, testDialect); err == nil {
		t.Fatalf("empty name should fail")
	}
	if _, err := BuildCreateTable(TableDef{Name: "t"}, testDialect); err == nil {
		t.Fatalf("no columns should fail")
	}
	if _, err := BuildCreateTable(TableDef{Name: "t", Columns: []ColumnDef{{}}}, testDialect); err == nil {
		t.Fatalf("empty column name should fail")
	}
}

func TestQuoteName(t *testing.T) {
	t.Parallel()

	if got := testDialect.QuoteName("public.events"); got != `"public"."events"` {
		t.Fatalf("QuoteName = %s", got)
	}
}

func TestTableFromMeta(t *testing.T) {
	t.Parallel()

	meta := row.NewMeta(
		row.ValueMeta{Name: "id", Type: row.Integer},
		row.ValueMeta{Name: "name", Type: row.String},
	)
	td, err := TableFromMeta("t", meta, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(td.Columns) != 2 || td.Columns[0].Type != row.Integer || !td.Columns[1].Nullable {
		t.Fatalf("td = %+v", td)
	}

	td, err = TableFromMeta("t", meta, []string{"name"})
	if err != nil || len(td.Columns) != 1 || td.Columns[0].Name != "name" {
		t.Fatalf("subset = %+v, %v", td, err)
	}
	if _, err := TableFromMeta("t", meta, []string{"missing"}); err == nil {
		t.Fatalf("unknown column should fail")
	}
}

func TestInsertStatementAndCheckRows(t *testing.T) {
	t.Parallel()

	got := InsertStatement(testDialect, "t", []string{"a", "b"}, func(i int) string { return "$" + string(rune('0'+i)) })
	if got != `INSERT INTO "t" ("a", "b") VALUES ($1, $2)` {
		t.Fatalf("insert = %s", got)
	}
	if err := CheckRows(nil, nil); err == nil {
		t.Fatalf("no columns should fail")
	}
	if err := CheckRows([]string{"a"}, [][]any{{1, 2}}); err == nil {
		t.Fatalf("ragged row should fail")
	}
	if err := CheckRows([]string{"a"}, [][]any{{1}}); err != nil {
		t.Fatalf("valid rows: %v", err)
	}
}

/*
TestBatcher_FlushesFullBatchesAndRemainder verifies rows are handed over in
batches of the configured size and the remainder only on Flush.
*/
func TestBatcher_FlushesFullBatchesAndRemainder(t *testing.T) {
	t.Parallel()

	var sizes []int
	b, err := NewBatcher("test", "t", []string{"id"}, 3, func(_ context.Context, cols []string, rows [][]any) (int64, error) {
		if len(cols) != 1 || cols[0] != "id" {
			t.Errorf("columns = %v", cols)
		}
		sizes = append(sizes, len(rows))
		return int64(len(rows)), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := b.Add(ctx, []any{i}); err != nil {
			t.Fatal(err)
		}
	}
	if b.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", b.Pending())
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3, 3, 1}, sizes); diff != "" {
		t.Fatalf("batch sizes (-want +got):\n%s", diff)
	}
	if b.Total() != 7 || b.Batches() != 3 {
		t.Fatalf("total=%d batches=%d", b.Total(), b.Batches())
	}
}

func TestBatcher_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewBatcher("j", "t", nil, 0, func(context.Context, []string, [][]any) (int64, error) { return 0, nil }); err == nil {
		t.Fatalf("zero size should fail")
	}
	if _, err := NewBatcher("j", "t", nil, 1, nil); err == nil {
		t.Fatalf("nil copyFn should fail")
	}

	boom := errors.New("boom")
	b, _ := NewBatcher("j", "t", nil, 2, func(context.Context, []string, [][]any) (int64, error) { return 0, boom })
	_ = b.Add(context.Background(), []any{1})
	err := b.Add(context.Background(), []any{2})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if b.Pending() != 0 || b.Batches() != 0 {
		t.Fatalf("failed batch should be dropped and not counted: pending=%d batches=%d", b.Pending(), b.Batches())
	}
}

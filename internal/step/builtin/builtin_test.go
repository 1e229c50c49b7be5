package builtin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"dataflow/internal/config"
	"dataflow/internal/engine"
	"dataflow/internal/partition"
	"dataflow/internal/pipeline"
	"dataflow/internal/row"
	"dataflow/internal/step"
	"dataflow/internal/storage"
	"dataflow/internal/storage/sqlite"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newEnv() pipeline.Env {
	steps := step.NewRegistry()
	stores := storage.NewRegistry()
	sqlite.Register(stores)
	parts := partition.NewRegistry()
	Register(steps, Deps{Storage: stores, Partitioners: parts})
	return pipeline.Env{Steps: steps, Partitioners: parts}
}

func execute(t *testing.T, def config.Pipeline) *pipeline.Result {
	t.Helper()
	r, err := pipeline.New(def, newEnv(), pipeline.Options{})
	require.NoError(t, err)
	res, err := r.Execute(context.Background())
	require.NoError(t, err)
	return res
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRegister_Types(t *testing.T) {
	t.Parallel()

	want := []string{
		TypeCSVInput, TypeDummy, TypeLookup, TypePipelineExecutor,
		TypeResultRows, TypeRowGen, TypeRowsFromResult, TypeTableOutput,
	}
	require.Equal(t, want, newEnv().Steps.Types())
}

func TestRowGen_DummyResultRows(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{config.ModeCooperative, config.ModeParallel} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()

			res := execute(t, config.Pipeline{
				Name: "gen",
				Mode: mode,
				Steps: []config.Step{
					{Name: "gen", Type: TypeRowGen, Options: config.Options{
						"rows":   3,
						"start":  10,
						"fields": map[string]any{"src": "test"},
					}},
					{Name: "pass", Type: TypeDummy},
					{Name: "out", Type: TypeResultRows},
				},
				Hops: []config.Hop{{From: "gen", To: "pass"}, {From: "pass", To: "out"}},
			})

			require.Equal(t, []string{"id", "src"}, res.Meta.Names())
			want := []row.Row{{int64(10), "test"}, {int64(11), "test"}, {int64(12), "test"}}
			if diff := cmp.Diff(want, res.Rows); diff != "" {
				t.Fatalf("rows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

/*
TestRowGen_RowsFromVariable verifies the row count option accepts a
parameter reference.
*/
func TestRowGen_RowsFromVariable(t *testing.T) {
	t.Parallel()

	res := execute(t, config.Pipeline{
		Name:       "gen",
		Parameters: []config.Parameter{{Name: "N", Default: "4"}},
		Steps: []config.Step{
			{Name: "gen", Type: TypeRowGen, Options: config.Options{"rows": "${N}"}},
			{Name: "out", Type: TypeResultRows},
		},
		Hops: []config.Hop{{From: "gen", To: "out"}},
	})
	require.Len(t, res.Rows, 4)
}

/*
TestCSVInput_RejectsBadRows verifies cells that do not convert reject their
row without failing the run, and empty cells become nulls.
*/
func TestCSVInput_RejectsBadRows(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "in.csv", "id;amount\n1;2.5\n2;abc\n3;\n")
	res := execute(t, config.Pipeline{
		Name: "csv",
		Steps: []config.Step{
			{Name: "in", Type: TypeCSVInput, Options: config.Options{
				"file":      path,
				"delimiter": ";",
				"types":     map[string]any{"id": "integer", "amount": "number"},
			}},
			{Name: "out", Type: TypeResultRows},
		},
		Hops: []config.Hop{{From: "in", To: "out"}},
	})

	require.Equal(t, []row.Row{{int64(1), 2.5}, {int64(3), nil}}, res.Rows)
	require.EqualValues(t, 1, res.LinesRejected)
	require.Zero(t, res.Errors)
}

/*
TestCSVInput_ReadsURL verifies csvinput fetches http sources and drops a
byte order mark from the header.
*/
func TestCSVInput_ReadsURL(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "\uFEFFid,name\n7,seven\n")
	}))
	defer srv.Close()

	res := execute(t, config.Pipeline{
		Name: "csv",
		Steps: []config.Step{
			{Name: "in", Type: TypeCSVInput, Options: config.Options{
				"file":  srv.URL + "/in.csv",
				"types": map[string]any{"id": "integer"},
			}},
			{Name: "out", Type: TypeResultRows},
		},
		Hops: []config.Hop{{From: "in", To: "out"}},
	})

	require.Equal(t, []string{"id", "name"}, res.Meta.Names())
	require.Equal(t, []row.Row{{int64(7), "seven"}}, res.Rows)
}

func TestCSVInput_MissingFileFailsRun(t *testing.T) {
	t.Parallel()

	r, err := pipeline.New(config.Pipeline{
		Name:  "csv",
		Steps: []config.Step{{Name: "in", Type: TypeCSVInput, Options: config.Options{"file": filepath.Join(t.TempDir(), "nope.csv")}}},
	}, newEnv(), pipeline.Options{})
	require.NoError(t, err)
	res, err := r.Execute(context.Background())
	require.Error(t, err)
	require.NotZero(t, res.Errors)
}

/*
TestLookup_JoinsInfoStream verifies main rows pick up the value of the
matching reference row and get a null when none matches.
*/
func TestLookup_JoinsInfoStream(t *testing.T) {
	t.Parallel()

	ref := writeFile(t, "ref.csv", "code,label\n1,one\n2,two\n")
	for _, mode := range []string{config.ModeCooperative, config.ModeParallel} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()

			res := execute(t, config.Pipeline{
				Name: "lookup",
				Mode: mode,
				Steps: []config.Step{
					{Name: "gen", Type: TypeRowGen, Options: config.Options{"rows": 4}},
					{Name: "ref", Type: TypeCSVInput, Options: config.Options{"file": ref}},
					{Name: "join", Type: TypeLookup, Options: config.Options{
						"from":       "ref",
						"key":        "id",
						"lookup_key": "code",
						"value":      "label",
					}},
					{Name: "out", Type: TypeResultRows},
				},
				Hops: []config.Hop{
					{From: "gen", To: "join"},
					{From: "ref", To: "join", Info: true},
					{From: "join", To: "out"},
				},
			})

			require.Equal(t, []string{"id", "label"}, res.Meta.Names())
			want := []row.Row{{int64(0), nil}, {int64(1), "one"}, {int64(2), "two"}, {int64(3), nil}}
			if diff := cmp.Diff(want, res.Rows); diff != "" {
				t.Fatalf("rows mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLookup_RequiresKeyAndValue(t *testing.T) {
	t.Parallel()

	r, err := pipeline.New(config.Pipeline{
		Name:  "lookup",
		Steps: []config.Step{{Name: "join", Type: TypeLookup, Options: config.Options{"key": "id"}}},
	}, newEnv(), pipeline.Options{})
	require.NoError(t, err)
	_, err = r.Execute(context.Background())
	require.ErrorContains(t, err, "key and value are required")
}

/*
TestTableOutput_SQLite verifies rows are bulk-loaded in batches into a table
created from the row schema, and still passed downstream.
*/
func TestTableOutput_SQLite(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "out.db")
	res := execute(t, config.Pipeline{
		Name:    "load",
		Storage: config.Storage{Kind: sqlite.Kind, DB: config.DBConfig{DSN: dsn}},
		Steps: []config.Step{
			{Name: "gen", Type: TypeRowGen, Options: config.Options{
				"rows":   10,
				"fields": map[string]any{"name": "x"},
			}},
			{Name: "load", Type: TypeTableOutput, Options: config.Options{
				"table":        "events",
				"create_table": true,
				"batch_size":   3,
			}},
			{Name: "out", Type: TypeResultRows},
		},
		Hops: []config.Hop{{From: "gen", To: "load"}, {From: "load", To: "out"}},
	})
	require.Len(t, res.Rows, 10)

	ctx := context.Background()
	repo, err := sqlite.NewRepository(ctx, storage.Config{DSN: dsn})
	require.NoError(t, err)
	defer repo.Close()

	var count, sum int
	require.NoError(t, repo.DB.QueryRowContext(ctx, `SELECT COUNT(*), SUM(id) FROM events WHERE name = 'x'`).Scan(&count, &sum))
	require.Equal(t, 10, count)
	require.Equal(t, 45, sum)
}

func TestTableOutput_UnknownColumn(t *testing.T) {
	t.Parallel()

	dsn := filepath.Join(t.TempDir(), "out.db")
	r, err := pipeline.New(config.Pipeline{
		Name:    "load",
		Storage: config.Storage{Kind: sqlite.Kind, DB: config.DBConfig{DSN: dsn, Table: "events"}},
		Steps: []config.Step{
			{Name: "gen", Type: TypeRowGen, Options: config.Options{"rows": 1}},
			{Name: "load", Type: TypeTableOutput, Options: config.Options{"columns": []any{"missing"}}},
		},
		Hops: []config.Hop{{From: "gen", To: "load"}},
	}, newEnv(), pipeline.Options{})
	require.NoError(t, err)
	_, err = r.Execute(context.Background())
	require.ErrorIs(t, err, engine.ErrStepErrors)
}

/*
TestPipelineExecutor_RunsNestedPipelinePerGroup verifies the nested pipeline
sees each group as its previous result and its result rows come back out in
order.
*/
func TestPipelineExecutor_RunsNestedPipelinePerGroup(t *testing.T) {
	t.Parallel()

	nested := writeFile(t, "nested.json", `{
  "name": "nested",
  "parameters": [{"name": "TAG"}],
  "steps": [
    {"name": "in", "type": "rowsfromresult"},
    {"name": "out", "type": "dummy"}
  ],
  "hops": [{"from": "in", "to": "out"}]
}`)

	res := execute(t, config.Pipeline{
		Name: "outer",
		Steps: []config.Step{
			{Name: "gen", Type: TypeRowGen, Options: config.Options{"rows": 5}},
			{Name: "exec", Type: TypePipelineExecutor, Options: config.Options{
				"file":        nested,
				"result_step": "out",
				"group_size":  2,
				"variables":   []any{"TAG"},
				"fields":      []any{"id"},
				"values":      []any{""},
			}},
			{Name: "out", Type: TypeResultRows},
		},
		Hops: []config.Hop{{From: "gen", To: "exec"}, {From: "exec", To: "out"}},
	})

	want := []row.Row{{int64(0)}, {int64(1)}, {int64(2)}, {int64(3)}, {int64(4)}}
	if diff := cmp.Diff(want, res.Rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, res.Errors)
}

func TestPipelineExecutor_MissingFile(t *testing.T) {
	t.Parallel()

	r, err := pipeline.New(config.Pipeline{
		Name:  "outer",
		Steps: []config.Step{{Name: "exec", Type: TypePipelineExecutor}},
	}, newEnv(), pipeline.Options{})
	require.NoError(t, err)
	_, err = r.Execute(context.Background())
	require.Error(t, err)
}

func TestIntOption(t *testing.T) {
	t.Parallel()

	b := step.NewBase(step.Descriptor{Step: config.Step{Name: "s", Options: config.Options{
		"n":   7,
		"f":   float64(3),
		"s":   " 12 ",
		"bad": "x",
	}}}, 0, step.ModeParallel, nil)

	for key, want := range map[string]int{"n": 7, "f": 3, "s": 12, "absent": 5} {
		got, err := intOption(b, key, 5)
		require.NoError(t, err, key)
		require.Equal(t, want, got, key)
	}
	_, err := intOption(b, "bad", 0)
	require.Error(t, err)
}

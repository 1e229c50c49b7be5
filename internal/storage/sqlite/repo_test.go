package sqlite

import (
	"context"
	"testing"

	"dataflow/internal/row"
	"dataflow/internal/storage"

	"github.com/stretchr/testify/require"
)

func newMemRepo(t *testing.T) *Repository {
	t.Helper()
	r, err := NewRepository(context.Background(), storage.Config{DSN: ":memory:", Table: "events", Columns: []string{"id", "name"}})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestNewRepository_EmptyDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(context.Background(), storage.Config{DSN: "  "})
	require.Error(t, err)
}

/*
TestStepAttributes_RoundTrip verifies attributes are stored per pipeline and
step, overwritten on a second save and reported absent otherwise.
*/
func TestStepAttributes_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newMemRepo(t)

	_, ok, err := r.StepAttribute(ctx, "p", "s", "PARTITIONING_FIELDNAME")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.SaveStepAttribute(ctx, "p", "s", "PARTITIONING_FIELDNAME", "id"))
	require.NoError(t, r.SaveStepAttribute(ctx, "p", "other", "PARTITIONING_FIELDNAME", "name"))
	v, ok, err := r.StepAttribute(ctx, "p", "s", "PARTITIONING_FIELDNAME")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "id", v)

	require.NoError(t, r.SaveStepAttribute(ctx, "p", "s", "PARTITIONING_FIELDNAME", "customer"))
	v, _, err = r.StepAttribute(ctx, "p", "s", "PARTITIONING_FIELDNAME")
	require.NoError(t, err)
	require.Equal(t, "customer", v)
}

func TestEnsureTableAndCopyFrom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newMemRepo(t)

	meta := row.NewMeta(
		row.ValueMeta{Name: "id", Type: row.Integer},
		row.ValueMeta{Name: "name", Type: row.String},
	)
	td, err := storage.TableFromMeta("events", meta, nil)
	require.NoError(t, err)
	require.NoError(t, r.EnsureTable(ctx, td))
	require.NoError(t, r.EnsureTable(ctx, td), "second EnsureTable must be a no-op")

	n, err := r.CopyFrom(ctx, "", nil, [][]any{{int64(1), "a"}, {int64(2), nil}})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = r.CopyFrom(ctx, "events", []string{"id"}, [][]any{{int64(3)}})
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	var count, nulls int
	require.NoError(t, r.DB.QueryRowContext(ctx, `SELECT COUNT(*), SUM(name IS NULL) FROM events`).Scan(&count, &nulls))
	require.Equal(t, 3, count)
	require.Equal(t, 2, nulls)

	n, err = r.CopyFrom(ctx, "events", nil, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestCopyFrom_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := newMemRepo(t)

	_, err := r.CopyFrom(ctx, "events", []string{"id", "name"}, [][]any{{1}})
	require.Error(t, err)

	_, err = r.CopyFrom(ctx, "missing_table", []string{"id"}, [][]any{{1}})
	require.Error(t, err)
}

func TestRegister(t *testing.T) {
	t.Parallel()

	reg := storage.NewRegistry()
	Register(reg)
	repo, err := reg.New(context.Background(), storage.Config{Kind: Kind, DSN: ":memory:"})
	require.NoError(t, err)
	defer repo.Close()
	require.NoError(t, repo.Exec(context.Background(), "  "))
}

func TestMapType(t *testing.T) {
	t.Parallel()

	cases := map[row.ValueType]string{
		row.Integer: "INTEGER",
		row.Boolean: "INTEGER",
		row.Number:  "REAL",
		row.Binary:  "BLOB",
		row.Date:    "TEXT",
		row.String:  "TEXT",
	}
	for typ, want := range cases {
		if got := mapType(typ, 10); got != want {
			t.Fatalf("mapType(%s) = %s, want %s", typ, got, want)
		}
	}
}

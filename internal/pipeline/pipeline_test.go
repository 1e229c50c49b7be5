package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/distribution"
	"dataflow/internal/engine"
	"dataflow/internal/partition"
	"dataflow/internal/row"
	"dataflow/internal/step"
	"dataflow/internal/variables"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

var idMeta = row.NewMeta(row.ValueMeta{Name: "id", Type: row.Integer})

// collector records the ids every copy of a sink saw, keyed by copy id.
type collector struct {
	mu   sync.Mutex
	rows map[string][]int64
}

func (c *collector) add(id string, v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rows == nil {
		c.rows = map[string][]int64{}
	}
	c.rows[id] = append(c.rows[id], v)
}

func (c *collector) get(id string) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]int64(nil), c.rows[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// genStep emits ids 0..rows-1; rows may reference variables, -1 is endless.
type genStep struct {
	*step.Base
	n, emitted int
}

func (s *genStep) Init(ctx context.Context) bool {
	n, err := strconv.Atoi(s.Substitute(s.Options().String("rows", "0")))
	if err != nil {
		s.AddError(err)
		return false
	}
	s.n = n
	return true
}

func (s *genStep) ProcessRow(ctx context.Context) bool {
	if s.n >= 0 && s.emitted >= s.n {
		return false
	}
	if err := s.PutRow(ctx, idMeta, row.Row{int64(s.emitted)}); err != nil {
		if !s.IsStopped() {
			s.AddError(err)
		}
		return false
	}
	s.emitted++
	return true
}

// sinkStep records and forwards its input; fail_at makes it fail on an id.
type sinkStep struct {
	*step.Base
	c *collector
}

func (s *sinkStep) ProcessRow(ctx context.Context) bool {
	meta, r, f := s.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		return false
	}
	id := r[0].(int64)
	if failAt := s.Options().Int("fail_at", -1); failAt >= 0 && id == int64(failAt) {
		s.AddError(fmt.Errorf("row %d rejected", id))
		return false
	}
	s.c.add(s.ID(), id)
	if err := s.PutRow(ctx, meta, r); err != nil {
		s.AddError(err)
		return false
	}
	return true
}

// resultStep hands every input row back to its run.
type resultStep struct{ *step.Base }

func (s *resultStep) ProcessRow(ctx context.Context) bool {
	meta, r, f := s.GetRow(ctx)
	switch f {
	case step.Wait:
		return true
	case step.End:
		return false
	}
	run, ok := RunFromContext(ctx)
	if !ok {
		s.AddError(errors.New("no run in context"))
		return false
	}
	run.AddResultRow(meta, r)
	return true
}

// previousStep emits the rows of the run's previous result.
type previousStep struct {
	*step.Base
	res  *Result
	next int
}

func (s *previousStep) Init(ctx context.Context) bool {
	if run, ok := RunFromContext(ctx); ok {
		s.res = run.PreviousResult()
	}
	return true
}

func (s *previousStep) ProcessRow(ctx context.Context) bool {
	if s.res == nil || s.next >= len(s.res.Rows) {
		return false
	}
	if err := s.PutRow(ctx, s.res.Meta, s.res.Rows[s.next]); err != nil {
		s.AddError(err)
		return false
	}
	s.next++
	return true
}

func newEnv(c *collector) Env {
	reg := step.NewRegistry()
	reg.Register("gen", func(_ step.Descriptor, b *step.Base) (step.Step, error) { return &genStep{Base: b}, nil })
	reg.Register("sink", func(_ step.Descriptor, b *step.Base) (step.Step, error) { return &sinkStep{Base: b, c: c}, nil })
	reg.Register("result", func(_ step.Descriptor, b *step.Base) (step.Step, error) { return &resultStep{Base: b}, nil })
	reg.Register("previous", func(_ step.Descriptor, b *step.Base) (step.Step, error) { return &previousStep{Base: b}, nil })
	return Env{Steps: reg, Partitioners: partition.NewRegistry()}
}

func linear(mode string, rows int) config.Pipeline {
	return config.Pipeline{
		Name: "linear",
		Mode: mode,
		Steps: []config.Step{
			{Name: "gen", Type: "gen", Options: config.Options{"rows": strconv.Itoa(rows)}},
			{Name: "sink", Type: "sink"},
		},
		Hops: []config.Hop{{From: "gen", To: "sink"}},
	}
}

func ids(n int, keep func(int64) bool) []int64 {
	var out []int64
	for i := int64(0); i < int64(n); i++ {
		if keep(i) {
			out = append(out, i)
		}
	}
	return out
}

func all(int64) bool { return true }

func TestExecute_Linear(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{config.ModeCooperative, config.ModeParallel} {
		t.Run(mode, func(t *testing.T) {
			t.Parallel()

			c := &collector{}
			r, err := New(linear(mode, 25), newEnv(c), Options{})
			require.NoError(t, err)
			res, err := r.Execute(context.Background())
			require.NoError(t, err)

			require.Equal(t, ids(25, all), c.get("sink.0"))
			require.EqualValues(t, 50, res.LinesWritten)
			require.EqualValues(t, 25, res.LinesRead)
			require.Zero(t, res.Errors)
			require.False(t, res.Stopped)
			require.Equal(t, r.ID, res.RunID)
			for _, s := range r.StepStatuses() {
				require.Equal(t, step.StatusDone, s.Status, s.Step)
			}
		})
	}
}

/*
TestExecute_SameCopyCountsConnectOneToOne verifies two steps with equal copy
counts get one row set per copy pair instead of a full mesh.
*/
func TestExecute_SameCopyCountsConnectOneToOne(t *testing.T) {
	t.Parallel()

	def := linear(config.ModeCooperative, 10)
	def.Steps[0].Copies = 2
	def.Steps[1].Copies = 2
	def.Steps = append(def.Steps, config.Step{Name: "tail", Type: "sink"})
	def.Hops = append(def.Hops, config.Hop{From: "sink", To: "tail"})

	c := &collector{}
	r, err := New(def, newEnv(c), Options{})
	require.NoError(t, err)
	require.NoError(t, r.Prepare(context.Background()))

	g := r.Graph()
	require.Len(t, g.CopiesOf("gen"), 2)
	var genToSink []string
	for _, e := range g.Edges {
		if e.From.Name() == "gen" {
			genToSink = append(genToSink, e.RowSet.Name())
		}
	}
	if diff := cmp.Diff([]string{"gen.0 - sink.0", "gen.1 - sink.1"}, genToSink); diff != "" {
		t.Fatalf("row sets (-want +got):\n%s", diff)
	}
	// sink has two copies, tail one: a full mesh of two row sets.
	require.Len(t, g.CopiesOf("tail")[0].Step.InputRowSets(), 2)

	_, err = r.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, ids(10, all), c.get("sink.0"))
	require.Equal(t, ids(10, all), c.get("sink.1"))
	require.Len(t, c.get("tail.0"), 20)
}

func partitionedDef() config.Pipeline {
	def := linear(config.ModeCooperative, 20)
	def.PartitionSchemas = []config.PartitionSchema{{Name: "p4", Partitions: []string{"P1", "P2", "P3", "P4"}}}
	def.Steps[1].Partitioning = &config.Partitioning{Schema: "p4", Method: partition.MethodMod, Field: "id"}
	return def
}

/*
TestExecute_PartitionedLocal verifies a partitioned step gets one copy per
partition and every row reaches the copy owning id mod 4.
*/
func TestExecute_PartitionedLocal(t *testing.T) {
	t.Parallel()

	c := &collector{}
	r, err := New(partitionedDef(), newEnv(c), Options{})
	require.NoError(t, err)
	res, err := r.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, r.Graph().CopiesOf("sink"), 4)
	for p := 0; p < 4; p++ {
		want := ids(20, func(v int64) bool { return v%4 == int64(p) })
		require.Equal(t, want, c.get(fmt.Sprintf("sink.%d", p)), "copy %d", p)
	}
	require.Zero(t, res.LinesRejected)
}

/*
TestExecute_ClusterWorkerRunsOwnPartitions verifies a worker only builds
copies for the partitions the distribution table gives it and drops rows of
the other worker's partitions.
*/
func TestExecute_ClusterWorkerRunsOwnPartitions(t *testing.T) {
	t.Parallel()

	def := partitionedDef()
	dist := distribution.Assign([]string{"w1", "w2"}, partition.FromConfig(def.PartitionSchemas[0]))

	c := &collector{}
	env := newEnv(c)
	env.Distribution, env.Worker = dist, "w1"
	r, err := New(def, env, Options{})
	require.NoError(t, err)
	res, err := r.Execute(context.Background())
	require.NoError(t, err)

	require.Len(t, r.Graph().CopiesOf("sink"), 2)
	require.Equal(t, ids(20, func(v int64) bool { return v%4 == 0 }), c.get("sink.0"))
	require.Equal(t, ids(20, func(v int64) bool { return v%4 == 2 }), c.get("sink.1"))
	require.EqualValues(t, 10, res.LinesRejected)

	env.Worker = "w3"
	r, err = New(def, env, Options{})
	require.NoError(t, err)
	require.ErrorContains(t, r.Prepare(context.Background()), "no partition of schema p4")
}

func TestParameters(t *testing.T) {
	t.Parallel()

	def := linear(config.ModeCooperative, 0)
	def.Parameters = []config.Parameter{{Name: "ROWS", Default: "3"}, {Name: "LABEL", Default: "x"}}
	def.Steps[0].Options["rows"] = "${ROWS}"

	c := &collector{}
	r, err := New(def, newEnv(c), Options{})
	require.NoError(t, err)
	require.True(t, r.DeclaresParameter("ROWS"))
	require.Error(t, r.SetParameterValue("UNDECLARED", "1"))
	require.NoError(t, r.SetParameterValue("ROWS", "7"))

	v, ok := r.ParameterValue("LABEL")
	require.True(t, ok)
	require.Equal(t, "x", v)

	_, err = r.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, c.get("sink.0"), 7)
	require.Equal(t, "x", r.Variables().Value("LABEL", ""))
}

/*
TestNestedRun_Variables verifies a nested run shares the parent's variables
only when asked to and inherits its log level and arguments.
*/
func TestNestedRun_Variables(t *testing.T) {
	t.Parallel()

	env := newEnv(&collector{})
	root := variables.New()
	root.Set("FROM_ROOT", "r")
	parent, err := New(linear("", 1), env, Options{Variables: root, LogLevel: LogDetailed, Args: []string{"a"}})
	require.NoError(t, err)
	parent.SetVariable("X", "1")
	require.Equal(t, "r", parent.Variables().Value("FROM_ROOT", ""))

	shared, err := New(linear("", 1), env, Options{Parent: parent, ShareVariables: true})
	require.NoError(t, err)
	shared.SetVariable("Y", "2")
	require.Equal(t, "2", parent.Variables().Value("Y", ""))
	require.Equal(t, LogDetailed, shared.LogLevel())
	require.Equal(t, []string{"a"}, shared.Args())
	require.Same(t, parent, shared.Parent())

	isolated, err := New(linear("", 1), env, Options{Parent: parent})
	require.NoError(t, err)
	require.Equal(t, "1", isolated.Variables().Value("X", ""))
	isolated.SetVariable("Z", "3")
	_, ok := parent.Variables().Get("Z")
	require.False(t, ok)
}

func TestResultRowsAndPreviousResult(t *testing.T) {
	t.Parallel()

	def := config.Pipeline{
		Name: "nested",
		Mode: config.ModeCooperative,
		Steps: []config.Step{
			{Name: "prev", Type: "previous"},
			{Name: "out", Type: "result"},
		},
		Hops: []config.Hop{{From: "prev", To: "out"}},
	}
	r, err := New(def, newEnv(&collector{}), Options{})
	require.NoError(t, err)
	r.SetPreviousResult(&Result{Meta: idMeta, Rows: []row.Row{{int64(4)}, {int64(5)}}})

	var seen []row.Row
	require.NoError(t, r.AddRowListener("prev", func(_ *row.Meta, rw row.Row) { seen = append(seen, rw) }))
	require.Error(t, r.AddRowListener("missing", func(*row.Meta, row.Row) {}))

	res, err := r.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, []row.Row{{int64(4)}, {int64(5)}}, res.Rows)
	require.Same(t, idMeta, res.Meta)
	require.Len(t, seen, 2)
}

func TestAddRowProducer(t *testing.T) {
	t.Parallel()

	def := config.Pipeline{
		Name:  "fed",
		Mode:  config.ModeCooperative,
		Steps: []config.Step{{Name: "sink", Type: "sink"}},
	}
	c := &collector{}
	r, err := New(def, newEnv(c), Options{})
	require.NoError(t, err)
	_, err = r.AddRowProducer("sink", 0)
	require.Error(t, err, "producer before prepare")

	require.NoError(t, r.Prepare(context.Background()))
	_, err = r.AddRowProducer("sink", 1)
	require.Error(t, err)
	p, err := r.AddRowProducer("sink", 0)
	require.NoError(t, err)
	for i := int64(0); i < 3; i++ {
		require.NoError(t, p.PutRow(context.Background(), idMeta, row.Row{i}))
	}
	p.Finished()

	_, err = r.Execute(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, c.get("sink.0"))
}

func TestExecute_StepErrorFailsRun(t *testing.T) {
	t.Parallel()

	def := linear(config.ModeCooperative, 10)
	def.Steps[1].Options = config.Options{"fail_at": 3}
	r, err := New(def, newEnv(&collector{}), Options{})
	require.NoError(t, err)
	res, err := r.Execute(context.Background())
	require.ErrorIs(t, err, engine.ErrStepErrors)
	require.NotNil(t, res)
	require.EqualValues(t, 1, res.Errors)

	_, err = r.Execute(context.Background())
	require.ErrorIs(t, err, ErrAlreadyExecuted)
}

func TestPrepare_InvalidDefinition(t *testing.T) {
	t.Parallel()

	def := linear(config.ModeCooperative, 1)
	def.Hops = append(def.Hops, config.Hop{From: "sink", To: "gen"})
	r, err := New(def, newEnv(&collector{}), Options{})
	require.NoError(t, err)
	require.ErrorContains(t, r.Prepare(context.Background()), "cycle")

	def = linear("bogus", 1)
	_, err = New(def, newEnv(&collector{}), Options{})
	require.Error(t, err)

	_, err = New(linear("", 1), Env{}, Options{})
	require.Error(t, err)
}

func TestStop_BeforeExecute(t *testing.T) {
	t.Parallel()

	c := &collector{}
	r, err := New(linear(config.ModeParallel, 10), newEnv(c), Options{})
	require.NoError(t, err)
	r.Stop()
	r.Stop()
	require.True(t, r.IsStopped())

	res, err := r.Execute(context.Background())
	require.NoError(t, err)
	require.True(t, res.Stopped)
	require.Empty(t, c.get("sink.0"))
	require.Nil(t, r.StepStatuses())
}

/*
TestStop_WhileRunning verifies stopping an endless parallel run returns a
stopped result without an error.
*/
func TestStop_WhileRunning(t *testing.T) {
	t.Parallel()

	r, err := New(linear(config.ModeParallel, -1), newEnv(&collector{}), Options{RowSetSize: 8})
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	require.ErrorIs(t, r.Start(context.Background()), ErrAlreadyExecuted)

	require.Eventually(t, func() bool {
		for _, s := range r.StepStatuses() {
			if s.Step == "sink" && s.LinesWritten > 50 {
				return true
			}
		}
		return false
	}, 5*time.Second, time.Millisecond)

	r.Stop()
	res, err := r.Wait()
	require.NoError(t, err)
	require.True(t, res.Stopped)
	for _, s := range r.StepStatuses() {
		require.Equal(t, step.StatusStopped, s.Status, s.Step)
	}
}

func TestWait_NotStarted(t *testing.T) {
	t.Parallel()

	r, err := New(linear("", 1), newEnv(&collector{}), Options{})
	require.NoError(t, err)
	_, err = r.Wait()
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]LogLevel{"": LogBasic, "Detailed": LogDetailed, " debug ": LogDebug} {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLogLevel("chatty"); err == nil {
		t.Fatalf("unknown level should fail")
	}
	if LogDebug.String() != "debug" {
		t.Fatalf("String() = %s", LogDebug)
	}
}

func TestRowSetSize(t *testing.T) {
	t.Setenv("DATAFLOW_ROWSET_SIZE", "42")
	env := newEnv(&collector{})

	def := linear(config.ModeParallel, 1)
	r, _ := New(def, env, Options{})
	require.Equal(t, 42, r.rowSetSize())

	def.Runtime.RowSetSize = 7
	r, _ = New(def, env, Options{})
	require.Equal(t, 7, r.rowSetSize())

	r, _ = New(def, env, Options{RowSetSize: 3})
	require.Equal(t, 3, r.rowSetSize())

	r, _ = New(def, env, Options{Mode: step.ModeCooperative})
	require.Zero(t, r.rowSetSize())

	t.Setenv("DATAFLOW_ROWSET_SIZE", "")
	r, _ = New(linear(config.ModeParallel, 1), env, Options{})
	require.Equal(t, DefaultRowSetSize, r.rowSetSize())
}

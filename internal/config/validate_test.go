package config

import (
	"strings"
	"testing"
)

// hasIssue reports whether issues contains an Issue with the given severity,
// path, and a Message containing msgSubstr.
func hasIssue(t *testing.T, issues []Issue, sev IssueSeverity, path, msgSubstr string) bool {
	t.Helper()
	for _, iss := range issues {
		if iss.Severity == sev && iss.Path == path && strings.Contains(iss.Message, msgSubstr) {
			return true
		}
	}
	return false
}

func validPipeline() Pipeline {
	return Pipeline{
		Name: "orders",
		PartitionSchemas: []PartitionSchema{
			{Name: "p3", Partitions: []string{"P1", "P2", "P3"}},
		},
		Steps: []Step{
			{Name: "gen", Type: "rowgen", Options: Options{"rows": float64(10)}},
			{Name: "sink", Type: "dummy", Partitioning: &Partitioning{Schema: "p3", Method: "mod", Field: "id"}},
		},
		Hops: []Hop{{From: "gen", To: "sink"}},
	}
}

/*
TestValidatePipeline_ValidMinimal verifies that a well-formed pipeline produces
no issues (errors or warnings).
*/
func TestValidatePipeline_ValidMinimal(t *testing.T) {
	t.Parallel()

	issues := ValidatePipeline(validPipeline(), "rowgen", "dummy")
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
	if HasErrors(issues) || Err(issues) != nil {
		t.Fatalf("HasErrors/Err disagree with empty issue list")
	}
}

/*
TestValidatePipeline_MissingName verifies that an empty Name field produces a
SeverityError with path "name".
*/
func TestValidatePipeline_MissingName(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Name = "  "
	issues := ValidatePipeline(p)
	if !hasIssue(t, issues, SeverityError, "name", "must not be empty") {
		t.Fatalf("expected error for name; got %+v", issues)
	}
}

func TestValidatePipeline_Cycle(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Steps = append(p.Steps, Step{Name: "loop", Type: "dummy"})
	p.Hops = append(p.Hops, Hop{From: "sink", To: "loop"}, Hop{From: "loop", To: "sink"})

	issues := ValidatePipeline(p)
	if !hasIssue(t, issues, SeverityError, "hops", "cycle through steps sink, loop") {
		t.Fatalf("expected cycle error; got %+v", issues)
	}
	if Err(issues) == nil {
		t.Fatalf("Err should report the cycle")
	}
}

func TestValidatePipeline_DisabledHopBreaksCycle(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Hops = append(p.Hops, Hop{From: "sink", To: "gen", Disabled: true})
	if issues := ValidatePipeline(p); HasErrors(issues) {
		t.Fatalf("disabled hop should be ignored; got %+v", issues)
	}
}

func TestValidatePipeline_Hops(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Hops = append(p.Hops,
		Hop{From: "gen", To: "nowhere"},
		Hop{From: "gen", To: "sink"},
	)
	issues := ValidatePipeline(p)
	if !hasIssue(t, issues, SeverityError, "hops[1].to", `unknown step "nowhere"`) {
		t.Fatalf("expected unknown target error; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityWarning, "hops[2]", "duplicate hop") {
		t.Fatalf("expected duplicate hop warning; got %+v", issues)
	}
}

func TestValidatePipeline_Steps(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Steps = append(p.Steps,
		Step{Name: "gen", Type: "rowgen"},
		Step{Name: "x", Type: "mystery", Copies: -1},
		Step{Name: "y", Type: "dummy", Partitioning: &Partitioning{Schema: "missing", Method: "mod"}},
	)
	issues := ValidatePipeline(p, "rowgen", "dummy")

	checks := []struct {
		sev  IssueSeverity
		path string
		msg  string
	}{
		{SeverityError, "steps[2].name", "duplicate step name"},
		{SeverityWarning, "steps[3].type", "unknown step type"},
		{SeverityError, "steps[3].copies", "must not be negative"},
		{SeverityError, "steps[4].partitioning.field", "requires a field"},
		{SeverityError, "steps[4].partitioning.schema", "unknown partition schema"},
	}
	for _, c := range checks {
		if !hasIssue(t, issues, c.sev, c.path, c.msg) {
			t.Errorf("missing %s at %s (%q); got %+v", c.sev, c.path, c.msg, issues)
		}
	}
}

func TestValidatePipeline_PartitionSchemas(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.PartitionSchemas = append(p.PartitionSchemas,
		PartitionSchema{Name: "empty"},
		PartitionSchema{Name: "dyn", Dynamic: true},
		PartitionSchema{Name: "dup", Partitions: []string{"A", "A"}},
	)
	issues := ValidatePipeline(p)
	if !hasIssue(t, issues, SeverityError, "partition_schemas[1].partitions", "at least one partition") {
		t.Fatalf("expected empty schema error; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityError, "partition_schemas[2].partitions_per_worker", "> 0") {
		t.Fatalf("expected dynamic schema error; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityError, "partition_schemas[3].partitions[1]", `duplicate partition id "A"`) {
		t.Fatalf("expected duplicate id error; got %+v", issues)
	}
}

func TestValidatePipeline_ModeAndRuntime(t *testing.T) {
	t.Parallel()

	p := validPipeline()
	p.Mode = "turbo"
	p.Runtime = RuntimeConfig{RowSetSize: -1, Ordering: "random"}
	issues := ValidatePipeline(p)
	if !hasIssue(t, issues, SeverityError, "mode", "unknown mode") {
		t.Fatalf("expected mode error; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityError, "runtime.rowset_size", "negative") {
		t.Fatalf("expected rowset_size error; got %+v", issues)
	}
	if !hasIssue(t, issues, SeverityError, "runtime.ordering", "unknown ordering") {
		t.Fatalf("expected ordering error; got %+v", issues)
	}
}

package config

// This file adds a lightweight linter/validator for Pipeline values. It
// performs static checks over a decoded Pipeline and returns a list of issues
// (errors and warnings) that callers can surface in a CLI or tests.

import (
	"errors"
	"fmt"
	"strings"

	"dataflow/internal/scheduler"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a finding that should be surfaced to users but
	// does not block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Pipeline.
//
// Path is a dotted path into the config (e.g. "steps[2].partitioning.field",
// "hops[0].to"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Err folds the error-severity issues into one error, or nil when there are
// none.
func Err(issues []Issue) error {
	var errs []error
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			errs = append(errs, iss)
		}
	}
	return errors.Join(errs...)
}

// ValidatePipeline performs static validation / linting of a Pipeline.
//
// knownTypes lists the registered step types; when non-empty, steps of any
// other type produce a warning. The pipeline is not mutated.
//
// Example:
//
//	p, err := config.Load("orders.yaml")
//	if err != nil { ... }
//	for _, iss := range config.ValidatePipeline(p, reg.Types()) {
//	    fmt.Printf("%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
//	}
func ValidatePipeline(p Pipeline, knownTypes ...string) []Issue {
	var issues []Issue

	if strings.TrimSpace(p.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "name",
			Message:  "name must not be empty; it identifies the pipeline in logs, metrics and status tables",
		})
	}
	switch p.Mode {
	case "", ModeParallel, ModeCooperative:
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "mode",
			Message:  fmt.Sprintf("unknown mode %q; want %q or %q", p.Mode, ModeParallel, ModeCooperative),
		})
	}

	issues = append(issues, validateParameters(p.Parameters)...)
	issues = append(issues, validatePartitionSchemas(p.PartitionSchemas)...)
	issues = append(issues, validateSteps(p, knownTypes)...)
	issues = append(issues, validateHops(p)...)
	issues = append(issues, validateRuntime(p.Runtime)...)

	return issues
}

func validateParameters(ps []Parameter) []Issue {
	var issues []Issue
	seen := map[string]bool{}
	for i, prm := range ps {
		path := fmt.Sprintf("parameters[%d].name", i)
		if strings.TrimSpace(prm.Name) == "" {
			issues = append(issues, Issue{SeverityError, path, "parameter name must not be empty"})
			continue
		}
		if seen[prm.Name] {
			issues = append(issues, Issue{SeverityError, path, fmt.Sprintf("duplicate parameter %q", prm.Name)})
		}
		seen[prm.Name] = true
	}
	return issues
}

func validatePartitionSchemas(ss []PartitionSchema) []Issue {
	var issues []Issue
	seen := map[string]bool{}
	for i, s := range ss {
		base := fmt.Sprintf("partition_schemas[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			issues = append(issues, Issue{SeverityError, base + ".name", "partition schema name must not be empty"})
			continue
		}
		if seen[s.Name] {
			issues = append(issues, Issue{SeverityError, base + ".name", fmt.Sprintf("duplicate partition schema %q", s.Name)})
		}
		seen[s.Name] = true

		if s.Dynamic {
			if s.PartitionsPerWorker <= 0 {
				issues = append(issues, Issue{SeverityError, base + ".partitions_per_worker",
					"dynamic partition schema requires partitions_per_worker > 0"})
			}
			continue
		}
		if len(s.Partitions) == 0 {
			issues = append(issues, Issue{SeverityError, base + ".partitions",
				"static partition schema requires at least one partition"})
		}
		ids := map[string]bool{}
		for j, id := range s.Partitions {
			if ids[id] {
				issues = append(issues, Issue{SeverityError, fmt.Sprintf("%s.partitions[%d]", base, j),
					fmt.Sprintf("duplicate partition id %q", id)})
			}
			ids[id] = true
		}
	}
	return issues
}

func validateSteps(p Pipeline, knownTypes []string) []Issue {
	var issues []Issue

	if len(p.Steps) == 0 {
		issues = append(issues, Issue{SeverityError, "steps", "pipeline has no steps"})
		return issues
	}

	known := map[string]struct{}{}
	for _, k := range knownTypes {
		known[k] = struct{}{}
	}

	seen := map[string]bool{}
	for i, s := range p.Steps {
		base := fmt.Sprintf("steps[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			issues = append(issues, Issue{SeverityError, base + ".name", "step name must not be empty"})
		} else if seen[s.Name] {
			issues = append(issues, Issue{SeverityError, base + ".name", fmt.Sprintf("duplicate step name %q", s.Name)})
		}
		seen[s.Name] = true

		if strings.TrimSpace(s.Type) == "" {
			issues = append(issues, Issue{SeverityError, base + ".type", "step type must not be empty"})
		} else if len(known) > 0 {
			if _, ok := known[s.Type]; !ok {
				issues = append(issues, Issue{SeverityWarning, base + ".type",
					fmt.Sprintf("unknown step type %q; ensure a matching implementation is registered", s.Type)})
			}
		}
		if s.Copies < 0 {
			issues = append(issues, Issue{SeverityError, base + ".copies", "copies must not be negative"})
		}

		if s.Partitioning == nil {
			continue
		}
		pp := s.Partitioning
		switch pp.Method {
		case "", "none":
			continue
		case "mod":
			if strings.TrimSpace(pp.Field) == "" {
				issues = append(issues, Issue{SeverityError, base + ".partitioning.field",
					"mod partitioning requires a field"})
			}
		default:
			issues = append(issues, Issue{SeverityWarning, base + ".partitioning.method",
				fmt.Sprintf("unknown partitioning method %q; ensure a matching partitioner is registered", pp.Method)})
		}
		if _, ok := p.PartitionSchema(pp.Schema); !ok {
			issues = append(issues, Issue{SeverityError, base + ".partitioning.schema",
				fmt.Sprintf("unknown partition schema %q", pp.Schema)})
		}
		if s.Copies > 1 {
			issues = append(issues, Issue{SeverityWarning, base + ".copies",
				"copies is ignored on partitioned steps; the partition schema decides the copy count"})
		}
	}
	return issues
}

func validateHops(p Pipeline) []Issue {
	var issues []Issue

	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if _, dup := index[s.Name]; !dup {
			index[s.Name] = i
		}
	}

	type pair struct{ from, to string }
	seen := map[pair]bool{}
	var edges []scheduler.Edge
	for i, h := range p.Hops {
		base := fmt.Sprintf("hops[%d]", i)
		if h.Disabled {
			continue
		}
		from, okFrom := index[h.From]
		to, okTo := index[h.To]
		if !okFrom {
			issues = append(issues, Issue{SeverityError, base + ".from", fmt.Sprintf("unknown step %q", h.From)})
		}
		if !okTo {
			issues = append(issues, Issue{SeverityError, base + ".to", fmt.Sprintf("unknown step %q", h.To)})
		}
		if !okFrom || !okTo {
			continue
		}
		if seen[pair{h.From, h.To}] {
			issues = append(issues, Issue{SeverityWarning, base, fmt.Sprintf("duplicate hop %s -> %s", h.From, h.To)})
			continue
		}
		seen[pair{h.From, h.To}] = true
		edges = append(edges, scheduler.Edge{From: from, To: to})
	}

	if _, err := scheduler.Order(len(p.Steps), edges); err != nil {
		var ce *scheduler.CycleError
		msg := err.Error()
		if errors.As(err, &ce) {
			names := make([]string, 0, len(ce.Nodes))
			for _, n := range ce.Nodes {
				names = append(names, p.Steps[n].Name)
			}
			msg = "hops form a cycle through steps " + strings.Join(names, ", ")
		}
		issues = append(issues, Issue{SeverityError, "hops", msg})
	}
	return issues
}

// validateRuntime validates RuntimeConfig for obvious misconfigurations.
func validateRuntime(r RuntimeConfig) []Issue {
	var issues []Issue

	if r.RowSetSize < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.rowset_size", "rowset_size must not be negative"})
	}
	if r.PollTimeoutMS < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.poll_timeout_ms", "poll_timeout_ms must not be negative"})
	}
	if r.BatchSize < 0 {
		issues = append(issues, Issue{SeverityError, "runtime.batch_size", "batch_size must not be negative"})
	}
	switch r.Ordering {
	case "", OrderingTopological, OrderingCocktail:
	default:
		issues = append(issues, Issue{SeverityError, "runtime.ordering",
			fmt.Sprintf("unknown ordering %q; want %q or %q", r.Ordering, OrderingTopological, OrderingCocktail)})
	}

	return issues
}

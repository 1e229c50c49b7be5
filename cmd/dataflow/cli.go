package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"dataflow/internal/config"
	"dataflow/internal/distribution"
	"dataflow/internal/metrics"
	"dataflow/internal/metrics/datadog"
	"dataflow/internal/metrics/prompush"
	"dataflow/internal/partition"
	"dataflow/internal/pipeline"
	"dataflow/internal/step"
	"dataflow/internal/step/builtin"
	"dataflow/internal/storage"
	"dataflow/internal/storage/all"
)

// cliOptions is the parsed command line.
type cliOptions struct {
	configPath string
	mode       string
	validate   bool
	verbose    bool
	logLevel   string

	worker          string
	workers         []string
	distributionIn  string
	distributionOut string

	storePartitioning bool

	metricsBackend string
	pushgatewayURL string
	datadogAddr    string

	params params
	args   []string
}

// param is one NAME=VALUE binding from the command line.
type param struct{ name, value string }

// params collects repeated -param flags in order.
type params []param

func (p *params) String() string {
	parts := make([]string, len(*p))
	for i, kv := range *p {
		parts[i] = kv.name + "=" + kv.value
	}
	return strings.Join(parts, ",")
}

func (p *params) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("want NAME=VALUE, got %q", s)
	}
	*p = append(*p, param{name: name, value: value})
	return nil
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var o cliOptions
	var workers string

	fs := flag.NewFlagSet("dataflow", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "configs/pipelines/sample.json", "pipeline definition path (JSON or YAML)")
	fs.StringVar(&o.mode, "mode", "", "override the definition's engine mode (parallel, cooperative)")
	fs.BoolVar(&o.validate, "validate", false, "validate the definition and exit")
	fs.StringVar(&o.logLevel, "log-level", "basic", "run log level (basic, detailed, debug)")
	fs.StringVar(&o.worker, "worker", "", "run as this cluster worker")
	fs.StringVar(&workers, "workers", "", "comma separated cluster worker names")
	fs.StringVar(&o.distributionIn, "distribution", "", "distribution table XML to load for a worker run")
	fs.StringVar(&o.distributionOut, "distribution-out", "", "build the distribution table for -workers, write it here and exit")
	fs.BoolVar(&o.storePartitioning, "store-partitioning", false, "save partitioning attributes of every partitioned step to the pipeline storage and exit")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend (pushgateway, datadog, none); overrides env METRICS_BACKEND")
	fs.StringVar(&o.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&o.datadogAddr, "datadog-addr", "", "DogStatsD address (overrides env DD_AGENT_ADDR)")
	fs.Var(&o.params, "param", "bind a declared parameter, NAME=VALUE (repeatable)")
	fs.BoolVar(&o.verbose, "v", false, "enable verbose logs")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, err
	}
	o.args = fs.Args()

	for _, w := range strings.Split(workers, ",") {
		if w = strings.TrimSpace(w); w != "" {
			o.workers = append(o.workers, w)
		}
	}
	if o.distributionOut != "" && len(o.workers) == 0 {
		return cliOptions{}, errors.New("-distribution-out requires -workers")
	}
	if o.worker != "" && o.distributionIn == "" && len(o.workers) == 0 {
		return cliOptions{}, errors.New("-worker requires -distribution or -workers")
	}
	return o, nil
}

// registries holds the explicit registries one binary builds at startup.
type registries struct {
	steps  *step.Registry
	stores *storage.Registry
	parts  *partition.Registry
}

func newRegistries() registries {
	r := registries{
		steps:  step.NewRegistry(),
		stores: storage.NewRegistry(),
		parts:  partition.NewRegistry(),
	}
	all.Register(r.stores)
	builtin.Register(r.steps, builtin.Deps{Storage: r.stores, Partitioners: r.parts})
	return r
}

// run executes one command line: validation, one of the exit-early actions,
// or a pipeline run.
func run(ctx context.Context, o cliOptions, stderr io.Writer) error {
	def, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if o.mode != "" {
		def.Mode = o.mode
	}

	reg := newRegistries()
	issues := config.ValidatePipeline(def, reg.steps.Types()...)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		return fmt.Errorf("configuration is invalid: %s: %w", o.configPath, config.Err(issues))
	}
	if o.validate {
		log.Printf("Configuration is valid: %v", o.configPath)
		return nil
	}

	switch {
	case o.distributionOut != "":
		t := buildDistribution(def, o.workers)
		if err := t.WriteFile(o.distributionOut); err != nil {
			return err
		}
		log.Printf("distribution: workers=%d entries=%d out=%s", len(o.workers), t.Len(), o.distributionOut)
		return nil
	case o.storePartitioning:
		return storePartitioning(ctx, def, reg, max(len(o.workers), 1))
	}

	env := pipeline.Env{Steps: reg.steps, Partitioners: reg.parts}
	if o.worker != "" {
		t, err := loadDistribution(def, o)
		if err != nil {
			return err
		}
		env.Distribution, env.Worker = t, o.worker
	}

	level, err := pipeline.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	if o.verbose && level < pipeline.LogDetailed {
		level = pipeline.LogDetailed
	}

	flush := setupMetrics(o, def.JobName())
	defer flush()

	r, err := pipeline.New(def, env, pipeline.Options{LogLevel: level, Args: o.args, Verbose: o.verbose})
	if err != nil {
		return err
	}
	for _, p := range o.params {
		if err := r.SetParameterValue(p.name, p.value); err != nil {
			return err
		}
	}

	start := time.Now()
	if o.verbose {
		log.Printf("pipeline: name=%s mode=%s worker=%q steps=%d hops=%d", def.Name, r.Mode(), o.worker, len(def.Steps), len(def.Hops))
	}
	res, err := r.Execute(ctx)
	if err != nil {
		return err
	}
	if res.Stopped {
		log.Printf("pipeline: %s stopped", def.Name)
	}
	if o.verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

func schemasOf(def config.Pipeline) []partition.Schema {
	out := make([]partition.Schema, 0, len(def.PartitionSchemas))
	for _, s := range def.PartitionSchemas {
		out = append(out, partition.FromConfig(s))
	}
	return out
}

// buildDistribution spreads every partition schema of def over workers.
func buildDistribution(def config.Pipeline, workers []string) *distribution.Table {
	return distribution.Assign(workers, schemasOf(def)...)
}

// loadDistribution reads the table named by -distribution, or builds one for
// -workers. The worker must own at least one entry of a non-empty table.
func loadDistribution(def config.Pipeline, o cliOptions) (*distribution.Table, error) {
	var t *distribution.Table
	if o.distributionIn != "" {
		var err error
		if t, err = distribution.ReadFile(o.distributionIn); err != nil {
			return nil, err
		}
	} else {
		t = buildDistribution(def, o.workers)
	}
	if t.Len() == 0 {
		return t, nil
	}
	for _, e := range t.Entries() {
		if e.Worker == o.worker {
			return t, nil
		}
	}
	return nil, fmt.Errorf("distribution: worker %q owns no partitions", o.worker)
}

// storePartitioning saves the partitioner attributes of every partitioned
// step into the pipeline's storage.
func storePartitioning(ctx context.Context, def config.Pipeline, reg registries, workers int) error {
	repo, err := reg.stores.New(ctx, storage.FromConfig(def.Storage))
	if err != nil {
		return err
	}
	defer repo.Close()

	type repSaver interface {
		SaveRep(ctx context.Context, repo partition.AttributeRepository, pipelineID, stepID string) error
	}
	saved := 0
	for _, s := range def.Steps {
		if !s.IsPartitioned() {
			continue
		}
		cs, ok := def.PartitionSchema(s.Partitioning.Schema)
		if !ok {
			return fmt.Errorf("step %s: unknown partition schema %q", s.Name, s.Partitioning.Schema)
		}
		p, err := reg.parts.New(partition.Descriptor{
			Method:     s.Partitioning.Method,
			Field:      s.Partitioning.Field,
			Normalize:  s.Partitioning.Normalize,
			Partitions: partition.FromConfig(cs).Expand(workers).NrPartitions(),
		})
		if err != nil {
			return fmt.Errorf("step %s: %w", s.Name, err)
		}
		rs, ok := p.(repSaver)
		if !ok {
			continue
		}
		if err := rs.SaveRep(ctx, repo, def.Name, s.Name); err != nil {
			return err
		}
		saved++
	}
	log.Printf("partitioning: pipeline=%s saved=%d", def.Name, saved)
	return nil
}

// setupMetrics installs the selected backend and returns its flush. The
// backend is chosen flag, then env, then default, and a backend that fails to
// start leaves metrics disabled.
func setupMetrics(o cliOptions, job string) func() {
	backendName := o.metricsBackend
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if backendName == "" {
		backendName = "pushgateway"
	}
	if job == "" {
		job = "dataflow_job"
	}

	var (
		b   metrics.Backend
		err error
	)
	switch backendName {
	case "pushgateway":
		gwURL := firstNonEmpty(o.pushgatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091")
		b, err = prompush.NewBackend(job, gwURL)
		if err == nil {
			log.Printf("metrics: url=%v, backend=%v, job_name=%v", gwURL, backendName, job)
		}
	case "datadog":
		addr := firstNonEmpty(o.datadogAddr, os.Getenv("DD_AGENT_ADDR"), "127.0.0.1:8125")
		b, err = datadog.NewBackend(datadog.Config{Addr: addr, Namespace: "dataflow.", GlobalTags: []string{"job:" + job}})
		if err == nil {
			log.Printf("metrics: addr=%v, backend=%v, job_name=%v", addr, backendName, job)
		}
	case "none":
		if o.verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}
		return func() {}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
		return func() {}
	}
	if err != nil {
		log.Printf("metrics: failed to init %s backend: %v; using nop", backendName, err)
		return func() {}
	}

	metrics.SetBackend(b)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Printf("metrics: flush error: %v", err)
		}
	}
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

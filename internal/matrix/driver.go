package matrix

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"github.com/layoutbench/layoutbench/internal/archive"
	"github.com/layoutbench/layoutbench/internal/engine"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/ledger"
	"github.com/layoutbench/layoutbench/internal/observability"
	"github.com/layoutbench/layoutbench/internal/query/adapter"
	"github.com/layoutbench/layoutbench/internal/result"
	"github.com/layoutbench/layoutbench/internal/runner"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/internal/workload"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// Options spans the matrix and sets the run behavior.
type Options struct {
	Datasets       []string
	Partitionings  []string
	PartitionSizes []int

	// Resume skips configurations the ledger records as done
	Resume bool

	// Progress renders a progress bar on stderr
	Progress bool

	// QueryPath and VerifyPath are the scratch files of the adapted query
	QueryPath  string
	VerifyPath string

	// MaxAttempts is the engine retry budget, recorded for abandoned configurations
	MaxAttempts int

	MaterializeParams map[string]string
}

// Tracker gates configuration executions while the process shuts down.
type Tracker interface {
	TrackExecution() bool
	UntrackExecution()
}

// Deps are the collaborators of a Driver. Ledger, Archiver and Tracker are
// optional.
type Deps struct {
	Workloads   func(name string) (workload.Provider, error)
	Partitioner runner.Partitioner
	Engine      engine.Launcher
	Adapter     *adapter.Adapter
	Files       *storage.Manager
	Sink        *result.Sink
	Ledger      ledger.Ledger
	Archiver    *archive.Archiver
	Stats       *observability.RunStats
	Tracker     Tracker
	Logger      zerolog.Logger
}

// Report describes a finished run.
type Report struct {
	RunID          string
	Estimate       Estimate
	Skipped        int
	FailedDatasets []string
	Summary        observability.Summary
	ResultsKey     string
}

// Driver runs the configuration matrix strictly sequentially: at most one
// configuration is in flight, since configurations share the scratch query
// files and partition folders.
type Driver struct {
	opts   Options
	deps   Deps
	runID  string
	stats  *observability.RunStats
	logger zerolog.Logger
	bar    *progressbar.ProgressBar
}

// New creates a driver for the run runID.
func New(runID string, opts Options, deps Deps) *Driver {
	stats := deps.Stats
	if stats == nil {
		stats = observability.NewRunStats()
	}
	return &Driver{
		opts:   opts,
		deps:   deps,
		runID:  runID,
		stats:  stats,
		logger: deps.Logger.With().Str("run_id", runID).Logger(),
	}
}

// dataset is one prepared dataset and its layout groups.
type dataset struct {
	env    *runner.Environment
	groups []Group
}

// Prepare materializes the datasets and query workloads of the matrix
// without running any configuration. It returns the ids of the datasets
// that could not be prepared.
func (d *Driver) Prepare(ctx context.Context) ([]string, error) {
	_, failed := d.prepare(ctx)
	return failed, ctx.Err()
}

func (d *Driver) prepare(ctx context.Context) ([]dataset, []string) {
	var prepared []dataset
	var failed []string

	for _, id := range d.opts.Datasets {
		if ctx.Err() != nil {
			break
		}
		logger := d.logger.With().Str("dataset", id).Logger()

		wl, err := d.deps.Workloads(id)
		if err != nil {
			logger.Error().Err(err).Msg("Unknown dataset, skipping")
			failed = append(failed, id)
			continue
		}

		env := d.environment(wl, logger)
		if err := runner.PrepareWorkload(ctx, env, logger); err != nil {
			failed = append(failed, id)
			continue
		}

		queries, err := wl.Queries()
		if err != nil || len(queries) == 0 {
			logger.Error().Err(err).Msg("No queries available, skipping dataset")
			failed = append(failed, id)
			continue
		}

		keys := Layouts(id, d.opts.Partitionings, d.opts.PartitionSizes, wl.PartitioningColumnGroups())
		prepared = append(prepared, dataset{env: env, groups: Plan(keys, queries)})
		logger.Info().Int("queries", len(queries)).Int("layouts", len(keys)).Msg("Dataset prepared")
	}
	return prepared, failed
}

func (d *Driver) environment(wl workload.Provider, logger zerolog.Logger) *runner.Environment {
	return &runner.Environment{
		Workload:          wl,
		Partitioner:       d.deps.Partitioner,
		Engine:            d.deps.Engine,
		Adapter:           d.deps.Adapter,
		Files:             d.deps.Files,
		Recorder:          result.NewRecorder(wl, d.deps.Files, logger),
		Sink:              d.deps.Sink,
		QueryPath:         d.opts.QueryPath,
		VerifyPath:        d.opts.VerifyPath,
		MaterializeParams: d.opts.MaterializeParams,
	}
}

// Run prepares every dataset and executes the whole matrix. A configuration
// failure never stops the run; only cancellation of ctx does, in which case
// the context error is returned along with the partial report.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: d.runID}
	d.checkSchema(ctx)

	prepared, failed := d.prepare(ctx)
	report.FailedDatasets = failed
	if err := ctx.Err(); err != nil {
		return report, err
	}

	var all []Group
	for _, ds := range prepared {
		all = append(all, ds.groups...)
	}
	report.Estimate = Estimated(all)
	d.logger.Info().
		Int("layouts", report.Estimate.Layouts).
		Int("executions", report.Estimate.Executions).
		Msg("Benchmark plan ready, this may take a while")

	if d.opts.Progress && report.Estimate.Executions > 0 {
		d.bar = progressbar.Default(int64(report.Estimate.Executions), "running benchmarks")
	}
	if _, err := d.deps.Sink.EnsureHeader(); err != nil {
		d.logger.Warn().Err(err).Msg("Could not write results header")
	}

	var runErr error
loop:
	for _, ds := range prepared {
		for _, g := range ds.groups {
			if err := d.runGroup(ctx, ds.env, g, report); err != nil {
				runErr = err
				break loop
			}
		}
	}
	if d.bar != nil {
		d.bar.Finish()
	}

	d.finish(ctx, report)
	return report, runErr
}

// checkSchema stores the results schema version in the ledger and warns
// when earlier runs wrote another one.
func (d *Driver) checkSchema(ctx context.Context) {
	if d.deps.Ledger == nil {
		return
	}
	if v, err := d.deps.Ledger.SchemaVersion(ctx); err == nil && v != 0 && v != result.SchemaVersion {
		d.logger.Warn().
			Int("ledger_version", v).
			Int("version", result.SchemaVersion).
			Msg("Results file was written with another record schema")
	}
	if err := d.deps.Ledger.SetSchemaVersion(ctx, result.SchemaVersion); err != nil {
		d.logger.Warn().Err(err).Msg("Could not store results schema version")
	}
}

// runGroup executes every query of one layout group against a single
// partitioner run and then cleans the layout up. It returns an error only
// when ctx is done.
func (d *Driver) runGroup(ctx context.Context, env *runner.Environment, g Group, report *Report) error {
	logger := d.logger.With().Str("layout", g.Key.String()).Logger()

	pending := make([]types.BenchmarkConfig, 0, len(g.Queries))
	instances := make([]workload.QueryInstance, 0, len(g.Queries))
	for _, q := range g.Queries {
		cfg, err := types.NewBenchmarkConfig(g.Key.Dataset, g.Key.Scheme, g.Key.PartitionSize, g.Key.Columns, q.Ref, d.deps.Sink.Path())
		if err != nil {
			logger.Error().Err(err).Str("query", q.Ref.ID()).Msg("Invalid configuration, skipping")
			d.advance(1)
			continue
		}
		if d.opts.Resume && d.completed(ctx, cfg) {
			report.Skipped++
			d.advance(1)
			continue
		}
		pending = append(pending, cfg)
		instances = append(instances, q)
	}
	if len(pending) == 0 {
		logger.Info().Msg("Layout group already completed, skipping")
		return nil
	}

	var layout *types.Layout
	var last *runner.Runner
	for i, cfg := range pending {
		if err := ctx.Err(); err != nil {
			d.cleanup(ctx, last)
			return err
		}
		if d.deps.Tracker != nil && !d.deps.Tracker.TrackExecution() {
			d.cleanup(ctx, last)
			return context.Canceled
		}

		r := runner.New(cfg, instances[i], env, d.logger)
		started := time.Now()
		outcome, err := d.execute(ctx, env, r, &layout)
		d.record(ctx, r, outcome, err, started)
		d.advance(1)
		if d.deps.Tracker != nil {
			d.deps.Tracker.UntrackExecution()
		}

		if r.State() >= runner.StatePartitioned {
			last = r
		}
	}

	d.cleanup(ctx, last)
	return ctx.Err()
}

// execute drives one runner through its stages. Panics are recovered here
// so a single configuration can never stop the run.
func (d *Driver) execute(ctx context.Context, env *runner.Environment, r *runner.Runner, layout **types.Layout) (outcome ledger.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error().
				Str("config", r.Config().String()).
				Bytes("stack", debug.Stack()).
				Msgf("Recovered from panic: %v", p)
			outcome = ledger.OutcomeFailed
			err = bencherrors.NewInternalError(fmt.Sprintf("panic: %v", p), nil)
		}
	}()

	if err := r.PrepareDataset(ctx); err != nil {
		return ledger.OutcomeFailed, err
	}
	if err := r.PrepareQueries(ctx); err != nil {
		return ledger.OutcomeFailed, err
	}

	if *layout == nil {
		l, err := r.GeneratePartitions(ctx)
		if err != nil {
			return ledger.OutcomeFailed, err
		}
		*layout = &l
	} else if err := r.AdoptLayout(**layout); err != nil {
		return ledger.OutcomeFailed, err
	}

	if err := r.Adapt(ctx); err != nil {
		return ledger.OutcomeFailed, err
	}

	out, err := r.Launch(ctx)
	if err != nil {
		return ledger.OutcomeAbandoned, err
	}

	cfg := r.Config()
	if d.deps.Archiver != nil {
		if _, err := d.deps.Archiver.ArchiveOutput(ctx, cfg, out.Raw); err != nil {
			logger := runner.WithConfig(d.logger, cfg)
			logger.Warn().Err(err).Msg("Could not archive engine output")
		}
	}
	d.stats.RecordColumns(env.Workload.PredicateColumns(cfg.Query), cfg.PartitioningColumns)

	if _, err := r.Collect(ctx); err != nil {
		return ledger.OutcomeFailed, err
	}
	if !r.Appended() {
		warnings := r.Warnings()
		return ledger.OutcomeFailed, warnings[len(warnings)-1]
	}
	return ledger.OutcomeRecorded, nil
}

func (d *Driver) cleanup(ctx context.Context, last *runner.Runner) {
	if last == nil {
		return
	}
	if _, err := last.Cleanup(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Could not clean up layout")
	}
}

func (d *Driver) completed(ctx context.Context, cfg types.BenchmarkConfig) bool {
	if d.deps.Ledger == nil {
		return false
	}
	done, err := d.deps.Ledger.Completed(ctx, cfg.Fingerprint())
	if err != nil {
		logger := runner.WithConfig(d.logger, cfg)
		logger.Warn().Err(err).Msg("Could not look up ledger, running configuration")
		return false
	}
	return done
}

// record writes the outcome of one configuration to the ledger and the
// run statistics. Ledger writes outlive cancellation of ctx.
func (d *Driver) record(ctx context.Context, r *runner.Runner, outcome ledger.Outcome, err error, started time.Time) {
	cfg := r.Config()
	finished := time.Now()
	d.stats.RecordOutcome(string(outcome), finished.Sub(started))

	attempts := 0
	if out := r.Output(); out != nil {
		attempts = out.Attempts
	} else if bencherrors.GetCode(err) == bencherrors.CodeRetriesExhausted {
		attempts = d.opts.MaxAttempts
	}

	if err != nil {
		logger := runner.WithConfig(d.logger, cfg)
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("Configuration did not complete")
	}

	if d.deps.Ledger == nil {
		return
	}
	entry := ledger.Entry{
		RunID:             d.runID,
		Fingerprint:       cfg.Fingerprint(),
		LayoutFingerprint: cfg.LayoutKey().Fingerprint(),
		Dataset:           cfg.Dataset,
		Scheme:            cfg.PartitioningScheme,
		PartitionSize:     cfg.PartitionSize,
		Columns:           cfg.LayoutKey().ColumnList(),
		Query:             cfg.Query.String(),
		Outcome:           outcome,
		Attempts:          attempts,
		StartedAt:         started,
		FinishedAt:        finished,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if err := d.deps.Ledger.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger := runner.WithConfig(d.logger, cfg)
		logger.Warn().Err(err).Msg("Could not write ledger entry")
	}
}

func (d *Driver) advance(n int) {
	if d.bar != nil {
		d.bar.Add(n)
	}
}

// finish archives the results file and logs the run statistics.
func (d *Driver) finish(ctx context.Context, report *Report) {
	report.Summary = d.stats.Snapshot()

	if d.deps.Archiver != nil {
		if _, err := os.Stat(d.deps.Sink.Path()); err == nil {
			key, err := d.deps.Archiver.ArchiveResults(context.WithoutCancel(ctx), d.deps.Sink.Path())
			if err != nil {
				d.logger.Warn().Err(err).Msg("Could not archive results")
			}
			report.ResultsKey = key
		}
	}

	ev := d.logger.Info().
		Int("executions", report.Summary.Executions).
		Int("skipped", report.Skipped).
		Dur("wall", report.Summary.Wall).
		Dur("avg_execution", report.Summary.Average())
	for outcome, n := range report.Summary.Outcomes {
		ev = ev.Int(outcome, n)
	}
	ev.Msg("Benchmark run finished")

	for _, c := range d.stats.TopColumns(5) {
		d.logger.Debug().
			Str("column", c.Column).
			Int64("frequency", c.Frequency).
			Float64("match_ratio", c.MatchRatio()).
			Msg("Predicate column")
	}
}

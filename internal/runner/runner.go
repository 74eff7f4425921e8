package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/engine"
	"github.com/layoutbench/layoutbench/internal/partitioner"
	"github.com/layoutbench/layoutbench/internal/query/adapter"
	"github.com/layoutbench/layoutbench/internal/result"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/internal/workload"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// Partitioner lays out a dataset and may report how many partitions it wrote.
type Partitioner interface {
	partitioner.Generator
	ReportedPartitions() (int, bool)
}

// Environment holds the collaborators shared by every configuration of
// one dataset. Runners using the same Environment must not run concurrently:
// they share the scratch query files and the partition folders.
type Environment struct {
	Workload    workload.Provider
	Partitioner Partitioner
	Engine      engine.Launcher
	Adapter     *adapter.Adapter
	Files       *storage.Manager
	Recorder    *result.Recorder
	Sink        *result.Sink

	// QueryPath and VerifyPath receive the adapted query and its
	// unpartitioned verification variant.
	QueryPath  string
	VerifyPath string

	// MaterializeParams are passed to the workload when the dataset is built.
	MaterializeParams map[string]string
}

// Runner drives one configuration through its lifecycle. Each stage is an
// explicit method call; calling a stage out of order is a
// VALIDATION/INVALID_TRANSITION error.
//
// Only Launch propagates execution failures. Preparation and partitioning
// failures are returned so the caller can skip the configuration, and
// recording and cleanup failures are logged and kept in Warnings.
type Runner struct {
	cfg      types.BenchmarkConfig
	instance workload.QueryInstance
	env      *Environment
	logger   zerolog.Logger

	state    State
	output   *engine.Output
	sizeMB   float64
	record   result.Record
	appended bool
	warnings []error
}

// New creates a runner in StateCreated for cfg, whose query is instance.
func New(cfg types.BenchmarkConfig, instance workload.QueryInstance, env *Environment, logger zerolog.Logger) *Runner {
	return &Runner{
		cfg:      cfg,
		instance: instance,
		env:      env,
		logger:   WithConfig(logger, cfg),
		state:    StateCreated,
	}
}

// WithConfig returns a logger carrying the fields that identify cfg.
func WithConfig(logger zerolog.Logger, cfg types.BenchmarkConfig) zerolog.Logger {
	return logger.With().
		Str("dataset", cfg.Dataset).
		Str("scheme", cfg.PartitioningScheme).
		Int("partition_size", cfg.PartitionSize).
		Strs("columns", cfg.PartitioningColumns).
		Str("query", cfg.Query.ID()).
		Logger()
}

func (r *Runner) State() State { return r.state }

// Config returns the configuration, with its layout once partitions exist.
func (r *Runner) Config() types.BenchmarkConfig { return r.cfg }

// Output returns the engine output of a successful launch, or nil.
func (r *Runner) Output() *engine.Output { return r.output }

// Appended reports whether the result record reached the sink.
func (r *Runner) Appended() bool { return r.appended }

// Warnings returns the failures that were logged and not propagated.
func (r *Runner) Warnings() []error { return r.warnings }

func (r *Runner) warn(err error, msg string) {
	r.warnings = append(r.warnings, err)
	r.logger.Warn().Err(err).Msg(msg)
}

// PrepareDataset materializes the dataset unless the workload reports it
// ready. A failure leaves the runner in StateCreated.
func (r *Runner) PrepareDataset(ctx context.Context) error {
	if err := r.expect(StateDatasetReady, StateCreated); err != nil {
		return err
	}
	if err := ensureDataset(ctx, r.env, r.logger); err != nil {
		return err
	}
	r.state = StateDatasetReady
	return nil
}

// PrepareQueries generates the query workload unless it already exists.
// A failure leaves the runner in StateDatasetReady.
func (r *Runner) PrepareQueries(ctx context.Context) error {
	if err := r.expect(StateQueriesReady, StateDatasetReady); err != nil {
		return err
	}
	if err := ensureQueries(ctx, r.env, r.logger); err != nil {
		return err
	}
	r.state = StateQueriesReady
	return nil
}

// PrepareWorkload makes the dataset and the query workload of env ready
// before any configuration is enumerated. Runners created afterwards find
// both ready and skip the work.
func PrepareWorkload(ctx context.Context, env *Environment, logger zerolog.Logger) error {
	if err := ensureDataset(ctx, env, logger); err != nil {
		return err
	}
	return ensureQueries(ctx, env, logger)
}

func ensureDataset(ctx context.Context, env *Environment, logger zerolog.Logger) error {
	if env.Workload.IsDatasetReady() {
		return nil
	}
	logger.Info().Msg("Dataset not found, materializing")
	if err := env.Workload.MaterializeDataset(ctx, env.MaterializeParams); err != nil {
		logger.Error().Err(err).Msg("Dataset preparation failed")
		return err
	}
	return nil
}

func ensureQueries(ctx context.Context, env *Environment, logger zerolog.Logger) error {
	if env.Workload.IsQueryWorkloadReady() {
		return nil
	}
	logger.Info().Msg("Query workload not found, generating")

	stream, err := env.Workload.GenerateQueries(ctx)
	if err == nil {
		var n int
		n, err = workload.Drain(ctx, stream)
		if err == nil && n == 0 && !env.Workload.IsQueryWorkloadReady() {
			err = bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
				"no generated query fell inside the selectivity band", nil)
		}
		if err == nil {
			logger.Info().Int("instances", n).Msg("Generated query workload")
		}
	}
	if err != nil {
		logger.Error().Err(err).Msg("Query preparation failed")
	}
	return err
}

// GeneratePartitions runs the partitioner for the configuration's layout
// and measures how long it took. A partitioner failure is never fatal: the
// layout keeps zero partitions and the failure is kept as a warning. The
// unpartitioned scheme only counts the source files.
func (r *Runner) GeneratePartitions(ctx context.Context) (types.Layout, error) {
	if err := r.expect(StatePartitioned, StateQueriesReady); err != nil {
		return types.Layout{}, err
	}

	var layout types.Layout
	dir := r.env.Workload.DatasetDir(r.cfg.PartitioningScheme)
	failed := false

	if r.cfg.PartitioningScheme != types.SchemeNone {
		req := partitioner.Request{
			DatasetDir:    r.env.Workload.DatasetRoot(),
			DatasetID:     r.cfg.Dataset,
			Scheme:        r.cfg.PartitioningScheme,
			PartitionSize: r.cfg.PartitionSize,
			Columns:       r.cfg.PartitioningColumns,
		}
		r.logger.Info().Msg("Generating partitions")

		start := time.Now()
		err := r.env.Partitioner.Generate(ctx, req)
		layout.TimeToPartition = time.Since(start).Seconds()
		if err != nil {
			r.warn(err, "Partitioning failed")
			failed = true
		}
	}

	if !failed {
		if n, ok := r.env.Partitioner.ReportedPartitions(); ok && r.cfg.PartitioningScheme != types.SchemeNone {
			layout.TotalPartitions = n
		} else {
			n, err := r.env.Files.CountFiles(dir)
			if err != nil {
				r.warn(err, "Could not count partitions")
			}
			layout.TotalPartitions = n
		}
		if !layout.Valid() {
			r.warn(bencherrors.NewPartitioningError(bencherrors.CodeNoPartitions,
				fmt.Sprintf("no partitions in %s", dir), nil), "Partitioner produced no partitions")
		}
	}

	r.cfg = r.cfg.WithLayout(layout)
	r.state = StatePartitioned
	r.logger.Info().
		Int("total_partitions", layout.TotalPartitions).
		Float64("time_to_partition", layout.TimeToPartition).
		Msg("Partitions ready")
	return layout, nil
}

// AdoptLayout attaches a layout generated by an earlier configuration of
// the same layout group instead of partitioning again.
func (r *Runner) AdoptLayout(layout types.Layout) error {
	if err := r.transition(StatePartitioned, StateQueriesReady); err != nil {
		return err
	}
	r.cfg = r.cfg.WithLayout(layout)
	return nil
}

// Adapt writes the query instance, pointed at the configuration's partition
// folder, to the query scratch file and its unpartitioned variant to the
// verification scratch file.
func (r *Runner) Adapt(ctx context.Context) error {
	if err := r.expect(StateQueryAdapted, StatePartitioned); err != nil {
		return err
	}

	target := r.env.Workload.DatasetDir(r.cfg.PartitioningScheme)
	verify := r.env.Workload.DatasetDir(types.SchemeNone)
	adapted, err := r.env.Adapter.Prepare(r.instance.Path, target, verify, r.env.QueryPath, r.env.VerifyPath)
	if err != nil {
		wrapped := bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
			fmt.Sprintf("failed to adapt %s", r.instance.Path), err)
		r.logger.Error().Err(wrapped).Msg("Query adaptation failed")
		return wrapped
	}
	if !adapted.Rewritten {
		r.logger.Warn().Str("instance", r.instance.Path).Msg("Query has no WHERE clause, source left unchanged")
	} else if got, ok := readsFrom(adapted.Target); !ok || got != target {
		r.warn(bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
			fmt.Sprintf("adapted query reads %q instead of %s", got, target), nil),
			"Adapted query does not read the partition folder")
	}

	r.state = StateQueryAdapted
	return nil
}

// readsFrom returns the directory the source clause of query reads.
func readsFrom(query string) (string, bool) {
	src, ok := adapter.ExtractSource(query)
	if !ok {
		return "", false
	}
	return adapter.SourceDirectory(src)
}

// Launch executes the adapted query through the engine. It is the one stage
// whose failure propagates: after the engine's retries are exhausted the
// configuration is abandoned and the error returned.
func (r *Runner) Launch(ctx context.Context) (*engine.Output, error) {
	if err := r.expect(StateExecuted, StateQueryAdapted); err != nil {
		return nil, err
	}

	out, err := r.env.Engine.Launch(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Benchmark execution abandoned")
		return nil, err
	}

	dir := r.env.Workload.DatasetDir(r.cfg.PartitioningScheme)
	size, err := r.env.Files.AverageSizeMB(dir)
	if err != nil {
		r.warn(err, "Could not determine partition size")
		size = 0
	}

	r.output = out
	r.sizeMB = size
	r.state = StateExecuted
	r.logger.Info().
		Int("samples", len(out.Latencies)).
		Int64("used_partitions", out.UsedPartitions).
		Int("attempts", out.Attempts).
		Msg("Benchmark executed")
	return out, nil
}

// Collect builds the result record and appends it to the sink. A write
// failure is logged and kept as a warning; Appended reports the outcome.
func (r *Runner) Collect(ctx context.Context) (result.Record, error) {
	if err := r.transition(StateRecorded, StateExecuted); err != nil {
		return result.Record{}, err
	}

	r.record = r.env.Recorder.Build(ctx, r.cfg, result.Measurement{
		Latencies:       r.output.Latencies,
		UsedPartitions:  r.output.UsedPartitions,
		PartitionSizeMB: r.sizeMB,
	})

	if _, err := r.env.Sink.EnsureHeader(); err != nil {
		r.warn(err, "Could not write results header")
		return r.record, nil
	}
	if err := r.env.Sink.Append(r.record); err != nil {
		r.warn(err, "Could not append result record")
		return r.record, nil
	}
	r.appended = true
	return r.record, nil
}

// Cleanup deletes the partition files of the configuration's layout. The
// unpartitioned source folder is never touched. It may be called from any
// state at or after StatePartitioned so an abandoned configuration can
// still release its layout; failures are logged and kept as warnings.
func (r *Runner) Cleanup(ctx context.Context) (int, error) {
	if err := r.transition(StateCleaned, StatePartitioned, StateQueryAdapted, StateExecuted, StateRecorded); err != nil {
		return 0, err
	}
	if r.cfg.PartitioningScheme == types.SchemeNone {
		return 0, nil
	}

	dir := r.env.Workload.DatasetDir(r.cfg.PartitioningScheme)
	removed, err := r.env.Files.DeleteFiles(dir)
	if err != nil {
		r.warn(err, "Cleanup failed")
	}
	r.logger.Info().Int("removed", removed).Str("dir", dir).Msg("Removed partitions")
	return removed, nil
}

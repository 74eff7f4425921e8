// Package app wires the benchmark orchestrator from its configuration and
// manages the lifecycle of the shared resources.
package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/archive"
	"github.com/layoutbench/layoutbench/internal/config"
	"github.com/layoutbench/layoutbench/internal/engine"
	"github.com/layoutbench/layoutbench/internal/executor"
	"github.com/layoutbench/layoutbench/internal/export"
	"github.com/layoutbench/layoutbench/internal/ledger"
	"github.com/layoutbench/layoutbench/internal/matrix"
	"github.com/layoutbench/layoutbench/internal/observability"
	"github.com/layoutbench/layoutbench/internal/partitioner"
	"github.com/layoutbench/layoutbench/internal/query/adapter"
	"github.com/layoutbench/layoutbench/internal/result"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/internal/workload"
)

// App owns the collaborators of one benchmark process.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	runID  string

	// Shared resources
	runner   executor.Runner
	registry *workload.Registry
	files    *storage.Manager
	sink     *result.Sink
	ledger   *ledger.SQLiteLedger
	archive  storage.ObjectStorage
	stats    *observability.RunStats
	tracker  matrix.Tracker

	mu          sync.Mutex
	initialized bool
	closed      bool
}

// New creates an App with the given configuration. Paths are resolved and
// the directories created, but nothing is opened until first use.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	runID := uuid.NewString()
	return &App{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		runner: executor.NewOSRunner(),
		files:  storage.NewManager(cfg.DataFormat),
		sink:   result.NewSink(cfg.ResultsFile),
		stats:  observability.NewRunStats(),
	}, nil
}

// RunID returns the id given to this process's matrix execution.
func (a *App) RunID() string { return a.runID }

// Stats returns the statistics of the current run.
func (a *App) Stats() *observability.RunStats { return a.stats }

// SetTracker makes the driver check t before starting each configuration.
func (a *App) SetTracker(t matrix.Tracker) { a.tracker = t }

// initSharedResources opens the ledger and the archive store and builds the
// workload registry.
func (a *App) initSharedResources(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("app is closed")
	}
	if a.initialized {
		return nil
	}

	l, err := ledger.Open(a.cfg.LedgerPath)
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	a.ledger = l
	a.logger.Debug().Str("path", a.cfg.LedgerPath).Msg("Run ledger opened")

	if a.cfg.Archive.Enabled {
		store, err := archive.Open(ctx, a.cfg.Archive)
		if err != nil {
			a.cleanup()
			return fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		a.archive = store
		ev := a.logger.Info().Str("type", a.cfg.Archive.Type)
		if a.cfg.Archive.Type == "s3" {
			ev = ev.Str("bucket", a.cfg.Archive.S3.Bucket).
				Str("region", a.cfg.Archive.S3.Region).
				Str("endpoint", a.cfg.Archive.S3.Endpoint)
		} else {
			ev = ev.Str("path", a.cfg.Archive.Path)
		}
		ev.Msg("Archive storage initialized")
	}

	a.registry = workload.NewRegistry(a.cfg.Workloads, workload.Paths{
		DatasetsDir: a.cfg.DatasetsDir,
		QueriesDir:  a.cfg.QueriesDir,
		Ext:         a.cfg.DataFormat,
	}, workload.Deps{
		Runner: a.runner,
		Logger: a.logger,
	})

	a.initialized = true
	return nil
}

// Driver builds the matrix driver of this run.
func (a *App) Driver(ctx context.Context) (*matrix.Driver, error) {
	if err := a.initSharedResources(ctx); err != nil {
		return nil, err
	}

	deps := matrix.Deps{
		Workloads:   a.workload,
		Partitioner: a.partitioner(),
		Engine:      a.engine(),
		Adapter:     adapter.New(adapter.TextRewriter{}, a.cfg.DataFormat),
		Files:       a.files,
		Sink:        a.sink,
		Ledger:      a.ledger,
		Stats:       a.stats,
		Tracker:     a.tracker,
		Logger:      a.logger,
	}
	if a.archive != nil {
		deps.Archiver = archive.New(a.archive, a.runID, a.cfg.ScratchDir, a.logger)
	}

	return matrix.New(a.runID, matrix.Options{
		Datasets:       a.cfg.Datasets,
		Partitionings:  a.cfg.Partitionings,
		PartitionSizes: a.cfg.PartitionSizes,
		Resume:         a.cfg.Resume,
		Progress:       a.cfg.Progress,
		QueryPath:      a.cfg.Engine.QueryPath,
		VerifyPath:     a.cfg.Engine.VerifyPath,
		MaxAttempts:    a.cfg.Engine.MaxAttempts,

		MaterializeParams: a.cfg.MaterializeParams,
	}, deps), nil
}

func (a *App) workload(name string) (workload.Provider, error) {
	p, err := a.registry.Get(name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *App) partitioner() *partitioner.Client {
	return partitioner.NewClient(partitioner.Options{
		Binary:       a.cfg.Partitioner.Binary,
		Timeout:      a.cfg.Partitioner.Timeout,
		ArtifactPath: a.cfg.Partitioner.ArtifactPath,
	}, a.runner, a.logger)
}

func (a *App) engine() *engine.Client {
	e := a.cfg.Engine
	return engine.NewClient(engine.Options{
		Binary:         e.Binary,
		BenchmarkName:  e.BenchmarkName,
		WorkDir:        e.WorkDir,
		ResultsLog:     e.ResultsLog,
		OutputStream:   e.OutputStream,
		PartitionsFile: e.PartitionsFile,
		RowGroupsFile:  e.RowGroupsFile,
		RowsFile:       e.RowsFile,
		MinOutputLines: e.MinOutputLines,
		CrashMarkers:   e.CrashMarkers,
		ErrorMarkers:   e.ErrorMarkers,
		FatalExitCodes: e.FatalExitCodes,
		InstallCommand: e.InstallCommand,
		Policy: executor.RetryPolicy{
			MaxAttempts:    e.MaxAttempts,
			AttemptTimeout: e.AttemptTimeout,
		},
	}, a.runner, a.logger)
}

// Run executes the whole configuration matrix.
func (a *App) Run(ctx context.Context) (*matrix.Report, error) {
	d, err := a.Driver(ctx)
	if err != nil {
		return nil, err
	}
	a.logger.Info().
		Str("run_id", a.runID).
		Strs("datasets", a.cfg.Datasets).
		Strs("partitionings", a.cfg.Partitionings).
		Ints("partition_sizes", a.cfg.PartitionSizes).
		Bool("resume", a.cfg.Resume).
		Msg("Starting benchmark run")
	return d.Run(ctx)
}

// Prepare materializes the datasets and query workloads only. It returns
// the datasets that could not be prepared.
func (a *App) Prepare(ctx context.Context) ([]string, error) {
	d, err := a.Driver(ctx)
	if err != nil {
		return nil, err
	}
	return d.Prepare(ctx)
}

// Status is the ledger view of one run.
type Status struct {
	Summary  *ledger.Summary
	Failures []ledger.Entry
	Schema   int
}

// Status summarizes runID, or the latest run when runID is empty.
func (a *App) Status(ctx context.Context, runID string) (*Status, error) {
	if err := a.initSharedResources(ctx); err != nil {
		return nil, err
	}
	if runID == "" {
		latest, err := a.ledger.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest
	}

	st := &Status{}
	var err error
	if st.Summary, err = a.ledger.Summarize(ctx, runID); err != nil {
		return nil, err
	}
	if runID != "" {
		if st.Failures, err = a.ledger.Failures(ctx, runID); err != nil {
			return nil, err
		}
	}
	if st.Schema, err = a.ledger.SchemaVersion(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

// Export writes the results file in Go benchmark format to w.
func (a *App) Export(w io.Writer) (int, error) {
	return export.File(w, a.cfg.ResultsFile)
}

// Close releases the shared resources. It is safe to call more than once.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.cleanup()
}

// cleanup closes whatever initSharedResources opened. Callers hold a.mu.
func (a *App) cleanup() error {
	var err error
	if a.ledger != nil {
		err = a.ledger.Close()
		a.ledger = nil
	}
	a.initialized = false
	return err
}

// Package main implements the layoutbench binary.
// It runs the partitioning benchmark matrix, prepares datasets and query
// workloads, reports ledger status and exports results for benchstat.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/app"
	"github.com/layoutbench/layoutbench/internal/config"
	"github.com/layoutbench/layoutbench/internal/ledger"
	"github.com/layoutbench/layoutbench/internal/lifecycle"
	"github.com/layoutbench/layoutbench/internal/logging"
	"github.com/layoutbench/layoutbench/internal/result"
)

var (
	version = "dev"
	commit  = "unknown"
)

// flags holds the command line overrides.
type flags struct {
	configFile    string
	envFile       string
	dataDir       string
	datasets      string
	partitionings string
	sizes         string
	resume        bool
	noProgress    bool
	out           string
	runID         string
}

func main() {
	var f flags
	var showVersion, showHelp bool

	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&f.envFile, "env", ".env", "Path to an optional .env file")
	flag.StringVar(&f.dataDir, "data-dir", "", "Base directory for datasets, queries and results")
	flag.StringVar(&f.datasets, "datasets", "", "Comma-separated dataset ids")
	flag.StringVar(&f.partitionings, "partitionings", "", "Comma-separated partitioning schemes")
	flag.StringVar(&f.sizes, "sizes", "", "Comma-separated partition sizes in rows")
	flag.BoolVar(&f.resume, "resume", false, "Skip configurations already recorded in the ledger")
	flag.BoolVar(&f.noProgress, "no-progress", false, "Disable the progress bar")
	flag.StringVar(&f.out, "out", "", "Export target file (default stdout)")
	flag.StringVar(&f.runID, "run", "", "Run id for status (default latest)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "layoutbench - partitioning layout benchmark orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Usage: layoutbench [options] run|prepare|status|export|version\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  run       Execute the whole configuration matrix (default)\n")
		fmt.Fprintf(os.Stderr, "  prepare   Materialize datasets and query workloads only\n")
		fmt.Fprintf(os.Stderr, "  status    Print ledger outcome counts of a run\n")
		fmt.Fprintf(os.Stderr, "  export    Write results in Go benchmark format for benchstat\n")
		fmt.Fprintf(os.Stderr, "  version   Show version information\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  layoutbench --data-dir /data/bench run\n")
		fmt.Fprintf(os.Stderr, "  layoutbench --datasets osm --partitionings kd-tree,quad-tree --sizes 1000,10000 run\n")
		fmt.Fprintf(os.Stderr, "  layoutbench --out results.txt export && benchstat results.txt\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_DATA_DIR          Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_DATASETS          Comma-separated dataset ids\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_PARTITIONINGS     Comma-separated partitioning schemes\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_PARTITION_SIZES   Comma-separated partition sizes\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_ENGINE_BINARY     Query engine binary\n")
		fmt.Fprintf(os.Stderr, "  LAYOUTBENCH_ARCHIVE_TYPE      Archive storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	command := "run"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	if showVersion || command == "version" {
		fmt.Printf("layoutbench version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	switch command {
	case "run", "prepare", "status", "export":
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", command)
		flag.Usage()
		os.Exit(2)
	}

	// A missing .env file is fine.
	_ = godotenv.Load(f.envFile)

	cfg, err := loadConfig(f)
	if err != nil {
		fatal(err, "Failed to load configuration")
	}
	cfg.Resolve()

	logger, closer, err := logging.Setup(cfg.Logging)
	if err != nil {
		fatal(err, "Failed to set up logging")
	}

	application, err := app.New(cfg, logger)
	if err != nil {
		closer.Close()
		fatal(err, "Failed to create application")
	}

	shutdown := lifecycle.NewShutdownManager(context.Background(), lifecycle.DefaultShutdownConfig(), logger)
	shutdown.RegisterCloser(closer)
	shutdown.RegisterCloser(application)
	application.SetTracker(shutdown)
	go shutdown.ListenForSignals()

	err = dispatch(shutdown.Context(), command, f, application, logger)
	canceled := errors.Is(err, context.Canceled) && shutdown.IsShuttingDown()
	if canceled {
		logger.Warn().Str("reason", shutdown.Reason()).Msg("Run interrupted")
	}
	if serr := shutdown.Shutdown(); serr != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", serr)
	}

	switch {
	case canceled:
		os.Exit(130)
	case err != nil:
		fatal(err, fmt.Sprintf("%s failed", command))
	}
}

func dispatch(ctx context.Context, command string, f flags, application *app.App, logger zerolog.Logger) error {
	switch command {
	case "prepare":
		failed, err := application.Prepare(ctx)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("could not prepare datasets: %v", failed)
		}
		logger.Info().Msg("All datasets and query workloads are ready")
		return nil

	case "status":
		st, err := application.Status(ctx, f.runID)
		if err != nil {
			return err
		}
		printStatus(os.Stdout, st)
		return nil

	case "export":
		var w io.Writer = os.Stdout
		if f.out != "" {
			file, err := os.Create(f.out)
			if err != nil {
				return err
			}
			defer file.Close()
			w = file
		}
		n, err := application.Export(w)
		if err != nil {
			return err
		}
		logger.Info().Int("results", n).Str("out", f.out).Msg("Exported results")
		return nil
	}

	report, err := application.Run(ctx)
	if report != nil && len(report.FailedDatasets) > 0 {
		logger.Warn().Strs("datasets", report.FailedDatasets).Msg("Some datasets were skipped")
	}
	return err
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(f flags) (*config.Config, error) {
	var cfg *config.Config
	var err error

	// Start with defaults or load from file
	if f.configFile != "" {
		cfg, err = config.LoadFromFile(f.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	// Apply environment variables
	config.LoadFromEnv(cfg)

	// Apply command line flags (highest priority)
	if f.dataDir != "" {
		cfg.DataDir = f.dataDir
	}
	if f.datasets != "" {
		cfg.Datasets = config.SplitList(f.datasets)
	}
	if f.partitionings != "" {
		cfg.Partitionings = config.SplitList(f.partitionings)
	}
	if f.sizes != "" {
		sizes, err := config.ParseSizes(f.sizes)
		if err != nil {
			return nil, fmt.Errorf("invalid --sizes: %w", err)
		}
		cfg.PartitionSizes = sizes
	}
	if f.resume {
		cfg.Resume = true
	}
	if f.noProgress {
		cfg.Progress = false
	}

	return cfg, nil
}

// printStatus prints the outcome counts of a run with failures highlighted.
func printStatus(w io.Writer, st *app.Status) {
	title := color.New(color.FgHiMagenta).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	run := st.Summary.RunID
	if run == "" {
		run = "(no runs recorded)"
	}
	fmt.Fprintf(w, "%s %s\n", title("run:"), run)
	fmt.Fprintf(w, "%s %d", title("results schema:"), st.Schema)
	if st.Schema != 0 && st.Schema != result.SchemaVersion {
		fmt.Fprintf(w, " %s", yellow(fmt.Sprintf("(this build writes %d)", result.SchemaVersion)))
	}
	fmt.Fprintln(w)

	outcomes := make([]string, 0, len(st.Summary.Outcomes))
	for o := range st.Summary.Outcomes {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		n := st.Summary.Outcomes[ledger.Outcome(o)]
		label := fmt.Sprintf("%-10s", o)
		switch ledger.Outcome(o) {
		case ledger.OutcomeRecorded:
			label = green(label)
		case ledger.OutcomeAbandoned:
			label = yellow(label)
		default:
			label = red(label)
		}
		fmt.Fprintf(w, "  %s %d\n", label, n)
	}
	fmt.Fprintf(w, "  %-10s %d\n", "total", st.Summary.Total)

	for _, e := range st.Failures {
		fmt.Fprintf(w, "%s %s/%s/%d [%s] %s: %s\n",
			red(string(e.Outcome)), e.Dataset, e.Scheme, e.PartitionSize, e.Columns, e.Query, e.Error)
	}
}

func fatal(err error, msg string) {
	color.New(color.FgHiRed).Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

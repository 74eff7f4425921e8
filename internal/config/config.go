// Package config provides the process-wide configuration of the benchmark
// orchestrator. It is read once at startup and never re-read during a run.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// EnvPrefix is the prefix of every environment variable read by LoadFromEnv.
const EnvPrefix = "LAYOUTBENCH_"

// Config holds the configuration of a benchmark matrix run.
type Config struct {
	// DataDir is the base directory all other relative paths derive from
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DatasetsDir holds one folder per dataset, each with one sub-folder per scheme
	DatasetsDir string `json:"datasets_dir" yaml:"datasets_dir"`

	// QueriesDir holds one folder per query family with templates and a generated/ folder
	QueriesDir string `json:"queries_dir" yaml:"queries_dir"`

	// ScratchDir receives the adapted query files and the engine side files
	ScratchDir string `json:"scratch_dir" yaml:"scratch_dir"`

	// ResultsFile is the append-only results sink
	ResultsFile string `json:"results_file" yaml:"results_file"`

	// LedgerPath is the SQLite database recording per-configuration outcomes
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	// DataFormat is the extension of dataset and partition files
	DataFormat string `json:"data_format" yaml:"data_format"`

	// Datasets, Partitionings and PartitionSizes span the configuration matrix
	Datasets       []string `json:"datasets" yaml:"datasets"`
	Partitionings  []string `json:"partitionings" yaml:"partitionings"`
	PartitionSizes []int    `json:"partition_sizes" yaml:"partition_sizes"`

	// Resume skips configurations the ledger already records as done
	Resume bool `json:"resume" yaml:"resume"`

	// Progress renders a progress bar over the total number of executions
	Progress bool `json:"progress" yaml:"progress"`

	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Partitioner PartitionerConfig `json:"partitioner" yaml:"partitioner"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	Archive     ArchiveConfig     `json:"archive" yaml:"archive"`

	// Workloads override or extend the built-in dataset families
	Workloads []WorkloadConfig `json:"workloads" yaml:"workloads"`

	// MaterializeParams are substituted into every workload's materialize
	// command and take precedence over the workload's own params
	MaterializeParams map[string]string `json:"materialize_params" yaml:"materialize_params"`

	resolved bool
}

// LoggingConfig holds the log destinations.
type LoggingConfig struct {
	// Console writes human-readable log lines to stdout
	Console bool `json:"console" yaml:"console"`

	// File appends log lines to FilePath
	File bool `json:"file" yaml:"file"`

	FilePath string `json:"file_path" yaml:"file_path"`

	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`
}

// PartitionerConfig describes the external partitioning tool.
type PartitionerConfig struct {
	Binary string `json:"binary" yaml:"binary"`

	// Timeout bounds one partitioner invocation; zero means no limit
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// ArtifactPath is the optional partition-count log the tool writes
	ArtifactPath string `json:"artifact_path" yaml:"artifact_path"`
}

// EngineConfig describes the external query engine and its retry policy.
type EngineConfig struct {
	Binary        string `json:"binary" yaml:"binary"`
	BenchmarkName string `json:"benchmark_name" yaml:"benchmark_name"`

	// WorkDir is the engine's working directory; side files are resolved against it
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// ResultsLog is passed as --out=<path> when set and read back for timing lines
	ResultsLog string `json:"results_log" yaml:"results_log"`

	// OutputStream selects which stream carries timing lines: stderr, stdout or combined
	OutputStream string `json:"output_stream" yaml:"output_stream"`

	// QueryPath and VerifyPath are the fixed scratch files of the adapted query
	QueryPath  string `json:"query_path" yaml:"query_path"`
	VerifyPath string `json:"verify_path" yaml:"verify_path"`

	// Side files with partitions, row groups and rows touched by the query
	PartitionsFile string `json:"partitions_file" yaml:"partitions_file"`
	RowGroupsFile  string `json:"row_groups_file" yaml:"row_groups_file"`
	RowsFile       string `json:"rows_file" yaml:"rows_file"`

	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	AttemptTimeout time.Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	MinOutputLines int           `json:"min_output_lines" yaml:"min_output_lines"`

	// CrashMarkers drop an output line from latency parsing
	CrashMarkers []string `json:"crash_markers" yaml:"crash_markers"`

	// ErrorMarkers make the whole output logged as an engine error
	ErrorMarkers []string `json:"error_markers" yaml:"error_markers"`

	// FatalExitCodes end the retry loop immediately
	FatalExitCodes []int `json:"fatal_exit_codes" yaml:"fatal_exit_codes"`

	// InstallCommand is run through the shell once when Binary is missing
	InstallCommand string `json:"install_command" yaml:"install_command"`
}

// ArchiveConfig holds the engine-output archive configuration.
type ArchiveConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// WorkloadConfig describes one dataset family: where its data comes from,
// how query instances are generated and the reference facts used when
// recording results.
type WorkloadConfig struct {
	// Name is the dataset id, e.g. tpch-sf1
	Name string `json:"name" yaml:"name"`

	// Family is the query folder name; defaults to Name without a -sfN suffix
	Family string `json:"family" yaml:"family"`

	// TotalRows skips counting when positive
	TotalRows int64 `json:"total_rows" yaml:"total_rows"`

	// DownloadURLs are fetched into the unpartitioned dataset folder
	DownloadURLs []string `json:"download_urls" yaml:"download_urls"`

	// S3Source copies every object under a bucket prefix into the
	// unpartitioned dataset folder
	S3Source *S3SourceConfig `json:"s3_source,omitempty" yaml:"s3_source,omitempty"`

	// MaterializeCommand builds the dataset; {dir}, {id} and params are substituted
	MaterializeCommand string            `json:"materialize_command" yaml:"materialize_command"`
	MaterializeParams  map[string]string `json:"materialize_params" yaml:"materialize_params"`

	// CountCommand reads one SQL statement on stdin and prints its row count
	CountCommand string `json:"count_command" yaml:"count_command"`

	// GeneratorCommand prints one query for {template}; when empty the
	// template file's ':N' placeholders are filled from ValueRanges
	GeneratorCommand string `json:"generator_command" yaml:"generator_command"`

	Templates          []string `json:"templates" yaml:"templates"`
	QueriesPerTemplate int      `json:"queries_per_template" yaml:"queries_per_template"`

	// Generated instances are kept iff MinSelectivity < s < MaxSelectivity
	MinSelectivity    float64 `json:"min_selectivity" yaml:"min_selectivity"`
	MaxSelectivity    float64 `json:"max_selectivity" yaml:"max_selectivity"`
	SelectivityDigits int     `json:"selectivity_digits" yaml:"selectivity_digits"`

	// Placeholders maps a template placeholder number to a column of ValueRanges
	Placeholders map[string]string     `json:"placeholders" yaml:"placeholders"`
	ValueRanges  map[string]ValueRange `json:"value_ranges" yaml:"value_ranges"`
	Seed         int64                 `json:"seed" yaml:"seed"`

	ColumnGroups  [][]string          `json:"column_groups" yaml:"column_groups"`
	QueryColumns  map[string][]string `json:"query_columns" yaml:"query_columns"`
	Selectivities map[string]float64  `json:"selectivities" yaml:"selectivities"`
}

// S3SourceConfig locates a public dataset in S3.
type S3SourceConfig struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Prefix string `json:"prefix" yaml:"prefix"`
	Region string `json:"region" yaml:"region"`
}

// ValueRange is a numeric range, or a time range when Start is set.
type ValueRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`

	Start string `json:"start" yaml:"start"`
	End   string `json:"end" yaml:"end"`
}

// IsTime reports whether the range is a time range.
func (r ValueRange) IsTime() bool {
	return r.Start != ""
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:    ".",
		DataFormat: ".parquet",
		Datasets:   []string{"tpch-sf1", "osm", "taxi"},
		Partitionings: []string{
			types.SchemeHilbertCurve,
			types.SchemeKDTree,
			types.SchemeQuadTree,
			types.SchemeSTRTree,
			types.SchemeZOrderCurve,
		},
		PartitionSizes: []int{1000, 10000, 50000, 100000, 250000, 500000, 1000000},
		Progress:       true,
		Logging: LoggingConfig{
			Console: true,
			File:    true,
			Level:   "info",
		},
		Partitioner: PartitionerConfig{
			Binary: "partitioner",
		},
		Engine: EngineConfig{
			Binary:         "benchmark_runner",
			BenchmarkName:  "PartitioningBenchmark",
			OutputStream:   "stderr",
			PartitionsFile: "partitions.log",
			RowGroupsFile:  "row_groups.log",
			RowsFile:       "rows.log",
			MaxAttempts:    5,
			AttemptTimeout: 10 * time.Minute,
			MinOutputLines: 3,
			CrashMarkers:   []string{"Segmentation"},
			ErrorMarkers:   []string{"ValueOrDie called on an error:", "Aborted"},
			FatalExitCodes: []int{126, 127},
		},
		Archive: ArchiveConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
// Calls after the first are no-ops.
func (c *Config) Resolve() {
	if c.resolved {
		return
	}
	c.resolved = true

	if c.DataDir == "" {
		c.DataDir = "."
	}

	if c.DatasetsDir == "" {
		c.DatasetsDir = filepath.Join(c.DataDir, "datasets")
	}
	if c.QueriesDir == "" {
		c.QueriesDir = filepath.Join(c.DataDir, "queries")
	}
	if c.ScratchDir == "" {
		c.ScratchDir = filepath.Join(c.DataDir, "temp")
	}
	if c.ResultsFile == "" {
		c.ResultsFile = filepath.Join(c.DataDir, "results", "results.csv")
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.DataDir, "results", "ledger.db")
	}
	if c.DataFormat != "" && !strings.HasPrefix(c.DataFormat, ".") {
		c.DataFormat = "." + c.DataFormat
	}

	if c.Logging.FilePath == "" {
		c.Logging.FilePath = filepath.Join(c.DataDir, "benchmark_runner.log")
	}

	// Resolve engine paths
	if c.Engine.WorkDir == "" {
		c.Engine.WorkDir = c.ScratchDir
	}
	if c.Engine.QueryPath == "" {
		c.Engine.QueryPath = filepath.Join(c.Engine.WorkDir, "query.sql")
	}
	if c.Engine.VerifyPath == "" {
		c.Engine.VerifyPath = filepath.Join(c.Engine.WorkDir, "query_verify.sql")
	}
	c.Engine.PartitionsFile = resolveIn(c.Engine.WorkDir, c.Engine.PartitionsFile)
	c.Engine.RowGroupsFile = resolveIn(c.Engine.WorkDir, c.Engine.RowGroupsFile)
	c.Engine.RowsFile = resolveIn(c.Engine.WorkDir, c.Engine.RowsFile)
	c.Engine.ResultsLog = resolveIn(c.Engine.WorkDir, c.Engine.ResultsLog)

	// Resolve archive paths
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
}

func resolveIn(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

// DatasetDir returns the folder holding the files of dataset id laid out by scheme.
func (c *Config) DatasetDir(id, scheme string) string {
	return filepath.Join(c.DatasetsDir, id, scheme)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return bencherrors.NewValidationError(bencherrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	if c.DataFormat == "" {
		return invalid("data_format is required")
	}
	if len(c.Datasets) == 0 {
		return invalid("at least one dataset is required")
	}
	if len(c.Partitionings) == 0 {
		return invalid("at least one partitioning scheme is required")
	}
	for _, p := range c.Partitionings {
		if !types.IsKnownScheme(p) {
			return invalid("unknown partitioning scheme: %s", p)
		}
	}
	if len(c.PartitionSizes) == 0 {
		return invalid("at least one partition size is required")
	}
	for _, s := range c.PartitionSizes {
		if s <= 0 {
			return invalid("partition sizes must be positive, got %d", s)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return invalid("invalid logging level: %s", c.Logging.Level)
	}

	if c.Partitioner.Binary == "" {
		return invalid("partitioner.binary is required")
	}
	if c.Partitioner.Timeout < 0 {
		return invalid("partitioner.timeout must not be negative")
	}

	if c.Engine.Binary == "" {
		return invalid("engine.binary is required")
	}
	if c.Engine.MaxAttempts < 1 {
		return invalid("engine.max_attempts must be at least 1, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.AttemptTimeout < 0 {
		return invalid("engine.attempt_timeout must not be negative")
	}
	if c.Engine.MinOutputLines < 0 {
		return invalid("engine.min_output_lines must not be negative")
	}
	switch c.Engine.OutputStream {
	case "stderr", "stdout", "combined":
	default:
		return invalid("invalid engine.output_stream: %s (must be stderr, stdout or combined)", c.Engine.OutputStream)
	}

	if c.Archive.Enabled {
		if c.Archive.Type != "local" && c.Archive.Type != "s3" {
			return invalid("invalid archive type: %s (must be local or s3)", c.Archive.Type)
		}
		if c.Archive.Type == "s3" && c.Archive.S3.Bucket == "" {
			return invalid("archive.s3.bucket is required when archive type is s3")
		}
	}

	for _, w := range c.Workloads {
		if w.Name == "" {
			return invalid("workload name is required")
		}
		if w.MinSelectivity != 0 || w.MaxSelectivity != 0 {
			if w.MinSelectivity >= w.MaxSelectivity {
				return invalid("workload %s: min_selectivity must be below max_selectivity", w.Name)
			}
		}
		for i, group := range w.ColumnGroups {
			if len(group) == 0 {
				return invalid("workload %s: column group %d is empty", w.Name, i)
			}
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the LAYOUTBENCH_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := getenv("RESULTS_FILE"); v != "" {
		cfg.ResultsFile = v
	}
	if v := getenv("LEDGER_PATH"); v != "" {
		cfg.LedgerPath = v
	}

	// Matrix
	if v := getenv("DATASETS"); v != "" {
		cfg.Datasets = SplitList(v)
	}
	if v := getenv("PARTITIONINGS"); v != "" {
		cfg.Partitionings = SplitList(v)
	}
	if v := getenv("PARTITION_SIZES"); v != "" {
		if sizes, err := ParseSizes(v); err == nil {
			cfg.PartitionSizes = sizes
		}
	}
	if v := getenv("RESUME"); v != "" {
		cfg.Resume = parseBool(v)
	}
	if v := getenv("PROGRESS"); v != "" {
		cfg.Progress = parseBool(v)
	}
	if v := getenv("MATERIALIZE_PARAMS"); v != "" {
		cfg.MaterializeParams = ParseParams(v)
	}

	// Logging
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := getenv("LOG_CONSOLE"); v != "" {
		cfg.Logging.Console = parseBool(v)
	}
	if v := getenv("LOG_FILE"); v != "" {
		cfg.Logging.File = parseBool(v)
	}
	if v := getenv("LOG_FILE_PATH"); v != "" {
		cfg.Logging.FilePath = v
	}

	// External tools
	if v := getenv("PARTITIONER_BINARY"); v != "" {
		cfg.Partitioner.Binary = v
	}
	if v := getenv("PARTITIONER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Partitioner.Timeout = d
		}
	}
	if v := getenv("ENGINE_BINARY"); v != "" {
		cfg.Engine.Binary = v
	}
	if v := getenv("ENGINE_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Engine.MaxAttempts)
	}
	if v := getenv("ENGINE_ATTEMPT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Engine.AttemptTimeout = d
		}
	}

	// Archive
	if v := getenv("ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = parseBool(v)
	}
	if v := getenv("ARCHIVE_TYPE"); v != "" {
		cfg.Archive.Type = v
	}
	if v := getenv("ARCHIVE_PATH"); v != "" {
		cfg.Archive.Path = v
	}
	if v := getenv("S3_BUCKET"); v != "" {
		cfg.Archive.S3.Bucket = v
	}
	if v := getenv("S3_REGION"); v != "" {
		cfg.Archive.S3.Region = v
	}
	if v := getenv("S3_ENDPOINT"); v != "" {
		cfg.Archive.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.DatasetsDir,
		c.QueriesDir,
		c.ScratchDir,
		c.Engine.WorkDir,
		filepath.Dir(c.ResultsFile),
		filepath.Dir(c.LedgerPath),
	}
	if c.Archive.Enabled && c.Archive.Type == "local" {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ParseParams parses a comma-separated list of key=value pairs. Items
// without '=' are dropped.
func ParseParams(v string) map[string]string {
	params := make(map[string]string)
	for _, item := range SplitList(v) {
		k, val, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		params[strings.TrimSpace(k)] = strings.TrimSpace(val)
	}
	return params
}

// ParseSizes parses a comma-separated list of partition sizes.
func ParseSizes(v string) ([]int, error) {
	var sizes []int
	for _, item := range SplitList(v) {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("invalid partition size %q: %w", item, err)
		}
		sizes = append(sizes, n)
	}
	return sizes, nil
}

func getenv(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}

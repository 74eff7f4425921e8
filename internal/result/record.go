// Package result turns a completed experiment into one record of the
// results sink: derived latency statistics, layout facts re-read from disk
// and the workload's reference facts, serialized in a fixed column order.
package result

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// SchemaVersion is the version of the record layout written by Header.
const SchemaVersion = 2

// Separator delimits record fields.
const Separator = ";"

// TimestampLayout formats the record timestamp.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Columns is the fixed field order of a record.
var Columns = []string{
	"dataset", "num_rows", "partitioning", "time_to_partition", "query", "selectivity",
	"partitioning_columns", "num_partitioning_columns", "used_columns", "num_used_columns",
	"latencies", "latency_avg", "latency_std", "partition_size", "partition_size_mb",
	"used_partitions", "total_partitions", "timestamp",
}

// Header returns the header line, without a trailing newline.
func Header() string {
	return strings.Join(Columns, Separator)
}

// Record is one serialized experiment result.
type Record struct {
	Dataset             string
	NumRows             int64
	Partitioning        string
	TimeToPartition     float64
	Query               string
	Selectivity         float64
	PartitioningColumns []string
	UsedColumns         []string
	Latencies           []float64
	LatencyAvg          float64
	LatencyStd          float64
	PartitionSize       int
	PartitionSizeMB     float64
	UsedPartitions      int64
	TotalPartitions     int64
	Timestamp           time.Time
}

// Format renders the record as one line, without a trailing newline.
func (r Record) Format() string {
	fields := []string{
		r.Dataset,
		strconv.FormatInt(r.NumRows, 10),
		r.Partitioning,
		pyFloat(r.TimeToPartition),
		r.Query,
		pyFloat(r.Selectivity),
		pyStrings(r.PartitioningColumns),
		strconv.Itoa(len(r.PartitioningColumns)),
		pyStrings(r.UsedColumns),
		strconv.Itoa(len(r.UsedColumns)),
		pyFloats(r.Latencies),
		pyFloat(r.LatencyAvg),
		pyFloat(r.LatencyStd),
		strconv.Itoa(r.PartitionSize),
		pyFloat(r.PartitionSizeMB),
		strconv.FormatInt(r.UsedPartitions, 10),
		strconv.FormatInt(r.TotalPartitions, 10),
		r.Timestamp.Format(TimestampLayout),
	}
	return strings.Join(fields, Separator)
}

// ScanRatio is the percentage of partitions the query touched.
func (r Record) ScanRatio() float64 {
	if r.TotalPartitions == 0 {
		return 0
	}
	return float64(r.UsedPartitions) / float64(r.TotalPartitions) * 100
}

// Measurement is what executing one configuration produced.
type Measurement struct {
	Latencies       []float64
	UsedPartitions  int64
	PartitionSizeMB float64
}

// WorkloadFacts is the subset of a workload provider the recorder reads.
type WorkloadFacts interface {
	DatasetDir(scheme string) string
	TotalRows(ctx context.Context) (int64, error)
	PredicateColumns(ref types.QueryRef) []string
	ReferenceSelectivity(ref types.QueryRef) float64
}

// Recorder builds records. The partition total is re-read from disk when
// a record is built, not taken from the configuration.
type Recorder struct {
	facts  WorkloadFacts
	files  *storage.Manager
	now    func() time.Time
	logger zerolog.Logger
}

// NewRecorder creates a recorder for one workload.
func NewRecorder(facts WorkloadFacts, files *storage.Manager, logger zerolog.Logger) *Recorder {
	return &Recorder{facts: facts, files: files, now: time.Now, logger: logger}
}

// Build derives the record of one executed configuration.
func (r *Recorder) Build(ctx context.Context, cfg types.BenchmarkConfig, m Measurement) Record {
	dir := r.facts.DatasetDir(cfg.PartitioningScheme)
	total, err := r.files.CountFiles(dir)
	if err != nil {
		r.logger.Warn().Err(err).Str("dir", dir).Msg("Could not count partitions")
	}

	rows, err := r.facts.TotalRows(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Could not determine dataset row count")
		rows = 0
	}

	mean, std := Summarize(m.Latencies)
	return Record{
		Dataset:             cfg.Dataset,
		NumRows:             rows,
		Partitioning:        cfg.PartitioningScheme,
		TimeToPartition:     cfg.Layout.TimeToPartition,
		Query:               cfg.Query.String(),
		Selectivity:         r.facts.ReferenceSelectivity(cfg.Query),
		PartitioningColumns: append([]string(nil), cfg.PartitioningColumns...),
		UsedColumns:         r.facts.PredicateColumns(cfg.Query),
		Latencies:           append([]float64(nil), m.Latencies...),
		LatencyAvg:          mean,
		LatencyStd:          std,
		PartitionSize:       cfg.PartitionSize,
		PartitionSizeMB:     m.PartitionSizeMB,
		UsedPartitions:      ClampUsed(m.UsedPartitions, int64(total)),
		TotalPartitions:     int64(total),
		Timestamp:           r.now(),
	}
}

// pyFloat renders a float the way a Python float prints: integral values
// keep a trailing ".0".
func pyFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eIN") {
		s += ".0"
	}
	return s
}

func pyFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = pyFloat(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func pyStrings(ss []string) string {
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = "'" + s + "'"
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Parse reads one record line written by Format.
func Parse(line string) (Record, error) {
	f := strings.Split(strings.TrimRight(line, "\r\n"), Separator)
	if len(f) != len(Columns) {
		return Record{}, fmt.Errorf("expected %d fields, got %d", len(Columns), len(f))
	}

	var (
		r   Record
		err error
	)
	p := fieldParser{}
	r.Dataset = f[0]
	r.NumRows = p.int64(f[1])
	r.Partitioning = f[2]
	r.TimeToPartition = p.float(f[3])
	r.Query = f[4]
	r.Selectivity = p.float(f[5])
	r.PartitioningColumns = parseStrings(f[6])
	r.UsedColumns = parseStrings(f[8])
	r.Latencies = p.floats(f[10])
	r.LatencyAvg = p.float(f[11])
	r.LatencyStd = p.float(f[12])
	r.PartitionSize = int(p.int64(f[13]))
	r.PartitionSizeMB = p.float(f[14])
	r.UsedPartitions = p.int64(f[15])
	r.TotalPartitions = p.int64(f[16])
	r.Timestamp, err = time.ParseInLocation(TimestampLayout, f[17], time.Local)
	if err != nil {
		p.fail(err)
	}
	if p.err != nil {
		return Record{}, p.err
	}
	return r, nil
}

// fieldParser keeps the first conversion error.
type fieldParser struct{ err error }

func (p *fieldParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *fieldParser) int64(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	p.fail(err)
	return v
}

func (p *fieldParser) float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	p.fail(err)
	return v
}

func (p *fieldParser) floats(s string) []float64 {
	items := listItems(s)
	out := make([]float64, 0, len(items))
	for _, it := range items {
		out = append(out, p.float(it))
	}
	return out
}

func parseStrings(s string) []string {
	items := listItems(s)
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, strings.Trim(it, `'"`))
	}
	return out
}

func listItems(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil
	}
	items := strings.Split(s, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return items
}

// Package export converts the results sink into the Go benchmark format so
// runs can be compared with benchstat.
package export

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/perf/benchfmt"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/result"
)

// Units written for every latency sample.
const (
	UnitLatency         = "sec/op"
	UnitUsedPartitions  = "used-partitions"
	UnitTotalPartitions = "total-partitions"
)

// Name returns the benchmark name of rec. The layout is carried by file
// configuration so benchstat tables compare queries across layouts.
func Name(rec result.Record) string {
	return "Query/" + rec.Query
}

// Results converts rec into one benchmark result per latency sample.
// Records without samples produce no results.
func Results(rec result.Record) []*benchfmt.Result {
	cfg := []benchfmt.Config{
		{Key: "dataset", Value: []byte(rec.Dataset), File: true},
		{Key: "scheme", Value: []byte(rec.Partitioning), File: true},
		{Key: "size", Value: []byte(strconv.Itoa(rec.PartitionSize)), File: true},
	}
	if len(rec.PartitioningColumns) > 0 {
		cfg = append(cfg, benchfmt.Config{Key: "columns", Value: []byte(strings.Join(rec.PartitioningColumns, ",")), File: true})
	}

	name := benchfmt.Name(Name(rec))
	out := make([]*benchfmt.Result, 0, len(rec.Latencies))
	for _, lat := range rec.Latencies {
		res := &benchfmt.Result{
			Config: cfg,
			Name:   name,
			Iters:  1,
			Values: []benchfmt.Value{
				{Value: lat, Unit: UnitLatency},
				{Value: float64(rec.UsedPartitions), Unit: UnitUsedPartitions},
				{Value: float64(rec.TotalPartitions), Unit: UnitTotalPartitions},
			},
		}
		// Clone gives every result its own config index.
		out = append(out, res.Clone())
	}
	return out
}

// Write writes every record in benchmark format and returns the number of
// result lines.
func Write(w io.Writer, records []result.Record) (int, error) {
	bw := benchfmt.NewWriter(w)
	n := 0
	for _, rec := range records {
		for _, res := range Results(rec) {
			if err := bw.Write(res); err != nil {
				return n, bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to write benchmark result", err)
			}
			n++
		}
	}
	return n, nil
}

// File exports the results sink at path to w.
func File(w io.Writer, path string) (int, error) {
	records, err := result.ReadAll(path)
	if err != nil {
		return 0, bencherrors.NewParsingError(bencherrors.CodeMalformedOutput, fmt.Sprintf("failed to read results %s", path), err)
	}
	return Write(w, records)
}

package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

var markers = []string{"Segmentation"}

func TestParseLatencies(t *testing.T) {
	out := "name\trun\ttiming\n" +
		"PartitioningBenchmark\t1\t0.120\n" +
		"\n" +
		"PartitioningBenchmark\t2\t0.118\n" +
		"Segmentation fault (core dumped)\n" +
		"PartitioningBenchmark\t3\t0.125\n"

	latencies, warnings := ParseLatencies(out, markers)
	assert.Empty(t, warnings)
	assert.Equal(t, []float64{0.120, 0.118, 0.125}, latencies)
}

func TestParseLatencies_FirstLineAlwaysSkipped(t *testing.T) {
	// a numeric first line is a warm-up run, not a sample
	latencies, warnings := ParseLatencies("0.9\n0.5\n0.25\n", markers)
	assert.Empty(t, warnings)
	assert.Equal(t, []float64{0.5, 0.25}, latencies)

	latencies, warnings = ParseLatencies("\n0.5\n", markers)
	assert.Empty(t, warnings)
	assert.Equal(t, []float64{0.5}, latencies)
}

func TestParseLatencies_MalformedLinesWarn(t *testing.T) {
	out := "timing\n0.1\nnot-a-number\n0.2\r\n"
	latencies, warnings := ParseLatencies(out, markers)
	assert.Equal(t, []float64{0.1, 0.2}, latencies)
	require.Len(t, warnings, 1)
	assert.Equal(t, bencherrors.CodeMalformedOutput, bencherrors.GetCode(warnings[0]))
}

func TestParseLatencies_Empty(t *testing.T) {
	latencies, warnings := ParseLatencies("", markers)
	assert.Empty(t, latencies)
	assert.Empty(t, warnings)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 1, CountLines(""))
	assert.Equal(t, 3, CountLines("a\nb\n"))
}

func TestReadCounter(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "partitions.log")
	require.NoError(t, os.WriteFile(good, []byte(" 7\n"), 0644))
	n, err := ReadCounter(good)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	bad := filepath.Join(dir, "rows.log")
	require.NoError(t, os.WriteFile(bad, []byte("many"), 0644))
	_, err = ReadCounter(bad)
	assert.Equal(t, bencherrors.CodeCounterUnreadable, bencherrors.GetCode(err))

	_, err = ReadCounter(filepath.Join(dir, "missing.log"))
	assert.Equal(t, bencherrors.CodeCounterUnreadable, bencherrors.GetCode(err))
}

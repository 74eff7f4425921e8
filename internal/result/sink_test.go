package result

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

func sampleRecord(query string) Record {
	return Record{
		Dataset:             "osm",
		Partitioning:        "quad-tree",
		Query:               query,
		PartitioningColumns: []string{"min_lon", "max_lon"},
		Latencies:           []float64{0.1},
		LatencyAvg:          0.1,
		PartitionSize:       1000,
		Timestamp:           time.Now(),
	}
}

func TestSink_HeaderOnlyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "results.csv")
	s := NewSink(path)

	wrote, err := s.EnsureHeader()
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = s.EnsureHeader()
	require.NoError(t, err)
	assert.False(t, wrote)

	require.NoError(t, s.Append(sampleRecord("q1a")))
	require.NoError(t, s.Append(sampleRecord("q1b")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, Header(), lines[0])

	recs, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "q1b", recs[1].Query)
}

func TestSink_ExistingFileGetsNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.csv")
	require.NoError(t, os.WriteFile(path, []byte("legacy\n"), 0644))

	wrote, err := NewSink(path).EnsureHeader()
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestSink_WriteFailure(t *testing.T) {
	dir := t.TempDir()
	// a directory where the file should be
	path := filepath.Join(dir, "results.csv")
	require.NoError(t, os.Mkdir(path, 0755))

	err := NewSink(path).Append(sampleRecord("q1a"))
	require.Error(t, err)
	assert.Equal(t, bencherrors.ErrCategoryRecording, bencherrors.GetCategory(err))
	assert.Equal(t, bencherrors.CodeWriteFailed, bencherrors.GetCode(err))
}

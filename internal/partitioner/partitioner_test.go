package partitioner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
)

type recordingRunner struct {
	cmds    []executor.Command
	outcome *executor.Outcome
	err     error
}

func (r *recordingRunner) Run(_ context.Context, cmd executor.Command) (*executor.Outcome, error) {
	r.cmds = append(r.cmds, cmd)
	return r.outcome, r.err
}

func testRequest() Request {
	return Request{
		DatasetDir:    "/data/datasets/tpch-sf1",
		DatasetID:     "tpch-sf1",
		Scheme:        "kd-tree",
		PartitionSize: 100000,
		Columns:       []string{"c_custkey", "o_orderkey"},
	}
}

func TestRequest_Args(t *testing.T) {
	assert.Equal(t,
		[]string{"/data/datasets/tpch-sf1", "tpch-sf1", "kd-tree", "100000", "c_custkey,o_orderkey"},
		testRequest().Args())
}

func TestGenerate_Success(t *testing.T) {
	runner := &recordingRunner{outcome: &executor.Outcome{}}
	c := NewClient(Options{Binary: "partitioner"}, runner, zerolog.Nop())

	require.NoError(t, c.Generate(context.Background(), testRequest()))
	require.Len(t, runner.cmds, 1)
	assert.Equal(t, "partitioner", runner.cmds[0].Name)
	assert.Equal(t, testRequest().Args(), runner.cmds[0].Args)
}

func TestGenerate_RemovesStaleArtifact(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partitions.log")
	require.NoError(t, os.WriteFile(path, []byte("99\n"), 0644))

	// the tool succeeds without writing a count
	c := NewClient(Options{Binary: "partitioner", ArtifactPath: path}, &recordingRunner{outcome: &executor.Outcome{}}, zerolog.Nop())
	require.NoError(t, c.Generate(context.Background(), testRequest()))

	_, ok := c.ReportedPartitions()
	assert.False(t, ok)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestGenerate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		outcome *executor.Outcome
		err     error
	}{
		{"start failure", &executor.Outcome{}, errors.New("exec: not found")},
		{"non-zero exit", &executor.Outcome{ExitCode: 2, Stderr: []byte("bad column")}, nil},
		{"timeout", &executor.Outcome{ExitCode: -1, TimedOut: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Options{Binary: "partitioner"}, &recordingRunner{outcome: tt.outcome, err: tt.err}, zerolog.Nop())
			err := c.Generate(context.Background(), testRequest())
			require.Error(t, err)
			assert.Equal(t, bencherrors.ErrCategoryPartitioning, bencherrors.GetCategory(err))
			assert.Equal(t, bencherrors.CodePartitionerFailed, bencherrors.GetCode(err))
			assert.False(t, bencherrors.IsRetryable(err))
		})
	}
}

func TestGenerate_RealProcessTimeout(t *testing.T) {
	script := filepath.Join(t.TempDir(), "slow.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0755))

	c := NewClient(Options{Binary: script, Timeout: 100 * time.Millisecond}, executor.NewOSRunner(), zerolog.Nop())
	start := time.Now()
	err := c.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestReportedPartitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partitions.log")
	c := NewClient(Options{Binary: "partitioner", ArtifactPath: path}, nil, zerolog.Nop())

	_, ok := c.ReportedPartitions()
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("10\n"), 0644))
	n, ok := c.ReportedPartitions()
	assert.True(t, ok)
	assert.Equal(t, 10, n)

	_, ok = NewClient(Options{Binary: "partitioner"}, nil, zerolog.Nop()).ReportedPartitions()
	assert.False(t, ok)
}

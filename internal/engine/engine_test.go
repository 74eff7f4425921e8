package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
)

const goodOutput = "name\trun\ttiming\nPartitioningBenchmark\t1\t0.2\nPartitioningBenchmark\t2\t0.4\n"

// scriptedRunner replays outcomes in order; onRun lets a step write side files.
type scriptedRunner struct {
	steps []step
	calls []executor.Command
}

type step struct {
	outcome *executor.Outcome
	err     error
	onRun   func()
}

func (r *scriptedRunner) Run(_ context.Context, cmd executor.Command) (*executor.Outcome, error) {
	i := len(r.calls)
	r.calls = append(r.calls, cmd)
	if i >= len(r.steps) {
		i = len(r.steps) - 1
	}
	s := r.steps[i]
	if s.onRun != nil {
		s.onRun()
	}
	return s.outcome, s.err
}

func ok(stderr string) step {
	return step{outcome: &executor.Outcome{Stderr: []byte(stderr)}}
}

func exit(code int, stderr string) step {
	return step{outcome: &executor.Outcome{ExitCode: code, Stderr: []byte(stderr)}}
}

func testOptions(dir string, attempts int) Options {
	return Options{
		Binary:         "benchmark_runner",
		BenchmarkName:  "PartitioningBenchmark",
		WorkDir:        dir,
		PartitionsFile: filepath.Join(dir, "partitions.log"),
		RowGroupsFile:  filepath.Join(dir, "row_groups.log"),
		RowsFile:       filepath.Join(dir, "rows.log"),
		MinOutputLines: 3,
		CrashMarkers:   []string{"Segmentation"},
		ErrorMarkers:   []string{"Aborted"},
		FatalExitCodes: []int{127},
		Policy:         executor.RetryPolicy{MaxAttempts: attempts},
	}
}

func TestClient_Args(t *testing.T) {
	opts := testOptions(t.TempDir(), 1)
	assert.Equal(t, []string{"PartitioningBenchmark"}, NewClient(opts, nil, zerolog.Nop()).Args())

	opts.ResultsLog = "/tmp/results.log"
	assert.Equal(t, []string{"PartitioningBenchmark", "--out=/tmp/results.log"}, NewClient(opts, nil, zerolog.Nop()).Args())
}

func TestLaunch_Success(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 5)
	runner := &scriptedRunner{steps: []step{{
		outcome: &executor.Outcome{Stderr: []byte(goodOutput)},
		onRun: func() {
			os.WriteFile(opts.PartitionsFile, []byte("4"), 0644)
			os.WriteFile(opts.RowGroupsFile, []byte("9"), 0644)
		},
	}}}

	out, err := NewClient(opts, runner, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []float64{0.2, 0.4}, out.Latencies)
	assert.Equal(t, int64(4), out.UsedPartitions)
	assert.Equal(t, int64(9), out.UsedRowGroups)
	assert.Equal(t, int64(0), out.UsedRows)
	assert.Equal(t, 1, out.Attempts)
	require.Len(t, runner.calls, 1)
	assert.Equal(t, dir, runner.calls[0].Dir)
}

func TestLaunch_RemovesStaleSideFiles(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 1)
	require.NoError(t, os.WriteFile(opts.PartitionsFile, []byte("99"), 0644))

	out, err := NewClient(opts, &scriptedRunner{steps: []step{ok(goodOutput)}}, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.UsedPartitions)
}

func TestLaunch_RetriesKeepOnlySuccessfulOutput(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		exit(1, "Aborted\n"),
		ok("too\nshort"),
		ok(goodOutput),
	}}

	out, err := NewClient(testOptions(t.TempDir(), 5), runner, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)
	assert.Len(t, runner.calls, 3)
	assert.Equal(t, goodOutput, string(out.Raw))
	assert.Equal(t, []float64{0.2, 0.4}, out.Latencies)
}

func TestLaunch_TimeoutIsRetried(t *testing.T) {
	runner := &scriptedRunner{steps: []step{
		{outcome: &executor.Outcome{ExitCode: -1, TimedOut: true}},
		ok(goodOutput),
	}}
	out, err := NewClient(testOptions(t.TempDir(), 2), runner, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
}

func TestLaunch_Exhausted(t *testing.T) {
	runner := &scriptedRunner{steps: []step{exit(1, "")}}
	out, err := NewClient(testOptions(t.TempDir(), 5), runner, zerolog.Nop()).Launch(context.Background())
	require.Error(t, err)
	assert.Nil(t, out)
	assert.Len(t, runner.calls, 5)
	assert.Equal(t, bencherrors.ErrCategoryExecution, bencherrors.GetCategory(err))
	assert.Equal(t, bencherrors.CodeRetriesExhausted, bencherrors.GetCode(err))
}

func TestLaunch_FatalExitNotRetried(t *testing.T) {
	runner := &scriptedRunner{steps: []step{exit(127, "not found")}}
	_, err := NewClient(testOptions(t.TempDir(), 5), runner, zerolog.Nop()).Launch(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 1)
	assert.Equal(t, bencherrors.CodeEngineFatalExit, bencherrors.GetCode(err))
}

func TestLaunch_StartFailureNotRetried(t *testing.T) {
	runner := &scriptedRunner{steps: []step{{outcome: &executor.Outcome{}, err: errors.New("exec: no such file")}}}
	_, err := NewClient(testOptions(t.TempDir(), 5), runner, zerolog.Nop()).Launch(context.Background())
	require.Error(t, err)
	assert.Len(t, runner.calls, 1)
	assert.Equal(t, bencherrors.CodeEngineUnavailable, bencherrors.GetCode(err))
}

func TestLaunch_OutputStreams(t *testing.T) {
	outcome := &executor.Outcome{Stdout: []byte("h\n1\n"), Stderr: []byte("2\n")}
	tests := []struct {
		stream string
		want   []float64
	}{
		{"stdout", []float64{1}},
		{"combined", []float64{1, 2}},
	}
	for _, tt := range tests {
		opts := testOptions(t.TempDir(), 1)
		opts.OutputStream = tt.stream
		opts.MinOutputLines = 0
		out, err := NewClient(opts, &scriptedRunner{steps: []step{{outcome: outcome}}}, zerolog.Nop()).Launch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, tt.want, out.Latencies, tt.stream)
	}
}

func TestLaunch_ReadsResultsLog(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 1)
	opts.ResultsLog = filepath.Join(dir, "results.log")
	runner := &scriptedRunner{steps: []step{{
		outcome: &executor.Outcome{Stderr: []byte("DuckDB benchmark runner\n")},
		onRun: func() {
			os.WriteFile(opts.ResultsLog, []byte(goodOutput), 0644)
		},
	}}}

	out, err := NewClient(opts, runner, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.4}, out.Latencies)
	assert.Equal(t, goodOutput, string(out.Raw))
	assert.Contains(t, runner.calls[0].Args, "--out="+opts.ResultsLog)
}

func TestLaunch_StaleResultsLogIgnored(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 1)
	opts.ResultsLog = filepath.Join(dir, "results.log")
	require.NoError(t, os.WriteFile(opts.ResultsLog, []byte("name\n9.9\n9.9\n9.9\n"), 0644))

	out, err := NewClient(opts, &scriptedRunner{steps: []step{ok(goodOutput)}}, zerolog.Nop()).Launch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{0.2, 0.4}, out.Latencies)
}

func TestLaunch_InstallsMissingBinaryOnce(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 1)
	opts.Binary = filepath.Join(dir, "missing_runner")
	opts.InstallCommand = "make benchmark"

	runner := &scriptedRunner{steps: []step{ok(""), ok(goodOutput), ok(goodOutput)}}
	c := NewClient(opts, runner, zerolog.Nop())

	_, err := c.Launch(context.Background())
	require.NoError(t, err)
	_, err = c.Launch(context.Background())
	require.NoError(t, err)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, "sh", runner.calls[0].Name)
	assert.Equal(t, []string{"-c", "make benchmark"}, runner.calls[0].Args)
	assert.Equal(t, opts.Binary, runner.calls[1].Name)
}

func TestLaunch_InstallFailureIsFatal(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir, 3)
	opts.Binary = filepath.Join(dir, "missing_runner")
	opts.InstallCommand = "false"

	runner := &scriptedRunner{steps: []step{exit(1, "make: *** failed")}}
	_, err := NewClient(opts, runner, zerolog.Nop()).Launch(context.Background())
	require.Error(t, err)
	assert.Equal(t, bencherrors.CodeEngineUnavailable, bencherrors.GetCode(err))
	assert.Len(t, runner.calls, 1)
}

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOSRunner_CapturesOutput(t *testing.T) {
	r := NewOSRunner()
	out, err := r.Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "echo out; echo err >&2"},
	})
	require.NoError(t, err)
	assert.True(t, out.Success())
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
	assert.Greater(t, out.Duration, time.Duration(0))
}

func TestOSRunner_NonZeroExit(t *testing.T) {
	out, err := NewOSRunner().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.False(t, out.Success())
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, out.TimedOut)
}

func TestOSRunner_Stdin(t *testing.T) {
	out, err := NewOSRunner().Run(context.Background(), Command{
		Name:  "cat",
		Stdin: strings.NewReader("SELECT 1"),
	})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", string(out.Stdout))
}

func TestOSRunner_WorkingDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	out, err := NewOSRunner().Run(context.Background(), Command{
		Name: "sh",
		Args: []string{"-c", "pwd; echo $BENCH_VAR"},
		Dir:  dir,
		Env:  []string{"BENCH_VAR=42"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out.Stdout)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], dir[strings.LastIndex(dir, "/"):]))
	assert.Equal(t, "42", lines[1])
}

func TestOSRunner_Timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	out, err := NewOSRunner().Run(ctx, Command{Name: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.False(t, out.Success())
	assert.Less(t, out.Duration, 5*time.Second)
}

func TestOSRunner_MissingBinary(t *testing.T) {
	_, err := NewOSRunner().Run(context.Background(), Command{Name: "/nonexistent/benchmark_runner"})
	assert.Error(t, err)
}

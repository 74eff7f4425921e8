package workload

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/layoutbench/layoutbench/internal/executor"
)

// RowCounter returns the number of rows a SQL query produces.
type RowCounter interface {
	Count(ctx context.Context, sql string) (int64, error)
}

// CommandCounter runs a shell command that reads one SQL statement on stdin
// and prints the row count as the last line of its output.
type CommandCounter struct {
	command string
	dir     string
	runner  executor.Runner
}

// NewCommandCounter creates a counter running command through sh -c in dir.
func NewCommandCounter(command, dir string, runner executor.Runner) *CommandCounter {
	return &CommandCounter{command: command, dir: dir, runner: runner}
}

// Count implements RowCounter.
func (c *CommandCounter) Count(ctx context.Context, sql string) (int64, error) {
	out, err := c.runner.Run(ctx, executor.Command{
		Name:  "sh",
		Args:  []string{"-c", c.command},
		Dir:   c.dir,
		Stdin: strings.NewReader(sql),
	})
	if err != nil {
		return 0, err
	}
	if !out.Success() {
		return 0, fmt.Errorf("count command exited with %d: %s", out.ExitCode, strings.TrimSpace(string(out.Stderr)))
	}

	lines := strings.Fields(strings.TrimSpace(string(out.Stdout)))
	if len(lines) == 0 {
		return 0, fmt.Errorf("count command printed nothing")
	}
	n, err := strconv.ParseInt(lines[len(lines)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("count command printed %q: %w", lines[len(lines)-1], err)
	}
	return n, nil
}

// Package executor runs external tools as subprocesses and retries them
// under a bounded policy. It knows nothing about partitioners or engines;
// callers classify outcomes into retryable and fatal errors.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"time"
)

// Command describes one external process invocation.
type Command struct {
	Name  string
	Args  []string
	Dir   string
	Env   []string
	Stdin io.Reader
}

// Outcome is what a finished (or killed) process left behind.
type Outcome struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
	TimedOut bool
}

// Success reports whether the process exited with status 0 in time.
func (o *Outcome) Success() bool {
	return o.ExitCode == 0 && !o.TimedOut
}

// Runner starts a command and waits for it.
type Runner interface {
	// Run returns an error only when the process could not be started or
	// waited for. Non-zero exits and deadline kills are reported in Outcome.
	Run(ctx context.Context, cmd Command) (*Outcome, error)
}

// OSRunner runs commands with os/exec.
type OSRunner struct{}

// NewOSRunner creates a subprocess runner.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes cmd and collects its output. When ctx expires the process is
// killed and the outcome is marked as timed out.
func (r *OSRunner) Run(ctx context.Context, cmd Command) (*Outcome, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(c.Environ(), cmd.Env...)
	}
	c.Stdin = cmd.Stdin
	c.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	out := &Outcome{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		out.ExitCode = -1
		out.TimedOut = errors.Is(ctxErr, context.DeadlineExceeded)
		if !out.TimedOut {
			return out, ctxErr
		}
		return out, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, err
	}
	return out, nil
}

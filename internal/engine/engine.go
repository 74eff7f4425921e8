// Package engine launches the external analytical query engine against the
// adapted query, retries it under a bounded policy and parses the timing
// lines and scan counters it leaves behind.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
)

// Output is the parsed result of one successful engine execution.
type Output struct {
	// Raw is the output of the successful attempt only.
	Raw []byte

	Latencies      []float64
	UsedPartitions int64
	UsedRowGroups  int64
	UsedRows       int64

	// Attempts is the number of attempts made, the successful one included.
	Attempts int
}

// Launcher executes the adapted query and reports its measurements.
type Launcher interface {
	Launch(ctx context.Context) (*Output, error)
}

// Options configures a Client.
type Options struct {
	Binary        string
	BenchmarkName string
	WorkDir       string
	ResultsLog    string

	// OutputStream is stderr, stdout or combined.
	OutputStream string

	PartitionsFile string
	RowGroupsFile  string
	RowsFile       string

	MinOutputLines int
	CrashMarkers   []string
	ErrorMarkers   []string
	FatalExitCodes []int
	InstallCommand string

	Policy executor.RetryPolicy
}

// Client runs the engine binary.
type Client struct {
	opts    Options
	runner  executor.Runner
	retrier *executor.Retrier
	logger  zerolog.Logger

	installOnce sync.Once
	installErr  error
}

// NewClient creates an engine client.
func NewClient(opts Options, runner executor.Runner, logger zerolog.Logger) *Client {
	if opts.OutputStream == "" {
		opts.OutputStream = "stderr"
	}
	return &Client{
		opts:    opts,
		runner:  runner,
		retrier: executor.NewRetrier(opts.Policy, logger),
		logger:  logger,
	}
}

// Args returns the engine's command-line arguments.
func (c *Client) Args() []string {
	args := []string{c.opts.BenchmarkName}
	if c.opts.ResultsLog != "" {
		args = append(args, "--out="+c.opts.ResultsLog)
	}
	return args
}

// Launch runs the engine until one attempt succeeds or the retry policy
// gives up, then parses the successful attempt's output and side files.
// Counter files that cannot be read default to zero with a warning.
func (c *Client) Launch(ctx context.Context) (*Output, error) {
	if err := c.ensureInstalled(ctx); err != nil {
		return nil, err
	}

	var raw []byte
	attempts, err := c.retrier.Do(ctx, func(ctx context.Context, attempt int) error {
		c.logger.Info().Int("attempt", attempt).Msg("launching benchmarks")
		c.removeSideFiles()

		out, err := c.attempt(ctx)
		if err != nil {
			c.logger.Error().Err(err).Int("attempt", attempt).Msg("error while calling benchmark runner")
			return err
		}
		raw = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	if containsAny(string(raw), c.opts.ErrorMarkers) {
		c.logger.Error().Str("output", string(raw)).Msg("engine reported an error while running benchmarks")
	}

	latencies, warnings := ParseLatencies(string(raw), c.opts.CrashMarkers)
	for _, w := range warnings {
		c.logger.Warn().Err(w).Msg("error while parsing benchmark results")
	}

	return &Output{
		Raw:            raw,
		Latencies:      latencies,
		UsedPartitions: c.counter(c.opts.PartitionsFile, "used partitions"),
		UsedRowGroups:  c.counter(c.opts.RowGroupsFile, "used row groups"),
		UsedRows:       c.counter(c.opts.RowsFile, "used rows"),
		Attempts:       attempts,
	}, nil
}

// attempt runs the engine once and classifies the outcome.
func (c *Client) attempt(ctx context.Context) ([]byte, error) {
	out, err := c.runner.Run(ctx, executor.Command{
		Name: c.opts.Binary,
		Args: c.Args(),
		Dir:  c.opts.WorkDir,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, bencherrors.NewExecutionError(bencherrors.CodeCanceled, "engine run canceled", err)
		}
		return nil, bencherrors.NewExecutionError(bencherrors.CodeEngineUnavailable,
			fmt.Sprintf("cannot start %s", c.opts.Binary), err)
	}
	if out.TimedOut {
		return nil, bencherrors.NewExecutionError(bencherrors.CodeExecutionTimeout,
			fmt.Sprintf("engine exceeded its attempt timeout after %s", out.Duration), nil)
	}
	if out.ExitCode != 0 {
		code := bencherrors.CodeEngineFailed
		if c.isFatalExit(out.ExitCode) {
			code = bencherrors.CodeEngineFatalExit
		}
		return nil, bencherrors.NewExecutionError(code,
			fmt.Sprintf("received return code %d", out.ExitCode), nil)
	}

	stream := c.timings(out)
	if c.opts.MinOutputLines > 0 && CountLines(string(stream)) < c.opts.MinOutputLines {
		return nil, bencherrors.NewExecutionError(bencherrors.CodeOutputTooShort,
			"process output is too short", nil)
	}
	return stream, nil
}

// timings returns the results log when the engine wrote one, else the
// configured output stream.
func (c *Client) timings(out *executor.Outcome) []byte {
	if c.opts.ResultsLog != "" {
		data, err := os.ReadFile(c.opts.ResultsLog)
		switch {
		case err == nil && len(bytes.TrimSpace(data)) > 0:
			return data
		case err != nil && !errors.Is(err, os.ErrNotExist):
			c.logger.Warn().Err(err).Str("path", c.opts.ResultsLog).Msg("cannot read results log, using process output")
		}
	}
	return c.selectStream(out)
}

func (c *Client) selectStream(out *executor.Outcome) []byte {
	switch c.opts.OutputStream {
	case "stdout":
		return out.Stdout
	case "combined":
		return append(append([]byte{}, out.Stdout...), out.Stderr...)
	default:
		return out.Stderr
	}
}

func (c *Client) isFatalExit(code int) bool {
	for _, f := range c.opts.FatalExitCodes {
		if f == code {
			return true
		}
	}
	return false
}

// removeSideFiles drops counters and the results log left over from an
// earlier attempt so a stale value is never attributed to this one.
func (c *Client) removeSideFiles() {
	for _, p := range []string{c.opts.ResultsLog, c.opts.PartitionsFile, c.opts.RowGroupsFile, c.opts.RowsFile} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", p).Msg("cannot remove stale side file")
		}
	}
}

func (c *Client) counter(path, what string) int64 {
	if path == "" {
		return 0
	}
	n, err := ReadCounter(path)
	if err != nil {
		c.logger.Warn().Err(err).Msgf("could not load number of %s, using 0", what)
		return 0
	}
	return n
}

// ensureInstalled runs the install command once when the binary is missing.
func (c *Client) ensureInstalled(ctx context.Context) error {
	if c.opts.InstallCommand == "" {
		return nil
	}
	c.installOnce.Do(func() {
		if _, err := exec.LookPath(c.opts.Binary); err == nil {
			return
		}
		c.logger.Info().Str("command", c.opts.InstallCommand).Msg("engine binary missing, installing")
		out, err := c.runner.Run(ctx, executor.Command{
			Name: "sh",
			Args: []string{"-c", c.opts.InstallCommand},
			Dir:  c.opts.WorkDir,
		})
		switch {
		case err != nil:
			c.installErr = err
		case !out.Success():
			c.installErr = fmt.Errorf("install command exited with %d: %s",
				out.ExitCode, bytes.TrimSpace(out.Stderr))
		}
		if c.installErr != nil {
			c.installErr = bencherrors.NewExecutionError(bencherrors.CodeEngineUnavailable,
				"engine installation failed", c.installErr)
		}
	})
	return c.installErr
}

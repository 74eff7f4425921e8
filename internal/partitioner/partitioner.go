// Package partitioner drives the external tool that lays a dataset out into
// partition files for a given scheme, partition size and column set.
package partitioner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
)

// Request is one partitioner invocation.
type Request struct {
	// DatasetDir is the dataset root; the tool writes into DatasetDir/<scheme>.
	DatasetDir    string
	DatasetID     string
	Scheme        string
	PartitionSize int
	Columns       []string
}

// Args returns the positional command-line arguments of the tool:
// <dataset_dir> <dataset_id> <scheme> <partition_size> <comma_joined_columns>.
func (r Request) Args() []string {
	return []string{
		r.DatasetDir,
		r.DatasetID,
		r.Scheme,
		strconv.Itoa(r.PartitionSize),
		strings.Join(r.Columns, ","),
	}
}

// Generator produces a physical layout.
type Generator interface {
	Generate(ctx context.Context, req Request) error
}

// Client runs the partitioner binary through an executor.Runner.
type Client struct {
	binary       string
	timeout      time.Duration
	artifactPath string
	runner       executor.Runner
	logger       zerolog.Logger
}

// Options configures a Client.
type Options struct {
	Binary string
	// Timeout bounds one run; zero leaves the run unbounded.
	Timeout time.Duration
	// ArtifactPath is the partition-count log the tool may write.
	ArtifactPath string
}

// NewClient creates a partitioner client.
func NewClient(opts Options, runner executor.Runner, logger zerolog.Logger) *Client {
	return &Client{
		binary:       opts.Binary,
		timeout:      opts.Timeout,
		artifactPath: opts.ArtifactPath,
		runner:       runner,
		logger:       logger,
	}
}

// CommandLine returns the full command for req, for logging and reproduction.
func (c *Client) CommandLine(req Request) string {
	return c.binary + " " + strings.Join(req.Args(), " ")
}

// Generate runs the tool for req. A start failure, a non-zero exit and a
// timeout are all PARTITIONING/PARTITIONER_FAILED errors. The artifact of
// an earlier run is removed first so its count is never reported for req.
func (c *Client) Generate(ctx context.Context, req Request) error {
	if c.artifactPath != "" {
		if err := os.Remove(c.artifactPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", c.artifactPath).Msg("cannot remove stale partition count")
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.runner.Run(ctx, executor.Command{Name: c.binary, Args: req.Args()})
	if err != nil {
		return bencherrors.NewPartitioningError(bencherrors.CodePartitionerFailed,
			fmt.Sprintf("partitioning failed: %s", c.CommandLine(req)), err)
	}
	if out.TimedOut {
		return bencherrors.NewPartitioningError(bencherrors.CodePartitionerFailed,
			fmt.Sprintf("partitioner exceeded %s", c.timeout), nil)
	}
	if out.ExitCode != 0 {
		return bencherrors.NewPartitioningError(bencherrors.CodePartitionerFailed,
			fmt.Sprintf("received return code %d", out.ExitCode), nil).
			WithDetails(map[string]interface{}{"stderr": tail(out.Stderr, 512)})
	}

	c.logger.Debug().
		Dur("duration", out.Duration).
		Str("command", c.CommandLine(req)).
		Msg("partitioner finished")
	return nil
}

// ReportedPartitions reads the partition count the tool left in its
// artifact file. ok is false when no artifact is configured or readable.
func (c *Client) ReportedPartitions() (n int, ok bool) {
	if c.artifactPath == "" {
		return 0, false
	}
	data, err := os.ReadFile(c.artifactPath)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	n, err = strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, false
	}
	return n, true
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

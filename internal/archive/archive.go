// Package archive uploads raw engine output and the results file of a run
// to object storage. Engine output is snappy-compressed first.
package archive

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/config"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// OutputSuffix is appended to archived engine output objects.
const OutputSuffix = ".out.sz"

// Open returns the object storage backend described by cfg.
func Open(ctx context.Context, cfg config.ArchiveConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "", "local":
		local, err := storage.NewLocalStorage(cfg.Path)
		if err != nil {
			return nil, err
		}
		return local, nil
	case "s3":
		s3cfg := storage.DefaultS3Config()
		if cfg.S3.Region != "" {
			s3cfg.Region = cfg.S3.Region
		}
		s3cfg.Endpoint = cfg.S3.Endpoint
		s3cfg.UsePathStyle = cfg.S3.UsePathStyle
		s3, err := storage.NewS3Storage(ctx, cfg.S3.Bucket, s3cfg)
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	return nil, fmt.Errorf("archive: unsupported type %q", cfg.Type)
}

// Archiver uploads the artifacts of one run under runs/<run_id>/.
type Archiver struct {
	store   storage.ObjectStorage
	runID   string
	scratch string
	logger  zerolog.Logger
}

// New creates an archiver. Compressed output is staged in scratchDir.
func New(store storage.ObjectStorage, runID, scratchDir string, logger zerolog.Logger) *Archiver {
	return &Archiver{store: store, runID: runID, scratch: scratchDir, logger: logger}
}

// RunPrefix returns the object prefix of a run.
func RunPrefix(runID string) string {
	return path.Join("runs", runID)
}

// OutputKey returns the object key of one configuration's engine output.
func OutputKey(runID string, cfg types.BenchmarkConfig) string {
	layout := cfg.LayoutKey().Fingerprint()
	if len(layout) > 16 {
		layout = layout[:16]
	}
	return path.Join(RunPrefix(runID), cfg.Dataset, cfg.PartitioningScheme,
		strconv.Itoa(cfg.PartitionSize), layout, cfg.Query.ID()+OutputSuffix)
}

// ResultsKey returns the object key of a run's results file.
func ResultsKey(runID string) string {
	return path.Join(RunPrefix(runID), "results.csv")
}

// ArchiveOutput compresses and uploads raw engine output. It returns the
// object key.
func (a *Archiver) ArchiveOutput(ctx context.Context, cfg types.BenchmarkConfig, raw []byte) (string, error) {
	key := OutputKey(a.runID, cfg)

	if err := os.MkdirAll(a.scratch, 0755); err != nil {
		return "", bencherrors.NewRecordingError(bencherrors.CodeArchiveFailed, "failed to create staging folder", err)
	}
	staged := filepath.Join(a.scratch, fmt.Sprintf("archive_%s%s", uuid.New().String()[:8], OutputSuffix))
	if err := os.WriteFile(staged, snappy.Encode(nil, raw), 0644); err != nil {
		return "", bencherrors.NewRecordingError(bencherrors.CodeArchiveFailed, "failed to stage engine output", err)
	}
	defer os.Remove(staged)

	if err := a.store.Upload(ctx, staged, key); err != nil {
		return "", bencherrors.NewRecordingError(bencherrors.CodeArchiveFailed,
			fmt.Sprintf("failed to upload %s", key), err)
	}
	a.logger.Debug().Str("key", key).Int("bytes", len(raw)).Msg("Archived engine output")
	return key, nil
}

// ArchiveResults uploads the results file of the run.
func (a *Archiver) ArchiveResults(ctx context.Context, resultsPath string) (string, error) {
	key := ResultsKey(a.runID)
	if err := a.store.Upload(ctx, resultsPath, key); err != nil {
		return "", bencherrors.NewRecordingError(bencherrors.CodeArchiveFailed,
			fmt.Sprintf("failed to upload %s", key), err)
	}
	a.logger.Info().Str("key", key).Msg("Archived results")
	return key, nil
}

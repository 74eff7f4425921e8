package storage

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

const bytesPerMB = 1024 * 1024

// Manager lists, counts, measures and deletes data files of a single
// extension inside a directory. It never recurses into sub-directories.
type Manager struct {
	ext string
}

// NewManager creates a Manager for files ending in ext (e.g. ".parquet").
// An empty extension matches every regular file.
func NewManager(ext string) *Manager {
	return &Manager{ext: ext}
}

// ListFiles returns the sorted names of matching regular files in dir.
func (m *Manager) ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if m.ext != "" && !strings.HasSuffix(e.Name(), m.ext) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// CountFiles returns the number of matching files in dir. A missing
// directory counts as zero files.
func (m *Manager) CountFiles(dir string) (int, error) {
	names, err := m.ListFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return len(names), nil
}

// AverageSizeMB returns the mean size of the matching files in dir in
// mebibytes, rounded to two decimals. An empty directory is an error.
func (m *Manager) AverageSizeMB(dir string) (float64, error) {
	names, err := m.ListFiles(dir)
	if err != nil {
		return 0, bencherrors.NewParsingError(bencherrors.CodeNoPartitionFiles,
			fmt.Sprintf("cannot list partitions in %s", dir), err)
	}
	if len(names) == 0 {
		return 0, bencherrors.NewParsingError(bencherrors.CodeNoPartitionFiles,
			fmt.Sprintf("no partitions in the folder %s", dir), nil)
	}

	var total int64
	for _, name := range names {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			return 0, bencherrors.NewParsingError(bencherrors.CodeNoPartitionFiles,
				fmt.Sprintf("cannot stat partition %s", name), err)
		}
		total += info.Size()
	}

	avg := float64(total) / float64(len(names)) / bytesPerMB
	return math.Round(avg*100) / 100, nil
}

// DeleteFiles removes every matching file in dir and returns how many were
// removed. Unsafe targets (empty, filesystem root, home directories) are
// rejected before the filesystem is touched.
func (m *Manager) DeleteFiles(dir string) (int, error) {
	if err := CheckDeletable(dir); err != nil {
		return 0, err
	}

	names, err := m.ListFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, bencherrors.NewCleanupError(bencherrors.CodeDeleteFailed,
			fmt.Sprintf("cannot list %s", dir), err)
	}

	removed := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, bencherrors.NewCleanupError(bencherrors.CodeDeleteFailed,
				fmt.Sprintf("cannot delete %s", name), err)
		}
		removed++
	}
	return removed, nil
}

// CheckDeletable reports an UNSAFE_PATH cleanup error for directories whose
// contents must never be bulk-deleted.
func CheckDeletable(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return bencherrors.NewCleanupError(bencherrors.CodeUnsafePath, "refusing to delete files: empty path", nil)
	}

	clean := filepath.Clean(dir)
	unsafe := map[string]bool{
		"/":     true,
		"/home": true,
		"/root": true,
		".":     true,
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		unsafe[filepath.Clean(home)] = true
	}
	if unsafe[clean] {
		return bencherrors.NewCleanupError(bencherrors.CodeUnsafePath,
			fmt.Sprintf("refusing to delete files in %s", dir), nil)
	}
	return nil
}

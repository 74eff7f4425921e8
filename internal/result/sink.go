package result

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

// Sink is the append-only results file. It is opened and closed on every
// write; only one writer may use a path at a time.
type Sink struct {
	path string
}

// NewSink creates a sink for path.
func NewSink(path string) *Sink {
	return &Sink{path: path}
}

// Path returns the sink file path.
func (s *Sink) Path() string { return s.path }

// EnsureHeader writes the header line if the file does not exist yet.
// It reports whether it wrote one.
func (s *Sink) EnsureHeader() (bool, error) {
	if _, err := os.Stat(s.path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to stat results file", err)
	}
	if err := s.appendLine(Header()); err != nil {
		return false, err
	}
	return true, nil
}

// Append writes one record line.
func (s *Sink) Append(rec Record) error {
	return s.appendLine(rec.Format())
}

func (s *Sink) appendLine(line string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to create results folder", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to open results file", err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		f.Close()
		return bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to write results file", err)
	}
	if err := f.Close(); err != nil {
		return bencherrors.NewRecordingError(bencherrors.CodeWriteFailed, "failed to close results file", err)
	}
	return nil
}

// ReadAll parses every record of a results file, skipping header lines.
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if text == "" || strings.HasPrefix(text, Columns[0]+Separator) {
			continue
		}
		rec, err := Parse(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

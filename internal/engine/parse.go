package engine

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

// ParseLatencies extracts one latency sample per output line: the last
// tab-separated field parsed as seconds. The first line is the engine's
// header and is always skipped, even when it is numeric. Blank lines and
// lines containing a crash marker are dropped, never read as zero. Every
// other line that cannot be parsed is skipped and reported in the returned
// warnings.
func ParseLatencies(output string, crashMarkers []string) ([]float64, []error) {
	var (
		latencies []float64
		warnings  []error
	)

	for i, line := range strings.Split(output, "\n") {
		if i == 0 {
			continue
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if containsAny(line, crashMarkers) {
			continue
		}

		fields := strings.Split(line, "\t")
		value := strings.TrimSpace(fields[len(fields)-1])
		latency, err := strconv.ParseFloat(value, 64)
		if err != nil {
			warnings = append(warnings, bencherrors.NewParsingError(bencherrors.CodeMalformedOutput,
				fmt.Sprintf("line %d: cannot parse latency %q", i+1, value), err))
			continue
		}
		latencies = append(latencies, latency)
	}
	return latencies, warnings
}

// CountLines returns the number of newline-separated pieces of output, the
// measure the minimum-output check is applied to.
func CountLines(output string) int {
	return strings.Count(output, "\n") + 1
}

// ReadCounter reads a plain integer from a side file written by the engine.
func ReadCounter(path string) (int64, error) {
	if path == "" {
		return 0, bencherrors.NewParsingError(bencherrors.CodeCounterUnreadable, "no counter file configured", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, bencherrors.NewParsingError(bencherrors.CodeCounterUnreadable,
			fmt.Sprintf("could not load counter from %s", path), err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, bencherrors.NewParsingError(bencherrors.CodeCounterUnreadable,
			fmt.Sprintf("malformed counter in %s", path), err)
	}
	return n, nil
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

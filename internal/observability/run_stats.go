// Package observability tracks statistics of a matrix run: how
// configurations ended, how long they took and which predicate columns the
// executed queries touched compared to the columns they were partitioned on.
package observability

import (
	"sort"
	"sync"
	"time"
)

// RunStats accumulates statistics over the configurations of one run.
type RunStats struct {
	mu         sync.RWMutex
	outcomes   map[string]int
	elapsed    time.Duration
	executions int
	columns    map[string]*ColumnStats
	started    time.Time
}

// ColumnStats holds how often a predicate column was queried.
type ColumnStats struct {
	Column    string
	Frequency int64
	// Partitioned counts the executions in which the column was also a
	// partitioning column of the layout.
	Partitioned int64
	LastSeen    time.Time
}

// MatchRatio returns the share of executions in which the column was a
// partitioning column.
func (c ColumnStats) MatchRatio() float64 {
	if c.Frequency == 0 {
		return 0
	}
	return float64(c.Partitioned) / float64(c.Frequency)
}

// Summary is a point-in-time copy of the outcome counters.
type Summary struct {
	Executions int
	Outcomes   map[string]int
	Elapsed    time.Duration
	Wall       time.Duration
}

// Average returns the mean time spent per execution.
func (s Summary) Average() time.Duration {
	if s.Executions == 0 {
		return 0
	}
	return s.Elapsed / time.Duration(s.Executions)
}

// NewRunStats creates an empty tracker; the wall clock starts now.
func NewRunStats() *RunStats {
	return &RunStats{
		outcomes: make(map[string]int),
		columns:  make(map[string]*ColumnStats),
		started:  time.Now(),
	}
}

// RecordOutcome counts one finished configuration.
func (s *RunStats) RecordOutcome(outcome string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.outcomes[outcome]++
	s.executions++
	s.elapsed += elapsed
}

// RecordColumns records the predicate columns of one executed query against
// the partitioning columns of its layout.
func (s *RunStats) RecordColumns(predicate, partitioning []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inLayout := make(map[string]bool, len(partitioning))
	for _, c := range partitioning {
		inLayout[c] = true
	}

	now := time.Now()
	for _, col := range predicate {
		stats, exists := s.columns[col]
		if !exists {
			stats = &ColumnStats{Column: col}
			s.columns[col] = stats
		}
		stats.Frequency++
		if inLayout[col] {
			stats.Partitioned++
		}
		stats.LastSeen = now
	}
}

// TopColumns returns the n most queried predicate columns, most frequent
// first. Ties are ordered by column name.
func (s *RunStats) TopColumns(n int) []ColumnStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || len(s.columns) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(s.columns))
	for _, c := range s.columns {
		stats = append(stats, *c)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Snapshot returns a copy of the outcome counters.
func (s *RunStats) Snapshot() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	outcomes := make(map[string]int, len(s.outcomes))
	for k, v := range s.outcomes {
		outcomes[k] = v
	}
	return Summary{
		Executions: s.executions,
		Outcomes:   outcomes,
		Elapsed:    s.elapsed,
		Wall:       time.Since(s.started),
	}
}

// ColumnMatchRatio returns the share of predicate columns that are also
// partitioning columns, or 0 when the predicate touches no column.
func ColumnMatchRatio(predicate, partitioning []string) float64 {
	if len(predicate) == 0 {
		return 0
	}
	inLayout := make(map[string]bool, len(partitioning))
	for _, c := range partitioning {
		inLayout[c] = true
	}
	matched := 0
	for _, c := range predicate {
		if inLayout[c] {
			matched++
		}
	}
	return float64(matched) / float64(len(predicate))
}

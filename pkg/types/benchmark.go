package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Partitioning scheme identifiers understood by the external partitioner.
const (
	SchemeNone         = "no-partition"
	SchemeFixedGrid    = "fixed-grid"
	SchemeGridFile     = "grid-file"
	SchemeHilbertCurve = "hilbert-curve"
	SchemeKDTree       = "kd-tree"
	SchemeQuadTree     = "quad-tree"
	SchemeSTRTree      = "str-tree"
	SchemeZOrderCurve  = "z-curve-order"
)

// KnownSchemes lists every scheme the partitioner accepts.
var KnownSchemes = []string{
	SchemeNone,
	SchemeFixedGrid,
	SchemeGridFile,
	SchemeHilbertCurve,
	SchemeKDTree,
	SchemeQuadTree,
	SchemeSTRTree,
	SchemeZOrderCurve,
}

// IsKnownScheme reports whether scheme is one of KnownSchemes.
func IsKnownScheme(scheme string) bool {
	for _, s := range KnownSchemes {
		if s == scheme {
			return true
		}
	}
	return false
}

// Errors returned when building a BenchmarkConfig.
var (
	ErrEmptyDataset         = errors.New("dataset id is empty")
	ErrUnknownScheme        = errors.New("unknown partitioning scheme")
	ErrInvalidPartitionSize = errors.New("partition size must be positive")
	ErrNoPartitionColumns   = errors.New("partitioning columns are required for this scheme")
	ErrEmptyQuery           = errors.New("query id is empty")
)

// QueryRef identifies one query instance of a workload: the template id
// (e.g. "3") and its variant letter (e.g. "a").
type QueryRef struct {
	TemplateID string
	Variant    string
}

// ID returns the combined query id, e.g. "3a".
func (q QueryRef) ID() string {
	return q.TemplateID + q.Variant
}

// String returns the query id prefixed with "q", the form used in result records.
func (q QueryRef) String() string {
	return "q" + q.ID()
}

// Layout describes the physical layout produced by one partitioner run.
type Layout struct {
	// TotalPartitions is the number of partition files found after partitioning.
	TotalPartitions int
	// TimeToPartition is the wall-clock partitioning time in seconds.
	TimeToPartition float64
}

// Valid reports whether the layout has at least one partition.
func (l Layout) Valid() bool {
	return l.TotalPartitions > 0
}

// LayoutKey groups every configuration that shares one partitioner run.
// Partitions are generated once per key and cleaned up once per key.
type LayoutKey struct {
	Dataset       string
	Scheme        string
	PartitionSize int
	Columns       []string
}

// ColumnList returns the partitioning columns joined by commas, the form the
// partitioner expects on its command line.
func (k LayoutKey) ColumnList() string {
	return strings.Join(k.Columns, ",")
}

// String returns a human-readable representation of the key.
func (k LayoutKey) String() string {
	return fmt.Sprintf("%s/%s/%d/[%s]", k.Dataset, k.Scheme, k.PartitionSize, k.ColumnList())
}

// Fingerprint returns a stable 128-bit murmur3 hash of the key, hex encoded.
func (k LayoutKey) Fingerprint() string {
	return fingerprint(k.Dataset, k.Scheme, strconv.Itoa(k.PartitionSize), k.ColumnList())
}

// BenchmarkConfig is one point of the configuration matrix. It is a value:
// stages receive copies and derive new values instead of mutating shared state.
type BenchmarkConfig struct {
	Dataset             string
	PartitioningScheme  string
	PartitionSize       int
	PartitioningColumns []string
	Query               QueryRef
	ResultsSink         string

	// Layout is attached once partitions have been generated for the
	// configuration's layout group.
	Layout Layout
}

// NewBenchmarkConfig validates its arguments and returns a configuration.
// The columns slice is copied.
func NewBenchmarkConfig(dataset, scheme string, partitionSize int, columns []string, query QueryRef, sink string) (BenchmarkConfig, error) {
	if dataset == "" {
		return BenchmarkConfig{}, ErrEmptyDataset
	}
	if !IsKnownScheme(scheme) {
		return BenchmarkConfig{}, fmt.Errorf("%w: %q", ErrUnknownScheme, scheme)
	}
	if partitionSize <= 0 {
		return BenchmarkConfig{}, fmt.Errorf("%w: %d", ErrInvalidPartitionSize, partitionSize)
	}
	if scheme != SchemeNone && len(columns) == 0 {
		return BenchmarkConfig{}, ErrNoPartitionColumns
	}
	if query.TemplateID == "" {
		return BenchmarkConfig{}, ErrEmptyQuery
	}

	cols := make([]string, len(columns))
	copy(cols, columns)

	return BenchmarkConfig{
		Dataset:             dataset,
		PartitioningScheme:  scheme,
		PartitionSize:       partitionSize,
		PartitioningColumns: cols,
		Query:               query,
		ResultsSink:         sink,
	}, nil
}

// LayoutKey returns the layout group this configuration belongs to.
func (c BenchmarkConfig) LayoutKey() LayoutKey {
	return LayoutKey{
		Dataset:       c.Dataset,
		Scheme:        c.PartitioningScheme,
		PartitionSize: c.PartitionSize,
		Columns:       c.PartitioningColumns,
	}
}

// WithLayout returns a copy of the configuration carrying layout.
func (c BenchmarkConfig) WithLayout(layout Layout) BenchmarkConfig {
	c.Layout = layout
	return c
}

// Fingerprint identifies the configuration (layout group plus query).
func (c BenchmarkConfig) Fingerprint() string {
	return fingerprint(c.LayoutKey().Fingerprint(), c.Query.ID())
}

// String returns a compact description used in log messages.
func (c BenchmarkConfig) String() string {
	return fmt.Sprintf("%s-%s-%d-%s-%v", c.Dataset, c.PartitioningScheme, c.PartitionSize, c.Query.ID(), c.PartitioningColumns)
}

func fingerprint(parts ...string) string {
	h := murmur3.New128()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

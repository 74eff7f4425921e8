// Package workload provides the datasets and query workloads the benchmark
// matrix runs against. A Provider owns one dataset family: it knows where
// the data lives, how to materialize it, how to generate selectivity-curated
// query instances and the reference facts recorded with every result.
package workload

import (
	"context"

	"github.com/layoutbench/layoutbench/pkg/types"
)

// QueryInstance is one generated query file of a workload.
type QueryInstance struct {
	Ref  types.QueryRef
	Path string
	// Selectivity is the percentage encoded in the file name, or 0.
	Selectivity float64
}

// QueryStream yields generated query instances one at a time. It is finite
// and cannot be restarted: once Next returns false it keeps returning false.
type QueryStream interface {
	// Next advances to the next accepted instance.
	Next(ctx context.Context) bool
	// Instance returns the instance Next advanced to.
	Instance() QueryInstance
	// Err returns the error that stopped the stream early, if any.
	// Rejected or failing candidates never stop the stream.
	Err() error
}

// Provider is the capability set the orchestration core consumes.
type Provider interface {
	// Name returns the dataset id, e.g. tpch-sf1.
	Name() string

	// DatasetRoot is the folder handed to the partitioner.
	DatasetRoot() string

	// DatasetDir is the folder holding the files laid out by scheme.
	DatasetDir(scheme string) string

	IsDatasetReady() bool

	// MaterializeDataset downloads or builds the unpartitioned dataset.
	// Failures are ACQUISITION/DATASET_FAILED errors.
	MaterializeDataset(ctx context.Context, params map[string]string) error

	IsQueryWorkloadReady() bool

	// GenerateQueries starts generating query instances; only instances
	// whose measured selectivity falls strictly inside the acceptance band
	// are persisted and yielded.
	GenerateQueries(ctx context.Context) (QueryStream, error)

	// Queries lists the persisted query instances with their variant letters.
	Queries() ([]QueryInstance, error)

	// TotalRows returns the row count of the unpartitioned dataset,
	// computed at most once per process.
	TotalRows(ctx context.Context) (int64, error)

	// PartitioningColumnGroups returns the candidate column sets to partition by.
	PartitioningColumnGroups() [][]string

	// PredicateColumns returns the columns the query's predicate touches.
	PredicateColumns(ref types.QueryRef) []string

	// ReferenceSelectivity returns the known selectivity of the query, or 0.
	ReferenceSelectivity(ref types.QueryRef) float64
}

// Drain consumes a stream and returns how many instances it yielded.
func Drain(ctx context.Context, s QueryStream) (int, error) {
	n := 0
	for s.Next(ctx) {
		n++
	}
	return n, s.Err()
}

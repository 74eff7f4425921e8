// Package matrix enumerates the configuration matrix of a benchmark run and
// drives one runner per configuration, partitioning once and cleaning up
// once per layout group.
package matrix

import (
	"github.com/layoutbench/layoutbench/internal/workload"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// Group is every configuration sharing one partitioner run: a layout key
// and the queries executed against it.
type Group struct {
	Key     types.LayoutKey
	Queries []workload.QueryInstance
}

// Estimate is the upfront size of a run.
type Estimate struct {
	Layouts    int
	Executions int
}

// Layouts enumerates the layout keys of one dataset in matrix order:
// scheme, then partition size, then column group. The unpartitioned scheme
// yields a single key with the first partition size and no columns.
func Layouts(dataset string, schemes []string, sizes []int, groups [][]string) []types.LayoutKey {
	var keys []types.LayoutKey
	for _, scheme := range schemes {
		if scheme == types.SchemeNone {
			if len(sizes) > 0 {
				keys = append(keys, types.LayoutKey{Dataset: dataset, Scheme: scheme, PartitionSize: sizes[0]})
			}
			continue
		}
		for _, size := range sizes {
			for _, cols := range groups {
				if len(cols) == 0 {
					continue
				}
				keys = append(keys, types.LayoutKey{
					Dataset:       dataset,
					Scheme:        scheme,
					PartitionSize: size,
					Columns:       append([]string(nil), cols...),
				})
			}
		}
	}
	return keys
}

// Plan pairs each layout key with the dataset's queries.
func Plan(keys []types.LayoutKey, queries []workload.QueryInstance) []Group {
	groups := make([]Group, 0, len(keys))
	for _, k := range keys {
		groups = append(groups, Group{Key: k, Queries: queries})
	}
	return groups
}

// Estimated sums the layouts and executions of groups.
func Estimated(groups []Group) Estimate {
	var e Estimate
	for _, g := range groups {
		e.Layouts++
		e.Executions += len(g.Queries)
	}
	return e
}

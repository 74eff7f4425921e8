package workload

import (
	"fmt"
	"sort"
	"sync"

	"github.com/layoutbench/layoutbench/internal/config"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
)

// Registry resolves dataset ids to providers. Configured workloads override
// the built-in definition of the same name field by field.
type Registry struct {
	mu         sync.Mutex
	configured map[string]config.WorkloadConfig
	paths      Paths
	deps       Deps
	providers  map[string]*FileProvider
}

// NewRegistry creates a registry. All providers share deps, including one
// row count cache.
func NewRegistry(workloads []config.WorkloadConfig, paths Paths, deps Deps) *Registry {
	if deps.Cache == nil {
		deps.Cache = NewRowCountCache()
	}
	configured := make(map[string]config.WorkloadConfig, len(workloads))
	for _, w := range workloads {
		configured[w.Name] = w
	}
	return &Registry{
		configured: configured,
		paths:      paths,
		deps:       deps,
		providers:  make(map[string]*FileProvider),
	}
}

// Get returns the provider for a dataset id.
func (r *Registry) Get(name string) (*FileProvider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	cfg, ok := r.resolve(name)
	if !ok {
		return nil, bencherrors.NewValidationError(bencherrors.CodeUnknownDataset,
			fmt.Sprintf("unknown dataset %q", name))
	}
	p := NewFileProvider(cfg, r.paths, r.deps)
	r.providers[name] = p
	return p, nil
}

// Names returns every dataset id the registry knows without scale expansion.
func (r *Registry) Names() []string {
	seen := map[string]bool{"tpch-sf1": true, "taxi": true, "osm": true}
	for name := range r.configured {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) resolve(name string) (config.WorkloadConfig, bool) {
	base, builtin := Builtin(name)
	over, configured := r.configured[name]
	switch {
	case builtin && configured:
		return Merge(base, over), true
	case builtin:
		return base, true
	case configured:
		return over, true
	}
	return config.WorkloadConfig{}, false
}

// Merge overlays the non-zero fields of over onto base.
func Merge(base, over config.WorkloadConfig) config.WorkloadConfig {
	out := base
	if over.Name != "" {
		out.Name = over.Name
	}
	if over.Family != "" {
		out.Family = over.Family
	}
	if over.TotalRows > 0 {
		out.TotalRows = over.TotalRows
	}
	if len(over.DownloadURLs) > 0 {
		out.DownloadURLs = over.DownloadURLs
	}
	if over.S3Source != nil {
		out.S3Source = over.S3Source
	}
	if over.MaterializeCommand != "" {
		out.MaterializeCommand = over.MaterializeCommand
	}
	if len(over.MaterializeParams) > 0 {
		out.MaterializeParams = over.MaterializeParams
	}
	if over.CountCommand != "" {
		out.CountCommand = over.CountCommand
	}
	if over.GeneratorCommand != "" {
		out.GeneratorCommand = over.GeneratorCommand
	}
	if len(over.Templates) > 0 {
		out.Templates = over.Templates
	}
	if over.QueriesPerTemplate > 0 {
		out.QueriesPerTemplate = over.QueriesPerTemplate
	}
	if over.MinSelectivity != 0 || over.MaxSelectivity != 0 {
		out.MinSelectivity = over.MinSelectivity
		out.MaxSelectivity = over.MaxSelectivity
	}
	if over.SelectivityDigits > 0 {
		out.SelectivityDigits = over.SelectivityDigits
	}
	if len(over.Placeholders) > 0 {
		out.Placeholders = over.Placeholders
	}
	if len(over.ValueRanges) > 0 {
		out.ValueRanges = over.ValueRanges
	}
	if over.Seed != 0 {
		out.Seed = over.Seed
	}
	if len(over.ColumnGroups) > 0 {
		out.ColumnGroups = over.ColumnGroups
	}
	if len(over.QueryColumns) > 0 {
		out.QueryColumns = over.QueryColumns
	}
	if len(over.Selectivities) > 0 {
		out.Selectivities = over.Selectivities
	}
	return out
}

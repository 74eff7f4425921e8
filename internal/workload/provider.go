package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/layoutbench/layoutbench/internal/config"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/executor"
	"github.com/layoutbench/layoutbench/internal/query/columns"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// GeneratedDirName is the folder under a workload's query folder that holds
// accepted instances.
const GeneratedDirName = "generated"

// VariantsFileName is the file in the generated folder that pins each
// instance's variant letter once it has been discovered.
const VariantsFileName = "variants.json"

// Paths locates the dataset and query trees.
type Paths struct {
	DatasetsDir string
	QueriesDir  string
	// Ext is the data file extension including the dot.
	Ext string
}

// Deps are the collaborators of a FileProvider.
type Deps struct {
	Runner executor.Runner
	// Counter overrides the configured count command when set.
	Counter    RowCounter
	Cache      *RowCountCache
	HTTPClient *http.Client
	// OpenBucket opens the S3 source of a workload; defaults to S3 storage.
	OpenBucket func(ctx context.Context, src config.S3SourceConfig) (storage.ObjectStorage, error)
	Logger     zerolog.Logger
}

func openS3Bucket(ctx context.Context, src config.S3SourceConfig) (storage.ObjectStorage, error) {
	cfg := storage.DefaultS3Config()
	if src.Region != "" {
		cfg.Region = src.Region
	}
	s3, err := storage.NewS3Storage(ctx, src.Bucket, cfg)
	if err != nil {
		return nil, err
	}
	return s3, nil
}

// FileProvider is a Provider driven entirely by a WorkloadConfig and the
// on-disk layout datasets/<id>/<scheme> and queries/<family>/generated.
type FileProvider struct {
	cfg     config.WorkloadConfig
	paths   Paths
	files   *storage.Manager
	runner  executor.Runner
	counter RowCounter
	cache   *RowCountCache
	http    *http.Client
	open    func(ctx context.Context, src config.S3SourceConfig) (storage.ObjectStorage, error)
	logger  zerolog.Logger

	variantsMu sync.Mutex
}

// NewFileProvider creates a provider for one workload.
func NewFileProvider(cfg config.WorkloadConfig, paths Paths, deps Deps) *FileProvider {
	if cfg.Family == "" {
		cfg.Family = FamilyOf(cfg.Name)
	}
	if cfg.SelectivityDigits <= 0 {
		cfg.SelectivityDigits = DefaultSelectivityDigits
	}
	if deps.Runner == nil {
		deps.Runner = executor.NewOSRunner()
	}
	if deps.Cache == nil {
		deps.Cache = NewRowCountCache()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	if deps.OpenBucket == nil {
		deps.OpenBucket = openS3Bucket
	}

	p := &FileProvider{
		cfg:     cfg,
		paths:   paths,
		files:   storage.NewManager(paths.Ext),
		runner:  deps.Runner,
		counter: deps.Counter,
		cache:   deps.Cache,
		http:    deps.HTTPClient,
		open:    deps.OpenBucket,
		logger:  deps.Logger.With().Str("dataset", cfg.Name).Logger(),
	}
	if p.counter == nil && cfg.CountCommand != "" {
		p.counter = NewCommandCounter(cfg.CountCommand, "", deps.Runner)
	}
	return p
}

// Config returns the effective workload configuration.
func (p *FileProvider) Config() config.WorkloadConfig { return p.cfg }

func (p *FileProvider) Name() string { return p.cfg.Name }

func (p *FileProvider) DatasetRoot() string {
	return filepath.Join(p.paths.DatasetsDir, p.cfg.Name)
}

func (p *FileProvider) DatasetDir(scheme string) string {
	return filepath.Join(p.DatasetRoot(), scheme)
}

// QueryDir is the folder with the family's templates and generator.
func (p *FileProvider) QueryDir() string {
	return filepath.Join(p.paths.QueriesDir, p.cfg.Family)
}

// GeneratedDir is the folder with accepted instances.
func (p *FileProvider) GeneratedDir() string {
	return filepath.Join(p.QueryDir(), GeneratedDirName)
}

func (p *FileProvider) IsDatasetReady() bool {
	n, err := p.files.CountFiles(p.DatasetDir(types.SchemeNone))
	return err == nil && n > 0
}

func (p *FileProvider) MaterializeDataset(ctx context.Context, params map[string]string) error {
	dir := p.DatasetDir(types.SchemeNone)
	if len(p.cfg.DownloadURLs) == 0 && p.cfg.S3Source == nil && p.cfg.MaterializeCommand == "" {
		return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed,
			fmt.Sprintf("dataset %s has no source to materialize from", p.cfg.Name), nil)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed, "failed to create dataset folder", err)
	}

	for _, url := range p.cfg.DownloadURLs {
		if err := p.download(ctx, url, dir); err != nil {
			return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed,
				fmt.Sprintf("failed to download %s", url), err)
		}
	}

	if p.cfg.S3Source != nil {
		if err := p.copyBucket(ctx, *p.cfg.S3Source, dir); err != nil {
			return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed,
				fmt.Sprintf("failed to copy s3://%s/%s", p.cfg.S3Source.Bucket, p.cfg.S3Source.Prefix), err)
		}
	}

	if p.cfg.MaterializeCommand != "" {
		line := p.expand(p.cfg.MaterializeCommand, dir, params)
		p.logger.Info().Str("command", line).Msg("Materializing dataset")
		out, err := p.runner.Run(ctx, executor.Command{
			Name: "sh",
			Args: []string{"-c", line},
			Dir:  dir,
		})
		if err != nil {
			return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed, "materialize command failed to run", err)
		}
		if !out.Success() {
			return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed,
				fmt.Sprintf("materialize command exited with %d", out.ExitCode), nil).
				WithDetails(map[string]interface{}{"stderr": strings.TrimSpace(string(out.Stderr))})
		}
	}

	if !p.IsDatasetReady() {
		return bencherrors.NewAcquisitionError(bencherrors.CodeDatasetFailed,
			fmt.Sprintf("no %s files in %s after materialization", p.paths.Ext, dir), nil)
	}
	p.logger.Info().Str("dir", dir).Msg("Dataset ready")
	return nil
}

// expand substitutes {dir}, {id} and every {param} in a command line.
// Call params override configured ones.
func (p *FileProvider) expand(line, dir string, params map[string]string) string {
	merged := make(map[string]string, len(p.cfg.MaterializeParams)+len(params))
	for k, v := range p.cfg.MaterializeParams {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	if scale, ok := ScaleFactor(p.cfg.Name); ok {
		if _, set := merged["scale"]; !set {
			merged["scale"] = scale
		}
	}
	merged["dir"] = dir
	merged["id"] = p.cfg.Name

	for k, v := range merged {
		line = strings.ReplaceAll(line, "{"+k+"}", v)
	}
	return line
}

func (p *FileProvider) download(ctx context.Context, url, dir string) error {
	dest := filepath.Join(dir, path.Base(url))
	if _, err := os.Stat(dest); err == nil {
		p.logger.Debug().Str("file", dest).Msg("Already downloaded")
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	tmp := dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	p.logger.Info().Str("url", url).Int64("bytes", n).Msg("Downloaded")
	return os.Rename(tmp, dest)
}

// copyBucket downloads every object under the source prefix. Objects
// without the data extension get it appended so the engine's glob sees them.
func (p *FileProvider) copyBucket(ctx context.Context, src config.S3SourceConfig, dir string) error {
	bucket, err := p.open(ctx, src)
	if err != nil {
		return err
	}
	keys, err := bucket.ListObjects(ctx, src.Prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		name := path.Base(key)
		if filepath.Ext(name) != p.paths.Ext {
			name += p.paths.Ext
		}
		dest := filepath.Join(dir, name)
		if _, err := os.Stat(dest); err == nil {
			continue
		}
		if err := bucket.Download(ctx, key, dest); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	p.logger.Info().Str("bucket", src.Bucket).Int("objects", len(keys)).Msg("Copied dataset objects")
	return nil
}

func (p *FileProvider) IsQueryWorkloadReady() bool {
	qs, err := p.Queries()
	return err == nil && len(qs) > 0
}

func (p *FileProvider) GenerateQueries(ctx context.Context) (QueryStream, error) {
	if p.counter == nil {
		return nil, bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
			fmt.Sprintf("workload %s has no count command", p.cfg.Name), nil)
	}
	if len(p.cfg.Templates) == 0 || p.cfg.QueriesPerTemplate <= 0 {
		return nil, bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
			fmt.Sprintf("workload %s has no templates to generate", p.cfg.Name), nil)
	}

	total, err := p.TotalRows(ctx)
	if err != nil {
		return nil, bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed, "failed to count dataset rows", err)
	}
	if total <= 0 {
		return nil, bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed,
			fmt.Sprintf("dataset %s is empty", p.cfg.Name), nil)
	}

	if err := os.MkdirAll(p.GeneratedDir(), 0755); err != nil {
		return nil, bencherrors.NewAcquisitionError(bencherrors.CodeQueriesFailed, "failed to create generated folder", err)
	}

	var next candidateSource
	if p.cfg.GeneratorCommand != "" {
		next = commandSource(p.cfg.GeneratorCommand, p.QueryDir(), p.runner)
	} else {
		next = templateSource(p.QueryDir(), NewFiller(p.cfg.Placeholders, p.cfg.ValueRanges, p.cfg.Seed))
	}

	p.logger.Info().
		Strs("templates", p.cfg.Templates).
		Int("per_template", p.cfg.QueriesPerTemplate).
		Float64("min", p.cfg.MinSelectivity).
		Float64("max", p.cfg.MaxSelectivity).
		Msg("Generating queries")

	return &generationStream{
		cfg:     p.cfg,
		dir:     p.GeneratedDir(),
		total:   total,
		digits:  p.cfg.SelectivityDigits,
		next:    next,
		rewrite: unpartitionedRewrite(p.DatasetDir(types.SchemeNone), p.paths.Ext),
		counter: p.counter,
		refOf:   p.refOf,
		logger:  p.logger,
	}, nil
}

// Queries lists the generated instances. Variant letters handed out here
// are pinned in VariantsFileName, so adding instances later never renames
// the ones already listed.
func (p *FileProvider) Queries() ([]QueryInstance, error) {
	p.variantsMu.Lock()
	defer p.variantsMu.Unlock()

	entries, err := os.ReadDir(p.GeneratedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}

	pinned := p.loadVariants()
	qs := AssignVariants(p.GeneratedDir(), names, pinned)
	p.saveVariants(qs, pinned)
	return qs, nil
}

func (p *FileProvider) loadVariants() map[string]string {
	path := filepath.Join(p.GeneratedDir(), VariantsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			p.logger.Warn().Err(err).Str("path", path).Msg("Cannot read pinned variants")
		}
		return nil
	}
	var pinned map[string]string
	if err := json.Unmarshal(data, &pinned); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Ignoring malformed pinned variants")
		return nil
	}
	return pinned
}

func (p *FileProvider) saveVariants(qs []QueryInstance, old map[string]string) {
	pinned := make(map[string]string, len(qs))
	for _, q := range qs {
		if _, _, ok := ParseInstanceName(q.Path); ok {
			pinned[filepath.Base(q.Path)] = q.Ref.Variant
		}
	}
	if maps.Equal(pinned, old) {
		return
	}
	data, err := json.MarshalIndent(pinned, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(p.GeneratedDir(), VariantsFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Cannot pin variants")
	}
}

func (p *FileProvider) refOf(path string) (types.QueryRef, bool) {
	qs, err := p.Queries()
	if err != nil {
		return types.QueryRef{}, false
	}
	for _, q := range qs {
		if q.Path == path {
			return q.Ref, true
		}
	}
	return types.QueryRef{}, false
}

// Query returns the persisted instance for ref.
func (p *FileProvider) Query(ref types.QueryRef) (QueryInstance, bool) {
	qs, err := p.Queries()
	if err != nil {
		return QueryInstance{}, false
	}
	for _, q := range qs {
		if q.Ref == ref {
			return q, true
		}
	}
	return QueryInstance{}, false
}

func (p *FileProvider) TotalRows(ctx context.Context) (int64, error) {
	if p.cfg.TotalRows > 0 {
		return p.cfg.TotalRows, nil
	}
	return p.cache.Get(ctx, p.cfg.Name, func(ctx context.Context) (int64, error) {
		if p.counter == nil {
			return 0, fmt.Errorf("workload %s has no count command", p.cfg.Name)
		}
		sql := "SELECT * FROM " + p.sourceOf(types.SchemeNone)
		n, err := p.counter.Count(ctx, sql)
		if err != nil {
			return 0, err
		}
		p.logger.Info().Int64("rows", n).Msg("Counted dataset rows")
		return n, nil
	})
}

func (p *FileProvider) sourceOf(scheme string) string {
	return fmt.Sprintf("read_parquet('%s/*%s')", p.DatasetDir(scheme), p.paths.Ext)
}

func (p *FileProvider) PartitioningColumnGroups() [][]string {
	out := make([][]string, len(p.cfg.ColumnGroups))
	for i, g := range p.cfg.ColumnGroups {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// PredicateColumns prefers the configured per-template list and falls back
// to scanning the instance's WHERE clause.
func (p *FileProvider) PredicateColumns(ref types.QueryRef) []string {
	if cols, ok := p.cfg.QueryColumns[ref.TemplateID]; ok {
		return append([]string(nil), cols...)
	}
	inst, ok := p.Query(ref)
	if !ok {
		return nil
	}
	data, err := os.ReadFile(inst.Path)
	if err != nil {
		p.logger.Warn().Err(err).Str("query", ref.ID()).Msg("Failed to read query for predicate columns")
		return nil
	}
	return columns.FromWhere(string(data))
}

// ReferenceSelectivity prefers the configured value and falls back to the
// selectivity encoded in the instance's file name.
func (p *FileProvider) ReferenceSelectivity(ref types.QueryRef) float64 {
	if s, ok := p.cfg.Selectivities[ref.ID()]; ok {
		return s
	}
	if inst, ok := p.Query(ref); ok {
		return inst.Selectivity
	}
	return 0
}

package workload

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layoutbench/layoutbench/internal/config"
	bencherrors "github.com/layoutbench/layoutbench/internal/errors"
	"github.com/layoutbench/layoutbench/internal/storage"
	"github.com/layoutbench/layoutbench/pkg/types"
)

// fakeCounter answers total-row queries with total and every other query
// with the next value of rows.
type fakeCounter struct {
	mu      sync.Mutex
	total   int64
	rows    []int64
	queries []string
	totals  int
}

func (c *fakeCounter) Count(_ context.Context, sql string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !strings.Contains(strings.ToUpper(sql), "WHERE") {
		c.totals++
		return c.total, nil
	}
	c.queries = append(c.queries, sql)
	if len(c.rows) == 0 {
		return 0, nil
	}
	n := c.rows[0]
	c.rows = c.rows[1:]
	return n, nil
}

func testPaths(root string) Paths {
	return Paths{
		DatasetsDir: filepath.Join(root, "datasets"),
		QueriesDir:  filepath.Join(root, "queries"),
		Ext:         ".parquet",
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func taxiLike() config.WorkloadConfig {
	return config.WorkloadConfig{
		Name:               "taxi",
		Templates:          []string{"1"},
		QueriesPerTemplate: 4,
		MinSelectivity:     0.001,
		MaxSelectivity:     5,
		Placeholders:       map[string]string{"1": "PULocationID", "2": "PULocationID"},
		ValueRanges:        map[string]config.ValueRange{"PULocationID": {Min: 1, Max: 265}},
		Seed:               7,
	}
}

func TestFileProvider_Layout(t *testing.T) {
	root := t.TempDir()
	p := NewFileProvider(config.WorkloadConfig{Name: "tpch-sf1"}, testPaths(root), Deps{Logger: zerolog.Nop()})

	assert.Equal(t, "tpch-sf1", p.Name())
	assert.Equal(t, filepath.Join(root, "datasets", "tpch-sf1"), p.DatasetRoot())
	assert.Equal(t, filepath.Join(root, "datasets", "tpch-sf1", "kd-tree"), p.DatasetDir(types.SchemeKDTree))
	assert.Equal(t, filepath.Join(root, "queries", "tpch", "generated"), p.GeneratedDir())
	assert.False(t, p.IsDatasetReady())
	assert.False(t, p.IsQueryWorkloadReady())
}

func TestGenerateQueries_FromTemplate(t *testing.T) {
	root := t.TempDir()
	paths := testPaths(root)
	writeFile(t, filepath.Join(paths.QueriesDir, "taxi", "1.sql"),
		"SELECT * FROM trips WHERE PULocationID BETWEEN ':1' AND ':2';")

	// 1%, 0%, 2%, 90% of 1000 rows
	counter := &fakeCounter{total: 1000, rows: []int64{10, 0, 20, 900}}
	p := NewFileProvider(taxiLike(), paths, Deps{Counter: counter, Logger: zerolog.Nop()})

	stream, err := p.GenerateQueries(context.Background())
	require.NoError(t, err)

	var got []QueryInstance
	for stream.Next(context.Background()) {
		got = append(got, stream.Instance())
	}
	require.NoError(t, stream.Err())
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Selectivity)
	assert.Equal(t, "1a", got[0].Ref.ID())
	assert.Equal(t, 2.0, got[1].Selectivity)
	assert.Equal(t, "1b", got[1].Ref.ID())

	// exhausted streams stay exhausted
	assert.False(t, stream.Next(context.Background()))

	require.Len(t, counter.queries, 4)
	for _, q := range counter.queries {
		assert.NotContains(t, q, "':1'")
		assert.Contains(t, q, "read_parquet('"+filepath.Join(paths.DatasetsDir, "taxi", "no-partition")+"/*.parquet')")
	}

	qs, err := p.Queries()
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "1a", qs[0].Ref.ID())
	assert.Equal(t, filepath.Join(p.GeneratedDir(), "1_1.sql"), qs[0].Path)
	assert.Equal(t, "1b", qs[1].Ref.ID())
	assert.True(t, p.IsQueryWorkloadReady())
}

func TestGenerateQueries_FromGeneratorCommand(t *testing.T) {
	root := t.TempDir()
	paths := testPaths(root)
	require.NoError(t, os.MkdirAll(filepath.Join(paths.QueriesDir, "tpch"), 0755))

	cfg := config.WorkloadConfig{
		Name:               "tpch-sf1",
		GeneratorCommand:   `echo "select * from lineitem where l_quantity < {template};"`,
		Templates:          []string{"6"},
		QueriesPerTemplate: 1,
		MinSelectivity:     0,
		MaxSelectivity:     50,
	}
	counter := &fakeCounter{total: 100, rows: []int64{5}}
	p := NewFileProvider(cfg, paths, Deps{Counter: counter, Logger: zerolog.Nop()})

	stream, err := p.GenerateQueries(context.Background())
	require.NoError(t, err)
	n, err := Drain(context.Background(), stream)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	data, err := os.ReadFile(filepath.Join(p.GeneratedDir(), "6_5.sql"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "FROM read_parquet(")
	assert.Contains(t, string(data), "l_quantity < 6;")
	assert.NotContains(t, string(data), "lineitem")
}

func TestGenerateQueries_VariantsStableAcrossRuns(t *testing.T) {
	root := t.TempDir()
	paths := testPaths(root)
	writeFile(t, filepath.Join(paths.QueriesDir, "taxi", "1.sql"),
		"SELECT * FROM trips WHERE PULocationID BETWEEN ':1' AND ':2';")
	cfg := taxiLike()
	cfg.QueriesPerTemplate = 1

	generate := func(rows int64) QueryInstance {
		counter := &fakeCounter{total: 1000, rows: []int64{rows}}
		p := NewFileProvider(cfg, paths, Deps{Counter: counter, Logger: zerolog.Nop()})
		stream, err := p.GenerateQueries(context.Background())
		require.NoError(t, err)
		require.True(t, stream.Next(context.Background()))
		return stream.Instance()
	}

	first := generate(20)
	assert.Equal(t, "1a", first.Ref.ID())

	// a lower selectivity arriving later still takes the next letter
	second := generate(10)
	assert.Equal(t, "1b", second.Ref.ID())

	p := NewFileProvider(cfg, paths, Deps{Logger: zerolog.Nop()})
	qs, err := p.Queries()
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, first, qs[0])
	assert.Equal(t, second, qs[1])

	q, ok := p.Query(types.QueryRef{TemplateID: "1", Variant: "a"})
	require.True(t, ok)
	assert.Equal(t, filepath.Join(p.GeneratedDir(), "1_2.sql"), q.Path)
}

func TestGenerateQueries_Errors(t *testing.T) {
	root := t.TempDir()

	p := NewFileProvider(taxiLike(), testPaths(root), Deps{Logger: zerolog.Nop()})
	_, err := p.GenerateQueries(context.Background())
	require.Error(t, err)
	assert.Equal(t, bencherrors.CodeQueriesFailed, bencherrors.GetCode(err))

	empty := NewFileProvider(taxiLike(), testPaths(root), Deps{Counter: &fakeCounter{}, Logger: zerolog.Nop()})
	_, err = empty.GenerateQueries(context.Background())
	require.Error(t, err)
	assert.Equal(t, bencherrors.ErrCategoryAcquisition, bencherrors.GetCategory(err))
}

func TestGenerateQueries_CanceledStopsStream(t *testing.T) {
	root := t.TempDir()
	paths := testPaths(root)
	writeFile(t, filepath.Join(paths.QueriesDir, "taxi", "1.sql"), "SELECT * FROM t WHERE a > ':1'")

	p := NewFileProvider(taxiLike(), paths, Deps{Counter: &fakeCounter{total: 10}, Logger: zerolog.Nop()})
	stream, err := p.GenerateQueries(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, stream.Next(ctx))
	assert.Error(t, stream.Err())
}

func TestGenerateQueries_MissingTemplateSkipsCandidates(t *testing.T) {
	root := t.TempDir()
	p := NewFileProvider(taxiLike(), testPaths(root), Deps{Counter: &fakeCounter{total: 10}, Logger: zerolog.Nop()})

	stream, err := p.GenerateQueries(context.Background())
	require.NoError(t, err)
	n, err := Drain(context.Background(), stream)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTotalRows_CachedAndConfigured(t *testing.T) {
	root := t.TempDir()
	counter := &fakeCounter{total: 123}
	p := NewFileProvider(config.WorkloadConfig{Name: "osm"}, testPaths(root), Deps{Counter: counter, Logger: zerolog.Nop()})

	for i := 0; i < 3; i++ {
		n, err := p.TotalRows(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(123), n)
	}
	assert.Equal(t, 1, counter.totals)

	fixed := NewFileProvider(config.WorkloadConfig{Name: "osm", TotalRows: 9}, testPaths(root), Deps{Logger: zerolog.Nop()})
	n, err := fixed.TotalRows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	none := NewFileProvider(config.WorkloadConfig{Name: "x"}, testPaths(root), Deps{Logger: zerolog.Nop()})
	_, err = none.TotalRows(context.Background())
	assert.Error(t, err)
}

func TestReferenceFacts(t *testing.T) {
	root := t.TempDir()
	cfg := config.WorkloadConfig{
		Name:          "custom",
		QueryColumns:  map[string][]string{"1": {"a", "b"}},
		Selectivities: map[string]float64{"1a": 0.5},
		ColumnGroups:  [][]string{{"a", "b"}},
	}
	p := NewFileProvider(cfg, testPaths(root), Deps{Logger: zerolog.Nop()})
	writeFile(t, filepath.Join(p.GeneratedDir(), "2_0.75.sql"), "SELECT * FROM t WHERE x > 1 AND y < 2")

	assert.Equal(t, []string{"a", "b"}, p.PredicateColumns(types.QueryRef{TemplateID: "1", Variant: "a"}))
	assert.Equal(t, []string{"x", "y"}, p.PredicateColumns(types.QueryRef{TemplateID: "2", Variant: "a"}))
	assert.Nil(t, p.PredicateColumns(types.QueryRef{TemplateID: "9", Variant: "a"}))

	assert.Equal(t, 0.5, p.ReferenceSelectivity(types.QueryRef{TemplateID: "1", Variant: "a"}))
	assert.Equal(t, 0.75, p.ReferenceSelectivity(types.QueryRef{TemplateID: "2", Variant: "a"}))
	assert.Equal(t, 0.0, p.ReferenceSelectivity(types.QueryRef{TemplateID: "9", Variant: "z"}))

	groups := p.PartitioningColumnGroups()
	groups[0][0] = "mutated"
	assert.Equal(t, "a", p.PartitioningColumnGroups()[0][0])
}

func TestMaterializeDataset_Download(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/missing.parquet" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("PAR1"))
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := config.WorkloadConfig{Name: "taxi", DownloadURLs: []string{srv.URL + "/yellow_2018-01.parquet"}}
	p := NewFileProvider(cfg, testPaths(root), Deps{Logger: zerolog.Nop()})

	require.NoError(t, p.MaterializeDataset(context.Background(), nil))
	assert.True(t, p.IsDatasetReady())
	assert.FileExists(t, filepath.Join(p.DatasetDir(types.SchemeNone), "yellow_2018-01.parquet"))

	require.NoError(t, p.MaterializeDataset(context.Background(), nil))
	assert.Equal(t, 1, hits)

	bad := NewFileProvider(config.WorkloadConfig{Name: "bad", DownloadURLs: []string{srv.URL + "/missing.parquet"}},
		testPaths(root), Deps{Logger: zerolog.Nop()})
	err := bad.MaterializeDataset(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, bencherrors.CodeDatasetFailed, bencherrors.GetCode(err))
}

func TestMaterializeDataset_Bucket(t *testing.T) {
	root := t.TempDir()
	bucketDir := filepath.Join(root, "bucket")
	writeFile(t, filepath.Join(bucketDir, "parquet", "type=node", "part-0001"), "PAR1")
	writeFile(t, filepath.Join(bucketDir, "parquet", "type=node", "part-0002.parquet"), "PAR1")

	cfg := config.WorkloadConfig{
		Name:     "osm",
		S3Source: &config.S3SourceConfig{Bucket: "daylight", Prefix: "parquet/type=node"},
	}
	var opened string
	p := NewFileProvider(cfg, testPaths(root), Deps{
		Logger: zerolog.Nop(),
		OpenBucket: func(_ context.Context, src config.S3SourceConfig) (storage.ObjectStorage, error) {
			opened = src.Bucket
			return storage.NewLocalStorage(bucketDir)
		},
	})

	require.NoError(t, p.MaterializeDataset(context.Background(), nil))
	assert.Equal(t, "daylight", opened)
	dir := p.DatasetDir(types.SchemeNone)
	assert.FileExists(t, filepath.Join(dir, "part-0001.parquet"))
	assert.FileExists(t, filepath.Join(dir, "part-0002.parquet"))
}

func TestMaterializeDataset_Command(t *testing.T) {
	root := t.TempDir()
	cfg := config.WorkloadConfig{
		Name:               "tpch-sf3",
		MaterializeCommand: "touch {dir}/{id}-{scale}-{flavor}.parquet",
		MaterializeParams:  map[string]string{"flavor": "plain"},
	}
	p := NewFileProvider(cfg, testPaths(root), Deps{Logger: zerolog.Nop()})

	require.NoError(t, p.MaterializeDataset(context.Background(), map[string]string{"flavor": "joined"}))
	assert.FileExists(t, filepath.Join(p.DatasetDir(types.SchemeNone), "tpch-sf3-3-joined.parquet"))

	failing := NewFileProvider(config.WorkloadConfig{Name: "f", MaterializeCommand: "exit 3"},
		testPaths(root), Deps{Logger: zerolog.Nop()})
	err := failing.MaterializeDataset(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, bencherrors.CodeDatasetFailed, bencherrors.GetCode(err))

	none := NewFileProvider(config.WorkloadConfig{Name: "none"}, testPaths(root), Deps{Logger: zerolog.Nop()})
	assert.Error(t, none.MaterializeDataset(context.Background(), nil))
}

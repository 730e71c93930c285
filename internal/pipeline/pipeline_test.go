package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/adapters/datasource"
	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/process"
)

var _ Store = (*datasource.DataSource)(nil)

// fakeStore records the calls of the built-in processes.
type fakeStore struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeStore) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeStore) ExecuteScript(_ context.Context, r io.Reader) (int, error) {
	b, _ := io.ReadAll(r)
	return 1, f.record("sql " + string(b))
}

func (f *fakeStore) Load(_ context.Context, path, table string, opts domain.LoadOptions) (string, int64, error) {
	if table == "" {
		table = domain.TableNameFromPath(path)
	}
	return table, 10, f.record("load " + path + " " + table)
}

func (f *fakeStore) Save(_ context.Context, table, path string, _ domain.SaveOptions) (int64, error) {
	return 10, f.record("save " + table + " " + path)
}

func (f *fakeStore) Reproject(_ context.Context, table string, _ int, target string) error {
	return f.record("reproject " + table + " " + target)
}

func (f *fakeStore) CreateSpatialIndex(_ context.Context, table string) error {
	return f.record("index " + table)
}

func (f *fakeStore) Summary(_ context.Context, name string) (*domain.TableSummary, error) {
	return &domain.TableSummary{Name: name, RowCount: 10}, f.record("summary " + name)
}

const communesPipeline = `
name: communes
inputs:
  srid: 2154
steps:
  - id: load
    process: load
    with:
      path: data/communes.geojson
  - id: l93
    process: reproject
    with:
      srid: $srid
    links:
      table: load.table
  - id: index
    process: spatial-index
    links:
      table: l93.table
  - id: export
    process: save
    with:
      path: out/communes.shp
      delete: true
    links:
      table: index.table
outputs:
  table: l93.table
  rows: export.rows
`

func TestParseAndRun(t *testing.T) {
	def, err := Parse(strings.NewReader(communesPipeline))
	require.NoError(t, err)
	assert.Equal(t, "communes", def.Name)
	require.Len(t, def.Steps, 4)

	store := &fakeStore{}
	p, err := Compile(def, NewLibrary(), store, nil)
	require.NoError(t, err)
	assert.Equal(t, "communes", p.Name())

	var inputs []string
	for _, in := range p.Inputs() {
		inputs = append(inputs, in.Name)
	}
	assert.Equal(t, []string{"srid"}, inputs)

	out, err := p.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, process.Values{"table": "communes_2154", "rows": int64(10)}, out)
	assert.Equal(t, []string{
		"load data/communes.geojson communes",
		"reproject communes communes_2154",
		"index communes_2154",
		"save communes_2154 out/communes.shp",
	}, store.calls)

	res, err := p.StepResults("load")
	require.NoError(t, err)
	assert.Equal(t, "communes", res["table"])

	_, err = p.StepResults("missing")
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestRunOverridesInputs(t *testing.T) {
	def, err := Parse(strings.NewReader(communesPipeline))
	require.NoError(t, err)
	store := &fakeStore{}
	p, err := Compile(def, NewLibrary(), store, nil)
	require.NoError(t, err)

	out, err := p.Run(context.Background(), process.Values{"srid": 32631})
	require.NoError(t, err)
	assert.Equal(t, "communes_32631", out["table"])
}

func TestRunFailure(t *testing.T) {
	def, err := Parse(strings.NewReader(communesPipeline))
	require.NoError(t, err)
	store := &fakeStore{err: domain.ErrUnsupported}
	p, err := Compile(def, NewLibrary(), store, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background(), nil)
	var pe *domain.ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "load", pe.Process)
	assert.ErrorIs(t, err, domain.ErrUnsupported)
	assert.Len(t, store.calls, 1)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = Parse(strings.NewReader("name: x\nunknown: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{"no steps", "name: empty\n", domain.ErrInvalidInput},
		{"unknown process", "steps:\n  - id: a\n    process: buffer\n", domain.ErrProcessNotFound},
		{"duplicate id", "steps:\n  - id: a\n    process: sql\n  - id: a\n    process: sql\n", domain.ErrInvalidInput},
		{"bad link", "steps:\n  - id: a\n    process: summary\n    links: {table: nowhere}\n", domain.ErrInvalidInput},
		{"unknown step", "steps:\n  - id: a\n    process: summary\n    links: {table: b.table}\n", domain.ErrPortNotFound},
		{"unknown port", "steps:\n  - id: a\n    process: load\n  - id: b\n    process: summary\n    links: {table: a.nope}\n", domain.ErrPortNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse(strings.NewReader(tt.yaml))
			require.NoError(t, err)
			_, err = Compile(def, NewLibrary(), &fakeStore{}, nil)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLibrary(t *testing.T) {
	lib := NewLibrary()
	assert.Equal(t, []string{"load", "reproject", "save", "spatial-index", "sql", "summary"}, lib.Names())

	lib.Register("noop", func(title string, _ Store) (*process.Process, error) {
		return process.New(title, func(context.Context, process.Values) (process.Values, error) {
			return process.Values{}, nil
		})
	})
	assert.True(t, lib.Has("noop"))

	_, err := lib.New("buffer", "b", &fakeStore{})
	assert.ErrorIs(t, err, domain.ErrProcessNotFound)
}

func TestRunAgainstDataSource(t *testing.T) {
	dir := t.TempDir()
	ds, err := datasource.Open(context.Background(), datasource.Config{
		Dialect: datasource.DialectSpatiaLite,
		Path:    filepath.Join(dir, "pipeline.db"),
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	csvPath := filepath.Join(dir, "stops.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("id,name\n1,Gare\n2,Port\n"), 0o600))
	pipelinePath := filepath.Join(dir, "stops.yaml")
	require.NoError(t, os.WriteFile(pipelinePath, []byte(`
steps:
  - id: load
    process: load
    with:
      path: $path
  - id: clean
    process: sql
    with:
      query: "DELETE FROM stops WHERE name = 'Port';"
  - id: describe
    process: summary
    links:
      table: load.table
outputs:
  rows: describe.rows
`), 0o600))

	def, err := ParseFile(pipelinePath)
	require.NoError(t, err)
	assert.Equal(t, "stops", def.Name)

	p, err := Compile(def, NewLibrary(), ds, nil)
	require.NoError(t, err)

	// load and clean share the first level and run in step order
	out, err := p.Run(context.Background(), process.Values{"path": csvPath})
	require.NoError(t, err)
	assert.Equal(t, process.Values{"rows": int64(1)}, out)
}

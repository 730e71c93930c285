package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
	"github.com/orbisgis/orbisdata/internal/query"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// mockStore implements output.SpatialStore for testing.
type mockStore struct {
	mu       sync.Mutex
	pingErr  error
	loadErr  error
	indexErr error
	tables   map[string]*domain.TableSummary
	rows     map[string][]domain.Row
	features map[string]*geojson.FeatureCollection
	loadRows int64
	loaded   []string
	dropped  []string
	indexed  []string
	lastOpts query.Options
}

func newMockStore() *mockStore {
	return &mockStore{
		tables:   make(map[string]*domain.TableSummary),
		rows:     make(map[string][]domain.Row),
		features: make(map[string]*geojson.FeatureCollection),
		loadRows: 3,
	}
}

func (m *mockStore) Ping(_ context.Context) error { return m.pingErr }

func (m *mockStore) DialectName() string { return "mock" }

func (m *mockStore) TableNames(_ context.Context, _ string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.tables {
		names = append(names, name)
	}
	return names, nil
}

func (m *mockStore) HasTable(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tables[strings.ToUpper(name)]
	return ok, nil
}

func (m *mockStore) Summary(_ context.Context, name string) (*domain.TableSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum, ok := m.tables[strings.ToUpper(name)]
	if !ok {
		return nil, domain.ErrTableNotFound
	}
	out := *sum
	return &out, nil
}

func (m *mockStore) Filter(_ context.Context, name string, opts query.Options) ([]domain.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts = opts
	rows := m.rows[strings.ToUpper(name)]
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

func (m *mockStore) Features(_ context.Context, name string, opts query.Options) (*geojson.FeatureCollection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts = opts
	src := m.features[strings.ToUpper(name)]
	fc := geojson.NewFeatureCollection()
	for _, f := range src.Features {
		if opts.Limit > 0 && len(fc.Features) == opts.Limit {
			break
		}
		c := *f
		fc.Append(&c)
	}
	return fc, nil
}

func (m *mockStore) Load(_ context.Context, path, table string, _ domain.LoadOptions) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return "", 0, m.loadErr
	}
	m.loaded = append(m.loaded, path)
	m.tables[strings.ToUpper(table)] = &domain.TableSummary{Name: table, RowCount: m.loadRows}
	return table, m.loadRows, nil
}

func (m *mockStore) LoadReader(_ context.Context, _ io.Reader, _ domain.FileFormat, _ string, _ domain.LoadOptions) (int64, error) {
	return 0, errors.New("not implemented")
}

func (m *mockStore) CreateSpatialIndex(_ context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, table)
	return m.indexErr
}

func (m *mockStore) DropTable(_ context.Context, names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.tables, strings.ToUpper(n))
		m.dropped = append(m.dropped, n)
	}
	return nil
}

// mockStorage implements output.ObjectStorage for testing.
type mockStorage struct {
	mu          sync.Mutex
	objects     []output.StorageObject
	downloadErr error
	listErr     error
	downloads   []string
}

func (m *mockStorage) List(_ context.Context) ([]output.StorageObject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]output.StorageObject(nil), m.objects...), nil
}

func (m *mockStorage) Download(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads = append(m.downloads, key)
	return m.downloadErr
}

func (m *mockStorage) GetReader(_ context.Context, _ string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}

func (m *mockStorage) Exists(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (m *mockStorage) set(objects ...output.StorageObject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects = objects
}

// mockTransformer implements output.GeometryTransformer for testing. It
// shifts points by the target SRID.
type mockTransformer struct {
	shouldFail bool
}

func (m *mockTransformer) Transform(_ context.Context, geom orb.Geometry, _, targetSRID int) (orb.Geometry, error) {
	if m.shouldFail {
		return nil, domain.ErrInvalidSRID
	}
	if p, ok := geom.(orb.Point); ok {
		return orb.Point{p[0] + float64(targetSRID), p[1]}, nil
	}
	return geom, nil
}

func (m *mockTransformer) IsSupported(_ context.Context, _, _ int) bool {
	return !m.shouldFail
}

// mockMetrics records the catalog gauges.
type mockMetrics struct {
	output.NoOpMetrics
	mu       sync.Mutex
	loaded   int
	ready    int
	imported map[string]int
}

func (m *mockMetrics) SetTablesLoaded(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = n
}

func (m *mockMetrics) SetTablesReady(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = n
}

func (m *mockMetrics) IncFilesImported(format string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.imported == nil {
		m.imported = make(map[string]int)
	}
	key := format + ":ok"
	if !success {
		key = format + ":error"
	}
	m.imported[key]++
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/application"
	"github.com/orbisgis/orbisdata/internal/config"
	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/input"
	"github.com/orbisgis/orbisdata/internal/query"
)

// mockQueryService implements input.QueryService for testing.
type mockQueryService struct {
	tables   []domain.TableSummary
	rows     *input.RowsResult
	features *geojson.FeatureCollection
	err      error

	lastTable string
	lastOpts  query.Options
	lastSRID  int
}

func (m *mockQueryService) ListTables(_ context.Context) ([]domain.TableSummary, error) {
	return m.tables, m.err
}

func (m *mockQueryService) DescribeTable(_ context.Context, table string) (*domain.TableSummary, error) {
	if m.err != nil {
		return nil, m.err
	}
	for i := range m.tables {
		if strings.EqualFold(m.tables[i].Name, table) {
			return &m.tables[i], nil
		}
	}
	return nil, domain.ErrTableNotFound
}

func (m *mockQueryService) Rows(_ context.Context, table string, opts query.Options) (*input.RowsResult, error) {
	m.lastTable, m.lastOpts = table, opts
	if m.err != nil {
		return nil, m.err
	}
	return m.rows, nil
}

func (m *mockQueryService) Features(_ context.Context, table string, opts query.Options, srid int) (*geojson.FeatureCollection, error) {
	m.lastTable, m.lastOpts, m.lastSRID = table, opts, srid
	if m.err != nil {
		return nil, m.err
	}
	return m.features, nil
}

// mockCatalog implements input.Catalog for testing.
type mockCatalog struct {
	entries []domain.CatalogEntry
}

func (m *mockCatalog) List(_ context.Context) ([]domain.CatalogEntry, error) {
	return m.entries, nil
}

func (m *mockCatalog) Get(_ context.Context, table string) (*domain.CatalogEntry, error) {
	for i := range m.entries {
		if strings.EqualFold(m.entries[i].Table, table) {
			return &m.entries[i], nil
		}
	}
	return nil, domain.ErrTableNotFound
}

// mockHealthService implements input.HealthChecker for testing.
type mockHealthService struct {
	healthy bool
	ready   bool
}

func (m *mockHealthService) IsHealthy(_ context.Context) bool { return m.healthy }

func (m *mockHealthService) IsReady(_ context.Context) bool { return m.ready }

func (m *mockHealthService) GetHealthDetails(_ context.Context) input.HealthDetails {
	return input.HealthDetails{
		Healthy:      m.healthy,
		Ready:        m.ready,
		TablesLoaded: 2,
		TablesReady:  1,
		Components:   map[string]string{"datasource": "ok (spatialite)"},
	}
}

// mockSyncer implements Syncer for testing.
type mockSyncer struct {
	result application.SyncResult
	err    error
}

func (m *mockSyncer) TriggerSync(_ context.Context) (application.SyncResult, error) {
	return m.result, m.err
}

func testTables() []domain.TableSummary {
	return []domain.TableSummary{
		{
			Name:     "COMMUNES",
			RowCount: 35,
			Columns: []domain.Column{
				{Name: "ID", Type: domain.TypeInteger},
				{Name: "THE_GEOM", Type: domain.TypeGeometry},
			},
			GeometryColumns: []domain.GeometryColumn{{Name: "THE_GEOM", GeometryType: domain.GeomMultiPolygon, SRID: 2154}},
			Extent:          &domain.Extent{MinX: 1, MinY: 2, MaxX: 3, MaxY: 4},
		},
		{
			Name:     "CODES",
			RowCount: 3,
			Columns: []domain.Column{
				{Name: "CODE", Type: domain.TypeVarchar},
				{Name: "LABEL", Type: domain.TypeVarchar},
			},
		},
	}
}

type testDeps struct {
	query   *mockQueryService
	catalog *mockCatalog
	health  *mockHealthService
	sync    *mockSyncer
}

func newTestDeps() *testDeps {
	return &testDeps{
		query:   &mockQueryService{tables: testTables()},
		catalog: &mockCatalog{},
		health:  &mockHealthService{healthy: true, ready: true},
		sync:    &mockSyncer{},
	}
}

func newTestServer(d *testDeps, cfg config.ServerConfig) *Server {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewServer(cfg, d.query, d.catalog, d.health, d.sync, logger)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		healthy    bool
		wantStatus int
		wantBody   string
	}{
		{"healthy", true, http.StatusOK, "ok"},
		{"unhealthy", false, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			d.health.healthy = tt.healthy
			rr := serve(newTestServer(d, config.ServerConfig{}), http.MethodGet, "/health")

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			body := decode(t, rr)
			if body["status"] != tt.wantBody {
				t.Errorf("status field = %v, want %s", body["status"], tt.wantBody)
			}
			if body["tables_loaded"] != float64(2) || body["tables_ready"] != float64(1) {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestHandleProbes(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		healthy    bool
		ready      bool
		wantStatus int
	}{
		{"live", "/health/live", true, false, http.StatusOK},
		{"not live", "/health/live", false, false, http.StatusServiceUnavailable},
		{"ready", "/health/ready", true, true, http.StatusOK},
		{"not ready", "/health/ready", true, false, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			d.health.healthy, d.health.ready = tt.healthy, tt.ready
			rr := serve(newTestServer(d, config.ServerConfig{}), http.MethodGet, tt.path)
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleListTables(t *testing.T) {
	rr := serve(newTestServer(newTestDeps(), config.ServerConfig{}), http.MethodGet, "/api/v1/tables")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	body := decode(t, rr)
	if body["count"] != float64(2) {
		t.Errorf("count = %v, want 2", body["count"])
	}
	tables := body["tables"].([]interface{})
	communes := tables[0].(map[string]interface{})
	if communes["srid"] != float64(2154) || communes["spatial"] != true {
		t.Errorf("communes = %v", communes)
	}
	if _, ok := communes["extent"]; !ok {
		t.Error("extent missing")
	}
	if _, ok := tables[1].(map[string]interface{})["srid"]; ok {
		t.Error("non-spatial table should have no srid")
	}
}

func TestHandleDescribeTable(t *testing.T) {
	s := newTestServer(newTestDeps(), config.ServerConfig{})

	rr := serve(s, http.MethodGet, "/api/v1/tables/communes")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if cols := body["columns"].([]interface{}); len(cols) != 2 {
		t.Errorf("columns = %v", cols)
	}

	rr = serve(s, http.MethodGet, "/api/v1/tables/missing")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing table status = %d, want 404", rr.Code)
	}
}

func TestHandleRows(t *testing.T) {
	d := newTestDeps()
	d.query.rows = &input.RowsResult{
		Table:   "CODES",
		Columns: []string{"CODE"},
		Rows:    []map[string]any{{"CODE": "A"}},
		Count:   1,
	}
	s := newTestServer(d, config.ServerConfig{})

	rr := serve(s, http.MethodGet, "/api/v1/tables/codes/rows?columns=code,label&orderBy=label:desc,code&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	opts := d.query.lastOpts
	if d.query.lastTable != "codes" {
		t.Errorf("table = %q", d.query.lastTable)
	}
	if len(opts.Columns) != 2 || opts.Columns[0] != `"CODE"` || opts.Columns[1] != `"LABEL"` || opts.Limit != 5 {
		t.Errorf("opts = %+v", opts)
	}
	want := []query.Order{{Column: `"LABEL"`, Direction: query.Desc}, {Column: `"CODE"`, Direction: query.Asc}}
	if len(opts.OrderBy) != 2 || opts.OrderBy[0] != want[0] || opts.OrderBy[1] != want[1] {
		t.Errorf("OrderBy = %+v, want %+v", opts.OrderBy, want)
	}

	body := decode(t, rr)
	if body["count"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

func TestHandleRowsBadParameters(t *testing.T) {
	tests := []struct {
		name   string
		target string
	}{
		{"negative limit", "/api/v1/tables/codes/rows?limit=-1"},
		{"bad limit", "/api/v1/tables/codes/rows?limit=ten"},
		{"unknown option", "/api/v1/tables/codes/rows?having=1"},
		{"bad direction", "/api/v1/tables/codes/rows?orderBy=code:sideways"},
		{"where disabled", "/api/v1/tables/codes/rows?where=code%3D'A'"},
		{"subquery column", "/api/v1/tables/codes/rows?columns=(SELECT%20pw%20FROM%20secrets%20LIMIT%201)"},
		{"expression column", "/api/v1/tables/codes/rows?columns=code||label"},
		{"unknown group by", "/api/v1/tables/codes/rows?groupBy=length(code)"},
		{"unknown order by", "/api/v1/tables/codes/rows?orderBy=random()"},
		{"features subquery", "/api/v1/tables/communes/features?columns=(SELECT%201)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(newTestServer(newTestDeps(), config.ServerConfig{}), http.MethodGet, tt.target)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestHandleRowsWhereAllowed(t *testing.T) {
	d := newTestDeps()
	d.query.rows = &input.RowsResult{}
	s := newTestServer(d, config.ServerConfig{AllowWhere: true})

	rr := serve(s, http.MethodGet, "/api/v1/tables/codes/rows?where=code%3D'A'")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if d.query.lastOpts.Where != "code='A'" {
		t.Errorf("Where = %q", d.query.lastOpts.Where)
	}

	rr = serve(s, http.MethodGet, "/api/v1/tables/codes/rows?columns=count(*)&groupBy=code")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if opts := d.query.lastOpts; len(opts.Columns) != 1 || opts.Columns[0] != "count(*)" || opts.GroupBy[0] != "code" {
		t.Errorf("expressions should pass through with allow_where: %+v", opts)
	}
}

func TestHandleRowsUnknownTableColumns(t *testing.T) {
	rr := serve(newTestServer(newTestDeps(), config.ServerConfig{}), http.MethodGet, "/api/v1/tables/missing/rows?columns=code")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestHandleFeatures(t *testing.T) {
	d := newTestDeps()
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{1, 2}))
	d.query.features = fc
	s := newTestServer(d, config.ServerConfig{})

	rr := serve(s, http.MethodGet, "/api/v1/tables/communes/features?srid=4326&limit=10")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if d.query.lastSRID != 4326 || d.query.lastOpts.Limit != 10 {
		t.Errorf("srid = %d, opts = %+v", d.query.lastSRID, d.query.lastOpts)
	}

	got, err := geojson.UnmarshalFeatureCollection(rr.Body.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Features) != 1 {
		t.Errorf("features = %d", len(got.Features))
	}

	rr = serve(s, http.MethodGet, "/api/v1/tables/communes/features?srid=abc")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad srid status = %d, want 400", rr.Code)
	}
}

func TestHandleErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not found", domain.ErrTableNotFound, http.StatusNotFound},
		{"no geometry", domain.ErrNoGeometryColumn, http.StatusNotFound},
		{"invalid srid", domain.ErrInvalidSRID, http.StatusBadRequest},
		{"validation", &domain.ValidationError{Field: "limit", Message: "bad"}, http.StatusBadRequest},
		{"unsupported", domain.ErrUnsupported, http.StatusNotImplemented},
		{"conflict", domain.ErrTableExists, http.StatusConflict},
		{"closed", domain.ErrClosed, http.StatusServiceUnavailable},
		{"query error", &domain.QueryError{Table: "T", Err: errors.New("syntax")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			d.query.err = tt.err
			rr := serve(newTestServer(d, config.ServerConfig{}), http.MethodGet, "/api/v1/tables/communes/rows")
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
		})
	}
}

func TestHandleCatalog(t *testing.T) {
	d := newTestDeps()
	d.catalog.entries = []domain.CatalogEntry{
		{Table: "COMMUNES", Key: "communes.geojson", Format: domain.FormatGeoJSON, Rows: 35, Status: domain.StatusReady},
		{Table: "BROKEN", Key: "broken.csv", Format: domain.FormatCSV, Status: domain.StatusError, Error: "bad header"},
	}
	s := newTestServer(d, config.ServerConfig{})

	rr := serve(s, http.MethodGet, "/api/v1/catalog")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decode(t, rr)
	if body["count"] != float64(2) {
		t.Errorf("count = %v", body["count"])
	}

	rr = serve(s, http.MethodGet, "/api/v1/catalog/broken")
	body = decode(t, rr)
	if body["error"] != "bad header" || body["ready"] != false {
		t.Errorf("entry = %v", body)
	}

	rr = serve(s, http.MethodGet, "/api/v1/catalog/none")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestOptionalRoutes(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	d := newTestDeps()
	s := NewServer(config.ServerConfig{}, d.query, nil, d.health, nil, logger)

	if rr := serve(s, http.MethodGet, "/api/v1/catalog"); rr.Code != http.StatusNotFound {
		t.Errorf("catalog status = %d, want 404", rr.Code)
	}
	if rr := serve(s, http.MethodPost, "/api/v1/sync"); rr.Code != http.StatusNotFound {
		t.Errorf("sync status = %d, want 404", rr.Code)
	}
}

func TestHandleSync(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"rate limited", application.ErrRateLimited, http.StatusTooManyRequests},
		{"failure", errors.New("storage down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDeps()
			d.sync.err = tt.err
			d.sync.result = application.SyncResult{TablesAdded: 2, TablesTotal: 2}

			rr := serve(newTestServer(d, config.ServerConfig{}), http.MethodPost, "/api/v1/sync")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			switch tt.wantStatus {
			case http.StatusOK:
				if body := decode(t, rr); body["tables_added"] != float64(2) {
					t.Errorf("body = %v", body)
				}
			case http.StatusTooManyRequests:
				if rr.Header().Get("Retry-After") == "" {
					t.Error("Retry-After header missing")
				}
			}
		})
	}
}

func TestHandleOpenAPI(t *testing.T) {
	rr := serve(newTestServer(newTestDeps(), config.ServerConfig{}), http.MethodGet, "/openapi.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	body := decode(t, rr)
	paths, ok := body["paths"].(map[string]interface{})
	if !ok {
		t.Fatal("paths missing")
	}
	sync, ok := paths["/api/v1/sync"].(map[string]interface{})
	if !ok {
		t.Fatal("/api/v1/sync missing")
	}
	responses := sync["post"].(map[string]interface{})["responses"].(map[string]interface{})
	if _, ok := responses["429"]; !ok {
		t.Errorf("integer status keys should become strings: %v", responses)
	}
}

func TestStaticPages(t *testing.T) {
	s := newTestServer(newTestDeps(), config.ServerConfig{})

	for _, path := range []string{"/", "/docs"} {
		rr := serve(s, http.MethodGet, path)
		if rr.Code != http.StatusOK {
			t.Errorf("%s status = %d", path, rr.Code)
		}
		if !strings.HasPrefix(rr.Header().Get("Content-Type"), "text/html") {
			t.Errorf("%s Content-Type = %q", path, rr.Header().Get("Content-Type"))
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	s := newTestServer(newTestDeps(), config.ServerConfig{})
	handler := s.recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestBoolToStatus(t *testing.T) {
	if boolToStatus(true) != "ok" || boolToStatus(false) != "unhealthy" {
		t.Error("boolToStatus mismatch")
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/orbisgis/orbisdata/internal/ports/output"
)

var _ output.MetricsCollector = (*Collector)(nil)

func newTestCollector() *Collector {
	reg := prometheus.NewRegistry()
	return NewCollectorWithRegistry("test", reg, reg)
}

func TestCollectorCounters(t *testing.T) {
	c := newTestCollector()

	c.IncQueryCount("spatialite", true)
	c.IncQueryCount("spatialite", false)
	c.IncQueryCount("spatialite", true)
	c.ObserveQueryDuration("spatialite", 10*time.Millisecond)
	c.AddRowsLoaded("communes", 35)
	c.AddRowsLoaded("communes", 0)
	c.IncFilesImported("geojson", true)
	c.SetTablesLoaded(4)
	c.SetTablesReady(3)
	c.IncProcessExecutions("load", true)
	c.ObserveProcessDuration("load", time.Second)
	c.IncStorageOperations("download", false)

	if got := testutil.ToFloat64(c.queryCounter.WithLabelValues("spatialite", "success")); got != 2 {
		t.Errorf("queries success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.queryCounter.WithLabelValues("spatialite", "error")); got != 1 {
		t.Errorf("queries error = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.rowsLoaded.WithLabelValues("communes")); got != 35 {
		t.Errorf("rows loaded = %v, want 35", got)
	}
	if got := testutil.ToFloat64(c.tablesLoaded); got != 4 {
		t.Errorf("tables loaded = %v, want 4", got)
	}
	if got := testutil.ToFloat64(c.tablesReady); got != 3 {
		t.Errorf("tables ready = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.storageOperations.WithLabelValues("download", "error")); got != 1 {
		t.Errorf("storage errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.processDuration); got != 1 {
		t.Errorf("process duration series = %d, want 1", got)
	}
}

func TestMiddlewareUsesRouteTemplate(t *testing.T) {
	c := newTestCollector()

	router := mux.NewRouter()
	router.Use(c.Middleware)
	router.HandleFunc("/api/v1/tables/{table}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, name := range []string{"a", "b", "c"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tables/"+name, nil))
	}

	got := testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/tables/{table}", "4xx"))
	if got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := newTestCollector()
	c.IncFilesImported("csv", true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_files_imported_total{format="csv",status="success"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/", "/"},
		{"/health", "/health"},
		{"/api/v1", "/api/v1"},
		{"/api/v1/tables/communes/rows", "/api/v1/..."},
	}

	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestStatusToString(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}

	for _, tt := range tests {
		if got := statusToString(tt.code); got != tt.want {
			t.Errorf("statusToString(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the MetricsCollector port using Prometheus.
type Collector struct {
	gatherer prometheus.Gatherer

	queryCounter        *prometheus.CounterVec
	queryDuration       *prometheus.HistogramVec
	rowsLoaded          *prometheus.CounterVec
	filesImported       *prometheus.CounterVec
	tablesLoaded        prometheus.Gauge
	tablesReady         prometheus.Gauge
	processExecutions   *prometheus.CounterVec
	processDuration     *prometheus.HistogramVec
	storageOperations   *prometheus.CounterVec
	storageDuration     *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewCollectorWithRegistry creates a collector registered on reg. The
// gatherer backs Handler.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Collector {
	if namespace == "" {
		namespace = "orbisdata"
	}
	factory := promauto.With(reg)

	return &Collector{
		gatherer: gatherer,

		queryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Total number of SQL statements",
			},
			[]string{"dialect", "status"},
		),

		queryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "SQL statement duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"dialect"},
		),

		rowsLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_loaded_total",
				Help:      "Total number of rows inserted from files",
			},
			[]string{"table"},
		),

		filesImported: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_imported_total",
				Help:      "Total number of imported files",
			},
			[]string{"format", "status"},
		),

		tablesLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tables_loaded",
				Help:      "Number of tables tracked by the catalog",
			},
		),

		tablesReady: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tables_ready",
				Help:      "Number of catalog tables ready for queries",
			},
		),

		processExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "process_executions_total",
				Help:      "Total number of process executions",
			},
			[]string{"process", "status"},
		),

		processDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "process_duration_seconds",
				Help:      "Process execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"process"},
		),

		storageOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_operations_total",
				Help:      "Total number of storage operations",
			},
			[]string{"operation", "status"},
		),

		storageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "storage_duration_seconds",
				Help:      "Storage operation duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// IncQueryCount increments the statement counter.
func (c *Collector) IncQueryCount(dialect string, success bool) {
	c.queryCounter.WithLabelValues(dialect, status(success)).Inc()
}

// ObserveQueryDuration records statement duration.
func (c *Collector) ObserveQueryDuration(dialect string, duration time.Duration) {
	c.queryDuration.WithLabelValues(dialect).Observe(duration.Seconds())
}

// AddRowsLoaded adds the number of rows inserted from files.
func (c *Collector) AddRowsLoaded(table string, rows int64) {
	if rows <= 0 {
		return
	}
	c.rowsLoaded.WithLabelValues(table).Add(float64(rows))
}

// IncFilesImported increments the imported file counter.
func (c *Collector) IncFilesImported(format string, success bool) {
	c.filesImported.WithLabelValues(format, status(success)).Inc()
}

// SetTablesLoaded sets the number of tables tracked by the catalog.
func (c *Collector) SetTablesLoaded(count int) {
	c.tablesLoaded.Set(float64(count))
}

// SetTablesReady sets the number of ready tables.
func (c *Collector) SetTablesReady(count int) {
	c.tablesReady.Set(float64(count))
}

// IncProcessExecutions increments the process execution counter.
func (c *Collector) IncProcessExecutions(process string, success bool) {
	c.processExecutions.WithLabelValues(process, status(success)).Inc()
}

// ObserveProcessDuration records process execution duration.
func (c *Collector) ObserveProcessDuration(process string, duration time.Duration) {
	c.processDuration.WithLabelValues(process).Observe(duration.Seconds())
}

// IncStorageOperations increments storage operation counter.
func (c *Collector) IncStorageOperations(operation string, success bool) {
	c.storageOperations.WithLabelValues(operation, status(success)).Inc()
}

// ObserveStorageDuration records storage operation duration.
func (c *Collector) ObserveStorageDuration(operation string, duration time.Duration) {
	c.storageDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncHTTPRequests increments the HTTP request counter.
func (c *Collector) IncHTTPRequests(method, path, status string) {
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
}

// ObserveHTTPDuration records HTTP request duration.
func (c *Collector) ObserveHTTPDuration(method, path string, duration time.Duration) {
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler returns the Prometheus HTTP handler of the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil || c.gatherer == prometheus.DefaultGatherer {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware for metrics collection.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := routePath(r)
		c.IncHTTPRequests(r.Method, path, statusToString(wrapped.statusCode))
		c.ObserveHTTPDuration(r.Method, path, time.Since(start))
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// routePath returns the mux route template so that table names do not
// become label values.
func routePath(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath keeps the first two segments of paths unknown to the router.
func normalizePath(path string) string {
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) > 2 {
		parts = append(parts[:2], "...")
	}
	return "/" + strings.Join(parts, "/")
}

// statusToString converts HTTP status code to string category.
func statusToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

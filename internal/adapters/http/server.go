// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/orbisgis/orbisdata/internal/application"
	"github.com/orbisgis/orbisdata/internal/config"
	"github.com/orbisgis/orbisdata/internal/ports/input"
)

// Syncer triggers a storage synchronization.
type Syncer interface {
	TriggerSync(ctx context.Context) (application.SyncResult, error)
}

// Server routes API requests to the application services. Listening is
// left to the tls package.
type Server struct {
	router       *mux.Router
	queryService input.QueryService
	catalog      input.Catalog
	health       input.HealthChecker
	syncService  Syncer
	logger       *slog.Logger
	config       config.ServerConfig
}

// NewServer creates a new HTTP server. catalog and syncService may be nil
// when no storage is configured.
func NewServer(
	cfg config.ServerConfig,
	queryService input.QueryService,
	catalog input.Catalog,
	health input.HealthChecker,
	syncService Syncer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queryService: queryService,
		catalog:      catalog,
		health:       health,
		syncService:  syncService,
		logger:       logger,
		config:       cfg,
	}

	s.router = s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Table endpoints
	api.HandleFunc("/tables", s.handleListTables).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}", s.handleDescribeTable).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}/rows", s.handleRows).Methods(http.MethodGet)
	api.HandleFunc("/tables/{table}/features", s.handleFeatures).Methods(http.MethodGet)

	// Catalog endpoints (only if storage is configured)
	if s.catalog != nil {
		api.HandleFunc("/catalog", s.handleListCatalog).Methods(http.MethodGet)
		api.HandleFunc("/catalog/{table}", s.handleGetCatalogEntry).Methods(http.MethodGet)
	}

	// Sync endpoint (only if sync service is configured)
	if s.syncService != nil {
		api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}

	// OpenAPI spec and Swagger UI
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)

	// Table browser
	r.HandleFunc("/", s.handleFrontend).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Use adds a middleware to every route, such as the metrics middleware.
func (s *Server) Use(mw mux.MiddlewareFunc) {
	s.router.Use(mw)
}

// Handle mounts an additional handler, such as the metrics endpoint.
func (s *Server) Handle(path string, h http.Handler) {
	s.router.Handle(path, h).Methods(http.MethodGet)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

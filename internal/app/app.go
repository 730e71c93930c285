// Package app provides application initialization and wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbisgis/orbisdata/internal/adapters/datasource"
	httpAdapter "github.com/orbisgis/orbisdata/internal/adapters/http"
	"github.com/orbisgis/orbisdata/internal/adapters/metrics"
	"github.com/orbisgis/orbisdata/internal/adapters/storage"
	tlsAdapter "github.com/orbisgis/orbisdata/internal/adapters/tls"
	"github.com/orbisgis/orbisdata/internal/adapters/watcher"
	"github.com/orbisgis/orbisdata/internal/application"
	"github.com/orbisgis/orbisdata/internal/config"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

// App holds all application components.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	DataSource    *datasource.DataSource
	Storage       output.ObjectStorage
	Catalog       *application.Catalog
	QueryService  *application.QueryService
	HealthService *application.HealthService
	SyncService   *application.SyncService
	HTTPServer    *httpAdapter.Server
	Server        *tlsAdapter.Server
	Watcher       *watcher.Watcher
	Metrics       *metrics.Collector
}

// New creates and initializes a new application.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	var collector output.MetricsCollector = &output.NoOpMetrics{}
	if cfg.Metrics.Enabled {
		app.Metrics = metrics.NewCollector(cfg.Metrics.Namespace)
		collector = app.Metrics
	}

	ds, err := datasource.Open(ctx, datasource.Config{
		Dialect:        cfg.DataSource.Dialect,
		Path:           cfg.DataSource.Path,
		DSN:            cfg.DataSource.DSN,
		RequireSpatial: cfg.DataSource.RequireSpatial,
		MaxOpenConns:   cfg.DataSource.MaxOpenConns,
	}, collector, logger)
	if err != nil {
		return nil, fmt.Errorf("opening data source: %w", err)
	}
	app.DataSource = ds

	if cfg.Storage.Enabled() {
		s, err := initStorage(ctx, cfg.Storage)
		if err != nil {
			_ = ds.Close()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		app.Storage = storage.NewInstrumented(s, collector)
	}

	app.Catalog = application.NewCatalog(ds, app.Storage, collector, logger, application.CatalogConfig{
		LocalPath:    cfg.Storage.LocalPath,
		LoadOptions:  cfg.Import.LoadOptions(),
		SpatialIndex: cfg.Import.SpatialIndex,
	})

	app.QueryService = application.NewQueryService(ds, ds, logger, application.QueryServiceConfig{
		MaxRows: cfg.Query.MaxRows,
	})
	app.HealthService = application.NewHealthService(ds, app.Catalog)

	// A nil *SyncService must not reach the server as a non-nil Syncer.
	var syncer httpAdapter.Syncer
	if app.Storage != nil {
		app.SyncService = application.NewSyncService(app.Catalog, cfg.Sync.Interval, logger)
		if cfg.Sync.Cooldown > 0 {
			app.SyncService.SetCooldown(cfg.Sync.Cooldown)
		}
		syncer = app.SyncService
	}

	app.HTTPServer = httpAdapter.NewServer(
		cfg.Server,
		app.QueryService,
		app.Catalog,
		app.HealthService,
		syncer,
		logger,
	)
	if cfg.Query.Timeout > 0 {
		app.HTTPServer.Use(timeoutMiddleware(cfg.Query.Timeout))
	}
	if app.Metrics != nil {
		app.HTTPServer.Use(app.Metrics.Middleware)
		app.HTTPServer.Handle(cfg.Metrics.Path, app.Metrics.Handler())
	}

	server, err := tlsAdapter.NewServer(
		tlsAdapter.Config{
			Enabled:  cfg.TLS.Enabled,
			Domains:  cfg.TLS.Domains,
			Email:    cfg.TLS.Email,
			CacheDir: cfg.TLS.CacheDir,
			Staging:  cfg.TLS.Staging,
			DNS: tlsAdapter.DNSConfig{
				SubscriptionID:    cfg.TLS.DNS.SubscriptionID,
				ResourceGroupName: cfg.TLS.DNS.ResourceGroupName,
				ClientID:          cfg.TLS.DNS.ClientID,
			},
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		app.HTTPServer.Router(),
		logger,
	)
	if err != nil {
		_ = ds.Close()
		return nil, fmt.Errorf("initializing TLS: %w", err)
	}
	app.Server = server

	if cfg.Watcher.Enabled {
		w, err := watcher.New(
			watcher.Config{
				Paths:    cfg.Watcher.Paths,
				Debounce: cfg.Watcher.Debounce,
			},
			app.handleFileEvent,
			logger,
		)
		if err != nil {
			logger.Warn("failed to initialize file watcher", "error", err)
		} else {
			app.Watcher = w
		}
	}

	return app, nil
}

// Start imports the storage files, starts the background services and
// serves the API until Shutdown.
func (a *App) Start(ctx context.Context) error {
	if a.Storage != nil {
		if err := a.Catalog.LoadAll(ctx); err != nil {
			a.Logger.Warn("failed to import storage files", "error", err)
		}
	}

	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			a.Logger.Warn("failed to start file watcher", "error", err)
		}
	}

	if a.SyncService != nil {
		a.SyncService.Start(ctx)
	}

	return a.Server.ListenAndServe(ctx, a.Config.Server.Address())
}

// Shutdown gracefully shuts down all components.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("shutting down application")

	if a.Watcher != nil {
		if err := a.Watcher.Stop(); err != nil {
			a.Logger.Warn("failed to stop file watcher", "error", err)
		}
	}

	if a.SyncService != nil {
		a.SyncService.Stop()
	}

	if err := a.Server.Shutdown(ctx); err != nil {
		a.Logger.Error("server shutdown error", "error", err)
	}

	return a.DataSource.Close()
}

// handleFileEvent imports or drops the table of a watched file.
func (a *App) handleFileEvent(ctx context.Context, event watcher.Event) error {
	a.Logger.Info("file event", "path", event.Path, "operation", event.Operation.String())

	switch event.Operation {
	case watcher.OpCreate, watcher.OpModify:
		return a.Catalog.FileChanged(ctx, event.Path)
	case watcher.OpDelete:
		return a.Catalog.FileRemoved(ctx, event.Path)
	}
	return nil
}

// timeoutMiddleware bounds the context of every request.
func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// initStorage initializes the appropriate storage adapter.
func initStorage(ctx context.Context, cfg config.StorageConfig) (output.ObjectStorage, error) {
	switch output.StorageType(cfg.Type) {
	case output.StorageTypeLocal:
		return storage.NewLocalStorage(cfg.LocalPath), nil

	case output.StorageTypeS3:
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})

	case output.StorageTypeAzure:
		return storage.NewAzureStorage(storage.AzureConfig{
			Container:        cfg.Azure.Container,
			AccountName:      cfg.Azure.AccountName,
			AccountKey:       cfg.Azure.AccountKey,
			ConnectionString: cfg.Azure.ConnectionString,
			Prefix:           cfg.Azure.Prefix,
		})

	case output.StorageTypeHTTP:
		return storage.NewHTTPStorage(storage.HTTPConfig{
			BaseURL:   cfg.HTTP.BaseURL,
			IndexFile: cfg.HTTP.IndexFile,
			Timeout:   cfg.HTTP.Timeout,
			Username:  cfg.HTTP.Username,
			Password:  cfg.HTTP.Password,
		}), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// Package main provides the entry point for the OrbisData data manager.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/orbisgis/orbisdata/internal/adapters/datasource"
	"github.com/orbisgis/orbisdata/internal/app"
	"github.com/orbisgis/orbisdata/internal/config"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orbisdata",
	Short: "OrbisData - spatial data manager",
	Long: `OrbisData loads spatial files into a SpatiaLite or PostGIS database,
runs SQL and processing pipelines on them and serves the tables over HTTP.

Features:
  - GeoJSON, Shapefile, DBF and CSV load, link and save
  - Table queries with columns, where, group by, order by and limit
  - Reprojection and spatial indexing
  - YAML processing pipelines
  - Multiple storage backends (local, AWS S3, Azure, HTTP)
  - TLS with automatic certificate management
  - Prometheus metrics`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("OrbisData %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Build Date: %s\n", buildDate)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the tables over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServer,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./orbisdata.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (json, text)")
	rootCmd.PersistentFlags().String("dialect", "spatialite", "database dialect (spatialite, postgis)")
	rootCmd.PersistentFlags().String("db", "", "SpatiaLite database file (default: in-memory)")
	rootCmd.PersistentFlags().String("dsn", "", "database connection string")

	// Server flags
	serveCmd.Flags().String("host", "0.0.0.0", "server host")
	serveCmd.Flags().Int("port", 8080, "server port")
	serveCmd.Flags().Bool("allow-where", false, "accept where clauses in table queries")
	serveCmd.Flags().Bool("tls", false, "enable TLS")
	serveCmd.Flags().StringSlice("tls-domains", nil, "TLS domains")
	serveCmd.Flags().String("tls-email", "", "TLS email for Let's Encrypt")

	// Storage flags
	serveCmd.Flags().String("storage-type", "none", "storage type (none, local, s3, azure, http)")
	serveCmd.Flags().String("storage-path", "./data", "local storage path")

	// Watcher flags
	serveCmd.Flags().StringSlice("watch", nil, "directories whose files are imported on change")

	// CORS flags
	serveCmd.Flags().StringSlice("cors", nil, "allowed CORS origins (e.g., https://example.com,*.sub.domain.tld)")

	// Bind flags to viper
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("datasource.dialect", rootCmd.PersistentFlags().Lookup("dialect"))
	_ = viper.BindPFlag("datasource.path", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("datasource.dsn", rootCmd.PersistentFlags().Lookup("dsn"))
	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("server.allow_where", serveCmd.Flags().Lookup("allow-where"))
	_ = viper.BindPFlag("tls.enabled", serveCmd.Flags().Lookup("tls"))
	_ = viper.BindPFlag("tls.domains", serveCmd.Flags().Lookup("tls-domains"))
	_ = viper.BindPFlag("tls.email", serveCmd.Flags().Lookup("tls-email"))
	_ = viper.BindPFlag("storage.type", serveCmd.Flags().Lookup("storage-type"))
	_ = viper.BindPFlag("storage.local_path", serveCmd.Flags().Lookup("storage-path"))
	_ = viper.BindPFlag("watcher.paths", serveCmd.Flags().Lookup("watch"))
	_ = viper.BindPFlag("server.cors.allowed_origins", serveCmd.Flags().Lookup("cors"))

	rootCmd.AddCommand(versionCmd, serveCmd)
	addDataCommands(rootCmd)
}

func initConfig() {
	config.Defaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if len(cfg.Watcher.Paths) > 0 {
		cfg.Watcher.Enabled = true
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting OrbisData",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"dialect", cfg.DataSource.Dialect,
		"storage_type", cfg.Storage.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "address", cfg.Server.Address())
		if err := application.Start(ctx); err != nil {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		logger.Error("server error", "error", err)
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	logger.Info("shutting down server")
	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}

	logger.Info("server stopped")
	return nil
}

// openDataSource loads the configuration and connects to its data source.
// Command output goes to stdout, so logs are written to stderr.
func openDataSource(ctx context.Context) (*datasource.DataSource, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	ds, err := datasource.Open(ctx, datasource.Config{
		Dialect:        cfg.DataSource.Dialect,
		Path:           cfg.DataSource.Path,
		DSN:            cfg.DataSource.DSN,
		RequireSpatial: cfg.DataSource.RequireSpatial,
		MaxOpenConns:   cfg.DataSource.MaxOpenConns,
	}, nil, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening data source: %w", err)
	}
	return ds, cfg, logger, nil
}

// withDataSource runs fn against the configured data source and closes it.
func withDataSource(cmd *cobra.Command, fn func(context.Context, *datasource.DataSource, *config.Config, *slog.Logger) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ds, cfg, logger, err := openDataSource(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ds.Close() }()

	return fn(ctx, ds, cfg, logger)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(time.Now().UTC().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

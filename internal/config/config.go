// Package config provides configuration management using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// EnvPrefix prefixes the environment variables read by Load, as in
// ORBISDATA_SERVER_PORT.
const EnvPrefix = "ORBISDATA"

// Config holds all application configuration.
type Config struct {
	DataSource DataSourceConfig `mapstructure:"datasource"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Import     ImportConfig     `mapstructure:"import"`
	Query      QueryConfig      `mapstructure:"query"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
	Sync       SyncConfig       `mapstructure:"sync"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DataSourceConfig holds the database connection settings.
type DataSourceConfig struct {
	Dialect        string `mapstructure:"dialect"` // spatialite, postgis
	Path           string `mapstructure:"path"`    // SpatiaLite file, empty for in-memory
	DSN            string `mapstructure:"dsn"`
	RequireSpatial bool   `mapstructure:"require_spatial"`
	MaxOpenConns   int    `mapstructure:"max_open_conns"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowWhere      bool          `mapstructure:"allow_where"` // accept where clauses and SQL expressions in table queries
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"` // e.g., ["https://example.com", "*.sub.domain.tld"]
}

// Enabled returns true if CORS is configured with at least one allowed origin.
func (c *CORSConfig) Enabled() bool {
	return len(c.AllowedOrigins) > 0
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Type      string      `mapstructure:"type"` // none, local, s3, azure, http
	LocalPath string      `mapstructure:"local_path"`
	S3        S3Config    `mapstructure:"s3"`
	Azure     AzureConfig `mapstructure:"azure"`
	HTTP      HTTPConfig  `mapstructure:"http"`
}

// Enabled returns true if files are imported from a storage backend.
func (c *StorageConfig) Enabled() bool {
	return c.Type != "" && c.Type != "none"
}

// S3Config holds AWS S3 configuration.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// AzureConfig holds Azure Blob Storage configuration.
type AzureConfig struct {
	Container        string `mapstructure:"container"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ConnectionString string `mapstructure:"connection_string"`
	Prefix           string `mapstructure:"prefix"`
}

// HTTPConfig holds HTTP download configuration.
type HTTPConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	IndexFile string        `mapstructure:"index_file"` // default: index.txt
	Timeout   time.Duration `mapstructure:"timeout"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
}

// ImportConfig holds the options applied to imported files.
type ImportConfig struct {
	SRID         int    `mapstructure:"srid"` // assigned when a file carries none
	BatchSize    int    `mapstructure:"batch_size"`
	Encoding     string `mapstructure:"encoding"` // DBF code page override
	InferTypes   bool   `mapstructure:"infer_types"`
	SpatialIndex bool   `mapstructure:"spatial_index"`
}

// LoadOptions returns the import options as load options.
func (c *ImportConfig) LoadOptions() domain.LoadOptions {
	return domain.LoadOptions{
		Delete:     true,
		SRID:       c.SRID,
		BatchSize:  c.BatchSize,
		Encoding:   c.Encoding,
		InferTypes: c.InferTypes,
	}
}

// QueryConfig holds query-related configuration.
type QueryConfig struct {
	MaxRows int           `mapstructure:"max_rows"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// WatcherConfig holds the watched import directories.
type WatcherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Paths    []string      `mapstructure:"paths"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// SyncConfig holds storage synchronization configuration.
type SyncConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 disables periodic sync
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// TLSConfig holds TLS/CertMagic configuration.
type TLSConfig struct {
	Enabled  bool         `mapstructure:"enabled"`
	Domains  []string     `mapstructure:"domains"`
	Email    string       `mapstructure:"email"`
	CacheDir string       `mapstructure:"cache_dir"`
	Staging  bool         `mapstructure:"staging"` // Use Let's Encrypt staging
	DNS      TLSDNSConfig `mapstructure:"dns"`
}

// TLSDNSConfig holds the Azure DNS settings of the DNS-01 challenge.
type TLSDNSConfig struct {
	SubscriptionID    string `mapstructure:"subscription_id"`
	ResourceGroupName string `mapstructure:"resource_group_name"`
	ClientID          string `mapstructure:"client_id"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Defaults sets the default configuration values.
func Defaults() {
	// Data source defaults
	viper.SetDefault("datasource.dialect", "spatialite")
	viper.SetDefault("datasource.path", "")
	viper.SetDefault("datasource.require_spatial", false)

	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 10*time.Second)
	viper.SetDefault("server.allow_where", false)
	viper.SetDefault("server.cors.allowed_origins", []string{})

	// Storage defaults
	viper.SetDefault("storage.type", "none")
	viper.SetDefault("storage.local_path", "./data")
	viper.SetDefault("storage.http.index_file", "index.txt")
	viper.SetDefault("storage.http.timeout", 5*time.Minute)

	// Import defaults
	viper.SetDefault("import.batch_size", 1000)
	viper.SetDefault("import.infer_types", true)
	viper.SetDefault("import.spatial_index", true)

	// Query defaults
	viper.SetDefault("query.max_rows", 1000)
	viper.SetDefault("query.timeout", 30*time.Second)

	// Watcher defaults
	viper.SetDefault("watcher.enabled", false)
	viper.SetDefault("watcher.debounce", 500*time.Millisecond)

	// Sync defaults
	viper.SetDefault("sync.interval", 0)
	viper.SetDefault("sync.cooldown", 30*time.Second)

	// TLS defaults
	viper.SetDefault("tls.enabled", false)
	viper.SetDefault("tls.cache_dir", "./.certmagic")
	viper.SetDefault("tls.staging", false)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.namespace", "orbisdata")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}

// Load loads configuration from environment and config file.
func Load(configPath string) (*Config, error) {
	Defaults()

	// Environment variable binding
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Config file
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("orbisdata")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/orbisdata")
	}

	// Try to read config file (not required)
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func invalid(field, format string, args ...any) error {
	return &domain.ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.DataSource.Dialect {
	case "spatialite":
	case "postgis":
		if c.DataSource.DSN == "" {
			return invalid("datasource.dsn", "connection string is required for postgis")
		}
	default:
		return invalid("datasource.dialect", "unknown dialect %q", c.DataSource.Dialect)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "invalid port %d", c.Server.Port)
	}

	if c.Query.MaxRows < 1 {
		return invalid("query.max_rows", "must be positive, got %d", c.Query.MaxRows)
	}

	if c.TLS.Enabled {
		if len(c.TLS.Domains) == 0 {
			return invalid("tls.domains", "TLS enabled but no domains specified")
		}
		if c.TLS.Email == "" {
			return invalid("tls.email", "TLS enabled but no email specified")
		}
	}

	if c.Watcher.Enabled && len(c.Watcher.Paths) == 0 {
		return invalid("watcher.paths", "watcher enabled but no paths specified")
	}

	if c.Sync.Interval < 0 {
		return invalid("sync.interval", "must not be negative")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return invalid("logging.format", "unknown format %q", c.Logging.Format)
	}

	return c.Storage.validate()
}

func (s *StorageConfig) validate() error {
	switch s.Type {
	case "", "none":
		return nil
	case "local":
		if s.LocalPath == "" {
			return invalid("storage.local_path", "local storage path is required")
		}
	case "s3":
		if s.S3.Bucket == "" {
			return invalid("storage.s3.bucket", "S3 bucket is required")
		}
		if s.S3.Region == "" {
			return invalid("storage.s3.region", "S3 region is required")
		}
	case "azure":
		if s.Azure.Container == "" {
			return invalid("storage.azure.container", "azure container is required")
		}
		if s.Azure.AccountName == "" && s.Azure.ConnectionString == "" {
			return invalid("storage.azure.account_name", "azure account name or connection string is required")
		}
	case "http":
		if s.HTTP.BaseURL == "" {
			return invalid("storage.http.base_url", "HTTP base URL is required")
		}
	default:
		return invalid("storage.type", "unknown storage type %q", s.Type)
	}

	// remote files are downloaded next to each other
	if s.Type != "local" && s.LocalPath == "" {
		return invalid("storage.local_path", "download directory is required")
	}
	return nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

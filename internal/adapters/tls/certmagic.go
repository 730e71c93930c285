// Package tls serves the HTTP API over HTTPS with certificates managed by
// CertMagic.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/azure"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Config holds TLS configuration.
type Config struct {
	Enabled  bool
	Domains  []string
	Email    string
	CacheDir string
	Staging  bool // Use Let's Encrypt staging environment
	DNS      DNSConfig

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DNSConfig holds Azure DNS provider configuration for DNS-01 challenges.
// Without a subscription the HTTP-01 and TLS-ALPN-01 challenges are used.
type DNSConfig struct {
	SubscriptionID    string
	ResourceGroupName string
	ClientID          string // User Assigned Managed Identity client ID (optional)
}

// Validate checks that certificates can be requested.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Domains) == 0 {
		return &domain.ConfigError{Field: "tls.domains", Message: "TLS enabled but no domains specified"}
	}
	if c.Email == "" {
		return &domain.ConfigError{Field: "tls.email", Message: "TLS enabled but no email specified"}
	}
	if c.DNS.SubscriptionID != "" && c.DNS.ResourceGroupName == "" {
		return &domain.ConfigError{Field: "tls.dns.resource_group_name", Message: "required with a DNS subscription"}
	}
	return nil
}

// Server serves a handler over HTTPS, or plain HTTP when TLS is disabled.
type Server struct {
	config    Config
	handler   http.Handler
	logger    *slog.Logger
	magic     *certmagic.Config
	tlsConfig *tls.Config

	mu     sync.Mutex
	server *http.Server
}

// NewServer creates a new TLS-enabled server.
func NewServer(cfg Config, handler http.Handler, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
	if !cfg.Enabled {
		return s, nil
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = cfg.Email
	if cfg.Staging {
		certmagic.DefaultACME.CA = certmagic.LetsEncryptStagingCA
	}
	if cfg.CacheDir != "" {
		certmagic.Default.Storage = &certmagic.FileStorage{Path: cfg.CacheDir}
	}

	if cfg.DNS.SubscriptionID != "" {
		certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{
				DNSProvider: &azure.Provider{
					SubscriptionId:    cfg.DNS.SubscriptionID,
					ResourceGroupName: cfg.DNS.ResourceGroupName,
					ClientId:          cfg.DNS.ClientID, // Empty = System Assigned Managed Identity
				},
			},
		}
	}

	s.magic = certmagic.NewDefault()
	s.tlsConfig = s.magic.TLSConfig()
	return s, nil
}

// ListenAndServe obtains the certificates, then serves until Shutdown.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
	}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	var err error
	if !s.config.Enabled {
		s.logger.Info("starting HTTP server (TLS disabled)", "address", addr)
		err = server.ListenAndServe()
	} else {
		if err := s.ManageCertificates(ctx); err != nil {
			return err
		}
		s.logger.Info("starting HTTPS server",
			"address", addr,
			"domains", s.config.Domains,
			"dns_challenge", s.config.DNS.SubscriptionID != "",
		)
		server.TLSConfig = s.tlsConfig
		err = server.ListenAndServeTLS("", "")
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// TLSConfig returns the TLS configuration, nil when TLS is disabled.
func (s *Server) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// ManageCertificates obtains or renews the certificates of the configured
// domains.
func (s *Server) ManageCertificates(ctx context.Context) error {
	if s.magic == nil {
		return nil
	}

	s.logger.Info("obtaining certificates", "domains", s.config.Domains)
	if err := s.magic.ManageSync(ctx, s.config.Domains); err != nil {
		return &domain.StorageError{Operation: "certificates", Key: s.config.Domains[0], Err: err}
	}

	s.logger.Info("certificates obtained successfully")
	return nil
}

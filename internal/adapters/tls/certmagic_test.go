package tls

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/orbisgis/orbisdata/internal/domain"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantField string
	}{
		{"disabled", Config{}, ""},
		{"no domains", Config{Enabled: true, Email: "a@b.org"}, "tls.domains"},
		{"no email", Config{Enabled: true, Domains: []string{"geo.example.org"}}, "tls.email"},
		{"dns without resource group", Config{
			Enabled: true, Domains: []string{"geo.example.org"}, Email: "a@b.org",
			DNS: DNSConfig{SubscriptionID: "sub"},
		}, "tls.dns.resource_group_name"},
		{"valid", Config{Enabled: true, Domains: []string{"geo.example.org"}, Email: "a@b.org"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			var cfgErr *domain.ConfigError
			if !errors.As(err, &cfgErr) || cfgErr.Field != tt.wantField {
				t.Errorf("Validate() = %v, want field %s", err, tt.wantField)
			}
		})
	}
}

func TestServerWithoutTLS(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	s, err := NewServer(Config{}, handler, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if s.TLSConfig() != nil {
		t.Error("TLS config should be nil when disabled")
	}
	if err := s.ManageCertificates(context.Background()); err != nil {
		t.Errorf("ManageCertificates = %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(context.Background(), addr) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + addr + "/")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server did not answer: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("ListenAndServe = %v, want nil after Shutdown", err)
	}
}

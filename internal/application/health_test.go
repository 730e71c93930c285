package application

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orbisgis/orbisdata/internal/domain"
)

func TestHealthServiceIsHealthy(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    bool
	}{
		{"data source answers", nil, true},
		{"data source down", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			store.pingErr = tt.pingErr
			svc := NewHealthService(store, nil)

			if got := svc.IsHealthy(context.Background()); got != tt.want {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.want)
			}
			if got := svc.IsReady(context.Background()); got != tt.want {
				t.Errorf("IsReady() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthServiceIsReadyWhileLoading(t *testing.T) {
	store := newMockStore()
	catalog := newTestCatalog(store, nil, nil)
	svc := NewHealthService(store, catalog)
	ctx := context.Background()

	if !svc.IsReady(ctx) {
		t.Error("empty catalog should be ready")
	}

	if _, err := catalog.LoadFile(ctx, "/data/stops.csv", "stops.csv"); err != nil {
		t.Fatal(err)
	}
	catalog.setStatus("STOPS", domain.StatusLoading, nil)
	if svc.IsReady(ctx) {
		t.Error("IsReady should be false while a table loads")
	}

	catalog.setStatus("STOPS", domain.StatusReady, nil)
	if !svc.IsReady(ctx) {
		t.Error("IsReady should be true once tables are ready")
	}
}

func TestHealthServiceGetHealthDetails(t *testing.T) {
	ctx := context.Background()

	t.Run("without catalog", func(t *testing.T) {
		svc := NewHealthService(newMockStore(), nil)
		details := svc.GetHealthDetails(ctx)

		if !details.Healthy || !details.Ready {
			t.Errorf("details = %+v", details)
		}
		if details.Components["datasource"] != "ok (mock)" {
			t.Errorf("datasource = %q", details.Components["datasource"])
		}
		if details.Components["catalog"] != "disabled" {
			t.Errorf("catalog = %q", details.Components["catalog"])
		}
	})

	t.Run("degraded catalog", func(t *testing.T) {
		store := newMockStore()
		catalog := newTestCatalog(store, nil, nil)
		if _, err := catalog.LoadFile(ctx, "/data/a.csv", "a.csv"); err != nil {
			t.Fatal(err)
		}
		store.loadErr = errors.New("bad file")
		_, _ = catalog.LoadFile(ctx, "/data/b.csv", "b.csv")

		details := NewHealthService(store, catalog).GetHealthDetails(ctx)
		if details.TablesLoaded != 2 || details.TablesReady != 1 {
			t.Errorf("loaded = %d, ready = %d", details.TablesLoaded, details.TablesReady)
		}
		if details.Components["catalog"] != "degraded" {
			t.Errorf("catalog = %q, want degraded", details.Components["catalog"])
		}
		if !details.Ready {
			t.Error("failed tables should not block readiness")
		}
	})

	t.Run("data source down", func(t *testing.T) {
		store := newMockStore()
		store.pingErr = errors.New("connection refused")
		details := NewHealthService(store, newTestCatalog(store, nil, nil)).GetHealthDetails(ctx)

		if details.Healthy || details.Ready {
			t.Errorf("details = %+v", details)
		}
		if !strings.HasPrefix(details.Components["datasource"], "error:") {
			t.Errorf("datasource = %q", details.Components["datasource"])
		}
	})
}

func TestHealthServiceGetTableHealth(t *testing.T) {
	store := newMockStore()
	catalog := newTestCatalog(store, nil, nil)
	ctx := context.Background()

	if got := NewHealthService(store, nil).GetTableHealth(ctx); got != nil {
		t.Errorf("GetTableHealth without catalog = %v", got)
	}

	if _, err := catalog.LoadFile(ctx, "/data/a.csv", "a.csv"); err != nil {
		t.Fatal(err)
	}
	store.loadErr = errors.New("bad file")
	_, _ = catalog.LoadFile(ctx, "/data/b.csv", "b.csv")

	health := NewHealthService(store, catalog).GetTableHealth(ctx)
	if len(health) != 2 {
		t.Fatalf("len(health) = %d, want 2", len(health))
	}
	if health[0].Table != "A" || !health[0].Ready {
		t.Errorf("health[0] = %+v", health[0])
	}
	if health[1].Status != domain.StatusError || health[1].Error != "bad file" {
		t.Errorf("health[1] = %+v", health[1])
	}
}

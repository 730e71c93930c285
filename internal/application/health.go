package application

import (
	"context"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/input"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

var _ input.HealthChecker = (*HealthService)(nil)

// HealthService provides health check functionality.
type HealthService struct {
	store   output.SpatialStore
	catalog *Catalog
}

// NewHealthService creates a new health service. catalog may be nil.
func NewHealthService(store output.SpatialStore, catalog *Catalog) *HealthService {
	return &HealthService{
		store:   store,
		catalog: catalog,
	}
}

// IsHealthy returns true if the data source answers.
func (s *HealthService) IsHealthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

// IsReady returns true if the service is ready to accept requests: the data
// source answers and no catalog table is still loading.
func (s *HealthService) IsReady(ctx context.Context) bool {
	if !s.IsHealthy(ctx) {
		return false
	}
	if s.catalog == nil {
		return true
	}

	entries, err := s.catalog.List(ctx)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.Status == domain.StatusLoading || e.Status == domain.StatusIndexing {
			return false
		}
	}
	return true
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{}

	healthy := true
	if err := s.store.Ping(ctx); err != nil {
		healthy = false
		components["datasource"] = "error: " + err.Error()
	} else {
		components["datasource"] = "ok (" + s.store.DialectName() + ")"
	}

	details := input.HealthDetails{
		Healthy:    healthy,
		Components: components,
	}

	if s.catalog == nil {
		components["catalog"] = "disabled"
		details.Ready = healthy
		return details
	}

	details.TablesLoaded, details.TablesReady = s.catalog.counts()
	components["catalog"] = "ok"
	if details.TablesLoaded > details.TablesReady {
		components["catalog"] = "degraded"
	}
	details.Ready = s.IsReady(ctx)
	return details
}

// TableHealth contains health info for a single catalog table.
type TableHealth struct {
	Table  string
	Status domain.CatalogStatus
	Ready  bool
	Error  string
}

// GetTableHealth returns health info for all catalog tables.
func (s *HealthService) GetTableHealth(ctx context.Context) []TableHealth {
	if s.catalog == nil {
		return nil
	}
	entries, _ := s.catalog.List(ctx)

	health := make([]TableHealth, len(entries))
	for i, e := range entries {
		health[i] = TableHealth{
			Table:  e.Table,
			Status: e.Status,
			Ready:  e.IsReady(),
			Error:  e.Error,
		}
	}
	return health
}

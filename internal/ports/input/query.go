// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

// QueryService defines the primary port for table queries.
type QueryService interface {
	// ListTables returns the summaries of all user tables.
	ListTables(ctx context.Context) ([]domain.TableSummary, error)

	// DescribeTable returns the summary of one table.
	DescribeTable(ctx context.Context, table string) (*domain.TableSummary, error)

	// Rows returns the rows of a table matching the options.
	Rows(ctx context.Context, table string, opts query.Options) (*RowsResult, error)

	// Features returns a spatial table as GeoJSON, optionally reprojected.
	Features(ctx context.Context, table string, opts query.Options, srid int) (*geojson.FeatureCollection, error)
}

// RowsResult is a page of rows.
type RowsResult struct {
	Table     string           `json:"table"`
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	Count     int              `json:"count"`
	Truncated bool             `json:"truncated"`
}

// Catalog defines the primary port for tables imported from storage.
type Catalog interface {
	// List returns all tracked entries.
	List(ctx context.Context) ([]domain.CatalogEntry, error)

	// Get returns one tracked entry by table name.
	Get(ctx context.Context, table string) (*domain.CatalogEntry, error)
}

// HealthChecker defines the primary port for health checks.
type HealthChecker interface {
	// IsHealthy returns true if the service is healthy.
	IsHealthy(ctx context.Context) bool

	// IsReady returns true if the service is ready to accept requests.
	IsReady(ctx context.Context) bool

	// GetHealthDetails returns detailed health information.
	GetHealthDetails(ctx context.Context) HealthDetails
}

// HealthDetails contains detailed health information.
type HealthDetails struct {
	Healthy      bool              // Overall health status
	Ready        bool              // Ready to accept requests
	TablesLoaded int               // Number of catalog tables
	TablesReady  int               // Number of ready catalog tables
	Components   map[string]string // Component statuses
}

package output

import (
	"context"
	"io"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

// SpatialStore defines the secondary port for the spatial database.
type SpatialStore interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// DialectName returns the name of the database dialect.
	DialectName() string

	// TableNames lists the user tables of a schema ("" for the default one).
	TableNames(ctx context.Context, schema string) ([]string, error)

	// HasTable reports whether a table exists.
	HasTable(ctx context.Context, name string) (bool, error)

	// Summary describes a table.
	Summary(ctx context.Context, name string) (*domain.TableSummary, error)

	// Filter returns the rows of a table matching the options.
	Filter(ctx context.Context, name string, opts query.Options) ([]domain.Row, error)

	// Features returns the rows of a spatial table as GeoJSON features.
	Features(ctx context.Context, name string, opts query.Options) (*geojson.FeatureCollection, error)

	// Load imports a file into a table and returns the table name and row count.
	Load(ctx context.Context, path, table string, opts domain.LoadOptions) (string, int64, error)

	// LoadReader imports a stream of the given format into a table.
	LoadReader(ctx context.Context, r io.Reader, format domain.FileFormat, table string, opts domain.LoadOptions) (int64, error)

	// CreateSpatialIndex indexes the first geometry column of a table.
	CreateSpatialIndex(ctx context.Context, table string) error

	// DropTable drops tables if they exist.
	DropTable(ctx context.Context, names ...string) error
}

// GeometryTransformer defines the secondary port for coordinate transformations.
type GeometryTransformer interface {
	// Transform reprojects a geometry from one SRID to another.
	Transform(ctx context.Context, geom orb.Geometry, sourceSRID, targetSRID int) (orb.Geometry, error)

	// IsSupported checks if a transformation is supported.
	IsSupported(ctx context.Context, sourceSRID, targetSRID int) bool
}

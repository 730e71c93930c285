package datasource

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
	"github.com/orbisgis/orbisdata/internal/query"
)

var (
	_ output.SpatialStore        = (*DataSource)(nil)
	_ output.GeometryTransformer = (*DataSource)(nil)
	_ query.Runner               = (*DataSource)(nil)
	_ query.Runner               = (*Tx)(nil)
)

// Summary describes a table.
func (ds *DataSource) Summary(ctx context.Context, name string) (*domain.TableSummary, error) {
	t, err := ds.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.Summary(ctx)
}

// Filter returns the rows of a table matching the options.
func (ds *DataSource) Filter(ctx context.Context, name string, opts query.Options) ([]domain.Row, error) {
	t, err := ds.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.Filter(ctx, opts)
}

// Features returns the rows of a spatial table as GeoJSON features.
func (ds *DataSource) Features(ctx context.Context, name string, opts query.Options) (*geojson.FeatureCollection, error) {
	st, err := ds.SpatialTable(ctx, name)
	if err != nil {
		return nil, err
	}
	return st.Features(ctx, opts)
}

// Transform reprojects a geometry with the database coordinate
// transformation functions.
func (ds *DataSource) Transform(ctx context.Context, geom orb.Geometry, sourceSRID, targetSRID int) (orb.Geometry, error) {
	if geom == nil || sourceSRID == targetSRID {
		return geom, nil
	}
	if sourceSRID <= 0 || targetSRID <= 0 {
		return nil, fmt.Errorf("%w: %d to %d", domain.ErrInvalidSRID, sourceSRID, targetSRID)
	}
	if !ds.spatial {
		return nil, fmt.Errorf("%w: transformation needs the spatial extension", domain.ErrUnsupported)
	}

	b, err := wkb.Marshal(geom)
	if err != nil {
		return nil, fmt.Errorf("encoding geometry: %w", err)
	}
	d := ds.dialect
	stmt := "SELECT " + d.AsWKB(d.Transform(d.GeomFromWKB("?", sourceSRID), targetSRID))

	row, err := ds.FirstRow(ctx, stmt, b)
	if err != nil {
		return nil, fmt.Errorf("transforming geometry: %w", err)
	}
	return row.GetGeometry(row.Columns()[0])
}

// IsSupported reports whether both SRIDs are known to the database.
func (ds *DataSource) IsSupported(ctx context.Context, sourceSRID, targetSRID int) bool {
	if !ds.spatial || sourceSRID <= 0 || targetSRID <= 0 {
		return false
	}
	want := int64(2)
	if sourceSRID == targetSRID {
		want = 1
	}

	row, err := ds.FirstRow(ctx,
		"SELECT COUNT(*) FROM spatial_ref_sys WHERE srid IN (?, ?)", sourceSRID, targetSRID)
	if err != nil {
		ds.logger.Debug("srid lookup failed", "error", err)
		return false
	}
	n, err := domain.ToInt64(row.Values()[0])
	return err == nil && n == want
}

// Reproject copies a spatial table into target with its geometries
// transformed to srid.
func (ds *DataSource) Reproject(ctx context.Context, table string, srid int, target string) error {
	st, err := ds.SpatialTable(ctx, table)
	if err != nil {
		return err
	}
	_, err = st.Reproject(ctx, srid, target)
	return err
}

// CreateSpatialIndex indexes the first geometry column of a table.
func (ds *DataSource) CreateSpatialIndex(ctx context.Context, table string) error {
	st, err := ds.SpatialTable(ctx, table)
	if err != nil {
		return err
	}
	return st.CreateSpatialIndex(ctx)
}

package datasource

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

// SpatialTable is a table with at least one geometry column. Operations
// without a column argument use the first geometry column.
type SpatialTable struct {
	*Table
	geom domain.GeometryColumn
}

// SpatialTable returns a handle on a table with a geometry column.
func (ds *DataSource) SpatialTable(ctx context.Context, name string) (*SpatialTable, error) {
	t, err := ds.Table(ctx, name)
	if err != nil {
		return nil, err
	}
	return t.Spatial(ctx)
}

// Spatial returns the table as a spatial table. A table without geometry
// column, or a query backed table, returns ErrNoGeometryColumn.
func (t *Table) Spatial(ctx context.Context) (*SpatialTable, error) {
	if t.IsQuery() {
		return nil, fmt.Errorf("%w: query %s", domain.ErrNoGeometryColumn, t.Name())
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return nil, err
	}
	if len(geoms) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoGeometryColumn, t.Name())
	}
	return &SpatialTable{Table: t, geom: geoms[0]}, nil
}

// GeometryColumns returns the geometry columns of the table.
func (st *SpatialTable) GeometryColumns(ctx context.Context) ([]domain.GeometryColumn, error) {
	return st.geometryColumns(ctx)
}

// GeometricColumn returns the name of the first geometry column.
func (st *SpatialTable) GeometricColumn() string { return st.geom.Name }

// SRID returns the SRID of the first geometry column.
func (st *SpatialTable) SRID(ctx context.Context) (int, error) {
	col, err := st.geometryColumn(ctx)
	if err != nil {
		return 0, err
	}
	return col.SRID(ctx)
}

// SetSRID changes the SRID of the first geometry column.
func (st *SpatialTable) SetSRID(ctx context.Context, srid int) error {
	col, err := st.geometryColumn(ctx)
	if err != nil {
		return err
	}
	if err := col.SetSRID(ctx, srid); err != nil {
		return err
	}
	st.geom.SRID = srid
	return nil
}

func (st *SpatialTable) geometryColumn(ctx context.Context) (*Column, error) {
	return st.Column(ctx, st.geom.Name)
}

// CreateSpatialIndex creates a spatial index on the first geometry column.
func (st *SpatialTable) CreateSpatialIndex(ctx context.Context) error {
	col, err := st.geometryColumn(ctx)
	if err != nil {
		return err
	}
	return col.CreateIndex(ctx)
}

// DropSpatialIndex drops the spatial index of the first geometry column.
func (st *SpatialTable) DropSpatialIndex(ctx context.Context) error {
	col, err := st.geometryColumn(ctx)
	if err != nil {
		return err
	}
	return col.DropIndex(ctx)
}

// IsSpatialIndexed reports whether the first geometry column has a spatial
// index.
func (st *SpatialTable) IsSpatialIndexed(ctx context.Context) (bool, error) {
	col, err := st.geometryColumn(ctx)
	if err != nil {
		return false, err
	}
	return col.HasIndex(ctx)
}

// Extent returns the bounding box of the geometries matching an optional
// filter condition written with "?" placeholders.
func (st *SpatialTable) Extent(ctx context.Context, where string, args ...any) (domain.Extent, error) {
	if err := st.ds.checkOpen(); err != nil {
		return domain.Extent{}, err
	}
	if !st.ds.spatial {
		return st.scanExtent(ctx, where, args...)
	}

	source := st.source()
	args = append(append([]any{}, st.args...), args...)
	start := time.Now()
	ext, err := st.ds.dialect.Extent(ctx, st.ds.db, source, st.geom.Name,
		st.ds.conn.rebind(where), args...)
	st.ds.observe("EXTENT "+st.Name(), start, err)
	if err != nil {
		return domain.Extent{}, &domain.QueryError{Table: st.Name(), Err: err}
	}
	if ext.SRID == domain.SRIDUnknown {
		ext.SRID = st.geom.SRID
	}
	return ext, nil
}

// scanExtent computes the extent from the WKB values when the database has
// no spatial functions.
func (st *SpatialTable) scanExtent(ctx context.Context, where string, args ...any) (domain.Extent, error) {
	ext := domain.EmptyExtent(st.geom.SRID)
	b := st.Select(st.ds.dialect.AsWKB(quoteIdent(st.geom.Name)))
	if where != "" {
		b = b.Where(where, args...)
	}
	err := b.EachRow(ctx, func(r domain.Row) error {
		g, err := domain.ToGeometry(r.Values()[0])
		if err != nil {
			return conversionError(st.geom.Name, "<binary>", "WKB geometry", err)
		}
		if g == nil {
			return nil
		}
		bound := g.Bound()
		ext = ext.Expand(domain.Extent{
			MinX: bound.Min.X(), MinY: bound.Min.Y(),
			MaxX: bound.Max.X(), MaxY: bound.Max.Y(),
		})
		return nil
	})
	return ext, err
}

// EstimatedExtent returns a fast approximation of the extent from the
// database statistics.
func (st *SpatialTable) EstimatedExtent(ctx context.Context) (domain.Extent, error) {
	if err := st.ds.checkOpen(); err != nil {
		return domain.Extent{}, err
	}
	if !st.ds.spatial || st.IsQuery() {
		return st.Extent(ctx, "")
	}
	start := time.Now()
	ext, err := st.ds.dialect.EstimatedExtent(ctx, st.ds.db, st.loc, st.geom.Name)
	st.ds.observe("ESTIMATED EXTENT "+st.Name(), start, err)
	if err != nil {
		return domain.Extent{}, &domain.QueryError{Table: st.Name(), Err: err}
	}
	if ext.SRID == domain.SRIDUnknown {
		ext.SRID = st.geom.SRID
	}
	return ext, nil
}

// GeometryTypes returns the distinct geometry types of the first geometry
// column, sorted by name.
func (st *SpatialTable) GeometryTypes(ctx context.Context) ([]domain.GeometryType, error) {
	seen := make(map[domain.GeometryType]struct{})
	col := quoteIdent(st.geom.Name)

	var b *query.Builder
	if st.ds.spatial {
		b = st.Select("DISTINCT " + st.ds.dialect.GeometryType(col))
	} else {
		b = st.Select(col)
	}
	err := b.Where(col+" IS NOT NULL").EachRow(ctx, func(r domain.Row) error {
		v := r.Values()[0]
		if st.ds.spatial {
			seen[domain.ParseGeometryType(domain.ToString(v))] = struct{}{}
			return nil
		}
		g, err := domain.ToGeometry(v)
		if err != nil {
			return conversionError(st.geom.Name, "<binary>", "WKB geometry", err)
		}
		seen[domain.ParseGeometryType(g.GeoJSONType())] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.GeometryType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.Sort(out)
	return out, nil
}

// Reproject copies the table into target with its geometries transformed to
// srid. The new table is registered with the new SRID.
func (st *SpatialTable) Reproject(ctx context.Context, srid int, target string) (*SpatialTable, error) {
	if srid <= 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrInvalidSRID, srid)
	}
	if !st.ds.spatial {
		return nil, fmt.Errorf("%w: reprojection needs the spatial extension", domain.ErrUnsupported)
	}
	exists, err := st.ds.HasTable(ctx, target)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTableExists, target)
	}
	loc, err := domain.ParseTableLocation(target)
	if err != nil {
		return nil, err
	}

	cols, err := st.Columns(ctx)
	if err != nil {
		return nil, err
	}
	list := make([]string, len(cols))
	for i, c := range cols {
		q := quoteIdent(c.Name)
		list[i] = q
		if strings.EqualFold(c.Name, st.geom.Name) {
			list[i] = st.ds.dialect.Transform(q, srid) + " AS " + q
		}
	}

	stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT %s FROM %s", //#nosec G201 -- identifiers are quoted
		loc.Quoted(quoteIdent), strings.Join(list, ", "), st.source())
	geom := st.geom
	geom.SRID = srid
	geom.Indexed = false

	err = st.ds.Transaction(ctx, func(tx *Tx) error {
		if _, err := tx.Execute(ctx, stmt, st.args...); err != nil {
			return err
		}
		start := time.Now()
		err := st.ds.dialect.RegisterGeometryColumn(ctx, tx.tx, loc, geom)
		st.ds.observe("REGISTER GEOMETRY "+loc.String(), start, err)
		return err
	})
	if err != nil {
		return nil, &domain.QueryError{Table: target, SQL: stmt, Err: err}
	}

	st.ds.logger.Info("table reprojected", "table", st.Name(), "target", target, "srid", srid)
	return st.ds.SpatialTable(ctx, target)
}

// Features returns the rows matching the options as GeoJSON features. The
// first geometry column becomes the feature geometry and the other columns
// its properties.
func (st *SpatialTable) Features(ctx context.Context, opts query.Options) (*geojson.FeatureCollection, error) {
	if len(opts.Columns) > 0 && !containsFold(opts.Columns, st.geom.Name) &&
		!slices.Contains(opts.Columns, quoteIdent(st.geom.Name)) {
		opts.Columns = append(slices.Clone(opts.Columns), st.geom.Name)
	}
	b, err := st.filterBuilder(ctx, opts)
	if err != nil {
		return nil, err
	}

	fc := geojson.NewFeatureCollection()
	err = b.EachRow(ctx, func(r domain.Row) error {
		f, err := st.feature(r)
		if err != nil {
			return err
		}
		fc.Append(f)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fc, nil
}

func (st *SpatialTable) feature(r domain.Row) (*geojson.Feature, error) {
	var geom orb.Geometry
	props := make(geojson.Properties, r.Len())
	values := r.Values()
	for i, c := range r.Columns() {
		if strings.EqualFold(c, st.geom.Name) {
			g, err := domain.ToGeometry(values[i])
			if err != nil {
				return nil, conversionError(c, "<binary>", "WKB geometry", err)
			}
			geom = g
			continue
		}
		props[c] = propertyValue(values[i])
	}
	f := &geojson.Feature{Type: "Feature", Geometry: geom, Properties: props}
	return f, nil
}

func propertyValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) || strings.EqualFold(v, quoteIdent(s)) {
			return true
		}
	}
	return false
}

package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/orbisgis/orbisdata/internal/domain"
)

// currentSchema resolves an empty schema argument to the search path schema.
const currentSchema = "COALESCE(NULLIF($1, ''), current_schema())"

var postgisSystemTables = map[string]struct{}{
	"spatial_ref_sys":    {},
	"geometry_columns":   {},
	"geography_columns":  {},
	"raster_columns":     {},
	"raster_overviews":   {},
	"topology":           {},
	"layer":              {},
	"us_gaz":             {},
	"us_lex":             {},
	"us_rules":           {},
	"pointcloud_formats": {},
}

// PostGIS is the dialect of PostgreSQL databases with the PostGIS extension.
type PostGIS struct {
	spatial bool
}

// Name implements Dialect.
func (d *PostGIS) Name() string { return DialectPostGIS }

// DriverName implements Dialect.
func (d *PostGIS) DriverName() string { return "pgx" }

// QuoteIdent implements Dialect.
func (d *PostGIS) QuoteIdent(ident string) string { return quoteIdent(ident) }

// Placeholder implements Dialect.
func (d *PostGIS) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

// Init implements Dialect.
func (d *PostGIS) Init(ctx context.Context, q Querier, requireSpatial bool) (bool, error) {
	var version string
	if err := q.QueryRowContext(ctx, "SELECT postgis_version()").Scan(&version); err != nil {
		if requireSpatial {
			return false, fmt.Errorf("PostGIS extension not available: %w", err)
		}
		d.spatial = false
		return false, nil
	}
	d.spatial = true
	return true, nil
}

func (d *PostGIS) requireSpatial() error {
	if !d.spatial {
		return fmt.Errorf("%w: PostGIS extension is not installed", domain.ErrUnsupported)
	}
	return nil
}

// TableNames implements Dialect.
func (d *PostGIS) TableNames(ctx context.Context, q Querier, schema string) ([]string, error) {
	names, err := queryStrings(ctx, q,
		`SELECT table_name FROM information_schema.tables
		WHERE table_schema = `+currentSchema+`
		  AND table_type IN ('BASE TABLE', 'VIEW', 'FOREIGN')
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, err
	}

	out := names[:0]
	for _, n := range names {
		if _, ok := postgisSystemTables[n]; ok {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Columns implements Dialect.
func (d *PostGIS) Columns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.Column, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.column_name, c.udt_name, c.is_nullable = 'YES', c.ordinal_position,
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage k
				  ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
				  AND tc.table_schema = c.table_schema AND tc.table_name = c.table_name
				  AND k.column_name = c.column_name)
		FROM information_schema.columns c
		WHERE c.table_schema = `+currentSchema+` AND c.table_name = $2
		ORDER BY c.ordinal_position`, loc.Schema, loc.Table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []domain.Column
	for rows.Next() {
		var c domain.Column
		var udt string
		if err := rows.Scan(&c.Name, &udt, &c.Nullable, &c.Position, &c.PrimaryKey); err != nil {
			return nil, err
		}
		c.Type = domain.ParseColumnType(udt)
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, loc)
	}
	return cols, nil
}

// GeometryColumns implements Dialect.
func (d *PostGIS) GeometryColumns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.GeometryColumn, error) {
	if !d.spatial {
		return nil, nil
	}
	rows, err := q.QueryContext(ctx, `
		SELECT f_geometry_column, type, srid, coord_dimension
		FROM geometry_columns
		WHERE f_table_schema = `+currentSchema+` AND f_table_name = $2`, loc.Schema, loc.Table)
	if err != nil {
		return nil, err
	}

	var out []domain.GeometryColumn
	for rows.Next() {
		var g domain.GeometryColumn
		var gtype string
		var dim int
		if err := rows.Scan(&g.Name, &gtype, &g.SRID, &dim); err != nil {
			_ = rows.Close()
			return nil, err
		}
		g.GeometryType = domain.ParseGeometryType(gtype)
		g.Dimension = pgDimension(dim, gtype)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range out {
		idx, err := d.HasSpatialIndex(ctx, q, loc, out[i].Name)
		if err != nil {
			return nil, err
		}
		out[i].Indexed = idx
	}
	return out, nil
}

func pgDimension(dim int, gtype string) string {
	switch {
	case dim == 4:
		return "XYZM"
	case dim == 3 && strings.HasSuffix(strings.ToUpper(gtype), "M"):
		return "XYM"
	case dim == 3:
		return "XYZ"
	default:
		return "XY"
	}
}

// CreateTable implements Dialect.
func (d *PostGIS) CreateTable(ctx context.Context, q Querier, loc domain.TableLocation, cols []domain.Column, geom *domain.GeometryColumn) error {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		def := quoteIdent(c.Name) + " " + pgType(c.Type)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	if geom != nil {
		if err := d.requireSpatial(); err != nil {
			return err
		}
		defs = append(defs, quoteIdent(geom.Name)+" "+pgGeometryType(*geom))
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", loc.Quoted(quoteIdent), strings.Join(defs, ", ")) //#nosec G201 -- identifiers are quoted
	_, err := q.ExecContext(ctx, stmt)
	return err
}

func pgType(t domain.ColumnType) string {
	switch t {
	case domain.TypeDouble:
		return "DOUBLE PRECISION"
	case domain.TypeBlob:
		return "BYTEA"
	case domain.TypeVarchar, domain.TypeUnknown, domain.TypeGeometry:
		return "TEXT"
	default:
		return t.SQLType()
	}
}

func pgGeometryType(g domain.GeometryColumn) string {
	gtype := string(g.GeometryType)
	if gtype == "" {
		gtype = string(domain.GeomGeometry)
	}
	switch g.Dimension {
	case "XYZ":
		gtype += "Z"
	case "XYM":
		gtype += "M"
	case "XYZM":
		gtype += "ZM"
	}
	if g.SRID > 0 {
		return fmt.Sprintf("geometry(%s, %d)", gtype, g.SRID)
	}
	return fmt.Sprintf("geometry(%s)", gtype)
}

// RegisterGeometryColumn implements Dialect by constraining the column type.
func (d *PostGIS) RegisterGeometryColumn(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	col := quoteIdent(geom.Name)
	stmt := fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING ST_SetSRID(%s, %d)", //#nosec G201 -- identifiers are quoted
		loc.Quoted(quoteIdent), col, pgGeometryType(geom), col, geom.SRID)
	_, err := q.ExecContext(ctx, stmt)
	return err
}

// DropTable implements Dialect.
func (d *PostGIS) DropTable(ctx context.Context, q Querier, loc domain.TableLocation) error {
	var kind string
	err := q.QueryRowContext(ctx, `
		SELECT table_type FROM information_schema.tables
		WHERE table_schema = `+currentSchema+` AND table_name = $2`, loc.Schema, loc.Table).Scan(&kind)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}

	stmt := "DROP TABLE IF EXISTS "
	if kind == "VIEW" {
		stmt = "DROP VIEW IF EXISTS "
	}
	_, err = q.ExecContext(ctx, stmt+loc.Quoted(quoteIdent))
	return err
}

func (d *PostGIS) indexNames(ctx context.Context, q Querier, loc domain.TableLocation, column, method string) ([]string, error) {
	return queryStrings(ctx, q, `
		SELECT ic.relname
		FROM pg_index i
		JOIN pg_class t ON t.oid = i.indrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_class ic ON ic.oid = i.indexrelid
		JOIN pg_am am ON am.oid = ic.relam
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(i.indkey)
		WHERE n.nspname = `+currentSchema+` AND t.relname = $2 AND a.attname = $3
		  AND NOT i.indisprimary
		  AND ($4 = '' OR am.amname = $4)`, loc.Schema, loc.Table, column, method)
}

// HasIndex implements Dialect.
func (d *PostGIS) HasIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error) {
	names, err := d.indexNames(ctx, q, loc, column, "")
	return len(names) > 0, err
}

// CreateIndex implements Dialect.
func (d *PostGIS) CreateIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", //#nosec G201 -- identifiers are quoted
		quoteIdent(indexName(loc, column)), loc.Quoted(quoteIdent), quoteIdent(column))
	_, err := q.ExecContext(ctx, stmt)
	return err
}

func (d *PostGIS) dropIndexes(ctx context.Context, q Querier, loc domain.TableLocation, column, method string) error {
	names, err := d.indexNames(ctx, q, loc, column, method)
	if err != nil {
		return err
	}
	prefix := ""
	if loc.Schema != "" {
		prefix = quoteIdent(loc.Schema) + "."
	}
	for _, n := range names {
		if _, err := q.ExecContext(ctx, "DROP INDEX IF EXISTS "+prefix+quoteIdent(n)); err != nil {
			return err
		}
	}
	return nil
}

// DropIndex implements Dialect.
func (d *PostGIS) DropIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	return d.dropIndexes(ctx, q, loc, column, "")
}

// HasSpatialIndex implements Dialect.
func (d *PostGIS) HasSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error) {
	names, err := d.indexNames(ctx, q, loc, column, "gist")
	return len(names) > 0, err
}

// CreateSpatialIndex implements Dialect.
func (d *PostGIS) CreateSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIST (%s)", //#nosec G201 -- identifiers are quoted
		quoteIdent(loc.Table+"_"+column+"_gist"), loc.Quoted(quoteIdent), quoteIdent(column))
	_, err := q.ExecContext(ctx, stmt)
	return err
}

// DropSpatialIndex implements Dialect.
func (d *PostGIS) DropSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	return d.dropIndexes(ctx, q, loc, column, "gist")
}

// SetSRID implements Dialect.
func (d *PostGIS) SetSRID(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn, srid int) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		`SELECT UpdateGeometrySRID(`+currentSchema+`::varchar, $2, $3, $4)`,
		loc.Schema, loc.Table, geom.Name, srid)
	return err
}

// Extent implements Dialect.
func (d *PostGIS) Extent(ctx context.Context, q Querier, source, column, where string, args ...any) (domain.Extent, error) {
	if err := d.requireSpatial(); err != nil {
		return domain.Extent{}, err
	}
	col := quoteIdent(column)
	inner := fmt.Sprintf("SELECT ST_Extent(%s) AS e, MAX(ST_SRID(%s)) AS srid FROM %s", col, col, source) //#nosec G201 -- identifiers are quoted
	if where != "" {
		inner += " WHERE " + where
	}
	stmt := "SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e), srid FROM (" + inner + ") AS s"
	return scanExtent(q.QueryRowContext(ctx, stmt, args...), domain.SRIDUnknown)
}

// EstimatedExtent implements Dialect. Tables without statistics fall back
// to an exact extent.
func (d *PostGIS) EstimatedExtent(ctx context.Context, q Querier, loc domain.TableLocation, column string) (domain.Extent, error) {
	if err := d.requireSpatial(); err != nil {
		return domain.Extent{}, err
	}
	ext, err := scanExtent(q.QueryRowContext(ctx, `
		SELECT ST_XMin(e), ST_YMin(e), ST_XMax(e), ST_YMax(e),
			(SELECT srid FROM geometry_columns
			 WHERE f_table_schema = `+currentSchema+` AND f_table_name = $2 AND f_geometry_column = $3)
		FROM (SELECT ST_EstimatedExtent(`+currentSchema+`, $2, $3)::geometry AS e) AS s`,
		loc.Schema, loc.Table, column), domain.SRIDUnknown)
	if err == nil && !ext.IsEmpty() {
		return ext, nil
	}
	return d.Extent(ctx, q, loc.Quoted(quoteIdent), column, "")
}

// GeomFromWKB implements Dialect.
func (d *PostGIS) GeomFromWKB(placeholder string, srid int) string {
	return fmt.Sprintf("ST_GeomFromWKB(%s, %d)", placeholder, srid)
}

// AsWKB implements Dialect.
func (d *PostGIS) AsWKB(expr string) string {
	return "ST_AsBinary(" + expr + ")"
}

// Transform implements Dialect.
func (d *PostGIS) Transform(expr string, srid int) string {
	return fmt.Sprintf("ST_Transform(%s, %d)", expr, srid)
}

// GeometryType implements Dialect.
func (d *PostGIS) GeometryType(expr string) string {
	return "GeometryType(" + expr + ")"
}

// SRIDWKT implements Dialect.
func (d *PostGIS) SRIDWKT(ctx context.Context, q Querier, srid int) (string, error) {
	if err := d.requireSpatial(); err != nil {
		return "", err
	}
	var wkt sql.NullString
	err := q.QueryRowContext(ctx, "SELECT srtext FROM spatial_ref_sys WHERE srid = $1", srid).Scan(&wkt)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %d", domain.ErrInvalidSRID, srid)
	}
	return wkt.String, err
}

// Link implements Dialect. PostgreSQL cannot expose local files as tables.
func (d *PostGIS) Link(context.Context, Querier, string, domain.TableLocation, domain.FileFormat, domain.LoadOptions) error {
	return fmt.Errorf("%w: linking files is not available on PostGIS", domain.ErrUnsupported)
}

// Package datasource provides the SQL data source over SpatiaLite and PostGIS.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Querier is the subset of *sql.DB and *sql.Tx used by dialects.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Dialect hides the SQL differences between database engines.
//
// Statements written by a dialect already use its own placeholder style.
type Dialect interface {
	Name() string
	DriverName() string
	QuoteIdent(ident string) string
	Placeholder(n int) string

	// Init prepares a fresh connection pool. It reports whether spatial
	// functions are available.
	Init(ctx context.Context, q Querier, requireSpatial bool) (bool, error)

	TableNames(ctx context.Context, q Querier, schema string) ([]string, error)
	Columns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.Column, error)
	GeometryColumns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.GeometryColumn, error)

	CreateTable(ctx context.Context, q Querier, loc domain.TableLocation, cols []domain.Column, geom *domain.GeometryColumn) error
	DropTable(ctx context.Context, q Querier, loc domain.TableLocation) error

	HasIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error)
	CreateIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error
	DropIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error

	HasSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error)
	CreateSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error
	DropSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error

	// SetSRID changes the SRID of every geometry of a column and of its
	// registration.
	SetSRID(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn, srid int) error
	// RegisterGeometryColumn records a geometry column of a table that was
	// created by a query.
	RegisterGeometryColumn(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn) error

	Extent(ctx context.Context, q Querier, source, column, where string, args ...any) (domain.Extent, error)
	EstimatedExtent(ctx context.Context, q Querier, loc domain.TableLocation, column string) (domain.Extent, error)

	GeomFromWKB(placeholder string, srid int) string
	AsWKB(expr string) string
	Transform(expr string, srid int) string
	GeometryType(expr string) string

	// SRIDWKT returns the WKT definition of a coordinate reference system.
	SRIDWKT(ctx context.Context, q Querier, srid int) (string, error)

	// Link exposes a file as a table without copying its content.
	Link(ctx context.Context, q Querier, path string, loc domain.TableLocation, format domain.FileFormat, opts domain.LoadOptions) error
}

// NewDialect returns the dialect with the given name.
func NewDialect(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", DialectSpatiaLite, "sqlite", "sqlite3", "h2gis":
		return &SpatiaLite{}, nil
	case DialectPostGIS, "postgres", "postgresql", "pgx":
		return &PostGIS{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedDialect, name)
	}
}

// Dialect names.
const (
	DialectSpatiaLite = "spatialite"
	DialectPostGIS    = "postgis"
)

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// indexName is the name given to B-tree indexes created on a column.
func indexName(loc domain.TableLocation, column string) string {
	return loc.Table + "_" + column + "_idx"
}

// scanExtent scans MINX, MINY, MAXX, MAXY and SRID columns. A NULL SRID
// keeps the given one.
func scanExtent(row *sql.Row, srid int) (domain.Extent, error) {
	var minX, minY, maxX, maxY sql.NullFloat64
	var rowSRID sql.NullInt64
	if err := row.Scan(&minX, &minY, &maxX, &maxY, &rowSRID); err != nil {
		return domain.Extent{}, err
	}
	if rowSRID.Valid {
		srid = int(rowSRID.Int64)
	}
	if !minX.Valid || !minY.Valid || !maxX.Valid || !maxY.Valid {
		return domain.EmptyExtent(srid), nil
	}
	return domain.Extent{
		MinX: minX.Float64, MinY: minY.Float64,
		MaxX: maxX.Float64, MaxY: maxY.Float64,
		SRID: srid,
	}, nil
}

// queryStrings runs a statement returning a single text column.
func queryStrings(ctx context.Context, q Querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

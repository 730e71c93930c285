package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/orbisgis/orbisdata/internal/domain"
)

const spatialiteDriver = "sqlite3_spatialite"

func init() {
	sql.Register(spatialiteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: loadSpatiaLite,
	})
}

var (
	extensionMu   sync.Mutex
	extensionPath string
)

// loadSpatiaLite loads mod_spatialite into a new connection. A connection
// without the extension still works as a plain SQLite database.
func loadSpatiaLite(conn *sqlite3.SQLiteConn) error {
	extensionMu.Lock()
	defer extensionMu.Unlock()

	if extensionPath != "" {
		if err := conn.LoadExtension(extensionPath, "sqlite3_modspatialite_init"); err == nil {
			return nil
		}
	}
	for _, p := range spatiaLiteLibraryPaths() {
		if err := conn.LoadExtension(p, "sqlite3_modspatialite_init"); err == nil {
			extensionPath = p
			return nil
		}
	}
	return nil
}

// spatiaLiteLibraryPaths returns the locations tried for mod_spatialite:
// SPATIALITE_LIBRARY_PATH first, then platform specific paths.
func spatiaLiteLibraryPaths() []string {
	if envPath := os.Getenv("SPATIALITE_LIBRARY_PATH"); envPath != "" {
		return []string{envPath}
	}

	return []string{
		// Alpine
		"/usr/lib/mod_spatialite.so",
		"/usr/lib/mod_spatialite.so.8",
		// Debian/Ubuntu
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so",
		"/usr/lib/x86_64-linux-gnu/mod_spatialite.so.8",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so",
		"/usr/lib/aarch64-linux-gnu/mod_spatialite.so.8",
		// Homebrew
		"/usr/local/lib/mod_spatialite.dylib",
		"/opt/homebrew/lib/mod_spatialite.dylib",
		// Resolved by the dynamic loader
		"mod_spatialite.so",
		"mod_spatialite",
		"mod_spatialite.dylib",
	}
}

// SpatiaLiteDSN returns the connection string for a database file, or for a
// private in-memory database when path is empty or ":memory:".
func SpatiaLiteDSN(path string) string {
	if path == "" || path == ":memory:" {
		return fmt.Sprintf("file:orbisdata-%s?mode=memory&cache=shared", uuid.NewString())
	}
	return fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path))
}

// spatiaLiteSystemTables are metadata tables hidden from table listings.
var spatiaLiteSystemTables = map[string]struct{}{
	"geometry_columns":                   {},
	"geometry_columns_auth":              {},
	"geometry_columns_field_infos":       {},
	"geometry_columns_statistics":        {},
	"geometry_columns_time":              {},
	"geom_cols_ref_sys":                  {},
	"spatial_ref_sys":                    {},
	"spatial_ref_sys_all":                {},
	"spatial_ref_sys_aux":                {},
	"spatialite_history":                 {},
	"sql_statements_log":                 {},
	"views_geometry_columns":             {},
	"views_geometry_columns_auth":        {},
	"views_geometry_columns_field_infos": {},
	"views_geometry_columns_statistics":  {},
	"virts_geometry_columns":             {},
	"virts_geometry_columns_auth":        {},
	"virts_geometry_columns_field_infos": {},
	"virts_geometry_columns_statistics":  {},
	"vector_layers":                      {},
	"vector_layers_auth":                 {},
	"vector_layers_field_infos":          {},
	"vector_layers_statistics":           {},
	"data_licenses":                      {},
	"elementarygeometries":               {},
	"spatialindex":                       {},
	"knn":                                {},
	"knn2":                               {},
}

// SpatiaLite is the dialect of SQLite databases with the mod_spatialite
// extension. Without the extension geometries are stored as WKB blobs and
// spatial operations return ErrUnsupported.
type SpatiaLite struct {
	spatial bool
}

// Name implements Dialect.
func (d *SpatiaLite) Name() string { return DialectSpatiaLite }

// DriverName implements Dialect.
func (d *SpatiaLite) DriverName() string { return spatialiteDriver }

// QuoteIdent implements Dialect.
func (d *SpatiaLite) QuoteIdent(ident string) string { return quoteIdent(ident) }

// Placeholder implements Dialect.
func (d *SpatiaLite) Placeholder(int) string { return "?" }

// Init implements Dialect.
func (d *SpatiaLite) Init(ctx context.Context, q Querier, requireSpatial bool) (bool, error) {
	var version string
	if err := q.QueryRowContext(ctx, "SELECT spatialite_version()").Scan(&version); err != nil {
		if requireSpatial {
			return false, fmt.Errorf("SpatiaLite extension not available: %w", err)
		}
		d.spatial = false
		return false, nil
	}

	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'spatial_ref_sys'",
	).Scan(&count)
	if err != nil {
		return false, err
	}
	if count == 0 {
		if err := spatialCall(ctx, q, "SELECT InitSpatialMetaData(1)"); err != nil {
			return false, fmt.Errorf("initializing spatial metadata: %w", err)
		}
	}

	d.spatial = true
	return true, nil
}

// spatialCall runs a SpatiaLite function that returns 1 on success.
func spatialCall(ctx context.Context, q Querier, query string, args ...any) error {
	var ok sql.NullInt64
	if err := q.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return err
	}
	if !ok.Valid || ok.Int64 != 1 {
		return fmt.Errorf("%s returned %v", strings.SplitN(strings.TrimPrefix(query, "SELECT "), "(", 2)[0], ok.Int64)
	}
	return nil
}

func (d *SpatiaLite) requireSpatial() error {
	if !d.spatial {
		return fmt.Errorf("%w: SpatiaLite extension is not loaded", domain.ErrUnsupported)
	}
	return nil
}

// schemaName is the schema argument of the pragma table functions.
func schemaName(schema string) string {
	if schema == "" {
		return "main"
	}
	return schema
}

func schemaPrefix(schema string) string {
	if schema == "" || strings.EqualFold(schema, "main") {
		return ""
	}
	return quoteIdent(schema) + "."
}

// TableNames implements Dialect.
func (d *SpatiaLite) TableNames(ctx context.Context, q Querier, schema string) ([]string, error) {
	names, err := queryStrings(ctx, q, fmt.Sprintf( //#nosec G201 -- schema is quoted
		`SELECT name FROM %ssqlite_master
		WHERE type IN ('table', 'view')
		  AND name NOT LIKE 'sqlite\_%%' ESCAPE '\'
		  AND name NOT LIKE 'idx\_%%' ESCAPE '\'
		ORDER BY name`, schemaPrefix(schema)))
	if err != nil {
		return nil, err
	}

	out := names[:0]
	for _, n := range names {
		if _, ok := spatiaLiteSystemTables[strings.ToLower(n)]; ok {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// Columns implements Dialect.
func (d *SpatiaLite) Columns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.Column, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT cid, name, type, "notnull", pk FROM pragma_table_info(?, ?)`, loc.Table, schemaName(loc.Schema))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []domain.Column
	for rows.Next() {
		var (
			cid           int
			name, decl    string
			notNull, isPK int
		)
		if err := rows.Scan(&cid, &name, &decl, &notNull, &isPK); err != nil {
			return nil, err
		}
		cols = append(cols, domain.Column{
			Name:       name,
			Type:       domain.ParseColumnType(decl),
			Nullable:   notNull == 0,
			PrimaryKey: isPK > 0,
			Position:   cid + 1,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, loc)
	}
	return cols, nil
}

// GeometryColumns implements Dialect. Columns not registered in
// geometry_columns are recognized by their declared type.
func (d *SpatiaLite) GeometryColumns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.GeometryColumn, error) {
	if d.spatial {
		rows, err := q.QueryContext(ctx,
			`SELECT f_geometry_column, geometry_type, srid, spatial_index_enabled
			FROM geometry_columns WHERE lower(f_table_name) = lower(?)`, loc.Table)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rows.Close() }()

		var out []domain.GeometryColumn
		for rows.Next() {
			var (
				name            string
				code, srid, idx int
			)
			if err := rows.Scan(&name, &code, &srid, &idx); err != nil {
				return nil, err
			}
			gtype, dim := domain.GeometryTypeFromCode(code)
			out = append(out, domain.GeometryColumn{
				Name:         name,
				GeometryType: gtype,
				SRID:         srid,
				Dimension:    dim,
				Indexed:      idx == 1,
			})
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
	}

	return d.declaredGeometryColumns(ctx, q, loc)
}

func (d *SpatiaLite) declaredGeometryColumns(ctx context.Context, q Querier, loc domain.TableLocation) ([]domain.GeometryColumn, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?, ?)`, loc.Table, schemaName(loc.Schema))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.GeometryColumn
	for rows.Next() {
		var name, decl string
		if err := rows.Scan(&name, &decl); err != nil {
			return nil, err
		}
		if domain.ParseColumnType(decl) != domain.TypeGeometry {
			continue
		}
		out = append(out, domain.GeometryColumn{
			Name:         name,
			GeometryType: domain.ParseGeometryType(decl),
			SRID:         declaredSRID(decl),
			Dimension:    "XY",
		})
	}
	return out, rows.Err()
}

// declaredSRID extracts the SRID of a declared type such as "POINT(4326)".
func declaredSRID(decl string) int {
	open := strings.IndexByte(decl, '(')
	end := strings.LastIndexByte(decl, ')')
	if open < 0 || end <= open {
		return domain.SRIDUnknown
	}
	var srid int
	if _, err := fmt.Sscanf(strings.TrimSpace(decl[open+1:end]), "%d", &srid); err != nil {
		return domain.SRIDUnknown
	}
	return srid
}

// CreateTable implements Dialect.
func (d *SpatiaLite) CreateTable(ctx context.Context, q Querier, loc domain.TableLocation, cols []domain.Column, geom *domain.GeometryColumn) error {
	defs := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		def := quoteIdent(c.Name) + " " + c.Type.SQLType()
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	if geom != nil && !d.spatial {
		decl := string(geom.GeometryType)
		if geom.SRID > 0 {
			decl = fmt.Sprintf("%s(%d)", decl, geom.SRID)
		}
		defs = append(defs, quoteIdent(geom.Name)+" "+decl)
	}
	if len(defs) == 0 {
		// SQLite needs at least one column; AddGeometryColumn adds the real one.
		defs = append(defs, `"PK" INTEGER PRIMARY KEY`)
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", loc.Quoted(quoteIdent), strings.Join(defs, ", ")) //#nosec G201 -- identifiers are quoted
	if _, err := q.ExecContext(ctx, stmt); err != nil {
		return err
	}

	if geom != nil && d.spatial {
		return d.RegisterGeometryColumn(ctx, q, loc, *geom)
	}
	return nil
}

// RegisterGeometryColumn implements Dialect. A column that already exists is
// recovered, otherwise it is added.
func (d *SpatiaLite) RegisterGeometryColumn(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	dim := geom.Dimension
	if dim == "" {
		dim = "XY"
	}
	gtype := string(geom.GeometryType)
	if gtype == "" {
		gtype = string(domain.GeomGeometry)
	}

	var exists int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?, ?) WHERE lower(name) = lower(?)`,
		loc.Table, schemaName(loc.Schema), geom.Name).Scan(&exists)
	if err != nil {
		return err
	}

	if exists > 0 {
		return spatialCall(ctx, q, "SELECT RecoverGeometryColumn(?, ?, ?, ?, ?)",
			loc.Table, geom.Name, geom.SRID, gtype, dim)
	}
	return spatialCall(ctx, q, "SELECT AddGeometryColumn(?, ?, ?, ?, ?)",
		loc.Table, geom.Name, geom.SRID, gtype, dim)
}

// DropTable implements Dialect. Spatial indexes and geometry registrations
// are removed before the table.
func (d *SpatiaLite) DropTable(ctx context.Context, q Querier, loc domain.TableLocation) error {
	if d.spatial {
		geoms, err := d.GeometryColumns(ctx, q, loc)
		if err != nil {
			return err
		}
		for _, g := range geoms {
			if g.Indexed {
				if err := d.DropSpatialIndex(ctx, q, loc, g.Name); err != nil {
					return err
				}
			}
			// Unregistered columns make DiscardGeometryColumn return 0.
			if _, err := q.ExecContext(ctx, "SELECT DiscardGeometryColumn(?, ?)", loc.Table, g.Name); err != nil {
				return err
			}
		}
	}

	kind := "TABLE"
	var isView int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+schemaPrefix(loc.Schema)+"sqlite_master WHERE type = 'view' AND lower(name) = lower(?)", loc.Table,
	).Scan(&isView)
	if err != nil {
		return err
	}
	if isView > 0 {
		kind = "VIEW"
	}

	_, err = q.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", kind, loc.Quoted(quoteIdent))) //#nosec G201 -- identifiers are quoted
	return err
}

// HasIndex implements Dialect.
func (d *SpatiaLite) HasIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_index_list(?, ?) AS il
		JOIN pragma_index_info(il.name, ?) AS ii
		WHERE lower(ii.name) = lower(?)`, loc.Table, schemaName(loc.Schema), schemaName(loc.Schema), column).Scan(&count)
	return count > 0, err
}

// CreateIndex implements Dialect.
func (d *SpatiaLite) CreateIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	// SQLite qualifies the index name, never the indexed table.
	stmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s%s ON %s (%s)", //#nosec G201 -- identifiers are quoted
		schemaPrefix(loc.Schema), quoteIdent(indexName(loc, column)), quoteIdent(loc.Table), quoteIdent(column))
	_, err := q.ExecContext(ctx, stmt)
	return err
}

// DropIndex implements Dialect. Every index on the column is dropped.
func (d *SpatiaLite) DropIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	names, err := queryStrings(ctx, q,
		`SELECT il.name FROM pragma_index_list(?, ?) AS il
		JOIN pragma_index_info(il.name, ?) AS ii
		WHERE lower(ii.name) = lower(?) AND il.origin = 'c'`, loc.Table, schemaName(loc.Schema), schemaName(loc.Schema), column)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, err := q.ExecContext(ctx, "DROP INDEX IF EXISTS "+schemaPrefix(loc.Schema)+quoteIdent(n)); err != nil {
			return err
		}
	}
	return nil
}

// HasSpatialIndex implements Dialect.
func (d *SpatiaLite) HasSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) (bool, error) {
	if !d.spatial {
		return false, nil
	}
	var enabled sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT spatial_index_enabled FROM geometry_columns
		WHERE lower(f_table_name) = lower(?) AND lower(f_geometry_column) = lower(?)`,
		loc.Table, column).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return enabled.Int64 == 1, err
}

// CreateSpatialIndex implements Dialect.
func (d *SpatiaLite) CreateSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	return spatialCall(ctx, q, "SELECT CreateSpatialIndex(?, ?)", loc.Table, column)
}

// DropSpatialIndex implements Dialect.
func (d *SpatiaLite) DropSpatialIndex(ctx context.Context, q Querier, loc domain.TableLocation, column string) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	if err := spatialCall(ctx, q, "SELECT DisableSpatialIndex(?, ?)", loc.Table, column); err != nil {
		return err
	}
	idx := schemaPrefix(loc.Schema) + quoteIdent("idx_"+loc.Table+"_"+column)
	_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+idx)
	return err
}

// SetSRID implements Dialect. The registration is discarded, geometries are
// updated and the column is recovered with its new SRID. A spatial index is
// rebuilt when one existed.
func (d *SpatiaLite) SetSRID(ctx context.Context, q Querier, loc domain.TableLocation, geom domain.GeometryColumn, srid int) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}

	indexed, err := d.HasSpatialIndex(ctx, q, loc, geom.Name)
	if err != nil {
		return err
	}
	if indexed {
		if err := d.DropSpatialIndex(ctx, q, loc, geom.Name); err != nil {
			return err
		}
	}

	if _, err := q.ExecContext(ctx, "SELECT DiscardGeometryColumn(?, ?)", loc.Table, geom.Name); err != nil {
		return err
	}

	update := fmt.Sprintf("UPDATE %s SET %s = SetSRID(%s, ?)", //#nosec G201 -- identifiers are quoted
		loc.Quoted(quoteIdent), quoteIdent(geom.Name), quoteIdent(geom.Name))
	if _, err := q.ExecContext(ctx, update, srid); err != nil {
		return err
	}

	geom.SRID = srid
	if err := d.RegisterGeometryColumn(ctx, q, loc, geom); err != nil {
		return err
	}
	if indexed {
		return d.CreateSpatialIndex(ctx, q, loc, geom.Name)
	}
	return nil
}

// Extent implements Dialect.
func (d *SpatiaLite) Extent(ctx context.Context, q Querier, source, column, where string, args ...any) (domain.Extent, error) {
	if err := d.requireSpatial(); err != nil {
		return domain.Extent{}, err
	}
	col := quoteIdent(column)
	stmt := fmt.Sprintf( //#nosec G201 -- identifiers are quoted
		"SELECT MIN(MbrMinX(%s)), MIN(MbrMinY(%s)), MAX(MbrMaxX(%s)), MAX(MbrMaxY(%s)), MAX(SRID(%s)) FROM %s",
		col, col, col, col, col, source)
	if where != "" {
		stmt += " WHERE " + where
	}
	return scanExtent(q.QueryRowContext(ctx, stmt, args...), domain.SRIDUnknown)
}

// EstimatedExtent implements Dialect. It reads the layer statistics and
// falls back to an exact extent when they are missing.
func (d *SpatiaLite) EstimatedExtent(ctx context.Context, q Querier, loc domain.TableLocation, column string) (domain.Extent, error) {
	if err := d.requireSpatial(); err != nil {
		return domain.Extent{}, err
	}
	var srid sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT srid FROM geometry_columns
		WHERE lower(f_table_name) = lower(?) AND lower(f_geometry_column) = lower(?)`,
		loc.Table, column).Scan(&srid)
	if err != nil && err != sql.ErrNoRows {
		return domain.Extent{}, err
	}

	ext, err := scanExtent(q.QueryRowContext(ctx,
		`SELECT MbrMinX(e), MbrMinY(e), MbrMaxX(e), MbrMaxY(e), NULL
		FROM (SELECT GetLayerExtent(?, ?) AS e)`, loc.Table, column), int(srid.Int64))
	if err == nil && !ext.IsEmpty() {
		return ext, nil
	}
	return d.Extent(ctx, q, loc.Quoted(quoteIdent), column, "")
}

// GeomFromWKB implements Dialect.
func (d *SpatiaLite) GeomFromWKB(placeholder string, srid int) string {
	if !d.spatial {
		return placeholder
	}
	return fmt.Sprintf("GeomFromWKB(%s, %d)", placeholder, srid)
}

// AsWKB implements Dialect.
func (d *SpatiaLite) AsWKB(expr string) string {
	if !d.spatial {
		return expr
	}
	return "AsBinary(" + expr + ")"
}

// Transform implements Dialect.
func (d *SpatiaLite) Transform(expr string, srid int) string {
	return fmt.Sprintf("Transform(%s, %d)", expr, srid)
}

// GeometryType implements Dialect.
func (d *SpatiaLite) GeometryType(expr string) string {
	return "GeometryType(" + expr + ")"
}

// SRIDWKT implements Dialect.
func (d *SpatiaLite) SRIDWKT(ctx context.Context, q Querier, srid int) (string, error) {
	if err := d.requireSpatial(); err != nil {
		return "", err
	}
	var wkt sql.NullString
	err := q.QueryRowContext(ctx, "SELECT srtext FROM spatial_ref_sys WHERE srid = ?", srid).Scan(&wkt)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %d", domain.ErrInvalidSRID, srid)
	}
	return wkt.String, err
}

// Link implements Dialect with the SpatiaLite virtual table modules.
func (d *SpatiaLite) Link(ctx context.Context, q Querier, path string, loc domain.TableLocation, format domain.FileFormat, opts domain.LoadOptions) error {
	if err := d.requireSpatial(); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	charset := opts.Encoding
	if charset == "" {
		charset = "UTF-8"
	}

	var module string
	switch format {
	case domain.FormatShapefile:
		module = fmt.Sprintf("VirtualShape(%s, %s, %d)",
			quoteLiteral(strings.TrimSuffix(abs, filepath.Ext(abs))), quoteLiteral(charset), opts.SRID)
	case domain.FormatDBF:
		module = fmt.Sprintf("VirtualDbf(%s, %s)", quoteLiteral(abs), quoteLiteral(charset))
	case domain.FormatCSV:
		module = fmt.Sprintf("VirtualText(%s, %s, 1, POINT, DOUBLEQUOTE, ',')", quoteLiteral(abs), quoteLiteral(charset))
	case domain.FormatTSV:
		module = fmt.Sprintf("VirtualText(%s, %s, 1, POINT, DOUBLEQUOTE, TAB)", quoteLiteral(abs), quoteLiteral(charset))
	case domain.FormatGeoJSON:
		srid := opts.SRID
		if srid == 0 {
			srid = domain.SRIDWGS84
		}
		module = fmt.Sprintf("VirtualGeoJSON(%s, %d)", quoteLiteral(abs), srid)
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}

	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE %s USING %s", loc.Quoted(quoteIdent), module) //#nosec G201 -- identifiers and literals are quoted
	_, err = q.ExecContext(ctx, stmt)
	return err
}

package datasource

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

// Table is a database table, or the result of a query seen as a table.
type Table struct {
	ds  *DataSource
	loc domain.TableLocation

	// query backed tables
	sql   string
	args  []any
	geoms []domain.GeometryColumn
}

// resolve parses a table name and matches it case-insensitively against the
// existing tables.
func (ds *DataSource) resolve(ctx context.Context, name string) (domain.TableLocation, error) {
	if err := ds.checkOpen(); err != nil {
		return domain.TableLocation{}, err
	}
	loc, err := domain.ParseTableLocation(name)
	if err != nil {
		return domain.TableLocation{}, err
	}
	names, err := ds.dialect.TableNames(ctx, ds.db, loc.Schema)
	if err != nil {
		return domain.TableLocation{}, &domain.QueryError{Table: name, Err: err}
	}
	for _, n := range names {
		if n == loc.Table {
			return loc, nil
		}
	}
	for _, n := range names {
		if strings.EqualFold(n, loc.Table) {
			loc.Table = n
			return loc, nil
		}
	}
	return domain.TableLocation{}, fmt.Errorf("%w: %s", domain.ErrTableNotFound, name)
}

// TableNames lists the user tables of a schema, "" for the default one.
func (ds *DataSource) TableNames(ctx context.Context, schema string) ([]string, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}
	names, err := ds.dialect.TableNames(ctx, ds.db, schema)
	if err != nil {
		return nil, &domain.QueryError{Err: err}
	}
	return names, nil
}

// HasTable reports whether a table exists. Names are compared without case.
func (ds *DataSource) HasTable(ctx context.Context, name string) (bool, error) {
	_, err := ds.resolve(ctx, name)
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrTableNotFound)
}

// Table returns a handle on an existing table.
func (ds *DataSource) Table(ctx context.Context, name string) (*Table, error) {
	loc, err := ds.resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Table{ds: ds, loc: loc}, nil
}

// QueryTable returns the rows of a built query as a table.
func (ds *DataSource) QueryTable(b *query.Builder) (*Table, error) {
	stmt, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &Table{ds: ds, sql: stmt, args: args}, nil
}

// TableOf returns a built query as a table. It lets a bound builder's
// Table method reach QueryTable.
func (ds *DataSource) TableOf(b *query.Builder) (query.Table, error) {
	t, err := ds.QueryTable(b)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// DropTable drops tables, ignoring the ones that do not exist.
func (ds *DataSource) DropTable(ctx context.Context, names ...string) error {
	for _, name := range names {
		loc, err := ds.resolve(ctx, name)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return err
		}
		start := time.Now()
		err = ds.dialect.DropTable(ctx, ds.db, loc)
		ds.observe("DROP TABLE "+loc.String(), start, err)
		if err != nil {
			return &domain.QueryError{Table: loc.String(), Err: err}
		}
		ds.logger.Info("table dropped", "table", loc.String())
	}
	return nil
}

// CreateTable creates a table with the given columns and an optional
// geometry column.
func (ds *DataSource) CreateTable(ctx context.Context, name string, cols []domain.Column, geom *domain.GeometryColumn) (*Table, error) {
	if err := ds.checkOpen(); err != nil {
		return nil, err
	}
	loc, err := domain.ParseTableLocation(name)
	if err != nil {
		return nil, err
	}
	exists, err := ds.HasTable(ctx, name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTableExists, name)
	}

	start := time.Now()
	err = ds.dialect.CreateTable(ctx, ds.db, loc, cols, geom)
	ds.observe("CREATE TABLE "+loc.String(), start, err)
	if err != nil {
		return nil, &domain.QueryError{Table: loc.String(), Err: err}
	}
	return &Table{ds: ds, loc: loc}, nil
}

// Location returns the location of the table. It is zero for query backed
// tables.
func (t *Table) Location() domain.TableLocation { return t.loc }

// Name returns the table name, or the query text for query backed tables.
func (t *Table) Name() string {
	if t.sql != "" {
		return t.sql
	}
	return t.loc.String()
}

// IsQuery reports whether the table is backed by a query.
func (t *Table) IsQuery() bool { return t.sql != "" }

// DataSource returns the data source of the table.
func (t *Table) DataSource() *DataSource { return t.ds }

// source is the FROM clause item of the table.
func (t *Table) source() string {
	if t.sql != "" {
		return "(" + t.sql + ") AS q"
	}
	return t.loc.Quoted(quoteIdent)
}

// Columns returns the columns of the table.
func (t *Table) Columns(ctx context.Context) ([]domain.Column, error) {
	if err := t.ds.checkOpen(); err != nil {
		return nil, err
	}
	if t.sql != "" {
		return t.queryColumns(ctx)
	}
	cols, err := t.ds.dialect.Columns(ctx, t.ds.db, t.loc)
	if err != nil {
		return nil, &domain.QueryError{Table: t.Name(), Err: err}
	}
	return cols, nil
}

func (t *Table) queryColumns(ctx context.Context) ([]domain.Column, error) {
	rs, err := t.ds.Query(ctx, "SELECT * FROM "+t.source()+" LIMIT 0", t.args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rs.Close() }()

	types, err := rs.ColumnTypes()
	if err != nil {
		return nil, err
	}
	cols := make([]domain.Column, len(types))
	for i, ct := range types {
		nullable, ok := ct.Nullable()
		cols[i] = domain.Column{
			Name:     ct.Name(),
			Type:     domain.ParseColumnType(ct.DatabaseTypeName()),
			Nullable: nullable || !ok,
			Position: i + 1,
		}
	}
	return cols, rs.Close()
}

// ColumnNames returns the column names of the table.
func (t *Table) ColumnNames(ctx context.Context) ([]string, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

func findColumn(cols []domain.Column, name string) (domain.Column, bool) {
	for _, c := range cols {
		if c.Name == name {
			return c, true
		}
	}
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return domain.Column{}, false
}

// HasColumn reports whether the table has a column. Names are compared
// without case.
func (t *Table) HasColumn(ctx context.Context, name string) (bool, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return false, err
	}
	_, ok := findColumn(cols, name)
	return ok, nil
}

// ColumnType returns the type of a column.
func (t *Table) ColumnType(ctx context.Context, name string) (domain.ColumnType, error) {
	c, err := t.Column(ctx, name)
	if err != nil {
		return domain.TypeUnknown, err
	}
	return c.Type(), nil
}

// Column returns a handle on a column of the table.
func (t *Table) Column(ctx context.Context, name string) (*Column, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return nil, err
	}
	c, ok := findColumn(cols, name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrColumnNotFound, t.Name(), name)
	}
	col := &Column{table: t, meta: c}
	if t.sql == "" {
		geoms, err := t.geometryColumns(ctx)
		if err != nil {
			return nil, err
		}
		for _, g := range geoms {
			if strings.EqualFold(g.Name, c.Name) {
				col.geom = &g
				col.meta.Type = domain.TypeGeometry
				break
			}
		}
	}
	return col, nil
}

func (t *Table) geometryColumns(ctx context.Context) ([]domain.GeometryColumn, error) {
	if t.sql != "" {
		return t.geoms, nil
	}
	geoms, err := t.ds.dialect.GeometryColumns(ctx, t.ds.db, t.loc)
	if err != nil {
		return nil, &domain.QueryError{Table: t.Name(), Err: err}
	}
	return geoms, nil
}

// selectList returns the columns of the table with geometry columns read
// as WKB.
func (t *Table) selectList(ctx context.Context) ([]string, error) {
	if t.sql != "" {
		return nil, nil
	}
	cols, err := t.Columns(ctx)
	if err != nil {
		return nil, err
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return nil, err
	}

	list := make([]string, len(cols))
	for i, c := range cols {
		q := quoteIdent(c.Name)
		list[i] = q
		for _, g := range geoms {
			if strings.EqualFold(g.Name, c.Name) {
				list[i] = t.ds.dialect.AsWKB(q) + " AS " + q
				break
			}
		}
	}
	return list, nil
}

// Select returns a builder selecting from this table. Without columns every
// column is selected, with geometries as WKB.
func (t *Table) Select(columns ...string) *query.Builder {
	b := query.Select(columns...).From(t.source())
	if t.sql != "" {
		return b.Bind(&argsRunner{ds: t.ds, args: t.args})
	}
	return b.Bind(t.ds)
}

func (t *Table) selectAll(ctx context.Context) (*query.Builder, error) {
	list, err := t.selectList(ctx)
	if err != nil {
		return nil, err
	}
	return t.Select(list...), nil
}

// RowCount returns the number of rows of the table.
func (t *Table) RowCount(ctx context.Context) (int64, error) {
	return t.Select().Count(ctx)
}

// FirstRow returns the first row of the table.
func (t *Table) FirstRow(ctx context.Context) (domain.Row, error) {
	b, err := t.selectAll(ctx)
	if err != nil {
		return domain.Row{}, err
	}
	return b.Limit(1).FirstRow(ctx)
}

// Rows returns every row of the table.
func (t *Table) Rows(ctx context.Context) ([]domain.Row, error) {
	b, err := t.selectAll(ctx)
	if err != nil {
		return nil, err
	}
	return b.Rows(ctx)
}

// EachRow calls fn for every row of the table until fn fails.
func (t *Table) EachRow(ctx context.Context, fn func(domain.Row) error) error {
	b, err := t.selectAll(ctx)
	if err != nil {
		return err
	}
	return b.EachRow(ctx, fn)
}

// Filter returns the rows matching the options. Without a column option
// every column is selected.
func (t *Table) Filter(ctx context.Context, opts query.Options) ([]domain.Row, error) {
	b, err := t.filterBuilder(ctx, opts)
	if err != nil {
		return nil, err
	}
	return b.Rows(ctx)
}

func (t *Table) filterBuilder(ctx context.Context, opts query.Options) (*query.Builder, error) {
	if len(opts.Columns) == 0 {
		b, err := t.selectAll(ctx)
		if err != nil {
			return nil, err
		}
		return b.Apply(opts), nil
	}
	cols, err := t.wkbColumns(ctx, opts.Columns)
	if err != nil {
		return nil, err
	}
	opts.Columns = cols
	return t.Select().Apply(opts), nil
}

// Query returns the rows matching the options as a query backed table.
// Geometry columns keep their type so that Print renders them as WKT.
func (t *Table) Query(ctx context.Context, opts query.Options) (*Table, error) {
	b, err := t.filterBuilder(ctx, opts)
	if err != nil {
		return nil, err
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return nil, err
	}
	qt, err := t.ds.QueryTable(b)
	if err != nil {
		return nil, err
	}
	qt.geoms = geoms
	return qt, nil
}

// wkbColumns wraps the geometry columns of a column list in AsWKB.
func (t *Table) wkbColumns(ctx context.Context, columns []string) ([]string, error) {
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c
		for _, g := range geoms {
			if strings.EqualFold(g.Name, c) || strings.EqualFold(quoteIdent(g.Name), c) {
				q := quoteIdent(g.Name)
				out[i] = t.ds.dialect.AsWKB(q) + " AS " + q
				break
			}
		}
	}
	return out, nil
}

// Summary describes the table: columns, row count, geometry columns and
// the extent of the first geometry column.
func (t *Table) Summary(ctx context.Context) (*domain.TableSummary, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return nil, err
	}
	count, err := t.RowCount(ctx)
	if err != nil {
		return nil, err
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return nil, err
	}

	s := &domain.TableSummary{
		Location:        t.loc,
		Name:            t.Name(),
		Columns:         cols,
		RowCount:        count,
		GeometryColumns: geoms,
	}
	if len(geoms) > 0 && count > 0 {
		st := &SpatialTable{Table: t, geom: geoms[0]}
		ext, err := st.Extent(ctx, "")
		if err != nil {
			return nil, err
		}
		if !ext.IsEmpty() {
			s.Extent = &ext
		}
	}
	return s, nil
}

// argsRunner prepends the arguments of a query backed table to the
// arguments of the statements built on it.
type argsRunner struct {
	ds   *DataSource
	args []any
}

func (r *argsRunner) with(args []any) []any {
	return append(append(make([]any, 0, len(r.args)+len(args)), r.args...), args...)
}

func (r *argsRunner) Rows(ctx context.Context, stmt string, args ...any) ([]domain.Row, error) {
	return r.ds.Rows(ctx, stmt, r.with(args)...)
}

func (r *argsRunner) FirstRow(ctx context.Context, stmt string, args ...any) (domain.Row, error) {
	return r.ds.FirstRow(ctx, stmt, r.with(args)...)
}

func (r *argsRunner) EachRow(ctx context.Context, stmt string, fn func(domain.Row) error, args ...any) error {
	return r.ds.EachRow(ctx, stmt, fn, r.with(args)...)
}

func (r *argsRunner) TableOf(b *query.Builder) (query.Table, error) {
	stmt, args, err := b.Build()
	if err != nil {
		return nil, err
	}
	return &Table{ds: r.ds, sql: stmt, args: r.with(args)}, nil
}

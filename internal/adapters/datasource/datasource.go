package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
	"github.com/orbisgis/orbisdata/internal/query"
)

// Config holds the connection settings of a data source.
type Config struct {
	Dialect        string // "spatialite" or "postgis"
	Path           string // SpatiaLite database file, empty for in-memory
	DSN            string // connection string, overrides Path
	RequireSpatial bool   // fail when the spatial extension is missing
	MaxOpenConns   int
}

// DataSource executes SQL on a spatial database and hands out tables.
type DataSource struct {
	conn
	db      *sql.DB
	dialect Dialect
	spatial bool
	logger  *slog.Logger
	metrics output.MetricsCollector
	closed  atomic.Bool
}

var (
	_ output.SpatialStore        = (*DataSource)(nil)
	_ output.GeometryTransformer = (*DataSource)(nil)
)

// Open connects to the database described by cfg.
func Open(ctx context.Context, cfg Config, metrics output.MetricsCollector, logger *slog.Logger) (*DataSource, error) {
	dialect, err := NewDialect(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}

	dsn := cfg.DSN
	maxConns := cfg.MaxOpenConns
	if dialect.Name() == DialectSpatiaLite {
		if dsn == "" {
			dsn = SpatiaLiteDSN(cfg.Path)
		}
		if maxConns <= 0 {
			maxConns = 1
		}
	}
	if dsn == "" {
		return nil, &domain.ConfigError{Field: "datasource.dsn", Message: "connection string is required for " + dialect.Name()}
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, &domain.StorageError{Operation: "open", Key: cfg.Path, Err: err}
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &domain.StorageError{Operation: "open", Key: cfg.Path, Err: err}
	}

	spatial, err := dialect.Init(ctx, db, cfg.RequireSpatial)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if !spatial {
		logger.Warn("spatial extension not available, geometries are stored as WKB",
			"dialect", dialect.Name())
	}

	ds := &DataSource{
		db:      db,
		dialect: dialect,
		spatial: spatial,
		logger:  logger.With("component", "datasource", "dialect", dialect.Name()),
		metrics: metrics,
	}
	ds.conn = conn{q: db, ds: ds}

	ds.logger.Info("data source opened", "spatial", spatial)
	return ds, nil
}

// OpenSpatiaLite opens a SpatiaLite database file, or an in-memory database
// when path is empty.
func OpenSpatiaLite(ctx context.Context, path string) (*DataSource, error) {
	return Open(ctx, Config{Dialect: DialectSpatiaLite, Path: path}, nil, nil)
}

// OpenPostGIS opens a PostGIS database.
func OpenPostGIS(ctx context.Context, dsn string) (*DataSource, error) {
	return Open(ctx, Config{Dialect: DialectPostGIS, DSN: dsn, RequireSpatial: true}, nil, nil)
}

// Dialect returns the SQL dialect of the data source.
func (ds *DataSource) Dialect() Dialect { return ds.dialect }

// DialectName returns the name of the SQL dialect.
func (ds *DataSource) DialectName() string { return ds.dialect.Name() }

// IsSpatial reports whether the spatial extension is available.
func (ds *DataSource) IsSpatial() bool { return ds.spatial }

// DB returns the underlying connection pool.
func (ds *DataSource) DB() *sql.DB { return ds.db }

// Ping verifies the connection is alive.
func (ds *DataSource) Ping(ctx context.Context) error {
	if ds.closed.Load() {
		return domain.ErrClosed
	}
	return ds.db.PingContext(ctx)
}

// Close closes the connection pool. Later calls return ErrClosed.
func (ds *DataSource) Close() error {
	if !ds.closed.CompareAndSwap(false, true) {
		return domain.ErrClosed
	}
	ds.logger.Info("data source closed")
	return ds.db.Close()
}

func (ds *DataSource) checkOpen() error {
	if ds.closed.Load() {
		return domain.ErrClosed
	}
	return nil
}

// observe logs a statement and records its metrics.
func (ds *DataSource) observe(stmt string, start time.Time, err error) {
	d := time.Since(start)
	ds.metrics.IncQueryCount(ds.dialect.Name(), err == nil)
	ds.metrics.ObserveQueryDuration(ds.dialect.Name(), d)
	if err != nil {
		ds.logger.Debug("statement failed", "sql", stmt, "duration", d, "error", err)
		return
	}
	ds.logger.Debug("statement executed", "sql", stmt, "duration", d)
}

// Select returns a query builder bound to the data source.
func (ds *DataSource) Select(columns ...string) *query.Builder {
	return query.Select(columns...).Bind(ds)
}

// Transaction runs fn in a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (ds *DataSource) Transaction(ctx context.Context, fn func(tx *Tx) error) (err error) {
	if err := ds.checkOpen(); err != nil {
		return err
	}
	sqlTx, err := ds.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{conn: conn{q: sqlTx, ds: ds}, tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Tx is a transaction on a data source.
type Tx struct {
	conn
	tx *sql.Tx
}

// Select returns a query builder bound to the transaction.
func (tx *Tx) Select(columns ...string) *query.Builder {
	return query.Select(columns...).Bind(tx)
}

// conn runs statements on a pool or a transaction. Statements are written
// with "?" placeholders and rebound to the dialect style.
type conn struct {
	q  Querier
	ds *DataSource
}

func (c conn) rebind(stmt string) string {
	if c.ds.dialect.Name() == DialectSpatiaLite {
		return stmt
	}
	return query.Rebind(stmt, c.ds.dialect.Placeholder)
}

// Execute runs a statement and returns the number of affected rows.
func (c conn) Execute(ctx context.Context, stmt string, args ...any) (int64, error) {
	if err := c.ds.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	res, err := c.q.ExecContext(ctx, c.rebind(stmt), args...)
	c.ds.observe(stmt, start, err)
	if err != nil {
		return 0, &domain.QueryError{SQL: stmt, Err: err}
	}
	return res.RowsAffected()
}

// Query runs a statement and returns its result set. The caller must close
// the result set.
func (c conn) Query(ctx context.Context, stmt string, args ...any) (*ResultSet, error) {
	if err := c.ds.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := c.q.QueryContext(ctx, c.rebind(stmt), args...)
	c.ds.observe(stmt, start, err)
	if err != nil {
		return nil, &domain.QueryError{SQL: stmt, Err: err}
	}
	return newResultSet(rows)
}

// Rows runs a statement and returns all rows.
func (c conn) Rows(ctx context.Context, stmt string, args ...any) ([]domain.Row, error) {
	var out []domain.Row
	err := c.EachRow(ctx, stmt, func(r domain.Row) error {
		out = append(out, r)
		return nil
	}, args...)
	return out, err
}

// FirstRow runs a statement and returns its first row. A statement without
// rows returns ErrRowNotFound.
func (c conn) FirstRow(ctx context.Context, stmt string, args ...any) (domain.Row, error) {
	rs, err := c.Query(ctx, stmt, args...)
	if err != nil {
		return domain.Row{}, err
	}
	defer func() { _ = rs.Close() }()

	if !rs.Next() {
		if err := rs.Err(); err != nil {
			return domain.Row{}, &domain.QueryError{SQL: stmt, Err: err}
		}
		return domain.Row{}, domain.ErrRowNotFound
	}
	return rs.Row()
}

// EachRow runs a statement and calls fn for every row. Iteration stops at
// the first error returned by fn.
func (c conn) EachRow(ctx context.Context, stmt string, fn func(domain.Row) error, args ...any) error {
	rs, err := c.Query(ctx, stmt, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()

	for rs.Next() {
		row, err := rs.Row()
		if err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	if err := rs.Err(); err != nil {
		return &domain.QueryError{SQL: stmt, Err: err}
	}
	return rs.Close()
}

// InsertRows inserts rows into a table in one transaction and returns the
// number of inserted rows. Values that are orb geometries are written as WKB
// into geometry columns.
func (ds *DataSource) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	loc, err := ds.resolve(ctx, table)
	if err != nil {
		return 0, err
	}
	geoms, err := ds.dialect.GeometryColumns(ctx, ds.db, loc)
	if err != nil {
		return 0, &domain.QueryError{Table: loc.String(), Err: err}
	}

	stmt := ds.insertStatement(loc, columns, geoms)
	var n int64
	err = ds.Transaction(ctx, func(tx *Tx) error {
		n, err = tx.insert(ctx, stmt, rows)
		return err
	})
	return n, err
}

func (ds *DataSource) insertStatement(loc domain.TableLocation, columns []string, geoms []domain.GeometryColumn) string {
	marks := make([]string, len(columns))
	for i, c := range columns {
		marks[i] = "?"
		for _, g := range geoms {
			if strings.EqualFold(g.Name, c) {
				marks[i] = ds.dialect.GeomFromWKB("?", g.SRID)
				break
			}
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", //#nosec G201 -- identifiers are quoted
		loc.Quoted(quoteIdent),
		strings.Join(query.QuoteAll(columns), ", "),
		strings.Join(marks, ", "))
}

// insert runs a prepared insert for every row.
func (tx *Tx) insert(ctx context.Context, stmt string, rows [][]any) (int64, error) {
	if err := tx.ds.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	prepared, err := tx.tx.PrepareContext(ctx, tx.rebind(stmt))
	if err != nil {
		tx.ds.observe(stmt, start, err)
		return 0, &domain.QueryError{SQL: stmt, Err: err}
	}
	defer func() { _ = prepared.Close() }()

	var n int64
	for _, row := range rows {
		args, err := bindValues(row)
		if err != nil {
			return n, err
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			tx.ds.observe(stmt, start, err)
			return n, &domain.QueryError{SQL: stmt, Err: err}
		}
		n++
	}
	tx.ds.observe(stmt, start, nil)
	return n, nil
}

// bindValues converts geometries to WKB.
func bindValues(row []any) ([]any, error) {
	args := make([]any, len(row))
	for i, v := range row {
		g, ok := v.(orb.Geometry)
		if !ok {
			args[i] = v
			continue
		}
		b, err := wkb.Marshal(g)
		if err != nil {
			return nil, fmt.Errorf("encoding geometry: %w", err)
		}
		args[i] = b
	}
	return args, nil
}

package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/orbisgis/orbisdata/internal/adapters/fileio"
	"github.com/orbisgis/orbisdata/internal/domain"
)

// Load imports a file into a table and returns the table name and the
// number of loaded rows. An empty table name is derived from the file name.
func (ds *DataSource) Load(ctx context.Context, path, table string, opts domain.LoadOptions) (string, int64, error) {
	if err := ds.checkOpen(); err != nil {
		return "", 0, err
	}
	format := opts.Format
	if format == "" {
		var err error
		if format, err = domain.FormatFromPath(path); err != nil {
			return "", 0, err
		}
	}
	if table == "" {
		table = domain.TableNameFromPath(path)
	}

	r, err := fileio.Open(path, opts)
	if err != nil {
		ds.metrics.IncFilesImported(string(format), false)
		return "", 0, err
	}
	defer func() { _ = r.Close() }()

	n, err := ds.load(ctx, r, format, table, opts)
	if err != nil {
		return "", 0, err
	}
	ds.logger.Info("file loaded", "path", path, "table", table, "rows", n)
	return table, n, nil
}

// LoadReader imports a GeoJSON, CSV or TSV stream into a table.
func (ds *DataSource) LoadReader(ctx context.Context, src io.Reader, format domain.FileFormat, table string, opts domain.LoadOptions) (int64, error) {
	if err := ds.checkOpen(); err != nil {
		return 0, err
	}
	if table == "" {
		return 0, &domain.ValidationError{Field: "table", Constraint: "required", Message: "table name is required"}
	}
	r, err := fileio.NewReader(src, format, opts)
	if err != nil {
		ds.metrics.IncFilesImported(string(format), false)
		return 0, err
	}
	defer func() { _ = r.Close() }()
	return ds.load(ctx, r, format, table, opts)
}

func (ds *DataSource) load(ctx context.Context, r fileio.Reader, format domain.FileFormat, table string, opts domain.LoadOptions) (n int64, err error) {
	defer func() {
		ds.metrics.IncFilesImported(string(format), err == nil)
	}()

	if opts.Delete {
		if err := ds.DropTable(ctx, table); err != nil {
			return 0, err
		}
	}

	schema := r.Schema()
	if _, err := ds.CreateTable(ctx, table, schema.Columns, schema.Geometry); err != nil {
		return 0, err
	}
	// Batches commit separately, so a failed load drops the table it created.
	defer func() {
		if err == nil {
			return
		}
		n = 0
		if derr := ds.DropTable(context.WithoutCancel(ctx), table); derr != nil {
			ds.logger.Warn("failed to drop partially loaded table", "table", table, "error", derr)
		}
	}()

	loc, err := ds.resolve(ctx, table)
	if err != nil {
		return 0, err
	}
	var geoms []domain.GeometryColumn
	columns := schema.ColumnNames()
	if schema.Geometry != nil {
		geoms = []domain.GeometryColumn{*schema.Geometry}
		columns = append(columns, schema.Geometry.Name)
	}
	stmt := ds.insertStatement(loc, columns, geoms)

	batchSize := opts.EffectiveBatchSize()
	batch := make([][]any, 0, batchSize)
	start := time.Now()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		var inserted int64
		err := ds.Transaction(ctx, func(tx *Tx) error {
			var err error
			inserted, err = tx.insert(ctx, stmt, batch)
			return err
		})
		n += inserted
		batch = batch[:0]
		return err
	}

	for r.Next() {
		rec := r.Record()
		row := make([]any, 0, len(columns))
		row = append(row, rec.Values...)
		if schema.Geometry != nil {
			if rec.Geometry != nil {
				row = append(row, rec.Geometry)
			} else {
				row = append(row, nil)
			}
		}
		batch = append(batch, row)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := r.Err(); err != nil {
		return n, fmt.Errorf("reading %s: %w", format, err)
	}
	if err := flush(); err != nil {
		return n, err
	}

	ds.metrics.AddRowsLoaded(loc.String(), n)
	ds.logger.Debug("rows loaded", "table", loc.String(), "rows", n, "duration", time.Since(start))
	return n, nil
}

// Link exposes a file as a table without copying it. Only SpatiaLite
// supports linking.
func (ds *DataSource) Link(ctx context.Context, path, table string, opts domain.LoadOptions) (string, error) {
	if err := ds.checkOpen(); err != nil {
		return "", err
	}
	format := opts.Format
	if format == "" {
		var err error
		if format, err = domain.FormatFromPath(path); err != nil {
			return "", err
		}
	}
	if table == "" {
		table = domain.TableNameFromPath(path)
	}
	if opts.Delete {
		if err := ds.DropTable(ctx, table); err != nil {
			return "", err
		}
	}
	loc, err := domain.ParseTableLocation(table)
	if err != nil {
		return "", err
	}

	start := time.Now()
	err = ds.dialect.Link(ctx, ds.db, path, loc, format, opts)
	ds.observe("LINK "+path, start, err)
	if err != nil {
		if errors.Is(err, domain.ErrUnsupported) {
			return "", err
		}
		return "", &domain.QueryError{Table: table, Err: err}
	}
	ds.logger.Info("file linked", "path", path, "table", table)
	return table, nil
}

// Save writes a table to a file and returns the number of written rows.
// Existing files are only replaced when opts.Delete is set. Only the first
// geometry column of the table is written.
func (ds *DataSource) Save(ctx context.Context, table, path string, opts domain.SaveOptions) (int64, error) {
	t, err := ds.Table(ctx, table)
	if err != nil {
		return 0, err
	}
	return t.Save(ctx, path, opts)
}

// Save writes the table to a file.
func (t *Table) Save(ctx context.Context, path string, opts domain.SaveOptions) (int64, error) {
	cols, err := t.Columns(ctx)
	if err != nil {
		return 0, err
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return 0, err
	}

	schema := fileio.Schema{}
	var geomName string
	if len(geoms) > 0 {
		g := geoms[0]
		schema.Geometry = &g
		geomName = g.Name
	}
	for _, c := range cols {
		if isGeometryColumn(c.Name, geoms) {
			continue
		}
		schema.Columns = append(schema.Columns, c)
	}

	wopts := fileio.WriterOptions{}
	if schema.Geometry != nil && schema.Geometry.SRID > 0 && t.ds.spatial {
		prj, err := t.ds.dialect.SRIDWKT(ctx, t.ds.db, schema.Geometry.SRID)
		if err != nil && !errors.Is(err, domain.ErrInvalidSRID) {
			return 0, err
		}
		wopts.PRJ = prj
	}

	w, err := fileio.Create(path, schema, opts, wopts)
	if err != nil {
		return 0, err
	}

	list := make([]string, 0, len(schema.Columns)+1)
	for _, c := range schema.Columns {
		list = append(list, quoteIdent(c.Name))
	}
	if geomName != "" {
		q := quoteIdent(geomName)
		list = append(list, t.ds.dialect.AsWKB(q)+" AS "+q)
	}

	var n int64
	err = t.Select(list...).EachRow(ctx, func(r domain.Row) error {
		values := r.Values()
		rec := fileio.Record{Values: values[:len(schema.Columns)]}
		if geomName != "" {
			g, err := domain.ToGeometry(values[len(values)-1])
			if err != nil {
				return conversionError(geomName, "<binary>", "WKB geometry", err)
			}
			rec.Geometry = g
		}
		if err := w.Write(rec); err != nil {
			return err
		}
		n++
		return nil
	})
	if closeErr := w.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}

	t.ds.logger.Info("table saved", "table", t.Name(), "path", path, "rows", n)
	return n, nil
}

func isGeometryColumn(name string, geoms []domain.GeometryColumn) bool {
	for _, g := range geoms {
		if strings.EqualFold(g.Name, name) {
			return true
		}
	}
	return false
}

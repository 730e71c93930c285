package datasource

import (
	"context"
	"fmt"
	"time"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Column is a handle on a column of a table.
type Column struct {
	table *Table
	meta  domain.Column
	geom  *domain.GeometryColumn
}

// Name returns the column name.
func (c *Column) Name() string { return c.meta.Name }

// Type returns the normalized column type.
func (c *Column) Type() domain.ColumnType { return c.meta.Type }

// Meta returns the column description.
func (c *Column) Meta() domain.Column { return c.meta }

// IsSpatial reports whether the column holds geometries.
func (c *Column) IsSpatial() bool { return c.geom != nil || c.meta.Type == domain.TypeGeometry }

// Table returns the table of the column.
func (c *Column) Table() *Table { return c.table }

func (c *Column) requireTable() error {
	if c.table.IsQuery() {
		return fmt.Errorf("%w: column %s belongs to a query", domain.ErrUnsupported, c.meta.Name)
	}
	return c.table.ds.checkOpen()
}

// HasIndex reports whether the column is indexed. Geometry columns report
// their spatial index.
func (c *Column) HasIndex(ctx context.Context) (bool, error) {
	if err := c.requireTable(); err != nil {
		return false, err
	}
	ds := c.table.ds
	if c.geom != nil {
		ok, err := ds.dialect.HasSpatialIndex(ctx, ds.db, c.table.loc, c.meta.Name)
		if err != nil {
			return false, c.indexError(err)
		}
		return ok, nil
	}
	ok, err := ds.dialect.HasIndex(ctx, ds.db, c.table.loc, c.meta.Name)
	if err != nil {
		return false, c.indexError(err)
	}
	return ok, nil
}

// CreateIndex creates a B-tree index on the column, or a spatial index on a
// geometry column. An existing index is kept.
func (c *Column) CreateIndex(ctx context.Context) error {
	if err := c.requireTable(); err != nil {
		return err
	}
	exists, err := c.HasIndex(ctx)
	if err != nil || exists {
		return err
	}

	ds := c.table.ds
	start := time.Now()
	if c.geom != nil {
		err = ds.dialect.CreateSpatialIndex(ctx, ds.db, c.table.loc, c.meta.Name)
	} else {
		err = ds.dialect.CreateIndex(ctx, ds.db, c.table.loc, c.meta.Name)
	}
	ds.observe("CREATE INDEX ON "+c.table.loc.String()+"."+c.meta.Name, start, err)
	if err != nil {
		return c.indexError(err)
	}
	ds.logger.Info("index created", "table", c.table.loc.String(), "column", c.meta.Name, "spatial", c.geom != nil)
	return nil
}

// DropIndex drops the indexes of the column.
func (c *Column) DropIndex(ctx context.Context) error {
	if err := c.requireTable(); err != nil {
		return err
	}
	ds := c.table.ds
	var err error
	start := time.Now()
	if c.geom != nil {
		var indexed bool
		indexed, err = ds.dialect.HasSpatialIndex(ctx, ds.db, c.table.loc, c.meta.Name)
		if err == nil && indexed {
			err = ds.dialect.DropSpatialIndex(ctx, ds.db, c.table.loc, c.meta.Name)
		}
	} else {
		err = ds.dialect.DropIndex(ctx, ds.db, c.table.loc, c.meta.Name)
	}
	ds.observe("DROP INDEX ON "+c.table.loc.String()+"."+c.meta.Name, start, err)
	if err != nil {
		return c.indexError(err)
	}
	return nil
}

func (c *Column) indexError(err error) error {
	return &domain.IndexError{Table: c.table.Name(), Column: c.meta.Name, Err: err}
}

// SRID returns the SRID of a geometry column.
func (c *Column) SRID(ctx context.Context) (int, error) {
	if c.geom == nil {
		return 0, fmt.Errorf("%w: %s is not a geometry column", domain.ErrUnsupported, c.meta.Name)
	}
	if err := c.requireTable(); err != nil {
		return 0, err
	}
	geoms, err := c.table.geometryColumns(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range geoms {
		if g.Name == c.geom.Name {
			return g.SRID, nil
		}
	}
	return c.geom.SRID, nil
}

// SetSRID changes the SRID of a geometry column.
func (c *Column) SetSRID(ctx context.Context, srid int) error {
	if c.geom == nil {
		return fmt.Errorf("%w: %s is not a geometry column", domain.ErrUnsupported, c.meta.Name)
	}
	if srid <= 0 {
		return fmt.Errorf("%w: %d", domain.ErrInvalidSRID, srid)
	}
	if err := c.requireTable(); err != nil {
		return err
	}

	ds := c.table.ds
	err := ds.Transaction(ctx, func(tx *Tx) error {
		start := time.Now()
		err := ds.dialect.SetSRID(ctx, tx.tx, c.table.loc, *c.geom, srid)
		ds.observe("SET SRID "+c.table.loc.String()+"."+c.meta.Name, start, err)
		return err
	})
	if err != nil {
		return &domain.QueryError{Table: c.table.Name(), Err: err}
	}
	c.geom.SRID = srid
	ds.logger.Info("srid updated", "table", c.table.loc.String(), "column", c.meta.Name, "srid", srid)
	return nil
}

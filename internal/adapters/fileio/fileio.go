// Package fileio reads and writes the data file formats that can be loaded
// into or saved from a data source.
//
// Readers expose a uniform record stream: a Schema describing the attribute
// columns and the optional geometry column, followed by Records.
package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Schema describes the records of a reader or writer.
type Schema struct {
	Columns  []domain.Column
	Geometry *domain.GeometryColumn
}

// ColumnNames returns the attribute column names.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Record is one row of attribute values plus an optional geometry.
type Record struct {
	Values   []any
	Geometry orb.Geometry
}

// Reader streams records from a data file.
type Reader interface {
	Schema() Schema
	Next() bool
	Record() Record
	Err() error
	Close() error
}

// Writer writes records to a data file.
type Writer interface {
	Write(rec Record) error
	Close() error
}

// WriterOptions configure writers.
type WriterOptions struct {
	// PRJ is the ESRI WKT written to the .prj sidecar of shapefiles.
	PRJ string
}

// Open opens a data file for reading. The format is detected from the
// extension unless opts.Format is set.
func Open(path string, opts domain.LoadOptions) (Reader, error) {
	format := opts.Format
	if format == "" {
		var err error
		if format, err = domain.FormatFromPath(path); err != nil {
			return nil, err
		}
	}

	switch format {
	case domain.FormatShapefile:
		return OpenShapefile(path, opts)
	case domain.FormatDBF:
		return OpenDBF(path, opts)
	case domain.FormatGeoJSON, domain.FormatCSV, domain.FormatTSV:
		f, err := os.Open(path) //#nosec G304 -- path provided by the operator
		if err != nil {
			return nil, err
		}
		r, err := NewReader(f, format, opts)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return &closingReader{Reader: r, closer: f}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, format)
	}
}

// NewReader reads a stream. Only formats that do not need sidecar files
// (GeoJSON, CSV, TSV) can be read from a stream.
func NewReader(r io.Reader, format domain.FileFormat, opts domain.LoadOptions) (Reader, error) {
	switch format {
	case domain.FormatGeoJSON:
		return NewGeoJSONReader(r, opts)
	case domain.FormatCSV:
		return NewCSVReader(r, ',', opts)
	case domain.FormatTSV:
		return NewCSVReader(r, '\t', opts)
	default:
		return nil, fmt.Errorf("%w: %s cannot be read from a stream", domain.ErrUnsupportedFormat, format)
	}
}

// Create creates a data file for writing. An existing file is an error
// unless opts.Delete is set.
func Create(path string, schema Schema, opts domain.SaveOptions, wopts WriterOptions) (Writer, error) {
	format := opts.Format
	if format == "" {
		var err error
		if format, err = domain.FormatFromPath(path); err != nil {
			return nil, err
		}
	}

	if _, err := os.Stat(path); err == nil {
		if !opts.Delete {
			return nil, fmt.Errorf("%w: %s", domain.ErrFileExists, path)
		}
		if err := removeDataFile(path, format); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	switch format {
	case domain.FormatShapefile:
		return CreateShapefile(path, schema, wopts)
	case domain.FormatGeoJSON, domain.FormatCSV, domain.FormatTSV:
		f, err := os.Create(path) //#nosec G304 -- path provided by the operator
		if err != nil {
			return nil, err
		}
		w, err := NewWriter(f, format, schema)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &closingWriter{Writer: w, closer: f}, nil
	default:
		return nil, fmt.Errorf("%w: cannot write %s", domain.ErrUnsupportedFormat, format)
	}
}

// NewWriter writes records to a stream.
func NewWriter(w io.Writer, format domain.FileFormat, schema Schema) (Writer, error) {
	switch format {
	case domain.FormatGeoJSON:
		return NewGeoJSONWriter(w, schema), nil
	case domain.FormatCSV:
		return NewCSVWriter(w, ',', schema), nil
	case domain.FormatTSV:
		return NewCSVWriter(w, '\t', schema), nil
	default:
		return nil, fmt.Errorf("%w: %s cannot be written to a stream", domain.ErrUnsupportedFormat, format)
	}
}

func removeDataFile(path string, format domain.FileFormat) error {
	paths := []string{path}
	if format == domain.FormatShapefile {
		paths = append(paths, shapefileSidecars(path)...)
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

type closingReader struct {
	Reader
	closer io.Closer
}

func (r *closingReader) Close() error {
	err := r.Reader.Close()
	if cerr := r.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

type closingWriter struct {
	Writer
	closer io.Closer
}

func (w *closingWriter) Close() error {
	err := w.Writer.Close()
	if cerr := w.closer.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAll drains a reader. It is meant for tests and small files.
func ReadAll(r Reader) ([]Record, error) {
	var out []Record
	for r.Next() {
		out = append(out, r.Record())
	}
	return out, r.Err()
}

package fileio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// CSVReader reads delimited text whose first line holds the column names.
// Columns are VARCHAR unless type inference is enabled, in which case the
// whole input is buffered.
type CSVReader struct {
	r        *csv.Reader
	schema   Schema
	buffered [][]string
	infer    bool
	cur      Record
	err      error
}

// NewCSVReader creates a reader using the given field separator.
func NewCSVReader(r io.Reader, sep rune, opts domain.LoadOptions) (*CSVReader, error) {
	cr := csv.NewReader(r)
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty file", domain.ErrInvalidInput)
		}
		return nil, err
	}

	reader := &CSVReader{r: cr, infer: opts.InferTypes}
	reader.schema.Columns = make([]domain.Column, len(header))
	for i, h := range header {
		name := strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if name == "" {
			name = "COL" + strconv.Itoa(i+1)
		}
		reader.schema.Columns[i] = domain.Column{
			Name:     name,
			Type:     domain.TypeVarchar,
			Nullable: true,
			Position: i + 1,
		}
	}

	if opts.InferTypes {
		if err := reader.bufferAndInfer(); err != nil {
			return nil, err
		}
	}
	return reader, nil
}

func (r *CSVReader) bufferAndInfer() error {
	types := make([]domain.ColumnType, len(r.schema.Columns))
	for i := range types {
		types[i] = TypeNull
	}

	for {
		rec, err := r.r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		r.buffered = append(r.buffered, rec)
		for i := range types {
			if i < len(rec) {
				types[i] = mergeTypes(types[i], textType(rec[i]))
			}
		}
	}

	for i, t := range types {
		if t == TypeNull {
			t = domain.TypeVarchar
		}
		r.schema.Columns[i].Type = t
	}
	return nil
}

func textType(s string) domain.ColumnType {
	s = strings.TrimSpace(s)
	if s == "" {
		return TypeNull
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return domain.TypeBigInt
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return domain.TypeDouble
	}
	if _, err := strconv.ParseBool(s); err == nil {
		return domain.TypeBoolean
	}
	return domain.TypeVarchar
}

// Schema implements Reader.
func (r *CSVReader) Schema() Schema { return r.schema }

// Next implements Reader.
func (r *CSVReader) Next() bool {
	if r.err != nil {
		return false
	}

	var rec []string
	if r.infer {
		if len(r.buffered) == 0 {
			return false
		}
		rec, r.buffered = r.buffered[0], r.buffered[1:]
	} else {
		var err error
		rec, err = r.r.Read()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			r.err = err
			return false
		}
	}

	values := make([]any, len(r.schema.Columns))
	for i, c := range r.schema.Columns {
		if i >= len(rec) {
			continue
		}
		v, err := parseText(rec[i], c.Type)
		if err != nil {
			r.err = fmt.Errorf("column %s: %w", c.Name, err)
			return false
		}
		values[i] = v
	}
	r.cur = Record{Values: values}
	return true
}

func parseText(s string, t domain.ColumnType) (any, error) {
	if t == domain.TypeVarchar {
		return s, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch t {
	case domain.TypeBigInt, domain.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case domain.TypeDouble:
		return strconv.ParseFloat(s, 64)
	case domain.TypeBoolean:
		return strconv.ParseBool(s)
	default:
		return s, nil
	}
}

// Record implements Reader.
func (r *CSVReader) Record() Record { return r.cur }

// Err implements Reader.
func (r *CSVReader) Err() error { return r.err }

// Close implements Reader.
func (r *CSVReader) Close() error { return nil }

// CSVWriter writes delimited text with a header line. The geometry, when
// the schema has one, is written as WKT in the last column.
type CSVWriter struct {
	w           *csv.Writer
	schema      Schema
	wroteHeader bool
}

// NewCSVWriter creates a writer using the given field separator.
func NewCSVWriter(w io.Writer, sep rune, schema Schema) *CSVWriter {
	cw := csv.NewWriter(w)
	cw.Comma = sep
	return &CSVWriter{w: cw, schema: schema}
}

func (w *CSVWriter) header() []string {
	h := w.schema.ColumnNames()
	if w.schema.Geometry != nil {
		h = append(h, w.schema.Geometry.Name)
	}
	return h
}

// Write implements Writer.
func (w *CSVWriter) Write(rec Record) error {
	if !w.wroteHeader {
		if err := w.w.Write(w.header()); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	fields := make([]string, 0, len(rec.Values)+1)
	for _, v := range rec.Values {
		fields = append(fields, domain.ToString(v))
	}
	if w.schema.Geometry != nil {
		if rec.Geometry != nil {
			fields = append(fields, wkt.MarshalString(rec.Geometry))
		} else {
			fields = append(fields, "")
		}
	}
	return w.w.Write(fields)
}

// Close implements Writer.
func (w *CSVWriter) Close() error {
	if !w.wroteHeader {
		if err := w.w.Write(w.header()); err != nil {
			return err
		}
	}
	w.w.Flush()
	return w.w.Error()
}

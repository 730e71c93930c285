package fileio

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Valentin-Kaiser/go-dbase/dbase"
	"golang.org/x/text/encoding/charmap"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// dbfFieldType maps a dBase field type to a column type.
func dbfFieldType(t byte, decimals uint8) domain.ColumnType {
	switch t {
	case 'C', 'M', 'V', 'W':
		return domain.TypeVarchar
	case 'N':
		if decimals == 0 {
			return domain.TypeBigInt
		}
		return domain.TypeDouble
	case 'F', 'B', 'Y':
		return domain.TypeDouble
	case 'I', '+':
		return domain.TypeInteger
	case 'L':
		return domain.TypeBoolean
	case 'D':
		return domain.TypeDate
	case 'T', '@':
		return domain.TypeTimestamp
	default:
		return domain.TypeVarchar
	}
}

// textCharmap returns the character map of an encoding name as found in
// .cpg files and load options. UTF-8 has no character map.
func textCharmap(name string) (cm *charmap.Charmap, utf8Text bool, ok bool) {
	switch strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "_", "-")) {
	case "UTF-8", "UTF8":
		return nil, true, true
	case "ISO-8859-1", "ISO8859-1", "8859-1", "LATIN1", "LATIN-1", "88591":
		return charmap.ISO8859_1, false, true
	case "ISO-8859-15", "ISO8859-15", "LATIN9", "LATIN-9":
		return charmap.ISO8859_15, false, true
	case "CP1252", "WINDOWS-1252", "1252", "ANSI 1252":
		return charmap.Windows1252, false, true
	case "CP850", "IBM850", "850":
		return charmap.CodePage850, false, true
	case "CP437", "IBM437", "437":
		return charmap.CodePage437, false, true
	default:
		return nil, false, false
	}
}

// textDecoder returns a function converting attribute text in the given
// encoding to UTF-8. Text that is already valid UTF-8 and unknown
// encodings are left unchanged.
func textDecoder(name string) func(string) string {
	cm, _, ok := textCharmap(name)
	if !ok || cm == nil {
		return func(s string) string { return s }
	}
	dec := cm.NewDecoder()
	return func(s string) string {
		if utf8.ValidString(s) {
			return s
		}
		out, err := dec.String(s)
		if err != nil {
			return s
		}
		return out
	}
}

// utf8Converter keeps UTF-8 attribute text as is.
type utf8Converter struct{}

func (utf8Converter) Decode(in []byte) ([]byte, error) { return in, nil }
func (utf8Converter) Encode(in []byte) ([]byte, error) { return in, nil }
func (utf8Converter) CodePage() byte                   { return 0 }

// dbfConverter returns the go-dbase converter of an encoding name.
func dbfConverter(name string) (dbase.EncodingConverter, error) {
	cm, utf8Text, ok := textCharmap(name)
	switch {
	case !ok:
		return nil, &domain.ValidationError{
			Field:      "encoding",
			Value:      name,
			Constraint: "UTF-8|ISO-8859-1|ISO-8859-15|CP1252|CP850|CP437",
			Message:    "unknown text encoding",
		}
	case utf8Text:
		return utf8Converter{}, nil
	default:
		return dbase.NewDefaultConverter(cm), nil
	}
}

// DBFReader reads the attributes of a dBase table.
type DBFReader struct {
	table   *dbase.File
	schema  Schema
	columns []*dbase.Column
	cur     Record
	err     error
}

// OpenDBF opens a .dbf file. The encoding of the load options selects the
// text encoding, otherwise the code page mark of the file does.
func OpenDBF(path string, opts domain.LoadOptions) (*DBFReader, error) {
	cfg := &dbase.Config{
		Filename:          path,
		TrimSpaces:        true,
		Untested:          true,
		ReadOnly:          true,
		InterpretCodePage: true,
	}
	if opts.Encoding != "" {
		conv, err := dbfConverter(opts.Encoding)
		if err != nil {
			return nil, err
		}
		cfg.Converter = conv
		cfg.InterpretCodePage = false
	}

	table, err := dbase.OpenTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening dbf %s: %w", path, err)
	}

	columns := table.Columns()
	schema := Schema{Columns: make([]domain.Column, len(columns))}
	for i, c := range columns {
		schema.Columns[i] = domain.Column{
			Name:     c.Name(),
			Type:     dbfFieldType(c.DataType, c.Decimals),
			Nullable: true,
			Position: i + 1,
		}
	}

	return &DBFReader{table: table, schema: schema, columns: columns}, nil
}

// Schema implements Reader.
func (r *DBFReader) Schema() Schema { return r.schema }

// Next implements Reader. Deleted records are skipped.
func (r *DBFReader) Next() bool {
	for r.err == nil && !r.table.EOF() {
		row, err := r.table.Next()
		if err != nil {
			r.err = fmt.Errorf("reading dbf record: %w", err)
			return false
		}
		if row == nil || row.Deleted {
			continue
		}

		m, err := row.ToMap()
		if err != nil {
			r.err = fmt.Errorf("decoding dbf record: %w", err)
			return false
		}

		values := make([]any, len(r.columns))
		for i, c := range r.columns {
			values[i] = dbfValue(m[c.Name()])
		}
		r.cur = Record{Values: values}
		return true
	}
	return false
}

func dbfValue(v any) any {
	switch t := v.(type) {
	case string:
		// go-shp pads text fields with NUL bytes
		t = strings.TrimSpace(strings.TrimRight(t, "\x00"))
		if t == "" {
			return nil
		}
		return t
	case int32:
		return int64(t)
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t
	default:
		return v
	}
}

// Record implements Reader.
func (r *DBFReader) Record() Record { return r.cur }

// Err implements Reader.
func (r *DBFReader) Err() error { return r.err }

// Close implements Reader.
func (r *DBFReader) Close() error {
	return r.table.Close()
}

package datasource

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// ErrNoCurrentRow is returned by result set getters before Next or after the
// last row.
var ErrNoCurrentRow = errors.New("result set: no current row")

// timeLayouts are the text forms accepted for dates and timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

// ResultSet iterates the rows of a query and reads their columns by name.
type ResultSet struct {
	rows    *sql.Rows
	columns []string
	values  []any
	ptrs    []any
	current bool
	err     error
	closed  bool
}

func newResultSet(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	rs := &ResultSet{
		rows:    rows,
		columns: cols,
		values:  make([]any, len(cols)),
		ptrs:    make([]any, len(cols)),
	}
	for i := range rs.values {
		rs.ptrs[i] = &rs.values[i]
	}
	return rs, nil
}

// Next advances to the next row.
func (rs *ResultSet) Next() bool {
	rs.current = false
	if rs.closed || rs.err != nil || !rs.rows.Next() {
		return false
	}
	for i := range rs.values {
		rs.values[i] = nil
	}
	if err := rs.rows.Scan(rs.ptrs...); err != nil {
		rs.err = err
		return false
	}
	rs.current = true
	return true
}

// Err returns the error that stopped the iteration, if any.
func (rs *ResultSet) Err() error {
	if rs.err != nil {
		return rs.err
	}
	return rs.rows.Err()
}

// Close releases the result set. It is safe to call Close twice.
func (rs *ResultSet) Close() error {
	if rs.closed {
		return nil
	}
	rs.closed = true
	rs.current = false
	return rs.rows.Close()
}

// Columns returns the column names.
func (rs *ResultSet) Columns() []string {
	out := make([]string, len(rs.columns))
	copy(out, rs.columns)
	return out
}

// ColumnTypes returns the driver column types.
func (rs *ResultSet) ColumnTypes() ([]*sql.ColumnType, error) {
	return rs.rows.ColumnTypes()
}

// Row returns the current row.
func (rs *ResultSet) Row() (domain.Row, error) {
	if !rs.current {
		return domain.Row{}, ErrNoCurrentRow
	}
	return domain.NewRow(rs.columns, rs.values), nil
}

func (rs *ResultSet) value(column string) (any, error) {
	if !rs.current {
		return nil, ErrNoCurrentRow
	}
	for i, c := range rs.columns {
		if c == column {
			return rs.values[i], nil
		}
	}
	for i, c := range rs.columns {
		if strings.EqualFold(c, column) {
			return rs.values[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrColumnNotFound, column)
}

// Value returns the raw value of a column.
func (rs *ResultSet) Value(column string) (any, error) {
	return rs.value(column)
}

// IsNull reports whether a column of the current row is NULL.
func (rs *ResultSet) IsNull(column string) (bool, error) {
	v, err := rs.value(column)
	return v == nil, err
}

// String returns a column as text. NULL is the empty string.
func (rs *ResultSet) String(column string) (string, error) {
	v, err := rs.value(column)
	if err != nil {
		return "", err
	}
	return domain.ToString(v), nil
}

// Int64 returns a column as an integer. NULL is zero.
func (rs *ResultSet) Int64(column string) (int64, error) {
	v, err := rs.value(column)
	if err != nil {
		return 0, err
	}
	n, err := domain.ToInt64(v)
	if err != nil {
		return 0, conversionError(column, v, "int64", err)
	}
	return n, nil
}

// Float64 returns a column as a float. NULL is zero.
func (rs *ResultSet) Float64(column string) (float64, error) {
	v, err := rs.value(column)
	if err != nil {
		return 0, err
	}
	f, err := domain.ToFloat64(v)
	if err != nil {
		return 0, conversionError(column, v, "float64", err)
	}
	return f, nil
}

// Bool returns a column as a boolean. NULL is false.
func (rs *ResultSet) Bool(column string) (bool, error) {
	v, err := rs.value(column)
	if err != nil {
		return false, err
	}
	b, err := domain.ToBool(v)
	if err != nil {
		return false, conversionError(column, v, "bool", err)
	}
	return b, nil
}

// Time returns a date or timestamp column. NULL is the zero time.
func (rs *ResultSet) Time(column string) (time.Time, error) {
	v, err := rs.value(column)
	if err != nil {
		return time.Time{}, err
	}
	t, err := toTime(v)
	if err != nil {
		return time.Time{}, conversionError(column, v, "time", err)
	}
	return t, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to time", v)
	}
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

// Bytes returns a binary column. Text is returned as its bytes.
func (rs *ResultSet) Bytes(column string) ([]byte, error) {
	v, err := rs.value(column)
	if err != nil {
		return nil, err
	}
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, conversionError(column, v, "bytes", fmt.Errorf("cannot convert %T to bytes", v))
	}
}

// Geometry decodes a WKB column. Select geometry columns through the
// dialect AsWKB expression.
func (rs *ResultSet) Geometry(column string) (orb.Geometry, error) {
	v, err := rs.value(column)
	if err != nil {
		return nil, err
	}
	g, err := domain.ToGeometry(v)
	if err != nil {
		return nil, conversionError(column, "<binary>", "WKB geometry", err)
	}
	return g, nil
}

func conversionError(column string, value any, target string, err error) error {
	return &domain.ValidationError{
		Field:      column,
		Value:      value,
		Constraint: target,
		Message:    err.Error(),
	}
}

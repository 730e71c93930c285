package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

// Row is an ordered set of column values.
// Column lookup by name is case insensitive.
type Row struct {
	columns []string
	values  []any
}

// NewRow creates a row from parallel column and value slices.
func NewRow(columns []string, values []any) Row {
	cols := make([]string, len(columns))
	copy(cols, columns)
	vals := make([]any, len(columns))
	copy(vals, values)
	return Row{columns: cols, values: vals}
}

// Len returns the number of columns.
func (r Row) Len() int {
	return len(r.columns)
}

// Columns returns the column names in order.
func (r Row) Columns() []string {
	out := make([]string, len(r.columns))
	copy(out, r.columns)
	return out
}

// Values returns the values in column order.
func (r Row) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// Map returns the row as a column name to value map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.columns))
	for i, c := range r.columns {
		m[c] = r.values[i]
	}
	return m
}

func (r Row) index(name string) int {
	for i, c := range r.columns {
		if c == name {
			return i
		}
	}
	for i, c := range r.columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// Has reports whether the row has the column.
func (r Row) Has(name string) bool {
	return r.index(name) >= 0
}

// Get returns the raw value of a column.
func (r Row) Get(name string) (any, error) {
	i := r.index(name)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", ErrColumnNotFound, name)
	}
	return r.values[i], nil
}

// Set replaces the value of a column, appending the column when missing.
func (r *Row) Set(name string, value any) {
	if i := r.index(name); i >= 0 {
		r.values[i] = value
		return
	}
	r.columns = append(r.columns, name)
	r.values = append(r.values, value)
}

// GetString returns a column value as a string. NULL becomes "".
func (r Row) GetString(name string) (string, error) {
	v, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return ToString(v), nil
}

// GetInt returns a column value as an int64.
func (r Row) GetInt(name string) (int64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	n, err := ToInt64(v)
	if err != nil {
		return 0, conversionError(name, v, "integer", err)
	}
	return n, nil
}

// GetFloat returns a column value as a float64.
func (r Row) GetFloat(name string) (float64, error) {
	v, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	f, err := ToFloat64(v)
	if err != nil {
		return 0, conversionError(name, v, "float", err)
	}
	return f, nil
}

// GetBool returns a column value as a bool.
func (r Row) GetBool(name string) (bool, error) {
	v, err := r.Get(name)
	if err != nil {
		return false, err
	}
	b, err := ToBool(v)
	if err != nil {
		return false, conversionError(name, v, "boolean", err)
	}
	return b, nil
}

// GetGeometry decodes a WKB column value. NULL yields a nil geometry.
func (r Row) GetGeometry(name string) (orb.Geometry, error) {
	v, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	g, err := ToGeometry(v)
	if err != nil {
		return nil, conversionError(name, "<binary>", "WKB geometry", err)
	}
	return g, nil
}

func conversionError(column string, value any, target string, err error) error {
	return &ValidationError{
		Field:      column,
		Value:      value,
		Constraint: target,
		Message:    err.Error(),
	}
}

// ToString converts a scanned value to its text form.
func ToString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case orb.Geometry:
		return t.GeoJSONType()
	default:
		return fmt.Sprint(t)
	}
}

// ToInt64 converts a scanned value to an int64.
func ToInt64(v any) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint:
		return uintToInt64(uint64(t))
	case uint64:
		return uintToInt64(t)
	case float64:
		return floatToInt64(t)
	case float32:
		return floatToInt64(float64(t))
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case []byte:
		return strconv.ParseInt(strings.TrimSpace(string(t)), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

// floatToInt64 accepts only integral floats inside the int64 range.
func floatToInt64(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}

func uintToInt64(u uint64) (int64, error) {
	if u > math.MaxInt64 {
		return 0, fmt.Errorf("%d overflows int64", u)
	}
	return int64(u), nil
}

// ToFloat64 converts a scanned value to a float64.
func ToFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}

// ToBool converts a scanned value to a bool.
func ToBool(v any) (bool, error) {
	switch t := v.(type) {
	case nil:
		return false, nil
	case bool:
		return t, nil
	case int64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case float64:
		return t != 0, nil
	case []byte:
		return strconv.ParseBool(strings.TrimSpace(string(t)))
	case string:
		return strconv.ParseBool(strings.TrimSpace(t))
	default:
		return false, fmt.Errorf("cannot convert %T to bool", v)
	}
}

// ToGeometry converts a WKB blob or an orb geometry to an orb.Geometry.
func ToGeometry(v any) (orb.Geometry, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case orb.Geometry:
		return t, nil
	case []byte:
		if len(t) == 0 {
			return nil, nil
		}
		return wkb.Unmarshal(t)
	default:
		return nil, fmt.Errorf("cannot convert %T to geometry", v)
	}
}

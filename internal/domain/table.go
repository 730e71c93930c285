package domain

import (
	"strings"
)

// TableLocation identifies a table by catalog, schema and name.
type TableLocation struct {
	Catalog string
	Schema  string
	Table   string
}

// ParseTableLocation parses "catalog.schema.table", "schema.table" or "table".
// Double-quoted parts keep their case and may contain dots.
func ParseTableLocation(name string) (TableLocation, error) {
	parts, err := splitIdentifier(strings.TrimSpace(name))
	if err != nil {
		return TableLocation{}, err
	}

	switch len(parts) {
	case 1:
		return TableLocation{Table: parts[0]}, nil
	case 2:
		return TableLocation{Schema: parts[0], Table: parts[1]}, nil
	case 3:
		return TableLocation{Catalog: parts[0], Schema: parts[1], Table: parts[2]}, nil
	default:
		return TableLocation{}, &ValidationError{
			Field:      "table",
			Value:      name,
			Constraint: "[catalog.][schema.]table",
			Message:    "too many name parts",
		}
	}
}

func splitIdentifier(s string) ([]string, error) {
	if s == "" {
		return nil, ErrInvalidLocation
	}

	var (
		parts  []string
		cur    strings.Builder
		quoted bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' && quoted && i+1 < len(s) && s[i+1] == '"':
			cur.WriteByte('"')
			i++
		case c == '"':
			quoted = !quoted
		case c == '.' && !quoted:
			if cur.Len() == 0 {
				return nil, ErrInvalidLocation
			}
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if quoted || cur.Len() == 0 {
		return nil, ErrInvalidLocation
	}
	return append(parts, cur.String()), nil
}

// String renders the dotted name without quoting.
func (l TableLocation) String() string {
	return strings.Join(l.parts(), ".")
}

// Quoted renders the dotted name with each part quoted by quote.
func (l TableLocation) Quoted(quote func(string) string) string {
	parts := l.parts()
	for i, p := range parts {
		parts[i] = quote(p)
	}
	return strings.Join(parts, ".")
}

// IsZero reports whether the location names no table.
func (l TableLocation) IsZero() bool {
	return l.Table == ""
}

func (l TableLocation) parts() []string {
	parts := make([]string, 0, 3)
	if l.Catalog != "" {
		parts = append(parts, l.Catalog)
	}
	if l.Schema != "" {
		parts = append(parts, l.Schema)
	}
	return append(parts, l.Table)
}

// ColumnType is a normalized column type name.
type ColumnType string

// Column type constants.
const (
	TypeInteger   ColumnType = "INTEGER"
	TypeBigInt    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeDate      ColumnType = "DATE"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeBlob      ColumnType = "BLOB"
	TypeGeometry  ColumnType = "GEOMETRY"
	TypeUnknown   ColumnType = "UNKNOWN"
)

// ParseColumnType normalizes a driver type name such as "int4", "TEXT",
// "double precision" or "geometry(Point,4326)".
func ParseColumnType(name string) ColumnType {
	n := strings.ToUpper(strings.TrimSpace(name))
	if idx := strings.IndexByte(n, '('); idx >= 0 {
		n = strings.TrimSpace(n[:idx])
	}

	switch n {
	case "":
		return TypeUnknown
	case "INT", "INTEGER", "INT4", "INT2", "SMALLINT", "TINYINT", "MEDIUMINT", "SERIAL":
		return TypeInteger
	case "BIGINT", "INT8", "BIGSERIAL":
		return TypeBigInt
	case "REAL", "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "NUMERIC", "DECIMAL":
		return TypeDouble
	case "TEXT", "VARCHAR", "CHAR", "CHARACTER", "CHARACTER VARYING", "NVARCHAR", "CLOB", "NAME", "UUID":
		return TypeVarchar
	case "BOOL", "BOOLEAN":
		return TypeBoolean
	case "DATE":
		return TypeDate
	case "TIMESTAMP", "DATETIME", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE", "TIMESTAMP WITHOUT TIME ZONE":
		return TypeTimestamp
	case "BLOB", "BYTEA", "BINARY", "VARBINARY":
		return TypeBlob
	case "GEOMETRY", "GEOGRAPHY":
		return TypeGeometry
	}

	if ParseGeometryType(n) != GeomGeometry {
		return TypeGeometry
	}

	// SQLite type affinity rules for declared types
	switch {
	case strings.Contains(n, "INT"):
		return TypeInteger
	case strings.Contains(n, "CHAR"), strings.Contains(n, "TEXT"), strings.Contains(n, "CLOB"):
		return TypeVarchar
	case strings.Contains(n, "REAL"), strings.Contains(n, "FLOA"), strings.Contains(n, "DOUB"):
		return TypeDouble
	}
	return TypeUnknown
}

// SQLType returns a portable DDL type for the column type.
func (t ColumnType) SQLType() string {
	switch t {
	case TypeInteger, TypeBigInt, TypeDouble, TypeBoolean, TypeDate, TypeTimestamp:
		return string(t)
	case TypeBlob:
		return "BLOB"
	default:
		return "VARCHAR"
	}
}

// Column describes a table column.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	Nullable   bool       `json:"nullable"`
	PrimaryKey bool       `json:"primary_key,omitempty"`
	Position   int        `json:"position"`
}

// GeometryColumn describes a registered geometry column.
type GeometryColumn struct {
	Name         string       `json:"name"`
	GeometryType GeometryType `json:"geometry_type"`
	SRID         int          `json:"srid"`
	Dimension    string       `json:"dimension"`
	Indexed      bool         `json:"indexed"`
}

// TableSummary holds descriptive information about a table.
type TableSummary struct {
	Location        TableLocation    `json:"-"`
	Name            string           `json:"name"`
	Columns         []Column         `json:"columns"`
	RowCount        int64            `json:"row_count"`
	GeometryColumns []GeometryColumn `json:"geometry_columns,omitempty"`
	Extent          *Extent          `json:"extent,omitempty"`
}

// IsSpatial reports whether the table has at least one geometry column.
func (s TableSummary) IsSpatial() bool {
	return len(s.GeometryColumns) > 0
}

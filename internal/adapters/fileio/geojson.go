package fileio

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// DefaultGeometryColumn is the name given to geometry columns read from files.
const DefaultGeometryColumn = "THE_GEOM"

// GeoJSONReader reads a FeatureCollection, a single Feature or a bare geometry.
type GeoJSONReader struct {
	schema   Schema
	features []*geojson.Feature
	pos      int
	cur      Record
}

// NewGeoJSONReader decodes the whole document and infers the column types
// from the union of the feature properties.
func NewGeoJSONReader(r io.Reader, opts domain.LoadOptions) (*GeoJSONReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding geojson: %w", err)
	}

	var features []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, fmt.Errorf("decoding feature collection: %w", err)
		}
		features = fc.Features
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, fmt.Errorf("decoding feature: %w", err)
		}
		features = []*geojson.Feature{f}
	case "":
		return nil, fmt.Errorf("%w: missing geojson type", domain.ErrInvalidInput)
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("decoding geometry: %w", err)
		}
		features = []*geojson.Feature{geojson.NewFeature(g.Geometry())}
	}

	srid := opts.SRID
	if srid == 0 {
		srid = domain.SRIDWGS84
	}

	return &GeoJSONReader{
		schema:   inferGeoJSONSchema(features, srid),
		features: features,
	}, nil
}

func inferGeoJSONSchema(features []*geojson.Feature, srid int) Schema {
	var (
		names []string
		types = make(map[string]domain.ColumnType)
		gtype domain.GeometryType
	)

	for _, f := range features {
		keys := make([]string, 0, len(f.Properties))
		for k := range f.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			t := jsonValueType(f.Properties[k])
			prev, seen := types[k]
			if !seen {
				names = append(names, k)
				types[k] = t
				continue
			}
			types[k] = mergeTypes(prev, t)
		}

		if f.Geometry != nil {
			t := domain.ParseGeometryType(f.Geometry.GeoJSONType())
			switch {
			case gtype == "":
				gtype = t
			case gtype != t:
				gtype = domain.GeomGeometry
			}
		}
	}

	schema := Schema{Columns: make([]domain.Column, len(names))}
	for i, n := range names {
		t := types[n]
		if t == TypeNull {
			t = domain.TypeVarchar
		}
		schema.Columns[i] = domain.Column{Name: n, Type: t, Nullable: true, Position: i + 1}
	}
	if gtype == "" {
		gtype = domain.GeomGeometry
	}
	schema.Geometry = &domain.GeometryColumn{
		Name:         DefaultGeometryColumn,
		GeometryType: gtype,
		SRID:         srid,
		Dimension:    "XY",
	}
	return schema
}

// TypeNull marks a column whose values were all null so far.
const TypeNull domain.ColumnType = "NULL"

func jsonValueType(v any) domain.ColumnType {
	switch t := v.(type) {
	case nil:
		return TypeNull
	case bool:
		return domain.TypeBoolean
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return domain.TypeBigInt
		}
		return domain.TypeDouble
	default:
		return domain.TypeVarchar
	}
}

func mergeTypes(a, b domain.ColumnType) domain.ColumnType {
	switch {
	case a == b:
		return a
	case a == TypeNull:
		return b
	case b == TypeNull:
		return a
	case (a == domain.TypeBigInt && b == domain.TypeDouble) || (a == domain.TypeDouble && b == domain.TypeBigInt):
		return domain.TypeDouble
	default:
		return domain.TypeVarchar
	}
}

// Schema implements Reader.
func (r *GeoJSONReader) Schema() Schema { return r.schema }

// Next implements Reader.
func (r *GeoJSONReader) Next() bool {
	if r.pos >= len(r.features) {
		return false
	}
	f := r.features[r.pos]
	r.pos++

	values := make([]any, len(r.schema.Columns))
	for i, c := range r.schema.Columns {
		values[i] = convertJSONValue(f.Properties[c.Name], c.Type)
	}
	r.cur = Record{Values: values, Geometry: f.Geometry}
	return true
}

func convertJSONValue(v any, t domain.ColumnType) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		if t == domain.TypeBigInt {
			return int64(x)
		}
		if t == domain.TypeVarchar {
			return domain.ToString(x)
		}
		return x
	case bool:
		if t == domain.TypeVarchar {
			return domain.ToString(x)
		}
		return x
	case string:
		return x
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// Record implements Reader.
func (r *GeoJSONReader) Record() Record { return r.cur }

// Err implements Reader.
func (r *GeoJSONReader) Err() error { return nil }

// Close implements Reader.
func (r *GeoJSONReader) Close() error { return nil }

// GeoJSONWriter buffers features and writes a FeatureCollection on Close.
type GeoJSONWriter struct {
	w      io.Writer
	schema Schema
	fc     *geojson.FeatureCollection
}

// NewGeoJSONWriter creates a GeoJSON writer.
func NewGeoJSONWriter(w io.Writer, schema Schema) *GeoJSONWriter {
	return &GeoJSONWriter{w: w, schema: schema, fc: geojson.NewFeatureCollection()}
}

// Write implements Writer.
func (w *GeoJSONWriter) Write(rec Record) error {
	w.fc.Append(NewFeature(w.schema.ColumnNames(), rec))
	return nil
}

// Close implements Writer.
func (w *GeoJSONWriter) Close() error {
	data, err := w.fc.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.w.Write(data)
	return err
}

// NewFeature builds a GeoJSON feature from attribute names and a record.
// A record without geometry gets a null geometry.
func NewFeature(columns []string, rec Record) *geojson.Feature {
	f := &geojson.Feature{
		Type:       "Feature",
		Geometry:   rec.Geometry,
		Properties: make(geojson.Properties, len(columns)),
	}
	for i, c := range columns {
		if i < len(rec.Values) {
			f.Properties[c] = jsonValue(rec.Values[i])
		}
	}
	return f
}

func jsonValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	case orb.Geometry:
		return geojson.NewGeometry(t)
	default:
		return v
	}
}

package fileio

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/orbisgis/orbisdata/internal/domain"
)

var sidecarExtensions = []string{".shx", ".dbf", ".prj", ".cpg"}

// ShapefileSidecars returns the sidecar file paths of a .shp path.
func ShapefileSidecars(path string) []string {
	return shapefileSidecars(path)
}

func shapefileSidecars(path string) []string {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	out := make([]string, len(sidecarExtensions))
	for i, ext := range sidecarExtensions {
		out[i] = base + ext
	}
	return out
}

// ShapefileReader reads geometries and attributes of an ESRI shapefile.
// Polygons are read as multi polygons and polylines as multi line strings.
type ShapefileReader struct {
	r       *shp.Reader
	fields  []shp.Field
	schema  Schema
	decode  func(string) string
	cur     Record
	err     error
	read    int
	records int
}

// OpenShapefile opens a .shp file and its .dbf, .prj and .cpg sidecars.
func OpenShapefile(path string, opts domain.LoadOptions) (*ShapefileReader, error) {
	dbf := strings.TrimSuffix(path, filepath.Ext(path)) + ".dbf"
	if _, err := os.Stat(dbf); err != nil {
		return nil, fmt.Errorf("%w: shapefile attributes %s: %v", domain.ErrNotFound, dbf, err)
	}

	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening shapefile %s: %w", path, err)
	}

	fields := r.Fields()
	schema := Schema{Columns: make([]domain.Column, len(fields))}
	for i, f := range fields {
		schema.Columns[i] = domain.Column{
			Name:     f.String(),
			Type:     dbfFieldType(f.Fieldtype, f.Precision),
			Nullable: true,
			Position: i + 1,
		}
	}

	srid := opts.SRID
	if srid == 0 {
		srid = readPRJ(path)
	}

	gtype, dim := shapeGeometryType(r.GeometryType)
	schema.Geometry = &domain.GeometryColumn{
		Name:         DefaultGeometryColumn,
		GeometryType: gtype,
		SRID:         srid,
		Dimension:    dim,
	}

	enc := opts.Encoding
	if enc == "" {
		enc = readCPG(path)
	}

	return &ShapefileReader{
		r:       r,
		fields:  fields,
		schema:  schema,
		decode:  textDecoder(enc),
		records: r.AttributeCount(),
	}, nil
}

func shapeGeometryType(t shp.ShapeType) (domain.GeometryType, string) {
	switch t {
	case shp.POINT:
		return domain.GeomPoint, "XY"
	case shp.POINTZ:
		return domain.GeomPoint, "XYZ"
	case shp.POINTM:
		return domain.GeomPoint, "XYM"
	case shp.POLYLINE:
		return domain.GeomMultiLineString, "XY"
	case shp.POLYLINEZ:
		return domain.GeomMultiLineString, "XYZ"
	case shp.POLYLINEM:
		return domain.GeomMultiLineString, "XYM"
	case shp.POLYGON:
		return domain.GeomMultiPolygon, "XY"
	case shp.POLYGONZ:
		return domain.GeomMultiPolygon, "XYZ"
	case shp.POLYGONM:
		return domain.GeomMultiPolygon, "XYM"
	case shp.MULTIPOINT:
		return domain.GeomMultiPoint, "XY"
	case shp.MULTIPOINTZ:
		return domain.GeomMultiPoint, "XYZ"
	case shp.MULTIPOINTM:
		return domain.GeomMultiPoint, "XYM"
	default:
		return domain.GeomGeometry, "XY"
	}
}

// Schema implements Reader.
func (r *ShapefileReader) Schema() Schema { return r.schema }

// Next implements Reader. Only X and Y are read; Z and M are dropped.
func (r *ShapefileReader) Next() bool {
	if r.err != nil {
		return false
	}
	if !r.r.Next() {
		if r.read < r.records {
			r.err = fmt.Errorf("%w: shapefile ended after %d of %d records", domain.ErrInvalidInput, r.read, r.records)
		}
		return false
	}
	n, shape := r.r.Shape()
	r.read++

	values := make([]any, len(r.fields))
	for i, c := range r.schema.Columns {
		raw := strings.Trim(r.r.ReadAttribute(n, i), " \x00")
		v, err := parseDBFText(r.decode(raw), c.Type)
		if err != nil {
			r.err = fmt.Errorf("record %d column %s: %w", n, c.Name, err)
			return false
		}
		values[i] = v
	}

	r.cur = Record{Values: values, Geometry: shapeToGeometry(shape)}
	return true
}

func parseDBFText(s string, t domain.ColumnType) (any, error) {
	if s == "" || strings.Trim(s, "*") == "" {
		return nil, nil
	}
	switch t {
	case domain.TypeBigInt, domain.TypeInteger:
		return strconv.ParseInt(s, 10, 64)
	case domain.TypeDouble:
		return strconv.ParseFloat(s, 64)
	case domain.TypeBoolean:
		switch strings.ToUpper(s) {
		case "T", "Y":
			return true, nil
		case "F", "N":
			return false, nil
		default:
			return nil, nil
		}
	case domain.TypeDate:
		d, err := time.Parse("20060102", s)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return s, nil
	}
}

// Record implements Reader.
func (r *ShapefileReader) Record() Record { return r.cur }

// Err implements Reader.
func (r *ShapefileReader) Err() error { return r.err }

// Close implements Reader.
func (r *ShapefileReader) Close() error {
	r.r.Close()
	return nil
}

func shapeToGeometry(s shp.Shape) orb.Geometry {
	switch g := s.(type) {
	case *shp.Point:
		return orb.Point{g.X, g.Y}
	case *shp.PointZ:
		return orb.Point{g.X, g.Y}
	case *shp.PointM:
		return orb.Point{g.X, g.Y}
	case *shp.MultiPoint:
		return multiPoint(g.Points)
	case *shp.MultiPointZ:
		return multiPoint(g.Points)
	case *shp.MultiPointM:
		return multiPoint(g.Points)
	case *shp.PolyLine:
		return multiLineString(g.Parts, g.Points)
	case *shp.PolyLineZ:
		return multiLineString(g.Parts, g.Points)
	case *shp.PolyLineM:
		return multiLineString(g.Parts, g.Points)
	case *shp.Polygon:
		return multiPolygon(g.Parts, g.Points)
	case *shp.PolygonZ:
		return multiPolygon(g.Parts, g.Points)
	case *shp.PolygonM:
		return multiPolygon(g.Parts, g.Points)
	default:
		return nil
	}
}

func multiPoint(points []shp.Point) orb.MultiPoint {
	mp := make(orb.MultiPoint, len(points))
	for i, p := range points {
		mp[i] = orb.Point{p.X, p.Y}
	}
	return mp
}

func splitParts(parts []int32, points []shp.Point) [][]orb.Point {
	out := make([][]orb.Point, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			continue
		}
		seg := make([]orb.Point, 0, end-start)
		for _, p := range points[start:end] {
			seg = append(seg, orb.Point{p.X, p.Y})
		}
		out = append(out, seg)
	}
	return out
}

func multiLineString(parts []int32, points []shp.Point) orb.MultiLineString {
	segs := splitParts(parts, points)
	mls := make(orb.MultiLineString, len(segs))
	for i, s := range segs {
		mls[i] = orb.LineString(s)
	}
	return mls
}

// multiPolygon groups rings: every clockwise ring starts a polygon and
// counter-clockwise rings are holes of the preceding polygon.
func multiPolygon(parts []int32, points []shp.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, seg := range splitParts(parts, points) {
		ring := orb.Ring(seg)
		if ring.Orientation() == orb.CCW && len(mp) > 0 {
			last := len(mp) - 1
			mp[last] = append(mp[last], ring)
			continue
		}
		mp = append(mp, orb.Polygon{ring})
	}
	return mp
}

var epsgAuthority = regexp.MustCompile(`AUTHORITY\["EPSG",\s*"?(\d+)"?\]`)

// knownPRJNames maps well known projection names found in .prj files that
// carry no EPSG authority.
var knownPRJNames = map[string]int{
	"GCS_WGS_1984":                 domain.SRIDWGS84,
	"WGS_1984_Web_Mercator":        domain.SRIDWebMercator,
	"RGF_1993_Lambert_93":          domain.SRIDLambert93,
	"RGF93_Lambert_93":             domain.SRIDLambert93,
	"ETRS_1989_UTM_Zone_31N":       domain.SRIDETRS89UTM31N,
	"ETRS_1989_UTM_Zone_32N":       domain.SRIDETRS89UTM32N,
	"WGS_1984_Web_Mercator_Sphere": domain.SRIDWebMercator,
}

// readPRJ returns the SRID declared by the .prj sidecar, or 0.
func readPRJ(path string) int {
	data, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".prj") //#nosec G304 -- sidecar of an operator provided path
	if err != nil {
		return domain.SRIDUnknown
	}
	return ParsePRJ(string(data))
}

// ParsePRJ extracts an EPSG code from ESRI or OGC WKT. The outermost
// authority wins, which is the last one in the text.
func ParsePRJ(text string) int {
	if m := epsgAuthority.FindAllStringSubmatch(text, -1); len(m) > 0 {
		if code, err := strconv.Atoi(m[len(m)-1][1]); err == nil {
			return code
		}
	}
	for name, srid := range knownPRJNames {
		if strings.Contains(text, `"`+name+`"`) && (strings.HasPrefix(text, `PROJCS["`+name) || strings.HasPrefix(text, `GEOGCS["`+name)) {
			return srid
		}
	}
	return domain.SRIDUnknown
}

func readCPG(path string) string {
	data, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + ".cpg") //#nosec G304 -- sidecar of an operator provided path
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ShapefileWriter writes a shapefile. The shape type is taken from the
// schema, or from the first geometry when the schema type is GEOMETRY.
type ShapefileWriter struct {
	path   string
	schema Schema
	prj    string
	w      *shp.Writer
	kind   shp.ShapeType
	fields []shp.Field
}

// CreateShapefile prepares a shapefile writer. Files are created on the
// first write or on Close.
func CreateShapefile(path string, schema Schema, opts WriterOptions) (*ShapefileWriter, error) {
	if schema.Geometry == nil {
		return nil, fmt.Errorf("%w: shapefiles need a geometry column", domain.ErrNoGeometryColumn)
	}
	return &ShapefileWriter{
		path:   path,
		schema: schema,
		prj:    opts.PRJ,
		fields: shapeFields(schema.Columns),
	}, nil
}

func shapeFields(cols []domain.Column) []shp.Field {
	fields := make([]shp.Field, len(cols))
	used := make(map[string]int)
	for i, c := range cols {
		name := strings.ToUpper(c.Name)
		if len(name) > 10 {
			name = name[:10]
		}
		if n := used[name]; n > 0 {
			suffix := strconv.Itoa(n)
			if len(name)+len(suffix) > 10 {
				name = name[:10-len(suffix)]
			}
			name += suffix
		}
		used[name]++

		switch c.Type {
		case domain.TypeInteger, domain.TypeBigInt:
			fields[i] = shp.NumberField(name, 18)
		case domain.TypeDouble:
			fields[i] = shp.FloatField(name, 24, 12)
		case domain.TypeBoolean:
			fields[i] = shp.StringField(name, 1)
		case domain.TypeDate:
			fields[i] = shp.DateField(name)
		default:
			fields[i] = shp.StringField(name, 254)
		}
	}
	return fields
}

func shapeTypeFor(t domain.GeometryType) (shp.ShapeType, bool) {
	switch t {
	case domain.GeomPoint:
		return shp.POINT, true
	case domain.GeomMultiPoint:
		return shp.MULTIPOINT, true
	case domain.GeomLineString, domain.GeomMultiLineString:
		return shp.POLYLINE, true
	case domain.GeomPolygon, domain.GeomMultiPolygon:
		return shp.POLYGON, true
	default:
		return shp.NULL, false
	}
}

func (w *ShapefileWriter) open(kind shp.ShapeType) error {
	sw, err := shp.Create(w.path, kind)
	if err != nil {
		return fmt.Errorf("creating shapefile %s: %w", w.path, err)
	}
	if err := sw.SetFields(w.fields); err != nil {
		sw.Close()
		return fmt.Errorf("creating shapefile attributes %s: %w", w.path, err)
	}
	w.w = sw
	w.kind = kind

	if w.prj != "" {
		prj := strings.TrimSuffix(w.path, filepath.Ext(w.path)) + ".prj"
		if err := os.WriteFile(prj, []byte(w.prj), 0o600); err != nil {
			return err
		}
	}
	return nil
}

// Write implements Writer.
func (w *ShapefileWriter) Write(rec Record) error {
	if w.w == nil {
		kind, ok := shapeTypeFor(w.schema.Geometry.GeometryType)
		if !ok && rec.Geometry != nil {
			kind, ok = shapeTypeFor(domain.ParseGeometryType(rec.Geometry.GeoJSONType()))
		}
		if !ok {
			return fmt.Errorf("%w: cannot write %s geometries to a shapefile",
				domain.ErrUnsupported, w.schema.Geometry.GeometryType)
		}
		if err := w.open(kind); err != nil {
			return err
		}
	}

	shape, err := geometryToShape(rec.Geometry, w.kind)
	if err != nil {
		return err
	}
	row := int(w.w.Write(shape))

	for i, v := range rec.Values {
		if i >= len(w.fields) || v == nil {
			continue
		}
		if err := w.w.WriteAttribute(row, i, shapeAttribute(v, w.schema.Columns[i].Type)); err != nil {
			return fmt.Errorf("writing attribute %s: %w", w.schema.Columns[i].Name, err)
		}
	}
	return nil
}

func shapeAttribute(v any, t domain.ColumnType) any {
	switch x := v.(type) {
	case bool:
		if x {
			return "T"
		}
		return "F"
	case time.Time:
		return x.Format("20060102")
	case int64:
		return int(x)
	case int32:
		return int(x)
	case float32:
		return float64(x)
	case []byte:
		return string(x)
	case int, float64, string:
		return x
	default:
		if t == domain.TypeDouble {
			if f, err := domain.ToFloat64(v); err == nil {
				return f
			}
		}
		return domain.ToString(v)
	}
}

// Close implements Writer.
func (w *ShapefileWriter) Close() error {
	if w.w == nil {
		kind, ok := shapeTypeFor(w.schema.Geometry.GeometryType)
		if !ok {
			kind = shp.POINT
		}
		if err := w.open(kind); err != nil {
			return err
		}
	}
	w.w.Close()
	return fixDBFName(w.path)
}

// fixDBFName moves the attribute file the shapefile library writes as
// <base>dbf to <base>.dbf.
func fixDBFName(path string) error {
	base := strings.TrimSuffix(path, filepath.Ext(path))
	want := base + ".dbf"
	got := base + "dbf"
	if _, err := os.Stat(got); err == nil {
		if err := os.Rename(got, want); err != nil {
			return fmt.Errorf("renaming shapefile attributes: %w", err)
		}
		return nil
	}
	if _, err := os.Stat(want); err != nil {
		return fmt.Errorf("%w: shapefile attributes %s were not written", domain.ErrInternal, want)
	}
	return nil
}

func geometryToShape(g orb.Geometry, kind shp.ShapeType) (shp.Shape, error) {
	if g == nil {
		return &shp.Null{}, nil
	}

	mismatch := fmt.Errorf("%w: %s geometry in a %s shapefile",
		domain.ErrInvalidInput, g.GeoJSONType(), shapeKindName(kind))

	switch kind {
	case shp.POINT:
		p, ok := g.(orb.Point)
		if !ok {
			return nil, mismatch
		}
		return &shp.Point{X: p.X(), Y: p.Y()}, nil

	case shp.MULTIPOINT:
		var mp orb.MultiPoint
		switch t := g.(type) {
		case orb.MultiPoint:
			mp = t
		case orb.Point:
			mp = orb.MultiPoint{t}
		default:
			return nil, mismatch
		}
		points := toShpPoints(mp)
		return &shp.MultiPoint{
			Box:       shp.BBoxFromPoints(points),
			NumPoints: int32(len(points)),
			Points:    points,
		}, nil

	case shp.POLYLINE:
		var parts [][]shp.Point
		switch t := g.(type) {
		case orb.LineString:
			parts = [][]shp.Point{toShpPoints(t)}
		case orb.MultiLineString:
			for _, ls := range t {
				parts = append(parts, toShpPoints(ls))
			}
		default:
			return nil, mismatch
		}
		return shp.NewPolyLine(parts), nil

	case shp.POLYGON:
		var polys []orb.Polygon
		switch t := g.(type) {
		case orb.Polygon:
			polys = []orb.Polygon{t}
		case orb.MultiPolygon:
			polys = t
		default:
			return nil, mismatch
		}
		var parts [][]shp.Point
		for _, poly := range polys {
			for i, ring := range poly {
				parts = append(parts, toShpPoints(orientRing(ring, i == 0)))
			}
		}
		polygon := shp.Polygon(*shp.NewPolyLine(parts))
		return &polygon, nil
	}
	return nil, mismatch
}

// orientRing returns the ring clockwise for outer rings and counter-clockwise
// for holes, as shapefiles require.
func orientRing(r orb.Ring, outer bool) orb.Ring {
	want := orb.CCW
	if outer {
		want = orb.CW
	}
	if r.Orientation() == want {
		return r
	}
	out := make(orb.Ring, len(r))
	for i, p := range r {
		out[len(r)-1-i] = p
	}
	return out
}

func toShpPoints[T ~[]orb.Point](pts T) []shp.Point {
	out := make([]shp.Point, len(pts))
	for i, p := range pts {
		out[i] = shp.Point{X: p.X(), Y: p.Y()}
	}
	return out
}

func shapeKindName(k shp.ShapeType) string {
	switch k {
	case shp.POINT:
		return "point"
	case shp.MULTIPOINT:
		return "multipoint"
	case shp.POLYLINE:
		return "polyline"
	case shp.POLYGON:
		return "polygon"
	default:
		return "null"
	}
}

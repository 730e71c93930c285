// Package domain contains the core entities and value objects of the data manager.
package domain

import (
	"fmt"
	"math"
	"strings"
)

// Common SRID constants.
const (
	SRIDUnknown      = 0
	SRIDWGS84        = 4326  // WGS 84
	SRIDWebMercator  = 3857  // Web Mercator
	SRIDLambert93    = 2154  // RGF93 / Lambert-93
	SRIDETRS89UTM31N = 25831 // ETRS89 / UTM zone 31N
	SRIDETRS89UTM32N = 25832 // ETRS89 / UTM zone 32N
)

// Projection represents a coordinate reference system.
type Projection struct {
	SRID int    // EPSG Code
	Name string // Human-readable name
}

// CommonProjections contains frequently used projections.
var CommonProjections = map[int]Projection{
	SRIDWGS84:        {SRID: SRIDWGS84, Name: "WGS 84"},
	SRIDWebMercator:  {SRID: SRIDWebMercator, Name: "Web Mercator"},
	SRIDLambert93:    {SRID: SRIDLambert93, Name: "RGF93 / Lambert-93"},
	SRIDETRS89UTM31N: {SRID: SRIDETRS89UTM31N, Name: "ETRS89 / UTM zone 31N"},
	SRIDETRS89UTM32N: {SRID: SRIDETRS89UTM32N, Name: "ETRS89 / UTM zone 32N"},
}

// IsKnownSRID returns true if the SRID is in the common projections list.
func IsKnownSRID(srid int) bool {
	_, ok := CommonProjections[srid]
	return ok
}

// GeometryType represents the type of a geometry column or value.
type GeometryType string

// Geometry type constants.
const (
	GeomGeometry           GeometryType = "GEOMETRY"
	GeomPoint              GeometryType = "POINT"
	GeomLineString         GeometryType = "LINESTRING"
	GeomPolygon            GeometryType = "POLYGON"
	GeomMultiPoint         GeometryType = "MULTIPOINT"
	GeomMultiLineString    GeometryType = "MULTILINESTRING"
	GeomMultiPolygon       GeometryType = "MULTIPOLYGON"
	GeomGeometryCollection GeometryType = "GEOMETRYCOLLECTION"
)

var spatialiteTypeCodes = map[int]GeometryType{
	0: GeomGeometry,
	1: GeomPoint,
	2: GeomLineString,
	3: GeomPolygon,
	4: GeomMultiPoint,
	5: GeomMultiLineString,
	6: GeomMultiPolygon,
	7: GeomGeometryCollection,
}

// GeometryTypeFromCode maps a SpatiaLite geometry_columns type code to a
// geometry type and its coordinate dimension ("XY", "XYZ", "XYM", "XYZM").
func GeometryTypeFromCode(code int) (GeometryType, string) {
	dim := "XY"
	switch {
	case code >= 3000:
		dim = "XYZM"
	case code >= 2000:
		dim = "XYM"
	case code >= 1000:
		dim = "XYZ"
	}
	if t, ok := spatialiteTypeCodes[code%1000]; ok {
		return t, dim
	}
	return GeomGeometry, dim
}

// ParseGeometryType normalizes a driver geometry type name.
// "ST_MultiPolygon", "MULTIPOLYGON Z" and "MultiPolygon" all map to MULTIPOLYGON.
func ParseGeometryType(name string) GeometryType {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "ST_")
	if idx := strings.IndexAny(n, " ("); idx > 0 {
		n = n[:idx]
	}
	n = strings.TrimSuffix(n, "ZM")
	if len(n) > 1 && (strings.HasSuffix(n, "Z") || strings.HasSuffix(n, "M")) {
		if _, ok := knownGeometryTypes[GeometryType(n[:len(n)-1])]; ok {
			n = n[:len(n)-1]
		}
	}
	t := GeometryType(n)
	if _, ok := knownGeometryTypes[t]; ok {
		return t
	}
	return GeomGeometry
}

var knownGeometryTypes = map[GeometryType]struct{}{
	GeomGeometry:           {},
	GeomPoint:              {},
	GeomLineString:         {},
	GeomPolygon:            {},
	GeomMultiPoint:         {},
	GeomMultiLineString:    {},
	GeomMultiPolygon:       {},
	GeomGeometryCollection: {},
}

// Extent represents a spatial bounding box.
type Extent struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
	SRID int
}

// EmptyExtent returns an extent that contains nothing and grows with Expand.
func EmptyExtent(srid int) Extent {
	return Extent{
		MinX: math.Inf(1), MinY: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1),
		SRID: srid,
	}
}

// Contains checks if a point is within the extent.
func (e Extent) Contains(x, y float64) bool {
	return x >= e.MinX && x <= e.MaxX && y >= e.MinY && y <= e.MaxY
}

// IsValid checks if the extent has valid dimensions.
func (e Extent) IsValid() bool {
	return e.MinX <= e.MaxX && e.MinY <= e.MaxY
}

// IsEmpty returns true for an extent that covers nothing.
func (e Extent) IsEmpty() bool {
	return !e.IsValid()
}

// Expand returns the smallest extent containing both e and o.
func (e Extent) Expand(o Extent) Extent {
	if o.IsEmpty() {
		return e
	}
	if e.IsEmpty() {
		o.SRID = e.SRID
		return o
	}
	return Extent{
		MinX: math.Min(e.MinX, o.MinX),
		MinY: math.Min(e.MinY, o.MinY),
		MaxX: math.Max(e.MaxX, o.MaxX),
		MaxY: math.Max(e.MaxY, o.MaxY),
		SRID: e.SRID,
	}
}

// Width returns the width of the extent.
func (e Extent) Width() float64 {
	return math.Abs(e.MaxX - e.MinX)
}

// Height returns the height of the extent.
func (e Extent) Height() float64 {
	return math.Abs(e.MaxY - e.MinY)
}

// Center returns the center of the extent.
func (e Extent) Center() (float64, float64) {
	return (e.MinX + e.MaxX) / 2, (e.MinY + e.MaxY) / 2
}

// String returns a BOX representation of the extent.
func (e Extent) String() string {
	return fmt.Sprintf("BOX(%g %g,%g %g) SRID=%d", e.MinX, e.MinY, e.MaxX, e.MaxY, e.SRID)
}

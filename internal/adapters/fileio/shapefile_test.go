package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/domain"
)

const lambert93PRJ = `PROJCS["RGF93_Lambert_93",GEOGCS["GCS_RGF_1993",DATUM["D_RGF_1993",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Conformal_Conic"],UNIT["Meter",1.0]]`

func TestShapefileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "parcels.shp")

	schema := Schema{
		Columns: []domain.Column{
			{Name: "id", Type: domain.TypeBigInt},
			{Name: "name", Type: domain.TypeVarchar},
			{Name: "area", Type: domain.TypeDouble},
		},
		Geometry: &domain.GeometryColumn{Name: "the_geom", GeometryType: domain.GeomPolygon, SRID: domain.SRIDLambert93},
	}

	w, err := Create(path, schema, domain.SaveOptions{}, WriterOptions{PRJ: lambert93PRJ})
	require.NoError(t, err)

	// Counter-clockwise outer ring, as GeoJSON writes it.
	square := orb.Polygon{orb.Ring{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	require.NoError(t, w.Write(Record{Values: []any{int64(1), "first", 100.5}, Geometry: square}))
	require.NoError(t, w.Write(Record{Values: []any{int64(2), nil, 3.25}, Geometry: orb.MultiPolygon{square}}))
	require.NoError(t, w.Close())

	for _, side := range []string{".shx", ".dbf", ".prj"} {
		_, err := os.Stat(filepath.Join(dir, "parcels"+side))
		assert.NoError(t, err, "sidecar %s", side)
	}
	_, err = os.Stat(filepath.Join(dir, "parcelsdbf"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	r, err := OpenShapefile(path, domain.LoadOptions{})
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	got := r.Schema()
	assert.Equal(t, []string{"ID", "NAME", "AREA"}, got.ColumnNames())
	assert.Equal(t, domain.TypeBigInt, got.Columns[0].Type)
	assert.Equal(t, domain.TypeVarchar, got.Columns[1].Type)
	assert.Equal(t, domain.TypeDouble, got.Columns[2].Type)
	assert.Equal(t, domain.GeomMultiPolygon, got.Geometry.GeometryType)
	assert.Equal(t, domain.SRIDLambert93, got.Geometry.SRID)

	records, err := ReadAll(r)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, []any{int64(1), "first", 100.5}, records[0].Values)
	assert.Equal(t, []any{int64(2), nil, 3.25}, records[1].Values)

	mp, ok := records[0].Geometry.(orb.MultiPolygon)
	require.True(t, ok, "got %T", records[0].Geometry)
	require.Len(t, mp, 1)
	assert.Equal(t, orb.CW, mp[0][0].Orientation())
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}, mp.Bound())
}

func TestOpenShapefileWithoutDBF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "points.shp")

	w, err := CreateShapefile(path, Schema{
		Columns:  []domain.Column{{Name: "label", Type: domain.TypeVarchar}},
		Geometry: &domain.GeometryColumn{GeometryType: domain.GeomPoint},
	}, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{Values: []any{"a"}, Geometry: orb.Point{1, 2}}))
	require.NoError(t, w.Close())

	r, err := OpenShapefile(path, domain.LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"LABEL"}, r.Schema().ColumnNames())
	require.NoError(t, r.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "points.dbf")))
	_, err = OpenShapefile(path, domain.LoadOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestShapefileCreateRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.shp")
	schema := Schema{Geometry: &domain.GeometryColumn{GeometryType: domain.GeomPoint}}

	w, err := Create(path, schema, domain.SaveOptions{}, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{Geometry: orb.Point{1, 1}}))
	require.NoError(t, w.Close())

	_, err = Create(path, schema, domain.SaveOptions{}, WriterOptions{})
	assert.ErrorIs(t, err, domain.ErrFileExists)

	w, err = Create(path, schema, domain.SaveOptions{Delete: true}, WriterOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
}

func TestShapefileWriterRejectsMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lines.shp")
	w, err := CreateShapefile(path, Schema{
		Geometry: &domain.GeometryColumn{GeometryType: domain.GeomLineString},
	}, WriterOptions{})
	require.NoError(t, err)

	err = w.Write(Record{Geometry: orb.Point{0, 0}})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	require.NoError(t, w.Close())

	_, err = CreateShapefile(path, Schema{}, WriterOptions{})
	assert.ErrorIs(t, err, domain.ErrNoGeometryColumn)
}

func TestMultiPolygonGroupsHoles(t *testing.T) {
	outer := []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}}
	hole := []shp.Point{{X: 2, Y: 2}, {X: 4, Y: 2}, {X: 4, Y: 4}, {X: 2, Y: 4}, {X: 2, Y: 2}}
	other := []shp.Point{{X: 20, Y: 20}, {X: 20, Y: 30}, {X: 30, Y: 30}, {X: 30, Y: 20}, {X: 20, Y: 20}}

	points := append(append(append([]shp.Point{}, outer...), hole...), other...)
	mp := multiPolygon([]int32{0, 5, 10}, points)

	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}

func TestParsePRJ(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"esri name", lambert93PRJ, domain.SRIDLambert93},
		{"ogc authority", `PROJCS["x",GEOGCS["y",AUTHORITY["EPSG","4326"]],AUTHORITY["EPSG","3857"]]`, domain.SRIDWebMercator},
		{"wgs84", `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984"]]`, domain.SRIDWGS84},
		{"unknown", `LOCAL_CS["anything"]`, domain.SRIDUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParsePRJ(tt.text))
		})
	}
}

func TestDBFFieldType(t *testing.T) {
	assert.Equal(t, domain.TypeVarchar, dbfFieldType('C', 0))
	assert.Equal(t, domain.TypeBigInt, dbfFieldType('N', 0))
	assert.Equal(t, domain.TypeDouble, dbfFieldType('N', 3))
	assert.Equal(t, domain.TypeBoolean, dbfFieldType('L', 0))
	assert.Equal(t, domain.TypeDate, dbfFieldType('D', 0))
}

func TestTextDecoder(t *testing.T) {
	latin := string([]byte{'C', 'a', 'f', 0xe9})
	assert.Equal(t, "Café", textDecoder("ISO-8859-1")(latin))
	assert.Equal(t, "Café", textDecoder("latin1")("Café"))
	assert.Equal(t, latin, textDecoder("")(latin))
}

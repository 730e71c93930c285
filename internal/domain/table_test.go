package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestParseTableLocation(t *testing.T) {
	tests := []struct {
		in      string
		want    TableLocation
		wantErr bool
	}{
		{in: "roads", want: TableLocation{Table: "roads"}},
		{in: "public.roads", want: TableLocation{Schema: "public", Table: "roads"}},
		{in: "db.public.roads", want: TableLocation{Catalog: "db", Schema: "public", Table: "roads"}},
		{in: `"My.Table"`, want: TableLocation{Table: "My.Table"}},
		{in: `public."Road ""A"""`, want: TableLocation{Schema: "public", Table: `Road "A"`}},
		{in: "", wantErr: true},
		{in: "a..b", wantErr: true},
		{in: `"open`, wantErr: true},
		{in: "a.b.c.d", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTableLocation(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTableLocation(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("error should wrap ErrInvalidInput, got %v", err)
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseTableLocation(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
		})
	}
}

func TestTableLocationString(t *testing.T) {
	loc := TableLocation{Schema: "public", Table: "roads"}

	if got := loc.String(); got != "public.roads" {
		t.Errorf("String() = %q, want public.roads", got)
	}

	quote := func(s string) string { return `"` + strings.ReplaceAll(s, `"`, `""`) + `"` }
	if got := loc.Quoted(quote); got != `"public"."roads"` {
		t.Errorf("Quoted() = %q", got)
	}

	if !(TableLocation{}).IsZero() {
		t.Error("empty location should be zero")
	}
}

func TestParseColumnType(t *testing.T) {
	tests := []struct {
		in   string
		want ColumnType
	}{
		{"INTEGER", TypeInteger},
		{"int4", TypeInteger},
		{"bigint", TypeBigInt},
		{"double precision", TypeDouble},
		{"REAL", TypeDouble},
		{"NUMERIC(10,2)", TypeDouble},
		{"character varying", TypeVarchar},
		{"VARCHAR(20)", TypeVarchar},
		{"TEXT", TypeVarchar},
		{"boolean", TypeBoolean},
		{"DATE", TypeDate},
		{"timestamp with time zone", TypeTimestamp},
		{"BLOB", TypeBlob},
		{"bytea", TypeBlob},
		{"geometry(Point,4326)", TypeGeometry},
		{"MULTIPOLYGON", TypeGeometry},
		{"UNSIGNED BIG INT", TypeInteger},
		{"", TypeUnknown},
		{"weird", TypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseColumnType(tt.in); got != tt.want {
				t.Errorf("ParseColumnType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestTableSummaryIsSpatial(t *testing.T) {
	s := TableSummary{Name: "roads"}
	if s.IsSpatial() {
		t.Error("summary without geometry columns should not be spatial")
	}

	s.GeometryColumns = []GeometryColumn{{Name: "the_geom", GeometryType: GeomLineString, SRID: SRIDWGS84}}
	if !s.IsSpatial() {
		t.Error("summary with geometry columns should be spatial")
	}
}

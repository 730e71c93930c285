package domain

import (
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
)

func newTestRow(t *testing.T) Row {
	t.Helper()

	geom, err := wkb.Marshal(orb.Point{2.35, 48.85})
	if err != nil {
		t.Fatalf("marshal point: %v", err)
	}

	return NewRow(
		[]string{"ID", "name", "population", "area", "capital", "the_geom", "note"},
		[]any{int64(1), []byte("Paris"), "2161000", 105.4, int64(1), geom, nil},
	)
}

func TestRowGet(t *testing.T) {
	row := newTestRow(t)

	tests := []struct {
		name    string
		column  string
		wantErr error
	}{
		{"exact case", "ID", nil},
		{"different case", "id", nil},
		{"missing", "missing", ErrColumnNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := row.Get(tt.column)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Get(%q) unexpected error: %v", tt.column, err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Get(%q) error = %v, want %v", tt.column, err, tt.wantErr)
			}
		})
	}
}

func TestRowTypedGetters(t *testing.T) {
	row := newTestRow(t)

	if got, err := row.GetString("name"); err != nil || got != "Paris" {
		t.Errorf("GetString(name) = %q, %v", got, err)
	}
	if got, err := row.GetString("note"); err != nil || got != "" {
		t.Errorf("GetString(note) = %q, %v", got, err)
	}
	if got, err := row.GetInt("population"); err != nil || got != 2161000 {
		t.Errorf("GetInt(population) = %d, %v", got, err)
	}
	if got, err := row.GetFloat("area"); err != nil || got != 105.4 {
		t.Errorf("GetFloat(area) = %f, %v", got, err)
	}
	if got, err := row.GetBool("capital"); err != nil || !got {
		t.Errorf("GetBool(capital) = %v, %v", got, err)
	}

	geom, err := row.GetGeometry("the_geom")
	if err != nil {
		t.Fatalf("GetGeometry() error: %v", err)
	}
	p, ok := geom.(orb.Point)
	if !ok || p.X() != 2.35 || p.Y() != 48.85 {
		t.Errorf("GetGeometry() = %v", geom)
	}
}

func TestRowConversionError(t *testing.T) {
	row := newTestRow(t)

	_, err := row.GetInt("name")
	if err == nil {
		t.Fatal("GetInt on text should fail")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if verr.Field != "name" {
		t.Errorf("Field = %q, want name", verr.Field)
	}

	if _, err := row.GetGeometry("name"); err == nil {
		t.Error("GetGeometry on text should fail")
	}
}

func TestRowSetAndMap(t *testing.T) {
	row := NewRow([]string{"a"}, []any{1})

	row.Set("A", 2)
	row.Set("b", "x")

	if row.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", row.Len())
	}

	m := row.Map()
	if m["a"] != 2 || m["b"] != "x" {
		t.Errorf("Map() = %v", m)
	}

	cols := row.Columns()
	cols[0] = "changed"
	if row.Columns()[0] != "a" {
		t.Error("Columns() should return a copy")
	}
}

func TestToInt64(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{"integral float", 3.0, 3, false},
		{"negative float", float32(-12), -12, false},
		{"fractional float", 3.7, 0, true},
		{"float too large", 1e20, 0, true},
		{"float too small", -1e20, 0, true},
		{"max uint64", uint64(1<<64 - 1), 0, true},
		{"small uint64", uint64(42), 42, false},
		{"text", " 7 ", 7, false},
		{"fractional text", "7.5", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToInt64(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ToInt64(%v) = %d, want error", tt.value, got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("ToInt64(%v) = %d, %v, want %d", tt.value, got, err, tt.want)
			}
		})
	}
}

func TestRowGetIntOverflow(t *testing.T) {
	row := NewRow([]string{"big", "half"}, []any{1e20, 2.5})

	for _, col := range []string{"big", "half"} {
		_, err := row.GetInt(col)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("GetInt(%s) error = %v, want ValidationError", col, err)
		}
	}
}

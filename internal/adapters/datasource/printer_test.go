package datasource

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/query"
)

func TestPrintRows(t *testing.T) {
	header := []string{"ID", "NAME"}
	cells := [][]string{{"1", "Paris"}, {"2", "a|b"}}

	tests := []struct {
		format PrintFormat
		want   string
	}{
		{PrintASCII, "+----+-------+\n" +
			"| ID | NAME  |\n" +
			"+----+-------+\n" +
			"| 1  | Paris |\n" +
			"| 2  | a|b   |\n" +
			"+----+-------+\n"},
		{PrintMarkdown, "| ID  | NAME  |\n" +
			"| --- | ----- |\n" +
			"| 1   | Paris |\n" +
			"| 2   | a\\|b  |\n"},
		{PrintCSV, "ID,NAME\n1,Paris\n2,a|b\n"},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, PrintRows(&buf, tt.format, header, cells))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestParsePrintFormat(t *testing.T) {
	f, err := ParsePrintFormat("")
	require.NoError(t, err)
	assert.Equal(t, PrintASCII, f)

	f, err = ParsePrintFormat("MD")
	require.NoError(t, err)
	assert.Equal(t, PrintMarkdown, f)

	_, err = ParsePrintFormat("xml")
	var verr *domain.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestTablePrintWKT(t *testing.T) {
	ds := openTestDataSource(t)
	ctx := context.Background()
	tbl := createCities(t, ds)

	var buf bytes.Buffer
	require.NoError(t, tbl.Print(ctx, &buf, PrintCSV))
	out := buf.String()
	assert.Contains(t, out, "ID,NAME,POPULATION,THE_GEOM\n")
	assert.Contains(t, out, "1,Paris,2161000,POINT(2.35 48.85)\n")
}

func TestTableQueryPrint(t *testing.T) {
	ds := openTestDataSource(t)
	ctx := context.Background()
	tbl := createCities(t, ds)

	qt, err := tbl.Query(ctx, query.Options{
		Columns: []string{"NAME", "THE_GEOM"},
		Where:   "POPULATION < ?",
		Args:    []any{1000000},
		OrderBy: []query.Order{{Column: "NAME", Direction: query.Desc}},
	})
	require.NoError(t, err)
	assert.True(t, qt.IsQuery())

	var buf bytes.Buffer
	require.NoError(t, qt.Print(ctx, &buf, PrintCSV))
	assert.Equal(t, "NAME,THE_GEOM\nVannes,POINT(-2.76 47.66)\nNantes,POINT(-1.55 47.22)\n", buf.String())

	_, err = qt.Spatial(ctx)
	assert.ErrorIs(t, err, domain.ErrNoGeometryColumn)
}

func TestFilterColumns(t *testing.T) {
	ds := openTestDataSource(t)
	ctx := context.Background()
	tbl := createCities(t, ds)

	rows, err := tbl.Filter(ctx, query.Options{Columns: []string{"ID", "NAME"}, Limit: 1, OrderBy: []query.Order{{Column: "ID"}}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"ID", "NAME"}, rows[0].Columns())
}

package datasource

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// PrintFormat selects the layout of Table.Print.
type PrintFormat string

// Print formats.
const (
	PrintASCII    PrintFormat = "ascii"
	PrintMarkdown PrintFormat = "markdown"
	PrintCSV      PrintFormat = "csv"
)

// ParsePrintFormat parses a print format name. Empty selects ASCII.
func ParsePrintFormat(s string) (PrintFormat, error) {
	switch PrintFormat(strings.ToLower(strings.TrimSpace(s))) {
	case "", PrintASCII, "table", "text":
		return PrintASCII, nil
	case PrintMarkdown, "md":
		return PrintMarkdown, nil
	case PrintCSV:
		return PrintCSV, nil
	default:
		return "", &domain.ValidationError{
			Field:      "format",
			Value:      s,
			Constraint: "ascii|markdown|csv",
			Message:    "unknown print format",
		}
	}
}

// Print writes the rows of the table to w. Geometries are printed as WKT.
func (t *Table) Print(ctx context.Context, w io.Writer, format PrintFormat) error {
	rows, err := t.Rows(ctx)
	if err != nil {
		return err
	}
	var header []string
	if len(rows) > 0 {
		header = rows[0].Columns()
	} else if header, err = t.ColumnNames(ctx); err != nil {
		return err
	}
	geoms, err := t.geometryColumns(ctx)
	if err != nil {
		return err
	}

	cells := make([][]string, len(rows))
	for i, r := range rows {
		cells[i] = make([]string, len(header))
		for j, v := range r.Values() {
			cells[i][j] = cellText(v, isGeometryColumn(header[j], geoms))
		}
	}
	return PrintRows(w, format, header, cells)
}

func cellText(v any, geometry bool) string {
	if v == nil {
		return "NULL"
	}
	if geometry {
		if g, err := domain.ToGeometry(v); err == nil && g != nil {
			return wkt.MarshalString(g)
		}
	}
	if b, ok := v.([]byte); ok && !utf8.Valid(b) {
		return fmt.Sprintf("<%d bytes>", len(b))
	}
	return domain.ToString(v)
}

// PrintRows writes a header and text cells in the given format.
func PrintRows(w io.Writer, format PrintFormat, header []string, cells [][]string) error {
	switch format {
	case PrintCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := cw.WriteAll(cells); err != nil {
			return err
		}
		return cw.Error()
	case PrintMarkdown:
		return printMarkdown(w, header, cells)
	default:
		return printASCII(w, header, cells)
	}
}

func columnWidths(header []string, cells [][]string) []int {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range cells {
		for i, c := range row {
			if n := utf8.RuneCountInString(c); i < len(widths) && n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

func pad(s string, width int) string {
	return s + strings.Repeat(" ", max(width-utf8.RuneCountInString(s), 0))
}

func printASCII(w io.Writer, header []string, cells [][]string) error {
	widths := columnWidths(header, cells)

	var sep strings.Builder
	sep.WriteString("+")
	for _, wd := range widths {
		sep.WriteString(strings.Repeat("-", wd+2))
		sep.WriteString("+")
	}
	sep.WriteString("\n")

	line := func(values []string) string {
		var b strings.Builder
		b.WriteString("|")
		for i, wd := range widths {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			b.WriteString(" " + pad(v, wd) + " |")
		}
		b.WriteString("\n")
		return b.String()
	}

	var b strings.Builder
	b.WriteString(sep.String())
	b.WriteString(line(header))
	b.WriteString(sep.String())
	for _, row := range cells {
		b.WriteString(line(row))
	}
	b.WriteString(sep.String())
	_, err := io.WriteString(w, b.String())
	return err
}

func printMarkdown(w io.Writer, header []string, cells [][]string) error {
	escape := strings.NewReplacer("|", `\|`, "\n", " ")
	header = escapeAll(escape, header)
	escaped := make([][]string, len(cells))
	for i, row := range cells {
		escaped[i] = escapeAll(escape, row)
	}
	widths := columnWidths(header, escaped)
	for i := range widths {
		widths[i] = max(widths[i], 3)
	}

	line := func(values []string) string {
		var b strings.Builder
		b.WriteString("|")
		for i, wd := range widths {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			b.WriteString(" " + pad(v, wd) + " |")
		}
		b.WriteString("\n")
		return b.String()
	}

	var b strings.Builder
	b.WriteString(line(header))
	b.WriteString("|")
	for _, wd := range widths {
		b.WriteString(" " + strings.Repeat("-", wd) + " |")
	}
	b.WriteString("\n")
	for _, row := range escaped {
		b.WriteString(line(row))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func escapeAll(r *strings.Replacer, values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = r.Replace(v)
	}
	return out
}

package domain

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// FileFormat identifies a supported data file format.
type FileFormat string

// Supported file formats.
const (
	FormatGeoJSON   FileFormat = "geojson"
	FormatShapefile FileFormat = "shp"
	FormatDBF       FileFormat = "dbf"
	FormatCSV       FileFormat = "csv"
	FormatTSV       FileFormat = "tsv"
)

var formatsByExtension = map[string]FileFormat{
	".geojson": FormatGeoJSON,
	".json":    FormatGeoJSON,
	".shp":     FormatShapefile,
	".dbf":     FormatDBF,
	".csv":     FormatCSV,
	".tsv":     FormatTSV,
}

// FormatFromPath detects the file format from the path extension.
func FormatFromPath(path string) (FileFormat, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := formatsByExtension[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
}

// ParseFileFormat parses a format name such as "geojson" or "shp". File
// extensions with or without the dot are accepted too.
func ParseFileFormat(s string) (FileFormat, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if f, ok := formatsByExtension["."+strings.TrimPrefix(name, ".")]; ok {
		return f, nil
	}
	return "", &ValidationError{
		Field:      "format",
		Value:      s,
		Constraint: "geojson|shp|dbf|csv|tsv",
		Message:    "unknown file format",
	}
}

// IsSupportedFile reports whether the path has a loadable extension.
func IsSupportedFile(path string) bool {
	_, err := FormatFromPath(path)
	return err == nil
}

// IsSpatial reports whether files of this format carry geometries.
func (f FileFormat) IsSpatial() bool {
	return f == FormatGeoJSON || f == FormatShapefile
}

// Extension returns the canonical extension including the dot.
func (f FileFormat) Extension() string {
	return "." + string(f)
}

var nonIdentChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// TableNameFromPath derives a table name from a file base name.
// Characters outside [A-Za-z0-9_] become "_" and the result is upper-cased.
func TableNameFromPath(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	name := strings.ToUpper(nonIdentChars.ReplaceAllString(base, "_"))
	if name == "" {
		return "_"
	}
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// LoadOptions control how a file is loaded into a table.
type LoadOptions struct {
	// Delete drops the target table before loading.
	Delete bool
	// SRID overrides the SRID of loaded geometries. Zero keeps the file's
	// SRID, or WGS 84 for GeoJSON.
	SRID int
	// BatchSize is the number of rows inserted per statement batch.
	BatchSize int
	// Encoding of DBF attribute text, for example "UTF-8" or "ISO-8859-1".
	Encoding string
	// InferTypes makes CSV readers guess numeric and boolean columns.
	InferTypes bool
	// Format forces the file format instead of detecting it from the path.
	Format FileFormat
}

// DefaultBatchSize is used when LoadOptions.BatchSize is not positive.
const DefaultBatchSize = 1000

// EffectiveBatchSize returns the batch size with the default applied.
func (o LoadOptions) EffectiveBatchSize() int {
	if o.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return o.BatchSize
}

// SaveOptions control how a table is written to a file.
type SaveOptions struct {
	// Delete replaces an existing file.
	Delete bool
	// Format forces the file format instead of detecting it from the path.
	Format FileFormat
}

// Package storage provides object storage adapters.
//
// Every adapter lists only loadable data files (GeoJSON, Shapefile, DBF, CSV
// and TSV). A DBF file next to a Shapefile of the same name is the attribute
// table of that Shapefile and is not listed on its own. Downloading a
// Shapefile also fetches its sidecar files when they exist.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

// shapefileSidecars are fetched next to a .shp file.
var shapefileSidecars = []string{".dbf", ".shx", ".prj", ".cpg"}

// isShapefile reports whether key names a .shp file.
func isShapefile(key string) bool {
	return strings.EqualFold(filepath.Ext(key), ".shp")
}

// sidecarKeys returns the sidecar keys of a Shapefile key, with the case of
// the key's extension.
func sidecarKeys(key string) []string {
	if !isShapefile(key) {
		return nil
	}
	ext := filepath.Ext(key)
	base := strings.TrimSuffix(key, ext)
	upper := ext == strings.ToUpper(ext)

	keys := make([]string, 0, len(shapefileSidecars))
	for _, s := range shapefileSidecars {
		if upper {
			s = strings.ToUpper(s)
		}
		keys = append(keys, base+s)
	}
	return keys
}

// sidecarDest returns the local path of a sidecar. Shapefile readers look
// for lower-case sidecar extensions.
func sidecarDest(dest, sidecarKey string) string {
	return strings.TrimSuffix(dest, filepath.Ext(dest)) + strings.ToLower(filepath.Ext(sidecarKey))
}

// dataFiles keeps the loadable files of objs.
func dataFiles(objs []output.StorageObject) []output.StorageObject {
	shapes := make(map[string]bool)
	for _, o := range objs {
		if isShapefile(o.Key) {
			shapes[strings.ToLower(strings.TrimSuffix(o.Key, filepath.Ext(o.Key)))] = true
		}
	}

	out := make([]output.StorageObject, 0, len(objs))
	for _, o := range objs {
		if !domain.IsSupportedFile(o.Key) {
			continue
		}
		ext := filepath.Ext(o.Key)
		if strings.EqualFold(ext, ".dbf") && shapes[strings.ToLower(strings.TrimSuffix(o.Key, ext))] {
			continue
		}
		out = append(out, o)
	}
	return out
}

// opener opens an object for reading.
type opener func(ctx context.Context, key string) (io.ReadCloser, error)

// fetchWithSidecars downloads key to dest, and the sidecars of a Shapefile
// that exist according to exists.
func fetchWithSidecars(ctx context.Context, key, dest string, open opener, exists func(context.Context, string) (bool, error)) error {
	if err := fetch(ctx, key, dest, open); err != nil {
		return err
	}
	for _, sk := range sidecarKeys(key) {
		ok, err := exists(ctx, sk)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fetch(ctx, sk, sidecarDest(dest, sk), open); err != nil {
			return err
		}
	}
	return nil
}

// fetch copies one object to dest, creating parent directories.
func fetch(ctx context.Context, key, dest string, open opener) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
		return err
	}

	body, err := open(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	f, err := os.Create(dest) //#nosec G304 -- dest is a controlled local path
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Instrumented records metrics around another ObjectStorage.
type Instrumented struct {
	next    output.ObjectStorage
	metrics output.MetricsCollector
}

// NewInstrumented wraps s. A nil collector disables metrics.
func NewInstrumented(s output.ObjectStorage, metrics output.MetricsCollector) *Instrumented {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	return &Instrumented{next: s, metrics: metrics}
}

func (s *Instrumented) observe(op string, start time.Time, err error) {
	s.metrics.IncStorageOperations(op, err == nil)
	s.metrics.ObserveStorageDuration(op, time.Since(start))
}

// List implements ObjectStorage.
func (s *Instrumented) List(ctx context.Context) (objs []output.StorageObject, err error) {
	defer func(start time.Time) { s.observe("list", start, err) }(time.Now())
	objs, err = s.next.List(ctx)
	if err != nil {
		return nil, &domain.StorageError{Operation: "list", Err: err}
	}
	return objs, nil
}

// Download implements ObjectStorage.
func (s *Instrumented) Download(ctx context.Context, key, dest string) (err error) {
	defer func(start time.Time) { s.observe("download", start, err) }(time.Now())
	if err = s.next.Download(ctx, key, dest); err != nil {
		return &domain.StorageError{Operation: "download", Key: key, Err: err}
	}
	return nil
}

// GetReader implements ObjectStorage.
func (s *Instrumented) GetReader(ctx context.Context, key string) (r io.ReadCloser, err error) {
	defer func(start time.Time) { s.observe("read", start, err) }(time.Now())
	r, err = s.next.GetReader(ctx, key)
	if err != nil {
		return nil, &domain.StorageError{Operation: "read", Key: key, Err: err}
	}
	return r, nil
}

// Exists implements ObjectStorage.
func (s *Instrumented) Exists(ctx context.Context, key string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("exists", start, err) }(time.Now())
	ok, err = s.next.Exists(ctx, key)
	if err != nil {
		return false, &domain.StorageError{Operation: "exists", Key: key, Err: err}
	}
	return ok, nil
}

// statusError is returned for unexpected HTTP status codes.
func statusError(code int, key string) error {
	if code == 404 {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, key)
	}
	return fmt.Errorf("%w: HTTP %d for %s", domain.ErrUnavailable, code, key)
}

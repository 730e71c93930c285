package application

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

func newTestCatalog(store *mockStore, storage *mockStorage, metrics output.MetricsCollector) *Catalog {
	var s output.ObjectStorage
	if storage != nil {
		s = storage
	}
	return NewCatalog(store, s, metrics, testLogger(), CatalogConfig{
		LocalPath:    "/tmp/orbisdata",
		SpatialIndex: true,
	})
}

func TestCatalogLoadUnload(t *testing.T) {
	store := newMockStore()
	metrics := &mockMetrics{}
	catalog := newTestCatalog(store, &mockStorage{}, metrics)
	ctx := context.Background()

	entry, err := catalog.LoadFile(ctx, "/data/communes.geojson", "communes.geojson")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if entry.Table != "COMMUNES" {
		t.Errorf("Table = %q, want COMMUNES", entry.Table)
	}
	if entry.Status != domain.StatusReady || !entry.Indexed || entry.Rows != 3 {
		t.Errorf("entry = %+v", entry)
	}
	if entry.Format != domain.FormatGeoJSON {
		t.Errorf("Format = %q", entry.Format)
	}
	if len(store.indexed) != 1 {
		t.Errorf("indexed = %v, want one table", store.indexed)
	}

	if !catalog.IsReady("communes") {
		t.Error("IsReady should be true")
	}
	if metrics.loaded != 1 || metrics.ready != 1 {
		t.Errorf("metrics loaded=%d ready=%d", metrics.loaded, metrics.ready)
	}
	if metrics.imported["geojson:ok"] != 1 {
		t.Errorf("imported = %v", metrics.imported)
	}

	got, err := catalog.Get(ctx, "Communes")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Key != "communes.geojson" {
		t.Errorf("Key = %q", got.Key)
	}

	if err := catalog.Unload(ctx, "communes"); err != nil {
		t.Fatalf("Unload failed: %v", err)
	}
	if catalog.Count() != 0 {
		t.Errorf("Count = %d, want 0", catalog.Count())
	}
	if len(store.dropped) != 1 || store.dropped[0] != "COMMUNES" {
		t.Errorf("dropped = %v", store.dropped)
	}

	if err := catalog.Unload(ctx, "communes"); !errors.Is(err, domain.ErrTableNotFound) {
		t.Errorf("second Unload error = %v, want ErrTableNotFound", err)
	}
	if _, err := catalog.Get(ctx, "communes"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
}

func TestCatalogLoadFileErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		loadErr error
		wantErr error
		tracked bool
	}{
		{"unsupported format", "/data/test.gpkg", nil, domain.ErrUnsupportedFormat, false},
		{"load failure", "/data/stops.csv", domain.ErrUnavailable, domain.ErrUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			store.loadErr = tt.loadErr
			catalog := newTestCatalog(store, nil, nil)

			_, err := catalog.LoadFile(ctx, tt.path, tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("LoadFile error = %v, want %v", err, tt.wantErr)
			}

			entries, _ := catalog.List(ctx)
			if (len(entries) == 1) != tt.tracked {
				t.Fatalf("entries = %+v, tracked = %v", entries, tt.tracked)
			}
			if tt.tracked {
				if entries[0].Status != domain.StatusError || entries[0].Error == "" {
					t.Errorf("entry = %+v, want error status", entries[0])
				}
			}
		})
	}
}

func TestCatalogTableConflict(t *testing.T) {
	catalog := newTestCatalog(newMockStore(), nil, nil)
	ctx := context.Background()

	if _, err := catalog.LoadFile(ctx, "/a/roads.csv", "a/roads.csv"); err != nil {
		t.Fatal(err)
	}
	_, err := catalog.LoadFile(ctx, "/b/roads.geojson", "b/roads.geojson")
	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestCatalogNonSpatialNotIndexed(t *testing.T) {
	store := newMockStore()
	catalog := newTestCatalog(store, nil, nil)

	entry, err := catalog.LoadFile(context.Background(), "/data/stops.csv", "stops.csv")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Indexed || len(store.indexed) != 0 {
		t.Errorf("CSV tables should not be indexed: %+v", entry)
	}
}

func TestCatalogIndexFailureKeepsTable(t *testing.T) {
	store := newMockStore()
	store.indexErr = domain.ErrUnsupported
	catalog := newTestCatalog(store, nil, nil)

	entry, err := catalog.LoadFile(context.Background(), "/data/roads.shp", "roads.shp")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if entry.Status != domain.StatusReady || entry.Indexed {
		t.Errorf("entry = %+v", entry)
	}
}

func TestCatalogLoadAll(t *testing.T) {
	store := newMockStore()
	storage := &mockStorage{objects: []output.StorageObject{
		{Key: "communes.geojson", ETag: "a"},
		{Key: "roads/roads.shp", ETag: "b"},
	}}
	catalog := newTestCatalog(store, storage, nil)

	if err := catalog.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll failed: %v", err)
	}
	if catalog.Count() != 2 {
		t.Errorf("Count = %d, want 2", catalog.Count())
	}
	want := filepath.Join("/tmp/orbisdata", "roads", "roads.shp")
	if store.loaded[1] != want {
		t.Errorf("loaded path = %q, want %q", store.loaded[1], want)
	}
}

func TestCatalogLoadAllDownloadError(t *testing.T) {
	storage := &mockStorage{
		objects:     []output.StorageObject{{Key: "communes.geojson"}},
		downloadErr: errors.New("network down"),
	}
	catalog := newTestCatalog(newMockStore(), storage, nil)

	if err := catalog.LoadAll(context.Background()); err != nil {
		t.Fatalf("LoadAll should not fail on download errors: %v", err)
	}
	if catalog.Count() != 0 {
		t.Errorf("Count = %d, want 0", catalog.Count())
	}
}

func TestCatalogLoadAllListError(t *testing.T) {
	storage := &mockStorage{listErr: errors.New("denied")}
	catalog := newTestCatalog(newMockStore(), storage, nil)

	if err := catalog.LoadAll(context.Background()); err == nil {
		t.Error("LoadAll should fail when listing fails")
	}
}

func TestCatalogSync(t *testing.T) {
	store := newMockStore()
	storage := &mockStorage{}
	catalog := newTestCatalog(store, storage, nil)
	ctx := context.Background()

	storage.set(
		output.StorageObject{Key: "a.csv", ETag: "1"},
		output.StorageObject{Key: "b.csv", ETag: "1"},
	)
	stats, err := catalog.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if stats != (SyncStats{Added: 2}) {
		t.Errorf("first sync = %+v", stats)
	}

	stats, _ = catalog.Sync(ctx)
	if stats != (SyncStats{}) {
		t.Errorf("unchanged sync = %+v", stats)
	}

	storage.set(
		output.StorageObject{Key: "b.csv", ETag: "2"},
		output.StorageObject{Key: "c.csv", ETag: "1"},
	)
	stats, _ = catalog.Sync(ctx)
	if stats != (SyncStats{Added: 1, Updated: 1, Removed: 1}) {
		t.Errorf("third sync = %+v", stats)
	}

	entries, _ := catalog.List(ctx)
	var tables []string
	for _, e := range entries {
		tables = append(tables, e.Table)
	}
	if len(tables) != 2 || tables[0] != "B" || tables[1] != "C" {
		t.Errorf("tables = %v, want [B C]", tables)
	}
}

func TestCatalogSyncKeepsWatchedFiles(t *testing.T) {
	store := newMockStore()
	storage := &mockStorage{}
	catalog := newTestCatalog(store, storage, nil)
	ctx := context.Background()

	if err := catalog.FileChanged(ctx, "/watch/stops.csv"); err != nil {
		t.Fatal(err)
	}
	stats, err := catalog.Sync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Removed != 0 || catalog.Count() != 1 {
		t.Errorf("watched file removed by sync: %+v", stats)
	}
}

func TestCatalogFileEvents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stops.csv")
	if err := os.WriteFile(path, []byte("id\n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newMockStore()
	catalog := newTestCatalog(store, nil, nil)
	ctx := context.Background()

	if err := catalog.FileChanged(ctx, path); err != nil {
		t.Fatalf("FileChanged failed: %v", err)
	}
	entry, err := catalog.Get(ctx, "stops")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Size != 5 {
		t.Errorf("Size = %d, want 5", entry.Size)
	}

	if err := catalog.FileRemoved(ctx, filepath.Join(dir, "other.csv")); err != nil {
		t.Errorf("FileRemoved of an unknown file = %v", err)
	}
	if err := catalog.FileRemoved(ctx, path); err != nil {
		t.Fatalf("FileRemoved failed: %v", err)
	}
	if catalog.Count() != 0 {
		t.Errorf("Count = %d, want 0", catalog.Count())
	}
}

func TestCatalogWithoutStorage(t *testing.T) {
	catalog := newTestCatalog(newMockStore(), nil, nil)
	ctx := context.Background()

	if err := catalog.LoadAll(ctx); err != nil {
		t.Errorf("LoadAll = %v", err)
	}
	if _, err := catalog.Sync(ctx); err != nil {
		t.Errorf("Sync = %v", err)
	}
	if _, err := catalog.ImportFile(ctx, "a.csv"); !errors.Is(err, domain.ErrUnsupported) {
		t.Errorf("ImportFile error = %v, want ErrUnsupported", err)
	}
}

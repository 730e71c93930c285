// Package application contains the application services.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

// Catalog tracks the data files imported into the data source. Each file
// becomes one table named after the file.
type Catalog struct {
	mu        sync.RWMutex
	entries   map[string]*catalogEntry
	store     output.SpatialStore
	storage   output.ObjectStorage
	metrics   output.MetricsCollector
	logger    *slog.Logger
	localPath string
	loadOpts  domain.LoadOptions
	index     bool
}

type catalogEntry struct {
	domain.CatalogEntry
	etag     string
	modified int64
}

// CatalogConfig holds configuration for the catalog.
type CatalogConfig struct {
	// LocalPath is the directory files are downloaded to.
	LocalPath string
	// LoadOptions are applied to every import. Delete is always set.
	LoadOptions domain.LoadOptions
	// SpatialIndex creates the spatial index of imported spatial tables.
	SpatialIndex bool
}

// NewCatalog creates a new catalog. storage may be nil when files only
// come from the watched directories.
func NewCatalog(
	store output.SpatialStore,
	storage output.ObjectStorage,
	metrics output.MetricsCollector,
	logger *slog.Logger,
	cfg CatalogConfig,
) *Catalog {
	if metrics == nil {
		metrics = &output.NoOpMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.LoadOptions.Delete = true

	return &Catalog{
		entries:   make(map[string]*catalogEntry),
		store:     store,
		storage:   storage,
		metrics:   metrics,
		logger:    logger,
		localPath: cfg.LocalPath,
		loadOpts:  cfg.LoadOptions,
		index:     cfg.SpatialIndex,
	}
}

func tableKey(table string) string {
	return strings.ToUpper(table)
}

// LoadFile imports a local file. key identifies the file in storage; it is
// the path itself for watched files.
func (c *Catalog) LoadFile(ctx context.Context, path, key string) (*domain.CatalogEntry, error) {
	format, err := domain.FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	table := domain.TableNameFromPath(key)

	c.mu.Lock()
	if existing, ok := c.entries[tableKey(table)]; ok && existing.Key != key {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is already imported from %s", domain.ErrTableExists, table, existing.Key)
	}
	entry := &catalogEntry{CatalogEntry: domain.CatalogEntry{
		Table:  table,
		Key:    key,
		Path:   path,
		Format: format,
		Status: domain.StatusLoading,
	}}
	if info, err := os.Stat(path); err == nil {
		entry.Size = info.Size()
		entry.modified = info.ModTime().Unix()
	}
	c.entries[tableKey(table)] = entry
	c.mu.Unlock()

	c.logger.Info("loading file", "path", path, "table", table, "format", format)

	_, rows, err := c.store.Load(ctx, path, table, c.loadOpts)
	c.metrics.IncFilesImported(string(format), err == nil)
	if err != nil {
		c.logger.Error("failed to load file", "path", path, "error", err)
		c.setStatus(table, domain.StatusError, err)
		c.updateMetrics()
		return nil, err
	}
	c.metrics.AddRowsLoaded(table, rows)

	indexed := false
	if c.index && format.IsSpatial() {
		c.setStatus(table, domain.StatusIndexing, nil)
		if err := c.store.CreateSpatialIndex(ctx, table); err != nil {
			c.logger.Warn("failed to create spatial index", "table", table, "error", err)
		} else {
			indexed = true
		}
	}

	c.mu.Lock()
	entry.Rows = rows
	entry.Indexed = indexed
	entry.Status = domain.StatusReady
	entry.Error = ""
	entry.LoadedAt = time.Now()
	out := entry.CatalogEntry
	c.mu.Unlock()

	c.updateMetrics()
	c.logger.Info("file loaded", "table", table, "rows", rows, "indexed", indexed)
	return &out, nil
}

// ImportFile downloads an object from storage and imports it.
func (c *Catalog) ImportFile(ctx context.Context, key string) (*domain.CatalogEntry, error) {
	if c.storage == nil {
		return nil, fmt.Errorf("%w: no storage configured", domain.ErrUnsupported)
	}
	localPath := filepath.Join(c.localPath, filepath.FromSlash(key))
	if err := c.storage.Download(ctx, key, localPath); err != nil {
		c.logger.Error("failed to download file", "key", key, "error", err)
		return nil, err
	}
	return c.LoadFile(ctx, localPath, key)
}

func (c *Catalog) setStatus(table string, status domain.CatalogStatus, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[tableKey(table)]; ok {
		entry.Status = status
		if err != nil {
			entry.Error = err.Error()
		}
	}
}

// Unload drops the table of an entry and forgets it.
func (c *Catalog) Unload(ctx context.Context, table string) error {
	c.mu.Lock()
	entry, ok := c.entries[tableKey(table)]
	if ok {
		entry.Status = domain.StatusUnloading
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrTableNotFound, table)
	}

	c.logger.Info("unloading table", "table", entry.Table)
	if err := c.store.DropTable(ctx, entry.Table); err != nil {
		c.logger.Error("failed to drop table", "table", entry.Table, "error", err)
		c.setStatus(entry.Table, domain.StatusError, err)
		return err
	}

	c.mu.Lock()
	delete(c.entries, tableKey(table))
	c.mu.Unlock()

	c.updateMetrics()
	return nil
}

// List returns all entries sorted by table name.
func (c *Catalog) List(_ context.Context) ([]domain.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]domain.CatalogEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e.CatalogEntry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Table < entries[j].Table })
	return entries, nil
}

// Get returns the entry of a table.
func (c *Catalog) Get(_ context.Context, table string) (*domain.CatalogEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tableKey(table)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTableNotFound, table)
	}
	out := entry.CatalogEntry
	return &out, nil
}

// IsReady returns true if a table is ready for queries.
func (c *Catalog) IsReady(table string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[tableKey(table)]
	return ok && entry.Status == domain.StatusReady
}

// Count returns the number of entries.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// counts returns the number of entries and of ready entries.
func (c *Catalog) counts() (total, ready int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, entry := range c.entries {
		if entry.Status == domain.StatusReady {
			ready++
		}
	}
	return len(c.entries), ready
}

// updateMetrics updates the metrics collector with current table counts.
func (c *Catalog) updateMetrics() {
	total, ready := c.counts()
	c.metrics.SetTablesLoaded(total)
	c.metrics.SetTablesReady(ready)
}

// LoadAll imports all data files from storage. Files that fail are logged
// and kept in the catalog with the error status.
func (c *Catalog) LoadAll(ctx context.Context) error {
	if c.storage == nil {
		return nil
	}
	c.logger.Info("loading all files from storage")

	objects, err := c.storage.List(ctx)
	if err != nil {
		return err
	}

	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := c.ImportFile(ctx, obj.Key); err != nil {
			continue
		}
		c.remember(obj)
	}
	return nil
}

// remember stores the version of an imported object.
func (c *Catalog) remember(obj output.StorageObject) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.entries[tableKey(domain.TableNameFromPath(obj.Key))]; ok {
		entry.etag = obj.ETag
		entry.modified = obj.LastModified
		if obj.Size > 0 {
			entry.Size = obj.Size
		}
	}
}

// changed reports whether obj differs from the imported version.
func (e *catalogEntry) changed(obj output.StorageObject) bool {
	if e.Status == domain.StatusError {
		return true
	}
	if obj.ETag != "" || e.etag != "" {
		return obj.ETag != e.etag
	}
	return obj.LastModified != e.modified || obj.Size != e.Size
}

// SyncStats contains statistics from a sync operation.
type SyncStats struct {
	Added   int
	Updated int
	Removed int
}

// Sync synchronizes with storage: new files are imported, changed files
// are reloaded and tables of files gone from storage are dropped.
func (c *Catalog) Sync(ctx context.Context) (SyncStats, error) {
	if c.storage == nil {
		return SyncStats{}, nil
	}
	c.logger.Info("syncing files from storage")

	objects, err := c.storage.List(ctx)
	if err != nil {
		return SyncStats{}, err
	}

	remote := make(map[string]output.StorageObject, len(objects))
	for _, obj := range objects {
		remote[obj.Key] = obj
	}

	stats := SyncStats{}
	var errs []error

	for _, obj := range objects {
		c.mu.RLock()
		entry, loaded := c.entries[tableKey(domain.TableNameFromPath(obj.Key))]
		changed := loaded && entry.Key == obj.Key && entry.changed(obj)
		c.mu.RUnlock()

		if loaded && !changed {
			c.logger.Debug("file unchanged, skipping", "key", obj.Key)
			continue
		}
		if _, err := c.ImportFile(ctx, obj.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		c.remember(obj)
		if loaded {
			stats.Updated++
		} else {
			stats.Added++
		}
	}

	for _, entry := range c.entriesToRemove(remote) {
		c.logger.Info("removing table of file not in storage", "table", entry.Table, "key", entry.Key)
		if err := c.Unload(ctx, entry.Table); err != nil {
			errs = append(errs, err)
			continue
		}
		removeLocal(c.logger, entry.Path)
		stats.Removed++
	}

	c.logger.Info("sync completed",
		"added", stats.Added,
		"updated", stats.Updated,
		"removed", stats.Removed,
		"total", c.Count(),
	)
	if len(errs) > 0 {
		c.logger.Warn("sync had failures", "error", errors.Join(errs...))
	}
	return stats, nil
}

// entriesToRemove returns the storage entries whose key is not in remote.
// Files loaded from watched directories are kept.
func (c *Catalog) entriesToRemove(remote map[string]output.StorageObject) []domain.CatalogEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.CatalogEntry
	for _, entry := range c.entries {
		if entry.Key == entry.Path {
			continue
		}
		if _, ok := remote[entry.Key]; !ok {
			out = append(out, entry.CatalogEntry)
		}
	}
	return out
}

// removeLocal deletes a downloaded file and its Shapefile sidecars.
func removeLocal(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	paths := []string{path}
	if strings.EqualFold(filepath.Ext(path), ".shp") {
		base := strings.TrimSuffix(path, filepath.Ext(path))
		for _, ext := range []string{".dbf", ".shx", ".prj", ".cpg"} {
			paths = append(paths, base+ext)
		}
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to delete local cache file", "path", p, "error", err)
		}
	}
}

// FileChanged imports a file of a watched directory.
func (c *Catalog) FileChanged(ctx context.Context, path string) error {
	_, err := c.LoadFile(ctx, path, path)
	return err
}

// FileRemoved drops the table of a file removed from a watched directory.
func (c *Catalog) FileRemoved(ctx context.Context, path string) error {
	table := domain.TableNameFromPath(path)
	c.mu.RLock()
	entry, ok := c.entries[tableKey(table)]
	ours := ok && entry.Key == path
	c.mu.RUnlock()
	if !ours {
		return nil
	}
	return c.Unload(ctx, table)
}

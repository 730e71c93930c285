package domain

import "time"

// CatalogEntry tracks a data file imported into the data source.
type CatalogEntry struct {
	Table    string        `json:"table"`           // Table name in the data source
	Key      string        `json:"key"`             // Object key in storage
	Path     string        `json:"path"`            // Local file path
	Format   FileFormat    `json:"format"`          // Detected file format
	Size     int64         `json:"size"`            // File size in bytes
	Rows     int64         `json:"rows"`            // Rows loaded
	Indexed  bool          `json:"indexed"`         // Spatial index created?
	Status   CatalogStatus `json:"status"`          // Import status
	Error    string        `json:"error,omitempty"` // Last import error
	LoadedAt time.Time     `json:"loaded_at"`       // Load timestamp
}

// IsReady returns true if the table is loaded and can be queried.
func (e *CatalogEntry) IsReady() bool {
	return e.Status == StatusReady
}

// CatalogStatus represents the import status of a catalog entry.
type CatalogStatus string

const (
	StatusLoading   CatalogStatus = "loading"
	StatusIndexing  CatalogStatus = "indexing"
	StatusReady     CatalogStatus = "ready"
	StatusError     CatalogStatus = "error"
	StatusUnloading CatalogStatus = "unloading"
)

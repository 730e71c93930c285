package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestFsnotifyOpToOperation(t *testing.T) {
	tests := []struct {
		name     string
		op       fsnotify.Op
		expected Operation
	}{
		{
			name:     "Remove returns OpDelete",
			op:       fsnotify.Remove,
			expected: OpDelete,
		},
		{
			name:     "Rename returns OpDelete",
			op:       fsnotify.Rename,
			expected: OpDelete,
		},
		{
			name:     "Create returns OpCreate",
			op:       fsnotify.Create,
			expected: OpCreate,
		},
		{
			name:     "Write returns OpModify",
			op:       fsnotify.Write,
			expected: OpModify,
		},
		{
			name:     "Chmod returns OpModify",
			op:       fsnotify.Chmod,
			expected: OpModify,
		},
		{
			name:     "Remove takes precedence over Write",
			op:       fsnotify.Remove | fsnotify.Write,
			expected: OpDelete,
		},
		{
			name:     "Rename takes precedence over Create",
			op:       fsnotify.Rename | fsnotify.Create,
			expected: OpDelete,
		},
		{
			name:     "Create takes precedence over Write",
			op:       fsnotify.Create | fsnotify.Write,
			expected: OpCreate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fsnotifyOpToOperation(tt.op)
			if result != tt.expected {
				t.Errorf("fsnotifyOpToOperation(%v) = %v, want %v", tt.op, result, tt.expected)
			}
		})
	}
}

func TestOperationString(t *testing.T) {
	tests := []struct {
		op       Operation
		expected string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.op.String(); got != tt.expected {
				t.Errorf("Operation.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestRelevantEvent(t *testing.T) {
	dir := t.TempDir()
	shp := filepath.Join(dir, "roads.shp")
	if err := os.WriteFile(shp, []byte("shp"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		path     string
		op       Operation
		wantPath string
		wantOp   Operation
		wantOK   bool
	}{
		{"geojson", "/data/communes.geojson", OpCreate, "/data/communes.geojson", OpCreate, true},
		{"csv upper case", "/data/STOPS.CSV", OpDelete, "/data/STOPS.CSV", OpDelete, true},
		{"shapefile", shp, OpCreate, shp, OpCreate, true},
		{"sidecar of shapefile", filepath.Join(dir, "roads.dbf"), OpCreate, shp, OpModify, true},
		{"index of shapefile", filepath.Join(dir, "roads.shx"), OpDelete, shp, OpModify, true},
		{"standalone dbf", filepath.Join(dir, "parcels.dbf"), OpCreate, filepath.Join(dir, "parcels.dbf"), OpCreate, true},
		{"orphan prj", filepath.Join(dir, "parcels.prj"), OpCreate, "", OpCreate, false},
		{"unsupported extension", "/data/test.gpkg", OpCreate, "", OpCreate, false},
		{"backup", "/data/test.csv.bak", OpCreate, "", OpCreate, false},
		{"empty", "", OpCreate, "", OpCreate, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, op, ok := relevantEvent(tt.path, tt.op)
			if ok != tt.wantOK {
				t.Fatalf("relevantEvent(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if path != tt.wantPath || op != tt.wantOp {
				t.Errorf("relevantEvent(%q) = %q, %v, want %q, %v", tt.path, path, op, tt.wantPath, tt.wantOp)
			}
		})
	}
}

func TestUpdatePendingEvent(t *testing.T) {
	tests := []struct {
		name     string
		existing Operation
		next     Operation
		want     Operation
	}{
		{"delete then create", OpDelete, OpCreate, OpCreate},
		{"delete then modify", OpDelete, OpModify, OpCreate},
		{"create then delete", OpCreate, OpDelete, OpDelete},
		{"create then modify", OpCreate, OpModify, OpCreate},
		{"modify then modify", OpModify, OpModify, OpModify},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &pendingEvent{op: tt.existing}
			updatePendingEvent(p, tt.next)
			if p.op != tt.want {
				t.Errorf("op = %v, want %v", p.op, tt.want)
			}
		})
	}
}

func TestWatcherDeliversDebouncedEvents(t *testing.T) {
	dir := t.TempDir()
	events := make(chan Event, 10)

	w, err := New(Config{Paths: []string{dir}, Debounce: 200 * time.Millisecond}, func(_ context.Context, e Event) error {
		events <- e
		return nil
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = w.Stop() }()

	path := filepath.Join(dir, "stops.csv")
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("id\n1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-events:
		if filepath.Base(e.Path) != "stops.csv" {
			t.Errorf("event path = %q", e.Path)
		}
		if e.Operation != OpCreate {
			t.Errorf("operation = %v, want create", e.Operation)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case e := <-events:
		t.Errorf("unexpected second event %+v", e)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, err := New(Config{}, func(context.Context, Event) error { return nil }, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

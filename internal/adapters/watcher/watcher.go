// Package watcher watches import directories and reports changes of data
// files, so that they are loaded into the data source as they arrive.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called when a relevant file event occurs. Calls are
// sequential.
type Handler func(ctx context.Context, event Event) error

// pendingEvent holds a debounced event with its operation.
type pendingEvent struct {
	timestamp time.Time
	op        Operation
}

// Watcher watches directories for data file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent

	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths    []string
	Debounce time.Duration
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		debounce:  cfg.Debounce,
		pending:   make(map[string]*pendingEvent),
		events:    make(chan Event, 64),
		done:      make(chan struct{}),
	}, nil
}

// Start starts watching the configured paths. The watcher runs until ctx
// is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		if err := w.AddPath(path); err != nil {
			w.logger.Warn("failed to watch path", "path", path, "error", err)
		}
	}

	w.wg.Add(3)
	go func() { defer w.wg.Done(); w.eventLoop(ctx) }()
	go func() { defer w.wg.Done(); w.debounceLoop(ctx) }()
	go func() { defer w.wg.Done(); w.dispatchLoop(ctx) }()

	return nil
}

// Stop stops the watcher and waits for the running handler to return.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent records a single fsnotify event for debouncing.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	path, op, ok := relevantEvent(event.Name, fsnotifyOpToOperation(event.Op))
	if !ok {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[path]
	if !exists {
		w.pending[path] = &pendingEvent{timestamp: time.Now(), op: op}
		return
	}
	updatePendingEvent(existing, op)
}

// relevantEvent maps an event to the data file it concerns. Changes of a
// Shapefile sidecar are changes of the Shapefile.
func relevantEvent(path string, op Operation) (string, Operation, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".shx", ".prj", ".cpg", ".dbf":
		shp := shapefileOf(path)
		if shp != "" {
			return shp, OpModify, true
		}
		if ext != ".dbf" {
			return "", op, false
		}
	}
	if !domain.IsSupportedFile(path) {
		return "", op, false
	}
	return path, op, true
}

// shapefileOf returns the Shapefile a sidecar belongs to, or "".
func shapefileOf(sidecar string) string {
	base := strings.TrimSuffix(sidecar, filepath.Ext(sidecar))
	for _, ext := range []string{".shp", ".SHP"} {
		if _, err := os.Stat(base + ext); err == nil {
			return base + ext
		}
	}
	return ""
}

// updatePendingEvent updates an existing pending event based on the new operation.
func updatePendingEvent(existing *pendingEvent, newOp Operation) {
	existing.timestamp = time.Now()

	switch {
	case existing.op == OpDelete && newOp != OpDelete:
		// deleted then written again
		existing.op = OpCreate
	case newOp == OpDelete:
		existing.op = OpDelete
	}
}

// debounceLoop processes debounced events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return

		case <-ticker.C:
			for _, e := range w.ready(time.Now()) {
				select {
				case w.events <- e:
				case <-ctx.Done():
					return
				case <-w.done:
					return
				}
			}
		}
	}
}

// ready removes and returns the pending events older than the debounce
// delay.
func (w *Watcher) ready(now time.Time) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []Event
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, path)
		out = append(out, Event{Path: path, Operation: pending.op})
	}
	return out
}

// dispatchLoop calls the handler for each ready event, one at a time.
func (w *Watcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case e := <-w.events:
			w.logger.Info("processing file event",
				"path", e.Path,
				"operation", e.Operation.String(),
			)
			if err := w.handler(ctx, e); err != nil {
				w.logger.Error("handler error",
					"path", e.Path,
					"operation", e.Operation.String(),
					"error", err,
				)
			}
		}
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		// the file is gone from its original location
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// AddPath adds a path to watch.
func (w *Watcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}

	w.logger.Info("watching directory", "path", absPath)
	return nil
}

// RemovePath removes a path from watching.
func (w *Watcher) RemovePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if err := w.fsWatcher.Remove(absPath); err != nil {
		return err
	}

	w.logger.Info("removed watch path", "path", absPath)
	return nil
}

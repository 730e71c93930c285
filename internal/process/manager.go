package process

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Manager keeps the runnables known to an application. It is safe for
// concurrent use.
type Manager struct {
	mu     sync.RWMutex
	byID   map[string]Runnable
	order  []string
	logger *slog.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byID:   make(map[string]Runnable),
		logger: logger.With("component", "process-manager"),
	}
}

// Register adds a runnable. Registering an identifier twice fails.
func (m *Manager) Register(r Runnable) error {
	if r == nil {
		return &domain.ValidationError{Field: "process", Constraint: "not nil", Message: "cannot register a nil process"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := r.Identifier()
	if _, ok := m.byID[id]; ok {
		return fmt.Errorf("process %s: %w", id, domain.ErrConflict)
	}
	m.byID[id] = r
	m.order = append(m.order, id)
	m.logger.Debug("process registered", "id", id, "title", r.Title())
	return nil
}

// Create builds a process and registers it.
func (m *Manager) Create(title string, fn Func, opts ...Option) (*Process, error) {
	p, err := New(title, fn, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the runnable with the given identifier.
func (m *Manager) Get(id string) (Runnable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, id)
	}
	return r, nil
}

// Find returns the first registered runnable with the given title, compared
// without case.
func (m *Manager) Find(title string) (Runnable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if r := m.byID[id]; strings.EqualFold(r.Title(), title) {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, title)
}

// List returns the runnables in registration order.
func (m *Manager) List() []Runnable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Runnable, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

// Remove unregisters a runnable.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrProcessNotFound, id)
	}
	delete(m.byID, id)
	m.order = slices.DeleteFunc(m.order, func(s string) bool { return s == id })
	return nil
}

// Len returns the number of registered runnables.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

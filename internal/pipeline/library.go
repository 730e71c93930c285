package pipeline

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/process"
)

// Store is the data source used by the built-in processes.
type Store interface {
	ExecuteScript(ctx context.Context, r io.Reader) (int, error)
	Load(ctx context.Context, path, table string, opts domain.LoadOptions) (string, int64, error)
	Save(ctx context.Context, table, path string, opts domain.SaveOptions) (int64, error)
	Reproject(ctx context.Context, table string, srid int, target string) error
	CreateSpatialIndex(ctx context.Context, table string) error
	Summary(ctx context.Context, name string) (*domain.TableSummary, error)
}

// Factory creates a process bound to a store. The title is the step id.
type Factory func(title string, s Store) (*process.Process, error)

// Library maps process names to factories.
type Library struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewLibrary returns a library with the built-in processes: sql, load,
// save, reproject, spatial-index and summary.
func NewLibrary() *Library {
	l := &Library{factories: make(map[string]Factory)}
	l.Register("sql", sqlProcess)
	l.Register("load", loadProcess)
	l.Register("save", saveProcess)
	l.Register("reproject", reprojectProcess)
	l.Register("spatial-index", spatialIndexProcess)
	l.Register("summary", summaryProcess)
	return l
}

// Register adds or replaces a factory.
func (l *Library) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

// Has reports whether a process name is known.
func (l *Library) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.factories[name]
	return ok
}

// Names returns the sorted process names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.factories)
}

// New creates a process of the library.
func (l *Library) New(name, title string, s Store) (*process.Process, error) {
	l.mu.RLock()
	f, ok := l.factories[name]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProcessNotFound, name)
	}
	return f(title, s)
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}

func sqlProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		n, err := s.ExecuteScript(ctx, strings.NewReader(in["query"].(string)))
		if err != nil {
			return nil, err
		}
		return process.Values{"statements": n}, nil
	},
		process.WithDescription("Runs a SQL script"),
		process.WithKeywords("sql"),
		process.WithInputs(process.In[string]("query").Describe("Query", "statements separated by semicolons")),
		process.WithOutputs(process.Out[int]("statements")),
	)
}

func loadProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		opts := domain.LoadOptions{
			Delete: in["delete"].(bool),
			SRID:   in["srid"].(int),
		}
		table, n, err := s.Load(ctx, in["path"].(string), in["table"].(string), opts)
		if err != nil {
			return nil, err
		}
		return process.Values{"table": table, "rows": n}, nil
	},
		process.WithDescription("Loads a GeoJSON, Shapefile, DBF or CSV file into a table"),
		process.WithKeywords("io", "import"),
		process.WithInputs(
			process.In[string]("path"),
			process.In[string]("table").WithDefault(""),
			process.In[bool]("delete").WithDefault(false),
			process.In[int]("srid").WithDefault(0),
		),
		process.WithOutputs(process.Out[string]("table"), process.Out[int64]("rows")),
	)
}

func saveProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		path := in["path"].(string)
		n, err := s.Save(ctx, in["table"].(string), path, domain.SaveOptions{Delete: in["delete"].(bool)})
		if err != nil {
			return nil, err
		}
		return process.Values{"path": path, "rows": n}, nil
	},
		process.WithDescription("Saves a table to a file"),
		process.WithKeywords("io", "export"),
		process.WithInputs(
			process.In[string]("table"),
			process.In[string]("path"),
			process.In[bool]("delete").WithDefault(false),
		),
		process.WithOutputs(process.Out[string]("path"), process.Out[int64]("rows")),
	)
}

func reprojectProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		table, srid := in["table"].(string), in["srid"].(int)
		target := in["target"].(string)
		if target == "" {
			target = table + "_" + strconv.Itoa(srid)
		}
		if err := s.Reproject(ctx, table, srid, target); err != nil {
			return nil, err
		}
		return process.Values{"table": target}, nil
	},
		process.WithDescription("Copies a spatial table into another SRID"),
		process.WithKeywords("spatial", "crs"),
		process.WithInputs(
			process.In[string]("table"),
			process.In[int]("srid"),
			process.In[string]("target").WithDefault(""),
		),
		process.WithOutputs(process.Out[string]("table")),
	)
}

func spatialIndexProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		table := in["table"].(string)
		if err := s.CreateSpatialIndex(ctx, table); err != nil {
			return nil, err
		}
		return process.Values{"table": table}, nil
	},
		process.WithDescription("Creates the spatial index of a table"),
		process.WithKeywords("spatial", "index"),
		process.WithInputs(process.In[string]("table")),
		process.WithOutputs(process.Out[string]("table")),
	)
}

func summaryProcess(title string, s Store) (*process.Process, error) {
	return process.New(title, func(ctx context.Context, in process.Values) (process.Values, error) {
		sum, err := s.Summary(ctx, in["table"].(string))
		if err != nil {
			return nil, err
		}
		return process.Values{"summary": sum, "rows": sum.RowCount}, nil
	},
		process.WithDescription("Describes a table"),
		process.WithInputs(process.In[string]("table")),
		process.WithOutputs(process.Out[*domain.TableSummary]("summary"), process.Out[int64]("rows")),
	)
}

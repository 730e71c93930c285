package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/ports/output"
)

// PortRef names a port of a process or mapper.
type PortRef struct {
	Node Runnable
	Port string
}

func (r PortRef) String() string {
	if r.Node == nil {
		return r.Port
	}
	return r.Node.Title() + "." + r.Port
}

type portKey struct {
	node string
	port string
}

func (r PortRef) key() portKey { return portKey{node: r.Node.Identifier(), port: r.Port} }

type link struct {
	from PortRef
	to   PortRef
}

// Mapper links the outputs of runnables to the inputs of others and runs
// them as one graph.
//
// Inputs that are neither linked nor aliased become inputs of the mapper.
// Unlinked inputs with the same name in different processes share one
// mapper input. Outputs that feed no link become outputs of the mapper.
//
// A Mapper is itself a Runnable, so mappers nest.
type Mapper struct {
	id          string
	title       string
	parallelism int
	logger      *slog.Logger
	metrics     output.MetricsCollector

	nodes    []Runnable
	index    map[string]int
	links    []link
	aliases  map[string][]PortRef
	aliasOrd []string
	outAlias map[string]PortRef
	outOrd   []string
	errs     []error

	mu        sync.Mutex
	results   Values
	byProcess map[string]Values
}

// MapperOption configures a mapper.
type MapperOption func(*Mapper)

// WithTitle sets the title of the mapper.
func WithTitle(title string) MapperOption {
	return func(m *Mapper) { m.title = title }
}

// WithParallelism runs up to n processes of the same level concurrently.
func WithParallelism(n int) MapperOption {
	return func(m *Mapper) { m.parallelism = n }
}

// WithLogger sets the logger of the mapper.
func WithLogger(l *slog.Logger) MapperOption {
	return func(m *Mapper) { m.logger = l }
}

// WithMetrics records process executions.
func WithMetrics(mc output.MetricsCollector) MapperOption {
	return func(m *Mapper) { m.metrics = mc }
}

// NewMapper creates an empty mapper.
func NewMapper(opts ...MapperOption) *Mapper {
	m := &Mapper{
		id:          newID(),
		title:       "mapper",
		parallelism: 1,
		index:       make(map[string]int),
		aliases:     make(map[string][]PortRef),
		outAlias:    make(map[string]PortRef),
		byProcess:   make(map[string]Values),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = &output.NoOpMetrics{}
	}
	return m
}

// Identifier returns the unique identifier of the mapper.
func (m *Mapper) Identifier() string { return m.id }

// Title returns the title of the mapper.
func (m *Mapper) Title() string { return m.title }

// Port returns a reference to a port of the mapper.
func (m *Mapper) Port(name string) PortRef { return PortRef{Node: m, Port: name} }

// Processes returns the runnables of the mapper in insertion order.
func (m *Mapper) Processes() []Runnable { return slices.Clone(m.nodes) }

// Add adds runnables to the mapper. Runnables already added are ignored.
func (m *Mapper) Add(nodes ...Runnable) *Mapper {
	for _, n := range nodes {
		if n == nil {
			m.errs = append(m.errs, &domain.ValidationError{Field: "process", Constraint: "not nil", Message: "cannot add a nil process"})
			continue
		}
		if n == Runnable(m) {
			m.errs = append(m.errs, fmt.Errorf("%w: mapper %s contains itself", domain.ErrCycle, m.title))
			continue
		}
		if _, ok := m.index[n.Identifier()]; ok {
			continue
		}
		m.index[n.Identifier()] = len(m.nodes)
		m.nodes = append(m.nodes, n)
	}
	return m
}

// LinkBuilder completes a link started with Mapper.Link.
type LinkBuilder struct {
	m    *Mapper
	from PortRef
}

// Link starts a link from an output port.
func (m *Mapper) Link(from PortRef) *LinkBuilder {
	return &LinkBuilder{m: m, from: from}
}

// To links the output to input ports. Referenced runnables are added to the
// mapper. Errors are reported by Validate and Execute.
func (b *LinkBuilder) To(inputs ...PortRef) *Mapper {
	m := b.m
	if b.from.Node == nil {
		m.errs = append(m.errs, fmt.Errorf("%w: link source has no process", domain.ErrPortNotFound))
		return m
	}
	m.Add(b.from.Node)
	for _, in := range inputs {
		if in.Node == nil {
			m.errs = append(m.errs, fmt.Errorf("%w: link target has no process", domain.ErrPortNotFound))
			continue
		}
		m.Add(in.Node)
		m.links = append(m.links, link{from: b.from, to: in})
	}
	return m
}

// Alias exposes one mapper input feeding several input ports.
func (m *Mapper) Alias(name string, inputs ...PortRef) *Mapper {
	if _, ok := m.aliases[name]; !ok {
		m.aliasOrd = append(m.aliasOrd, name)
	}
	for _, in := range inputs {
		if in.Node == nil {
			m.errs = append(m.errs, fmt.Errorf("%w: alias %s target has no process", domain.ErrPortNotFound, name))
			continue
		}
		m.Add(in.Node)
		m.aliases[name] = append(m.aliases[name], in)
	}
	return m
}

// OutputAlias exposes an output port under another name.
func (m *Mapper) OutputAlias(name string, out PortRef) *Mapper {
	if out.Node == nil {
		m.errs = append(m.errs, fmt.Errorf("%w: output alias %s has no process", domain.ErrPortNotFound, name))
		return m
	}
	m.Add(out.Node)
	if _, ok := m.outAlias[name]; !ok {
		m.outOrd = append(m.outOrd, name)
	}
	m.outAlias[name] = out
	return m
}

func findInput(n Runnable, name string) (Input, bool) {
	for _, in := range n.Inputs() {
		if in.Name == name {
			return in, true
		}
	}
	return Input{}, false
}

func findOutput(n Runnable, name string) (Output, bool) {
	for _, out := range n.Outputs() {
		if out.Name == name {
			return out, true
		}
	}
	return Output{}, false
}

// Validate checks the ports named by links and aliases, the link types,
// inputs fed twice and cycles.
func (m *Mapper) Validate() error {
	errs := slices.Clone(m.errs)
	fed := make(map[portKey]string)

	feed := func(to PortRef, by string) {
		if prev, ok := fed[to.key()]; ok {
			errs = append(errs, &domain.ValidationError{
				Field:      to.String(),
				Value:      by,
				Constraint: "single source",
				Message:    "input already fed by " + prev,
			})
			return
		}
		fed[to.key()] = by
	}

	for _, l := range m.links {
		out, okOut := findOutput(l.from.Node, l.from.Port)
		if !okOut {
			errs = append(errs, fmt.Errorf("%w: output %s", domain.ErrPortNotFound, l.from))
		}
		in, okIn := findInput(l.to.Node, l.to.Port)
		if !okIn {
			errs = append(errs, fmt.Errorf("%w: input %s", domain.ErrPortNotFound, l.to))
		}
		if okOut && okIn && !compatible(out.Type, in.Type) {
			errs = append(errs, &domain.ValidationError{
				Field:      l.to.String(),
				Value:      l.from.String(),
				Constraint: typeName(in.Type),
				Message:    "incompatible link from " + typeName(out.Type),
			})
		}
		feed(l.to, l.from.String())
	}

	for _, name := range m.aliasOrd {
		for _, to := range m.aliases[name] {
			if _, ok := findInput(to.Node, to.Port); !ok {
				errs = append(errs, fmt.Errorf("%w: input %s of alias %s", domain.ErrPortNotFound, to, name))
			}
			feed(to, "alias "+name)
		}
	}

	for _, name := range m.outOrd {
		ref := m.outAlias[name]
		if _, ok := findOutput(ref.Node, ref.Port); !ok {
			errs = append(errs, fmt.Errorf("%w: output %s of alias %s", domain.ErrPortNotFound, ref, name))
		}
	}

	if _, err := m.levels(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// levels orders the runnables with Kahn's algorithm. Each level only
// depends on earlier levels; runnables keep their insertion order within a
// level.
func (m *Mapper) levels() ([][]Runnable, error) {
	indeg := make([]int, len(m.nodes))
	next := make([][]int, len(m.nodes))
	for _, l := range m.links {
		from, ok1 := m.index[l.from.Node.Identifier()]
		to, ok2 := m.index[l.to.Node.Identifier()]
		if !ok1 || !ok2 {
			continue
		}
		next[from] = append(next[from], to)
		indeg[to]++
	}

	var current []int
	for i := range m.nodes {
		if indeg[i] == 0 {
			current = append(current, i)
		}
	}

	var out [][]Runnable
	done := 0
	for len(current) > 0 {
		level := make([]Runnable, len(current))
		var following []int
		for i, idx := range current {
			level[i] = m.nodes[idx]
			for _, n := range next[idx] {
				indeg[n]--
				if indeg[n] == 0 {
					following = append(following, n)
				}
			}
		}
		out = append(out, level)
		done += len(current)
		slices.Sort(following)
		current = following
	}

	if done < len(m.nodes) {
		var stuck []string
		for i, n := range m.nodes {
			if indeg[i] > 0 {
				stuck = append(stuck, n.Title())
			}
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrCycle, stuck)
	}
	return out, nil
}

// Inputs returns the mapper inputs: the aliases followed by the unlinked
// inputs of the runnables.
func (m *Mapper) Inputs() []Input {
	var out []Input
	for _, name := range m.externalInputs() {
		targets := m.targets(name)
		in := Input{Name: name, Optional: true}
		for i, t := range targets {
			decl, ok := findInput(t.Node, t.Port)
			if !ok {
				continue
			}
			if i == 0 {
				in.Title, in.Description, in.Type = decl.Title, decl.Description, decl.Type
			}
			if in.Default == nil && decl.Default != nil {
				in.Default = decl.Default
			}
			if !decl.Optional {
				in.Optional = false
			}
		}
		out = append(out, in)
	}
	return out
}

// externalInputs lists the mapper input names in a stable order.
func (m *Mapper) externalInputs() []string {
	names := slices.Clone(m.aliasOrd)
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	for _, ref := range m.unlinkedInputs() {
		if !seen[ref.Port] {
			seen[ref.Port] = true
			names = append(names, ref.Port)
		}
	}
	return names
}

// targets returns the input ports fed by a mapper input.
func (m *Mapper) targets(name string) []PortRef {
	out := slices.Clone(m.aliases[name])
	for _, ref := range m.unlinkedInputs() {
		if ref.Port == name {
			out = append(out, ref)
		}
	}
	return out
}

func (m *Mapper) unlinkedInputs() []PortRef {
	fed := make(map[portKey]bool)
	for _, l := range m.links {
		fed[l.to.key()] = true
	}
	for _, refs := range m.aliases {
		for _, r := range refs {
			fed[r.key()] = true
		}
	}

	var out []PortRef
	for _, n := range m.nodes {
		for _, in := range n.Inputs() {
			ref := PortRef{Node: n, Port: in.Name}
			if !fed[ref.key()] {
				out = append(out, ref)
			}
		}
	}
	return out
}

// Outputs returns the mapper outputs: the output aliases followed by the
// outputs feeding no link. When two unlinked outputs share a name, the later
// one is exposed as "<title>.<port>".
func (m *Mapper) Outputs() []Output {
	var out []Output
	for _, e := range m.externalOutputs() {
		decl, _ := findOutput(e.ref.Node, e.ref.Port)
		decl.Name = e.name
		out = append(out, decl)
	}
	return out
}

type namedOutput struct {
	name string
	ref  PortRef
}

func (m *Mapper) externalOutputs() []namedOutput {
	used := make(map[portKey]bool)
	for _, l := range m.links {
		used[l.from.key()] = true
	}

	var out []namedOutput
	taken := make(map[string]bool)
	for _, name := range m.outOrd {
		ref := m.outAlias[name]
		used[ref.key()] = true
		taken[name] = true
		out = append(out, namedOutput{name: name, ref: ref})
	}
	for _, n := range m.nodes {
		for _, o := range n.Outputs() {
			ref := PortRef{Node: n, Port: o.Name}
			if used[ref.key()] {
				continue
			}
			name := o.Name
			if taken[name] {
				name = ref.String()
			}
			taken[name] = true
			out = append(out, namedOutput{name: name, ref: ref})
		}
	}
	return out
}

// Execute validates the graph and runs it level by level. Values feed the
// mapper inputs. The first failing runnable aborts the run with a
// ProcessError.
func (m *Mapper) Execute(ctx context.Context, in Values) (Values, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	levels, err := m.levels()
	if err != nil {
		return nil, err
	}

	pending := make(map[string]Values, len(m.nodes))
	for _, n := range m.nodes {
		pending[n.Identifier()] = Values{}
	}
	for _, name := range m.externalInputs() {
		v, ok := in[name]
		if !ok {
			continue
		}
		for _, t := range m.targets(name) {
			pending[t.Node.Identifier()][t.Port] = v
		}
	}

	start := time.Now()
	byProcess := make(map[string]Values, len(m.nodes))
	var mu sync.Mutex

	run := func(ctx context.Context, n Runnable) error {
		mu.Lock()
		args := pending[n.Identifier()].Clone()
		mu.Unlock()

		res, err := m.runOne(ctx, n, args)
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		byProcess[n.Identifier()] = res
		for _, l := range m.links {
			if l.from.Node.Identifier() != n.Identifier() {
				continue
			}
			if v, ok := res[l.from.Port]; ok {
				pending[l.to.Node.Identifier()][l.to.Port] = v
			}
		}
		return nil
	}

	for _, level := range levels {
		if m.parallelism <= 1 || len(level) == 1 {
			for _, n := range level {
				if err := run(ctx, n); err != nil {
					return nil, err
				}
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.parallelism)
		for _, n := range level {
			g.Go(func() error { return run(gctx, n) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	results := make(Values)
	for _, e := range m.externalOutputs() {
		if v, ok := byProcess[e.ref.Node.Identifier()][e.ref.Port]; ok {
			results[e.name] = v
		}
	}

	m.mu.Lock()
	m.results = results
	m.byProcess = byProcess
	m.mu.Unlock()

	m.logger.Debug("mapper executed", "mapper", m.title, "processes", len(m.nodes), "duration", time.Since(start))
	return results.Clone(), nil
}

func (m *Mapper) runOne(ctx context.Context, n Runnable, args Values) (Values, error) {
	start := time.Now()
	res, err := n.Execute(ctx, args)
	d := time.Since(start)

	m.metrics.IncProcessExecutions(n.Title(), err == nil)
	m.metrics.ObserveProcessDuration(n.Title(), d)
	if err != nil {
		m.logger.Warn("process failed", "mapper", m.title, "process", n.Title(), "error", err)
		var pe *domain.ProcessError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, &domain.ProcessError{Process: n.Title(), Err: err}
	}
	m.logger.Debug("process executed", "mapper", m.title, "process", n.Title(), "duration", d)
	return res, nil
}

// Results returns the mapper outputs of the last successful execution.
func (m *Mapper) Results() Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results.Clone()
}

// ResultsOf returns the outputs of one runnable from the last successful
// execution.
func (m *Mapper) ResultsOf(n Runnable) Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byProcess[n.Identifier()].Clone()
}

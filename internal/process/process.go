package process

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/orbisgis/orbisdata/internal/domain"
)

// Runnable is implemented by processes and mappers.
type Runnable interface {
	Identifier() string
	Title() string
	Inputs() []Input
	Outputs() []Output
	Execute(ctx context.Context, in Values) (Values, error)
	Results() Values
}

// Func is the body of a process. It receives the declared inputs and returns
// the outputs by name.
type Func func(ctx context.Context, in Values) (Values, error)

// Process is a function with declared inputs and outputs.
type Process struct {
	id          string
	title       string
	description string
	keywords    []string
	version     string
	inputs      []Input
	outputs     []Output
	fn          Func

	mu      sync.Mutex
	results Values
}

// Option configures a process.
type Option func(*Process)

// WithDescription sets the description of the process.
func WithDescription(d string) Option {
	return func(p *Process) { p.description = d }
}

// WithKeywords sets the keywords of the process.
func WithKeywords(k ...string) Option {
	return func(p *Process) { p.keywords = append(p.keywords, k...) }
}

// WithVersion sets the version of the process.
func WithVersion(v string) Option {
	return func(p *Process) { p.version = v }
}

// WithInputs declares the inputs of the process.
func WithInputs(in ...Input) Option {
	return func(p *Process) { p.inputs = append(p.inputs, in...) }
}

// WithOutputs declares the outputs of the process.
func WithOutputs(out ...Output) Option {
	return func(p *Process) { p.outputs = append(p.outputs, out...) }
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// New creates a process. Port names must be unique within their direction.
func New(title string, fn Func, opts ...Option) (*Process, error) {
	if fn == nil {
		return nil, &domain.ValidationError{Field: "func", Constraint: "required", Message: "process function is required"}
	}
	p := &Process{id: newID(), title: title, fn: fn}
	for _, opt := range opts {
		opt(p)
	}
	if p.title == "" {
		p.title = p.id
	}

	seen := make(map[string]bool)
	for _, in := range p.inputs {
		if in.Name == "" || seen[in.Name] {
			return nil, &domain.ValidationError{Field: "inputs", Value: in.Name, Constraint: "unique, not empty", Message: "invalid input name"}
		}
		seen[in.Name] = true
	}
	clear(seen)
	for _, out := range p.outputs {
		if out.Name == "" || seen[out.Name] {
			return nil, &domain.ValidationError{Field: "outputs", Value: out.Name, Constraint: "unique, not empty", Message: "invalid output name"}
		}
		seen[out.Name] = true
	}
	return p, nil
}

// MustNew is like New but panics on error. It is meant for process
// libraries built at init time.
func MustNew(title string, fn Func, opts ...Option) *Process {
	p, err := New(title, fn, opts...)
	if err != nil {
		panic(err)
	}
	return p
}

// Identifier returns the unique identifier of the process.
func (p *Process) Identifier() string { return p.id }

// Title returns the title of the process.
func (p *Process) Title() string { return p.title }

// Description returns the description of the process.
func (p *Process) Description() string { return p.description }

// Keywords returns the keywords of the process.
func (p *Process) Keywords() []string { return slices.Clone(p.keywords) }

// Version returns the version of the process.
func (p *Process) Version() string { return p.version }

// Inputs returns the declared inputs.
func (p *Process) Inputs() []Input { return slices.Clone(p.inputs) }

// Outputs returns the declared outputs.
func (p *Process) Outputs() []Output { return slices.Clone(p.outputs) }

// Port returns a reference to a port of the process, for Mapper links.
func (p *Process) Port(name string) PortRef { return PortRef{Node: p, Port: name} }

// Execute runs the process function. Missing inputs take their default
// value; a missing required input returns ErrMissingInput. Values of the
// wrong type return a ValidationError. A failing function is reported as a
// ProcessError.
func (p *Process) Execute(ctx context.Context, in Values) (Values, error) {
	args, err := p.prepare(in)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out, err := p.fn(ctx, args)
	if err != nil {
		return nil, &domain.ProcessError{Process: p.title, Err: err}
	}

	results, err := p.check(out)
	if err != nil {
		return nil, &domain.ProcessError{Process: p.title, Err: err}
	}

	p.mu.Lock()
	p.results = results
	p.mu.Unlock()
	return results.Clone(), nil
}

func (p *Process) prepare(in Values) (Values, error) {
	args := make(Values, len(p.inputs))
	var missing []string
	for _, decl := range p.inputs {
		v, ok := in[decl.Name]
		if !ok {
			switch {
			case decl.Default != nil:
				v = decl.Default
			case decl.Optional:
				continue
			default:
				missing = append(missing, decl.Name)
				continue
			}
		}
		cv, ok := coerce(decl.Type, v)
		if !ok {
			return nil, typeError(decl.Name, decl.Type, v)
		}
		args[decl.Name] = cv
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s requires %v", domain.ErrMissingInput, p.title, missing)
	}
	return args, nil
}

// check keeps the declared outputs and verifies their types. A process
// without declared outputs keeps everything its function returned.
func (p *Process) check(out Values) (Values, error) {
	if len(p.outputs) == 0 {
		return out.Clone(), nil
	}
	results := make(Values, len(p.outputs))
	var errs []error
	for _, decl := range p.outputs {
		v, ok := out[decl.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: output %s was not produced", domain.ErrPortNotFound, decl.Name))
			continue
		}
		cv, ok := coerce(decl.Type, v)
		if !ok {
			errs = append(errs, typeError(decl.Name, decl.Type, v))
			continue
		}
		results[decl.Name] = cv
	}
	return results, errors.Join(errs...)
}

// Results returns the outputs of the last successful execution.
func (p *Process) Results() Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results.Clone()
}

// NewInstance returns a process with the same definition, a new identifier
// and no results.
func (p *Process) NewInstance() *Process {
	return &Process{
		id:          newID(),
		title:       p.title,
		description: p.description,
		keywords:    slices.Clone(p.keywords),
		version:     p.version,
		inputs:      slices.Clone(p.inputs),
		outputs:     slices.Clone(p.outputs),
		fn:          p.fn,
	}
}

// Copy returns a copy of the process that keeps its identifier and results.
func (p *Process) Copy() *Process {
	c := p.NewInstance()
	c.id = p.id
	c.results = p.Results()
	if len(c.results) == 0 {
		c.results = nil
	}
	return c
}

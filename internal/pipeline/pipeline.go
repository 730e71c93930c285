// Package pipeline reads YAML pipeline files and compiles them into process
// mappers run against a data source.
//
// A pipeline file lists steps. Each step instantiates a process of the
// library, sets literal inputs with "with" and links inputs to outputs of
// other steps with "links":
//
//	name: communes
//	steps:
//	  - id: load
//	    process: load
//	    with: {path: data/communes.geojson}
//	  - id: l93
//	    process: reproject
//	    with: {srid: $srid}
//	    links: {table: load.table}
//	outputs:
//	  table: l93.table
//
// A "with" value starting with "$" refers to a pipeline input.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/orbisgis/orbisdata/internal/domain"
	"github.com/orbisgis/orbisdata/internal/process"
)

// Definition is the content of a pipeline file.
type Definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Parallelism int               `yaml:"parallelism"`
	Inputs      map[string]any    `yaml:"inputs"`
	Steps       []Step            `yaml:"steps"`
	Outputs     map[string]string `yaml:"outputs"`
}

// Step is one process of a pipeline.
type Step struct {
	ID      string            `yaml:"id"`
	Process string            `yaml:"process"`
	With    map[string]any    `yaml:"with"`
	Links   map[string]string `yaml:"links"`
}

// Parse decodes a pipeline definition. Unknown keys are rejected.
func Parse(r io.Reader) (*Definition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &domain.ValidationError{Field: "pipeline", Constraint: "not empty", Message: "empty pipeline file"}
		}
		return nil, fmt.Errorf("parsing pipeline: %w", err)
	}
	return &def, nil
}

// ParseFile decodes the pipeline file at path.
func ParseFile(path string) (*Definition, error) {
	f, err := os.Open(path) //#nosec G304 -- path is provided by the user
	if err != nil {
		return nil, fmt.Errorf("opening pipeline: %w", err)
	}
	defer func() { _ = f.Close() }()

	def, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = strings.TrimSuffix(strings.TrimSuffix(baseName(path), ".yaml"), ".yml")
	}
	return def, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// portRef splits "step.port".
func portRef(s string) (step, port string, err error) {
	step, port, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || step == "" || port == "" {
		return "", "", &domain.ValidationError{Field: "link", Value: s, Constraint: "step.port", Message: "invalid port reference"}
	}
	return step, port, nil
}

// Validate checks step identifiers, process names and port references.
func (d *Definition) Validate(lib *Library) error {
	var errs []error
	ids := make(map[string]bool, len(d.Steps))
	if len(d.Steps) == 0 {
		errs = append(errs, &domain.ValidationError{Field: "steps", Constraint: "not empty", Message: "pipeline has no step"})
	}
	for i, s := range d.Steps {
		switch {
		case s.ID == "":
			errs = append(errs, &domain.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Constraint: "required", Message: "step id is required"})
		case strings.Contains(s.ID, "."):
			errs = append(errs, &domain.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Value: s.ID, Constraint: "no dot", Message: "step id cannot contain a dot"})
		case ids[s.ID]:
			errs = append(errs, &domain.ValidationError{Field: fmt.Sprintf("steps[%d].id", i), Value: s.ID, Constraint: "unique", Message: "duplicate step id"})
		}
		ids[s.ID] = true
		if !lib.Has(s.Process) {
			errs = append(errs, fmt.Errorf("%w: step %s uses %q", domain.ErrProcessNotFound, s.ID, s.Process))
		}
	}

	checkRef := func(ref string) {
		step, _, err := portRef(ref)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if !ids[step] {
			errs = append(errs, fmt.Errorf("%w: step %s referenced by %s", domain.ErrPortNotFound, step, ref))
		}
	}
	for _, s := range d.Steps {
		for _, ref := range s.Links {
			checkRef(ref)
		}
	}
	for _, ref := range d.Outputs {
		checkRef(ref)
	}
	return errors.Join(errs...)
}

// Pipeline is a compiled definition.
type Pipeline struct {
	def      *Definition
	mapper   *process.Mapper
	steps    map[string]*process.Process
	literals process.Values
	params   map[string]bool
}

// Compile builds the process mapper of a definition. Step processes are
// created from the library and bound to store.
func Compile(def *Definition, lib *Library, store Store, logger *slog.Logger, opts ...process.MapperOption) (*Pipeline, error) {
	if err := def.Validate(lib); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	title := def.Name
	if title == "" {
		title = "pipeline"
	}
	mopts := []process.MapperOption{process.WithTitle(title), process.WithLogger(logger)}
	if def.Parallelism > 1 {
		mopts = append(mopts, process.WithParallelism(def.Parallelism))
	}
	m := process.NewMapper(append(mopts, opts...)...)

	p := &Pipeline{
		def:      def,
		mapper:   m,
		steps:    make(map[string]*process.Process, len(def.Steps)),
		literals: make(process.Values),
		params:   make(map[string]bool),
	}
	for _, s := range def.Steps {
		proc, err := lib.New(s.Process, s.ID, store)
		if err != nil {
			return nil, err
		}
		p.steps[s.ID] = proc
		m.Add(proc)
	}

	for _, s := range def.Steps {
		dst := p.steps[s.ID]
		for _, in := range sortedKeys(s.Links) {
			step, port, _ := portRef(s.Links[in])
			m.Link(p.steps[step].Port(port)).To(dst.Port(in))
		}
		for _, in := range sortedKeys(s.With) {
			v := s.With[in]
			if ref, ok := v.(string); ok && strings.HasPrefix(ref, "$") {
				m.Alias(ref[1:], dst.Port(in))
				p.params[ref[1:]] = true
				continue
			}
			name := s.ID + "." + in
			m.Alias(name, dst.Port(in))
			p.literals[name] = v
		}
		// inputs left unset are only reachable as "<step>.<input>"
		for _, in := range dst.Inputs() {
			if _, ok := s.Links[in.Name]; ok {
				continue
			}
			if _, ok := s.With[in.Name]; ok {
				continue
			}
			m.Alias(s.ID+"."+in.Name, dst.Port(in.Name))
		}
	}
	for _, name := range sortedKeys(def.Outputs) {
		step, port, _ := portRef(def.Outputs[name])
		m.OutputAlias(name, p.steps[step].Port(port))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.mapper.Title() }

// Mapper returns the compiled mapper.
func (p *Pipeline) Mapper() *process.Mapper { return p.mapper }

// Inputs returns the "$" parameters of the pipeline.
func (p *Pipeline) Inputs() []process.Input {
	var out []process.Input
	for _, in := range p.mapper.Inputs() {
		if p.params[in.Name] {
			out = append(out, in)
		}
	}
	return out
}

// Run executes the pipeline. Values override the inputs of the definition.
// When the definition declares outputs, only those are returned.
func (p *Pipeline) Run(ctx context.Context, in process.Values) (process.Values, error) {
	values := make(process.Values, len(p.def.Inputs)+len(in)+len(p.literals))
	for k, v := range p.def.Inputs {
		values[k] = v
	}
	for k, v := range in {
		values[k] = v
	}
	for k, v := range p.literals {
		values[k] = v
	}
	out, err := p.mapper.Execute(ctx, values)
	if err != nil || len(p.def.Outputs) == 0 {
		return out, err
	}
	declared := make(process.Values, len(p.def.Outputs))
	for name := range p.def.Outputs {
		if v, ok := out[name]; ok {
			declared[name] = v
		}
	}
	return declared, nil
}

// StepResults returns the outputs of a step from the last run.
func (p *Pipeline) StepResults(id string) (process.Values, error) {
	proc, ok := p.steps[id]
	if !ok {
		return nil, fmt.Errorf("%w: step %s", domain.ErrProcessNotFound, id)
	}
	return p.mapper.ResultsOf(proc), nil
}

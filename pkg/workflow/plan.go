// Package workflow describes the PET preprocessing pipeline as data: a plan
// is a list of stages with declared inputs and outputs, executed as a DAG by
// an Executor. External tools run through a Runner; small steps run
// in-process as Go functions.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// InputStage is the pseudo-stage whose ports are the plan's inputs
const InputStage = "inputs"

// ErrInvalidPlan is returned for plans that cannot be executed
var ErrInvalidPlan = errors.New("invalid plan")

// Values maps port names to values: file paths, lists of paths, numbers or flags
type Values map[string]any

// Source is where a stage input comes from: another stage's output port,
// a plan input (Stage == InputStage) or a literal value.
type Source struct {
	Stage string `yaml:"stage,omitempty"`
	Port  string `yaml:"port,omitempty"`
	Value any    `yaml:"value,omitempty"`
}

// From refers to an output port of another stage
func From(stage, port string) Source { return Source{Stage: stage, Port: port} }

// Input refers to a plan input
func Input(port string) Source { return Source{Stage: InputStage, Port: port} }

// Literal is a fixed value
func Literal(v any) Source { return Source{Value: v} }

// IsLiteral reports whether s carries a fixed value
func (s Source) IsLiteral() bool { return s.Stage == "" }

func (s Source) String() string {
	if s.IsLiteral() {
		return fmt.Sprintf("%v", s.Value)
	}
	return s.Stage + "." + s.Port
}

// StageFunc is the body of an in-process stage. dir is the stage's private
// working directory.
type StageFunc func(ctx context.Context, in Values, dir string) (Values, error)

// Stage is one step of a plan
type Stage struct {
	// Name identifies the stage within its plan
	Name string `yaml:"name"`

	// Tool is the logical name of the executable to run; empty for in-process stages
	Tool string `yaml:"tool,omitempty"`

	// Args are text/template strings rendered with .In, .Out, .Dir and .Index.
	// An argument "@port" expands to every element of a list input.
	Args []string `yaml:"args,omitempty"`

	// Inputs wires each input port to its source
	Inputs map[string]Source `yaml:"inputs,omitempty"`

	// Outputs names the file each output port is written to, relative to the
	// stage directory. Names are templates like arguments.
	Outputs map[string]string `yaml:"outputs,omitempty"`

	// ForEach lists input ports holding equal-length lists. The tool runs once
	// per element and every output becomes a list.
	ForEach []string `yaml:"forEach,omitempty"`

	// After adds ordering dependencies not expressed through inputs
	After []string `yaml:"after,omitempty"`

	// Env holds extra environment variables for the tool; values are templates
	Env map[string]string `yaml:"env,omitempty"`

	// Func runs in-process instead of a tool
	Func StageFunc `yaml:"-"`

	// MemGB is the memory the stage is expected to need
	MemGB float64 `yaml:"memGB,omitempty"`

	// Threads is the thread count the stage's tool is configured with
	Threads int `yaml:"threads,omitempty"`
}

// Plan is a named, immutable-by-convention list of stages
type Plan struct {
	Name    string            `yaml:"name"`
	Inputs  []string          `yaml:"inputs,omitempty"`
	Stages  []Stage           `yaml:"stages"`
	Outputs map[string]Source `yaml:"outputs,omitempty"`
}

// NewPlan returns an empty plan expecting the given inputs
func NewPlan(name string, inputs ...string) *Plan {
	return &Plan{Name: name, Inputs: inputs, Outputs: map[string]Source{}}
}

// Add appends stages to the plan
func (p *Plan) Add(stages ...Stage) {
	p.Stages = append(p.Stages, stages...)
}

// Stage returns the named stage
func (p *Plan) Stage(name string) (Stage, bool) {
	for _, s := range p.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return Stage{}, false
}

// Deps returns the sorted, de-duplicated stages s depends on
func (s Stage) Deps() []string {
	seen := map[string]bool{}
	for _, src := range s.Inputs {
		if !src.IsLiteral() && src.Stage != InputStage {
			seen[src.Stage] = true
		}
	}
	for _, a := range s.After {
		seen[a] = true
	}
	deps := make([]string, 0, len(seen))
	for d := range seen {
		deps = append(deps, d)
	}
	sort.Strings(deps)
	return deps
}

// Validate checks stage names, sources and acyclicity
func (p *Plan) Validate() error {
	stages := map[string]Stage{}
	for _, s := range p.Stages {
		if s.Name == "" || s.Name == InputStage {
			return fmt.Errorf("%w: stage name %q is reserved or empty", ErrInvalidPlan, s.Name)
		}
		if _, dup := stages[s.Name]; dup {
			return fmt.Errorf("%w: duplicate stage %q", ErrInvalidPlan, s.Name)
		}
		if (s.Tool == "") == (s.Func == nil) {
			return fmt.Errorf("%w: stage %q needs exactly one of a tool or a function", ErrInvalidPlan, s.Name)
		}
		stages[s.Name] = s
	}

	inputs := map[string]bool{}
	for _, in := range p.Inputs {
		inputs[in] = true
	}
	check := func(where string, src Source) error {
		switch {
		case src.IsLiteral():
			return nil
		case src.Stage == InputStage:
			if !inputs[src.Port] {
				return fmt.Errorf("%w: %s reads undeclared plan input %q", ErrInvalidPlan, where, src.Port)
			}
			return nil
		}
		up, ok := stages[src.Stage]
		if !ok {
			return fmt.Errorf("%w: %s reads unknown stage %q", ErrInvalidPlan, where, src.Stage)
		}
		if up.Func == nil {
			if _, ok := up.Outputs[src.Port]; !ok {
				return fmt.Errorf("%w: %s reads missing port %s", ErrInvalidPlan, where, src)
			}
		}
		return nil
	}

	for _, s := range p.Stages {
		for port, src := range s.Inputs {
			if err := check(s.Name+"."+port, src); err != nil {
				return err
			}
		}
		for _, a := range s.After {
			if _, ok := stages[a]; !ok {
				return fmt.Errorf("%w: stage %q waits for unknown stage %q", ErrInvalidPlan, s.Name, a)
			}
		}
		for _, port := range s.ForEach {
			if _, ok := s.Inputs[port]; !ok {
				return fmt.Errorf("%w: stage %q iterates over missing input %q", ErrInvalidPlan, s.Name, port)
			}
		}
	}
	for name, src := range p.Outputs {
		if err := check("output "+name, src); err != nil {
			return err
		}
	}

	_, err := p.Order()
	return err
}

// Order returns stage names in a dependency-respecting order. Among stages
// that are ready at the same time, plan order wins, so the result is
// deterministic.
func (p *Plan) Order() ([]string, error) {
	index := map[string]int{}
	for i, s := range p.Stages {
		index[s.Name] = i
	}
	pending := map[string]int{}
	dependents := map[string][]string{}
	for _, s := range p.Stages {
		deps := s.Deps()
		pending[s.Name] = len(deps)
		for _, d := range deps {
			dependents[d] = append(dependents[d], s.Name)
		}
	}

	var ready []string
	for _, s := range p.Stages {
		if pending[s.Name] == 0 {
			ready = append(ready, s.Name)
		}
	}
	order := make([]string, 0, len(p.Stages))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return index[ready[i]] < index[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)
		for _, d := range dependents[next] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(order) != len(p.Stages) {
		var stuck []string
		for _, s := range p.Stages {
			if pending[s.Name] > 0 {
				stuck = append(stuck, s.Name)
			}
		}
		return nil, fmt.Errorf("%w: cycle among stages %s", ErrInvalidPlan, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Include copies the stages of sub into p under prefix. bindings wires the
// sub-plan's inputs; every sub input must be bound. The returned map holds
// the sub-plan's outputs as sources valid within p.
func (p *Plan) Include(prefix string, sub *Plan, bindings map[string]Source) (map[string]Source, error) {
	for _, in := range sub.Inputs {
		if _, ok := bindings[in]; !ok {
			return nil, fmt.Errorf("%w: %s input %q is not bound", ErrInvalidPlan, sub.Name, in)
		}
	}
	rename := func(src Source) Source {
		switch {
		case src.IsLiteral():
			return src
		case src.Stage == InputStage:
			return bindings[src.Port]
		}
		return Source{Stage: prefix + "." + src.Stage, Port: src.Port}
	}

	for _, s := range sub.Stages {
		c := s
		c.Name = prefix + "." + s.Name
		c.Inputs = make(map[string]Source, len(s.Inputs))
		for port, src := range s.Inputs {
			c.Inputs[port] = rename(src)
		}
		c.After = nil
		for _, a := range s.After {
			c.After = append(c.After, prefix+"."+a)
		}
		c.Args = append([]string(nil), s.Args...)
		c.ForEach = append([]string(nil), s.ForEach...)
		if s.Outputs != nil {
			c.Outputs = make(map[string]string, len(s.Outputs))
			for k, v := range s.Outputs {
				c.Outputs[k] = v
			}
		}
		if s.Env != nil {
			c.Env = make(map[string]string, len(s.Env))
			for k, v := range s.Env {
				c.Env[k] = v
			}
		}
		p.Stages = append(p.Stages, c)
	}

	outs := make(map[string]Source, len(sub.Outputs))
	for name, src := range sub.Outputs {
		outs[name] = rename(src)
	}
	return outs, nil
}

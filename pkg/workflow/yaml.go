package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

type stageDoc struct {
	Stage     `yaml:",inline"`
	InProcess bool     `yaml:"inProcess,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty"`
}

type planDoc struct {
	Name    string            `yaml:"name"`
	Inputs  []string          `yaml:"inputs,omitempty"`
	Order   []string          `yaml:"order"`
	Stages  []stageDoc        `yaml:"stages"`
	Outputs map[string]Source `yaml:"outputs,omitempty"`
}

// MarshalYAML renders the plan with its execution order. In-process
// stages are flagged since their functions cannot be serialized.
func (p *Plan) MarshalYAML() (any, error) {
	order, err := p.Order()
	if err != nil {
		return nil, err
	}
	doc := planDoc{Name: p.Name, Inputs: p.Inputs, Order: order, Outputs: p.Outputs}
	for _, s := range p.Stages {
		doc.Stages = append(doc.Stages, stageDoc{Stage: s, InProcess: s.Func != nil, DependsOn: s.Deps()})
	}
	return doc, nil
}

// ToYAML serializes the plan for inspection
func ToYAML(p *Plan) ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("error marshaling plan: %w", err)
	}
	return data, nil
}

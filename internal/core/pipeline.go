package core

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pkg/errors"
)

// Pipeline is the declarative definition of a CI/CD pipeline as written in
// pipeline.yaml.
type Pipeline struct {
	SchemaVersion int            `yaml:"schemaVersion"`
	Name          string         `yaml:"name"`
	Agent         *AgentSpec     `yaml:"agent"`   // default for stages without one
	Timeout       string         `yaml:"timeout"` // default step timeout
	Parameters    []ParameterDef `yaml:"parameters"`
	Stages        []Stage        `yaml:"stages"`
	Post          Post           `yaml:"post"`
	Triggers      []TriggerDef   `yaml:"triggers"`
}

// Stage is a named phase. A stage either has steps or is a parallel group
// whose sub-stages run concurrently.
type Stage struct {
	Name              string     `yaml:"name"`
	Agent             *AgentSpec `yaml:"agent"`
	Steps             []Step     `yaml:"steps"`
	Parallel          []Stage    `yaml:"parallel"`
	When              *Guard     `yaml:"when"`
	Post              Post       `yaml:"post"`
	ContinueOnFailure bool       `yaml:"continueOnFailure"`
	Timeout           string     `yaml:"timeout"`
	AcquireTimeout    string     `yaml:"acquireTimeout"`
}

// Step is one command. Exactly one of Sh, Exec or Container is set.
type Step struct {
	Name        string            `yaml:"name"`
	Sh          string            `yaml:"sh"`
	Exec        *ExecDef          `yaml:"exec"`
	Container   *ContainerDef     `yaml:"container"`
	Env         map[string]string `yaml:"env"`
	Credentials []string          `yaml:"credentials"`
	Tool        string            `yaml:"tool"`
	Timeout     string            `yaml:"timeout"`
	Retry       int               `yaml:"retry"`
}

// ExecDef invokes an executable directly, without a shell.
type ExecDef struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// ContainerDef runs a command inside a tool image.
type ContainerDef struct {
	Image   string   `yaml:"image"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Post holds post-action step lists per outcome.
type Post struct {
	Always  []Step `yaml:"always"`
	Success []Step `yaml:"success"`
	Failure []Step `yaml:"failure"`
	Aborted []Step `yaml:"aborted"`
}

// ParameterDef declares a run parameter.
type ParameterDef struct {
	Name        string `yaml:"name" json:"name"`
	Default     string `yaml:"default" json:"default,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// TriggerDef starts runs on a cron schedule.
type TriggerDef struct {
	Cron       string            `yaml:"cron" json:"cron"`
	Parameters map[string]string `yaml:"parameters" json:"parameters,omitempty"`
}

// AgentSpec is the agent requirement of a stage: "any", one label, a list
// of labels, or a mapping with a labels list.
type AgentSpec struct {
	Any    bool
	Labels []string
}

func (a *AgentSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "any" {
			a.Any = true
			return nil
		}
		if node.Value != "" {
			a.Labels = []string{node.Value}
		}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&a.Labels)
	case yaml.MappingNode:
		var m struct {
			Any    bool     `yaml:"any"`
			Label  string   `yaml:"label"`
			Labels []string `yaml:"labels"`
		}
		if err := node.Decode(&m); err != nil {
			return err
		}
		a.Any = m.Any
		a.Labels = m.Labels
		if m.Label != "" {
			a.Labels = append([]string{m.Label}, a.Labels...)
		}
		return nil
	}
	return errors.Errorf("line %d: agent must be \"any\", a label, a list or a mapping", node.Line)
}

// empty is true when the requirement selects nothing.
func (a *AgentSpec) empty() bool {
	return a == nil || (!a.Any && len(a.Labels) == 0)
}

// hasBlankLabel reports a label no agent can carry.
func (a *AgentSpec) hasBlankLabel() bool {
	if a == nil {
		return false
	}
	for _, l := range a.Labels {
		if strings.TrimSpace(l) == "" {
			return true
		}
	}
	return false
}

package core

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// BranchParam is the run parameter branch guards are evaluated against.
const BranchParam = "BRANCH_NAME"

// Guard gates whether a stage executes for a run. All constraints must
// match; a nil guard always matches.
type Guard struct {
	Branch *Constraint            `yaml:"branch"`
	Params map[string]*Constraint `yaml:"params"`
}

// Constraint is a set of include and exclude glob patterns. In YAML it is a
// single pattern, a list of patterns, or a mapping with include/exclude.
type Constraint struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

func (c *Constraint) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		c.Include = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		return node.Decode(&c.Include)
	case yaml.MappingNode:
		type plain Constraint
		return node.Decode((*plain)(c))
	}
	return errors.Errorf("line %d: constraint must be a pattern, a list or include/exclude", node.Line)
}

// Match evaluates the guard against run parameters.
func (g *Guard) Match(params map[string]string) bool {
	if g == nil {
		return true
	}
	if !g.Branch.Match(params[BranchParam]) {
		return false
	}
	for name, c := range g.Params {
		if !c.Match(params[name]) {
			return false
		}
	}
	return true
}

// Describe names the first constraint that does not match, for skip
// reasons.
func (g *Guard) Describe(params map[string]string) string {
	if g == nil {
		return ""
	}
	if !g.Branch.Match(params[BranchParam]) {
		return "branch " + quoteOrEmpty(params[BranchParam]) + " does not match"
	}
	names := make([]string, 0, len(g.Params))
	for name := range g.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !g.Params[name].Match(params[name]) {
			return "parameter " + name + "=" + quoteOrEmpty(params[name]) + " does not match"
		}
	}
	return ""
}

func quoteOrEmpty(v string) string {
	return "\"" + v + "\""
}

// Match: excluded values never match, included values match, and without
// include patterns everything not excluded matches.
func (c *Constraint) Match(v string) bool {
	if c == nil {
		return true
	}
	if c.Excludes(v) {
		return false
	}
	if c.Includes(v) {
		return true
	}
	return len(c.Include) == 0
}

// Includes returns true if the string matches the include patterns.
func (c *Constraint) Includes(v string) bool {
	for _, pattern := range c.Include {
		if ok, _ := filepath.Match(pattern, v); ok {
			return true
		}
	}
	return false
}

// Excludes returns true if the string matches the exclude patterns.
func (c *Constraint) Excludes(v string) bool {
	for _, pattern := range c.Exclude {
		if ok, _ := filepath.Match(pattern, v); ok {
			return true
		}
	}
	return false
}

// validate reports malformed glob patterns.
func (c *Constraint) validate() []string {
	if c == nil {
		return nil
	}
	var issues []string
	for _, p := range append(append([]string(nil), c.Include...), c.Exclude...) {
		if _, err := filepath.Match(p, ""); err != nil {
			issues = append(issues, "bad pattern "+p+": "+err.Error())
		}
	}
	return issues
}

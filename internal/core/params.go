package core

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// paramPattern matches ${NAME} references. Bare $NAME is left for the
// shell.
var paramPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var paramName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ParameterError is returned by a trigger whose bindings do not satisfy
// the pipeline's declared parameters.
type ParameterError struct {
	Pipeline string
	Missing  []string
}

func (e *ParameterError) Error() string {
	return "pipeline " + e.Pipeline + ": required parameters not set: " + strings.Join(e.Missing, ", ")
}

// ResolveParameters merges declared defaults with trigger bindings, which
// take precedence. Bindings for undeclared names are kept.
func (g *Graph) ResolveParameters(bindings map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(g.Parameters)+len(bindings))
	for _, p := range g.Parameters {
		if p.Default != "" {
			resolved[p.Name] = p.Default
		}
	}
	for k, v := range bindings {
		resolved[k] = v
	}

	var missing []string
	for _, p := range g.Parameters {
		if p.Required && resolved[p.Name] == "" {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ParameterError{Pipeline: g.Name, Missing: missing}
	}
	return resolved, nil
}

// Expand replaces ${NAME} references with parameter values. Unknown
// references stay as they are; the shell or the launcher may still resolve
// them (${WORKSPACE} is one).
func Expand(input string, params map[string]string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return paramPattern.ReplaceAllStringFunc(input, func(match string) string {
		if v, ok := params[match[2:len(match)-1]]; ok {
			return v
		}
		return match
	})
}

func expandAll(in []string, params map[string]string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = Expand(s, params)
	}
	return out
}

func validateParameters(defs []ParameterDef) []string {
	var issues []string
	seen := map[string]bool{}
	for i, p := range defs {
		switch {
		case p.Name == "":
			issues = append(issues, fmt.Sprintf("parameter %d has no name", i+1))
		case !paramName.MatchString(p.Name):
			issues = append(issues, "parameter "+p.Name+": invalid name")
		case seen[p.Name]:
			issues = append(issues, "parameter "+p.Name+" declared twice")
		}
		seen[p.Name] = true
	}
	return issues
}

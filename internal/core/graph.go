package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron"

	"stagerun/internal/executor"
	"stagerun/internal/state"
)

// PipelineSchemaVersion is the only definition schema accepted.
const PipelineSchemaVersion = 1

// DefinitionError lists everything wrong with a pipeline definition. It is
// returned before any run exists.
type DefinitionError struct {
	Pipeline string
	Issues   []string
}

func (e *DefinitionError) Error() string {
	return fmt.Sprintf("invalid pipeline %q: %s", e.Pipeline, strings.Join(e.Issues, "; "))
}

// Graph is a compiled pipeline: a sequence of execution units. It is
// immutable and shared read-only by every run of the pipeline.
type Graph struct {
	Name       string
	Parameters []ParameterDef
	Units      []Unit
	// Labels is the pipeline default requirement, used for pipeline
	// post-actions. Nil means any agent.
	Labels   []string
	Post     PostPlan
	Triggers []TriggerDef
}

// Unit is either one stage or a set of stages run concurrently.
type Unit struct {
	Index    int
	Parallel bool
	Group    string
	Stages   []*StagePlan
}

// StagePlan is an executable stage.
type StagePlan struct {
	Name string
	// Group is the parallel group the stage belongs to, if any.
	Group             string
	Labels            []string
	Guards            []*Guard
	Steps             []StepPlan
	Post              PostPlan
	ContinueOnFailure bool
	AcquireTimeout    time.Duration
}

// Skip returns a non-empty reason when a guard rejects params.
func (s *StagePlan) Skip(params map[string]string) string {
	for _, g := range s.Guards {
		if !g.Match(params) {
			return g.Describe(params)
		}
	}
	return ""
}

// StepPlan is a validated step with its timeout resolved.
type StepPlan struct {
	Name        string
	Kind        executor.Kind
	Script      string
	Program     string
	Args        []string
	Image       string
	Tool        string
	Env         map[string]string
	Credentials []string
	Timeout     time.Duration
	Attempts    int
}

// Command renders the step for the executor with parameters substituted.
func (p StepPlan) Command(params map[string]string) executor.Command {
	var env map[string]string
	if len(p.Env) > 0 {
		env = make(map[string]string, len(p.Env))
		for k, v := range p.Env {
			env[k] = Expand(v, params)
		}
	}
	return executor.Command{
		Name:        p.Name,
		Kind:        p.Kind,
		Script:      Expand(p.Script, params),
		Program:     Expand(p.Program, params),
		Args:        expandAll(p.Args, params),
		Image:       Expand(p.Image, params),
		Tool:        p.Tool,
		Env:         env,
		Credentials: p.Credentials,
		Timeout:     p.Timeout,
	}
}

// PostPlan holds post-action steps per condition.
type PostPlan map[state.PostCondition][]StepPlan

// Conditions returns the conditions that fire for an outcome, in execution
// order: always first.
func (p PostPlan) Conditions(outcome state.PostCondition) []state.PostCondition {
	var out []state.PostCondition
	if len(p[state.PostAlways]) > 0 {
		out = append(out, state.PostAlways)
	}
	if outcome != state.PostAlways && len(p[outcome]) > 0 {
		out = append(out, outcome)
	}
	return out
}

// StageCount counts executable stages.
func (g *Graph) StageCount() int {
	n := 0
	for _, u := range g.Units {
		n += len(u.Stages)
	}
	return n
}

// compiler collects issues while walking a definition.
type compiler struct {
	issues []string
	names  map[string]string
}

func (c *compiler) addf(format string, args ...any) {
	c.issues = append(c.issues, fmt.Sprintf(format, args...))
}

// Compile validates a definition and produces its Graph. All problems are
// reported together in one *DefinitionError.
func Compile(p *Pipeline) (*Graph, error) {
	c := &compiler{names: map[string]string{}}
	g := &Graph{
		Name:       p.Name,
		Parameters: p.Parameters,
		Triggers:   p.Triggers,
	}

	if p.Name == "" {
		c.addf("pipeline has no name")
	}
	if p.SchemaVersion != 0 && p.SchemaVersion != PipelineSchemaVersion {
		c.addf("unsupported schemaVersion %d (supported: %d)", p.SchemaVersion, PipelineSchemaVersion)
	}
	if len(p.Stages) == 0 {
		c.addf("pipeline has no stages")
	}
	c.issues = append(c.issues, validateParameters(p.Parameters)...)

	defaultTimeout := c.duration("pipeline timeout", p.Timeout)
	if p.Agent != nil {
		if p.Agent.empty() {
			c.addf("pipeline agent requirement is empty")
		} else if p.Agent.hasBlankLabel() {
			c.addf("pipeline agent requirement has a blank label")
		}
		g.Labels = p.Agent.Labels
	}

	for i := range p.Stages {
		st := &p.Stages[i]
		unit := Unit{Index: i}
		if len(st.Parallel) > 0 {
			unit.Parallel = true
			unit.Group = st.Name
			c.claim(st.Name, fmt.Sprintf("stages[%d]", i))
			if len(st.Steps) > 0 {
				c.addf("stage %q: a parallel group cannot have steps of its own", st.Name)
			}
			for j := range st.Parallel {
				member := &st.Parallel[j]
				where := fmt.Sprintf("stages[%d].parallel[%d]", i, j)
				if len(member.Parallel) > 0 {
					c.addf("%s %q: nested parallel groups are not supported", where, member.Name)
					continue
				}
				c.claim(member.Name, where)
				plan := c.stage(member, where, inherit{
					agent:   firstAgent(member.Agent, st.Agent, p.Agent),
					timeout: c.stageTimeout(where, defaultTimeout, member.Timeout, st.Timeout),
					guards:  guards(st.When, member.When),
					acquire: firstString(member.AcquireTimeout, st.AcquireTimeout),
				})
				plan.Group = st.Name
				unit.Stages = append(unit.Stages, plan)
			}
		} else {
			where := fmt.Sprintf("stages[%d]", i)
			c.claim(st.Name, where)
			unit.Stages = append(unit.Stages, c.stage(st, where, inherit{
				agent:   firstAgent(st.Agent, p.Agent),
				timeout: c.stageTimeout(where, defaultTimeout, st.Timeout),
				guards:  guards(st.When),
				acquire: st.AcquireTimeout,
			}))
		}
		g.Units = append(g.Units, unit)
	}

	g.Post = c.post(p.Post, "post", defaultTimeout)

	for i, t := range p.Triggers {
		if _, err := cron.ParseStandard(t.Cron); err != nil {
			c.addf("triggers[%d]: bad cron spec %q: %v", i, t.Cron, err)
		}
	}

	if len(c.issues) > 0 {
		return nil, &DefinitionError{Pipeline: p.Name, Issues: c.issues}
	}
	return g, nil
}

type inherit struct {
	agent   *AgentSpec
	timeout time.Duration
	guards  []*Guard
	acquire string
}

func (c *compiler) claim(name, where string) {
	if name == "" {
		c.addf("%s: stage has no name", where)
		return
	}
	if first, ok := c.names[name]; ok {
		c.addf("%s: duplicate stage name %q (first used at %s)", where, name, first)
		return
	}
	c.names[name] = where
}

func (c *compiler) stage(st *Stage, where string, in inherit) *StagePlan {
	plan := &StagePlan{
		Name:              st.Name,
		Guards:            in.guards,
		ContinueOnFailure: st.ContinueOnFailure,
		AcquireTimeout:    c.duration(where+" acquireTimeout", in.acquire),
	}
	prefix := fmt.Sprintf("%s %q", where, st.Name)

	switch {
	case in.agent == nil:
		c.addf("%s: no agent requirement (set one on the stage or the pipeline)", prefix)
	case in.agent.empty():
		c.addf("%s: agent requirement is empty", prefix)
	case in.agent.hasBlankLabel():
		c.addf("%s: agent requirement has a blank label", prefix)
	case !in.agent.Any:
		plan.Labels = in.agent.Labels
	}

	for _, g := range in.guards {
		c.guard(prefix, g)
	}

	if len(st.Steps) == 0 {
		c.addf("%s: stage has no steps", prefix)
	}
	for i := range st.Steps {
		plan.Steps = append(plan.Steps, c.step(&st.Steps[i], fmt.Sprintf("%s steps[%d]", prefix, i), in.timeout))
	}
	plan.Post = c.post(st.Post, prefix+" post", in.timeout)
	return plan
}

func (c *compiler) guard(prefix string, g *Guard) {
	for _, issue := range g.Branch.validate() {
		c.addf("%s when.branch: %s", prefix, issue)
	}
	for name, con := range g.Params {
		for _, issue := range con.validate() {
			c.addf("%s when.params.%s: %s", prefix, name, issue)
		}
	}
}

func (c *compiler) post(p Post, prefix string, timeout time.Duration) PostPlan {
	plan := PostPlan{}
	add := func(cond state.PostCondition, steps []Step) {
		for i := range steps {
			plan[cond] = append(plan[cond], c.step(&steps[i], fmt.Sprintf("%s.%s[%d]", prefix, cond, i), timeout))
		}
	}
	add(state.PostAlways, p.Always)
	add(state.PostSuccess, p.Success)
	add(state.PostFailure, p.Failure)
	add(state.PostAborted, p.Aborted)
	return plan
}

func (c *compiler) step(s *Step, where string, timeout time.Duration) StepPlan {
	plan := StepPlan{
		Name:        s.Name,
		Env:         s.Env,
		Credentials: s.Credentials,
		Tool:        s.Tool,
		Timeout:     timeout,
		Attempts:    1,
	}

	kinds := 0
	if s.Sh != "" {
		kinds++
		plan.Kind = executor.KindShell
		plan.Script = s.Sh
	}
	if s.Exec != nil {
		kinds++
		plan.Kind = executor.KindExec
		plan.Program = s.Exec.Command
		plan.Args = s.Exec.Args
		if s.Exec.Command == "" {
			c.addf("%s: exec step needs a command", where)
		}
	}
	if s.Container != nil {
		kinds++
		plan.Kind = executor.KindContainer
		plan.Image = s.Container.Image
		plan.Program = s.Container.Command
		plan.Args = s.Container.Args
		if s.Container.Image == "" {
			c.addf("%s: container step needs an image", where)
		}
	}
	if kinds != 1 {
		c.addf("%s: step must set exactly one of sh, exec or container", where)
	}

	if plan.Name == "" {
		plan.Name = defaultStepName(plan)
	}
	if s.Timeout != "" {
		plan.Timeout = c.duration(where+" timeout", s.Timeout)
	}
	switch {
	case s.Retry < 0:
		c.addf("%s: retry must not be negative", where)
	case s.Retry > 0:
		plan.Attempts = s.Retry
	}
	for _, name := range s.Credentials {
		if !paramName.MatchString(name) {
			c.addf("%s: invalid credential name %q", where, name)
		}
	}
	return plan
}

func defaultStepName(p StepPlan) string {
	var text string
	switch p.Kind {
	case executor.KindShell:
		text = p.Script
	case executor.KindExec:
		text = p.Program
	case executor.KindContainer:
		text = p.Image
	}
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if len(text) > 40 {
		text = text[:40]
	}
	return strings.TrimSpace(text)
}

func (c *compiler) duration(what, s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		c.addf("%s: %v", what, err)
		return 0
	}
	if d < 0 {
		c.addf("%s: must not be negative", what)
		return 0
	}
	return d
}

// stageTimeout is the first timeout set on the stage or its group, else
// the pipeline default.
func (c *compiler) stageTimeout(where string, fallback time.Duration, values ...string) time.Duration {
	if v := firstString(values...); v != "" {
		return c.duration(where+" timeout", v)
	}
	return fallback
}

func firstAgent(specs ...*AgentSpec) *AgentSpec {
	for _, a := range specs {
		if a != nil {
			return a
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func guards(gs ...*Guard) []*Guard {
	var out []*Guard
	for _, g := range gs {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}

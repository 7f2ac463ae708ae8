package core

import (
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagerun/internal/executor"
	"stagerun/internal/state"
)

const webapp = `
schemaVersion: 1
name: webapp
agent: linux
timeout: 30s
parameters:
  - name: BRANCH_NAME
    required: true
  - name: IMAGE_TAG
    default: latest
stages:
  - name: Checkout
    steps:
      - sh: git clone repo .
  - name: Build
    agent: [linux, docker]
    steps:
      - name: image
        container:
          image: docker:24
          command: docker
          args: [build, -t, "app:${IMAGE_TAG}", .]
        retry: 2
  - name: Checks
    parallel:
      - name: Test
        steps:
          - exec: {command: make, args: [test]}
            timeout: 5m
      - name: Lint
        agent: any
        when:
          branch: {include: ["main", "release/*"]}
        steps:
          - sh: hadolint Dockerfile
  - name: Deploy
    when:
      branch: main
      params:
        IMAGE_TAG: {exclude: ["*-dirty"]}
    steps:
      - sh: ./deploy.sh ${IMAGE_TAG}
        credentials: [REGISTRY_TOKEN]
    post:
      failure:
        - sh: ./rollback.sh
post:
  always:
    - sh: echo done
triggers:
  - cron: "*/15 * * * *"
    parameters: {BRANCH_NAME: main}
`

func TestCompileUnits(t *testing.T) {
	p, err := ParsePipeline([]byte(webapp))
	require.NoError(t, err)
	g, err := Compile(p)
	require.NoError(t, err)

	require.Len(t, g.Units, 4)
	assert.Equal(t, 5, g.StageCount())
	assert.False(t, g.Units[0].Parallel)
	assert.True(t, g.Units[2].Parallel)
	assert.Equal(t, "Checks", g.Units[2].Group)

	checkout := g.Units[0].Stages[0]
	assert.Equal(t, []string{"linux"}, checkout.Labels)
	assert.Equal(t, 30*time.Second, checkout.Steps[0].Timeout)
	assert.Equal(t, "git clone repo .", checkout.Steps[0].Name)

	build := g.Units[1].Stages[0]
	assert.Equal(t, []string{"linux", "docker"}, build.Labels)
	assert.Equal(t, executor.KindContainer, build.Steps[0].Kind)
	assert.Equal(t, 2, build.Steps[0].Attempts)

	test, lint := g.Units[2].Stages[0], g.Units[2].Stages[1]
	assert.Equal(t, "Checks", test.Group)
	assert.Equal(t, 5*time.Minute, test.Steps[0].Timeout)
	assert.Nil(t, lint.Labels, "any matches every agent")

	deploy := g.Units[3].Stages[0]
	assert.Len(t, deploy.Post[state.PostFailure], 1)
	assert.Len(t, g.Post[state.PostAlways], 1)
	assert.Equal(t, []string{"linux"}, g.Labels)
}

func TestCompileCollectsAllIssues(t *testing.T) {
	p, err := ParsePipeline([]byte(`
schemaVersion: 2
name: broken
stages:
  - name: Build
    steps:
      - sh: make
  - name: Build
    agent: linux
    steps:
      - sh: make
        exec: {command: make}
  - name: Empty
    agent: []
  - name: Blank
    agent: {labels: ["", linux]}
    steps: [{sh: "true"}]
  - name: Group
    agent: linux
    parallel:
      - name: Inner
        parallel:
          - name: Deeper
            steps: [{sh: "true"}]
  - name: Slow
    agent: linux
    steps:
      - sh: sleep 1
        timeout: soon
        retry: -1
triggers:
  - cron: "every day"
`))
	require.NoError(t, err)
	_, err = Compile(p)
	require.Error(t, err)

	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	joined := strings.Join(defErr.Issues, "\n")
	for _, want := range []string{
		"unsupported schemaVersion 2",
		"no agent requirement",
		`duplicate stage name "Build"`,
		"exactly one of sh, exec or container",
		"agent requirement is empty",
		`"Blank": agent requirement has a blank label`,
		"stage has no steps",
		"nested parallel",
		"timeout",
		"retry must not be negative",
		"bad cron spec",
	} {
		assert.Contains(t, joined, want)
	}
}

func TestCompileRejectsBlankPipelineLabel(t *testing.T) {
	p, err := ParsePipeline([]byte(`
name: blank
agent: [""]
stages:
  - name: Build
    steps: [{sh: make}]
`))
	require.NoError(t, err)
	_, err = Compile(p)
	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Contains(t, strings.Join(defErr.Issues, "\n"), "pipeline agent requirement has a blank label")
}

func TestCompileGroupNamesAreUnique(t *testing.T) {
	p, err := ParsePipeline([]byte(`
name: dup
agent: any
stages:
  - name: Checks
    parallel:
      - name: Checks
        steps: [{sh: "true"}]
`))
	require.NoError(t, err)
	_, err = Compile(p)
	var defErr *DefinitionError
	require.True(t, errors.As(err, &defErr))
	assert.Contains(t, defErr.Issues[0], `duplicate stage name "Checks"`)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := ParsePipeline([]byte("name: x\nstagez: []\n"))
	assert.Error(t, err)
}

func TestParseJSONWithComments(t *testing.T) {
	p, err := ParsePipeline([]byte(`{
  // built nightly
  "name": "nightly",
  "agent": {"labels": ["linux"]},
  "stages": [
    {"name": "Build", "steps": [{"sh": "make"}]},
  ]
}`))
	require.NoError(t, err)
	assert.Equal(t, "nightly", p.Name)
	assert.Equal(t, []string{"linux"}, p.Agent.Labels)
	_, err = Compile(p)
	assert.NoError(t, err)
}

func TestGuardMatch(t *testing.T) {
	g := &Guard{
		Branch: &Constraint{Include: []string{"main", "release/*"}},
		Params: map[string]*Constraint{"ENV": {Exclude: []string{"prod"}}},
	}
	assert.True(t, g.Match(map[string]string{"BRANCH_NAME": "main", "ENV": "dev"}))
	assert.True(t, g.Match(map[string]string{"BRANCH_NAME": "release/1.2"}))
	assert.False(t, g.Match(map[string]string{"BRANCH_NAME": "dev"}))
	assert.False(t, g.Match(map[string]string{"BRANCH_NAME": "main", "ENV": "prod"}))
	assert.Contains(t, g.Describe(map[string]string{"BRANCH_NAME": "main", "ENV": "prod"}), "ENV")

	var nilGuard *Guard
	assert.True(t, nilGuard.Match(nil))

	excluded := &Constraint{Include: []string{"*"}, Exclude: []string{"dev"}}
	assert.False(t, excluded.Match("dev"), "exclude wins over include")
	assert.True(t, (&Constraint{}).Match("anything"))
}

func TestGroupGuardAppliesToMembers(t *testing.T) {
	p, err := ParsePipeline([]byte(`
name: guarded
agent: any
stages:
  - name: Checks
    when: {branch: main}
    parallel:
      - name: A
        steps: [{sh: "true"}]
      - name: B
        when: {params: {FAST: "yes"}}
        steps: [{sh: "true"}]
`))
	require.NoError(t, err)
	g, err := Compile(p)
	require.NoError(t, err)
	a, b := g.Units[0].Stages[0], g.Units[0].Stages[1]

	assert.Empty(t, a.Skip(map[string]string{"BRANCH_NAME": "main"}))
	assert.NotEmpty(t, a.Skip(map[string]string{"BRANCH_NAME": "dev"}))
	assert.NotEmpty(t, b.Skip(map[string]string{"BRANCH_NAME": "main"}))
	assert.Empty(t, b.Skip(map[string]string{"BRANCH_NAME": "main", "FAST": "yes"}))
}

func TestResolveParameters(t *testing.T) {
	g := &Graph{Name: "webapp", Parameters: []ParameterDef{
		{Name: "BRANCH_NAME", Required: true},
		{Name: "IMAGE_TAG", Default: "latest"},
	}}
	got, err := g.ResolveParameters(map[string]string{"BRANCH_NAME": "dev", "EXTRA": "1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"BRANCH_NAME": "dev", "IMAGE_TAG": "latest", "EXTRA": "1"}, got)

	_, err = g.ResolveParameters(nil)
	var perr *ParameterError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, []string{"BRANCH_NAME"}, perr.Missing)
}

func TestStepCommandSubstitutesParameters(t *testing.T) {
	step := StepPlan{
		Name:  "push",
		Kind:  executor.KindContainer,
		Image: "registry/${APP}:${TAG}",
		Args:  []string{"--tag", "${TAG}", "$HOME", "${WORKSPACE}/out"},
		Env:   map[string]string{"TAG": "${TAG}"},
	}
	cmd := step.Command(map[string]string{"APP": "web", "TAG": "v1.0"})
	assert.Equal(t, "registry/web:v1.0", cmd.Image)
	assert.Equal(t, []string{"--tag", "v1.0", "$HOME", "${WORKSPACE}/out"}, cmd.Args)
	assert.Equal(t, "v1.0", cmd.Env["TAG"])
	assert.Equal(t, "registry/${APP}:${TAG}", step.Image, "the plan is not modified")
}

package core

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stagerun/internal/executor"
	"stagerun/internal/pool"
	"stagerun/internal/state"
	"stagerun/internal/storage"
	"stagerun/pkg/utils"
)

type harness struct {
	s     *Scheduler
	store *storage.Store
	pool  *pool.Pool
}

func newHarness(t *testing.T, opts Options, agents ...pool.Agent) *harness {
	t.Helper()
	if len(agents) == 0 {
		agents = []pool.Agent{{ID: "local-1", Labels: []string{"linux", "docker"}, Capacity: 2}}
	}
	store := storage.NewStore(t.TempDir(), nil)
	p := pool.New()
	for _, a := range agents {
		require.NoError(t, p.Register(a))
	}
	exec := executor.New(executor.Options{
		Local:     &executor.LocalLauncher{Root: t.TempDir(), KillGrace: time.Second},
		KillGrace: time.Second,
	})
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	if opts.PostTimeout == 0 {
		opts.PostTimeout = 5 * time.Second
	}
	s := NewScheduler(NewCatalog(), p, exec, store, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &harness{s: s, store: store, pool: p}
}

func compile(t *testing.T, def string) *Graph {
	t.Helper()
	p, err := ParsePipeline([]byte(def))
	require.NoError(t, err)
	g, err := Compile(p)
	require.NoError(t, err)
	return g
}

func (h *harness) start(t *testing.T, def string, params map[string]string) string {
	t.Helper()
	id, err := h.s.TriggerGraph(context.Background(), compile(t, def), params)
	require.NoError(t, err)
	return id
}

func (h *harness) wait(t *testing.T, id string) state.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := h.s.Wait(ctx, id)
	require.NoError(t, err)
	return snap
}

func (h *harness) run(t *testing.T, def string, params map[string]string) state.Run {
	t.Helper()
	return h.wait(t, h.start(t, def, params))
}

func (h *harness) waitForStep(t *testing.T, id, stage string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.store.Snapshot(id)
		if err != nil {
			return false
		}
		st, _ := snap.Stage(stage)
		return len(st.Steps) > 0 && st.Steps[len(st.Steps)-1].Status == state.StepRunning
	}, 10*time.Second, 20*time.Millisecond)
	// give the process a moment to actually exec
	time.Sleep(100 * time.Millisecond)
}

func stageStatuses(r state.Run) map[string]state.StageStatus {
	out := make(map[string]state.StageStatus, len(r.Stages))
	for _, st := range r.Stages {
		out[st.Name] = st.Status
	}
	return out
}

func findPost(r state.Run, scope string, cond state.PostCondition) (state.PostActionResult, bool) {
	for _, p := range r.Post {
		if p.Scope == scope && p.Condition == cond {
			return p, true
		}
	}
	return state.PostActionResult{}, false
}

const fiveStages = `
name: webapp
agent: linux
parameters:
  - name: BRANCH_NAME
    required: true
  - name: TEST_EXIT
    default: "0"
stages:
  - name: Checkout
    steps: [{sh: "echo checkout ${BRANCH_NAME}"}]
  - name: Build
    steps: [{sh: "echo build"}]
  - name: Test
    steps: [{sh: "echo testing; exit ${TEST_EXIT}"}]
  - name: Lint
    steps: [{sh: "echo lint"}]
  - name: Deploy
    steps: [{sh: "echo deploy"}]
post:
  always: [{sh: "echo always"}]
  success: [{sh: "echo ok"}]
  failure: [{sh: "echo failed"}]
`

func TestRunAllStagesSucceed(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, fiveStages, map[string]string{"BRANCH_NAME": "main"})

	assert.Equal(t, state.RunSucceeded, run.Status)
	assert.Nil(t, run.Error)
	require.Len(t, run.Stages, 5)
	for _, st := range run.Stages {
		assert.Equal(t, state.StageSucceeded, st.Status, st.Name)
		assert.Equal(t, "local-1", st.Agent)
		assert.NotEmpty(t, st.OutputHash)
	}

	// sequential units are recorded strictly in graph order
	for i := 1; i < len(run.Stages); i++ {
		assert.False(t, run.Stages[i].StartedAt.Before(run.Stages[i-1].EndedAt),
			"%s started before %s ended", run.Stages[i].Name, run.Stages[i-1].Name)
	}

	success, ok := findPost(run, "", state.PostSuccess)
	require.True(t, ok, "success hook recorded")
	assert.Equal(t, state.PostSucceeded, success.Status)
	_, ok = findPost(run, "", state.PostAlways)
	assert.True(t, ok)
	_, ok = findPost(run, "", state.PostFailure)
	assert.False(t, ok)

	log, err := h.store.ReadLog(run.ID, "Checkout", 0)
	require.NoError(t, err)
	assert.Contains(t, string(log), "checkout main")
}

func TestRunStopsAfterFailedStage(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, fiveStages, map[string]string{"BRANCH_NAME": "main", "TEST_EXIT": "1"})

	assert.Equal(t, state.RunFailed, run.Status)
	assert.Equal(t, map[string]state.StageStatus{
		"Checkout": state.StageSucceeded,
		"Build":    state.StageSucceeded,
		"Test":     state.StageFailed,
		"Lint":     state.StageSkipped,
		"Deploy":   state.StageSkipped,
	}, stageStatuses(run))

	test, _ := run.Stage("Test")
	assert.Equal(t, 1, test.ExitCode)
	require.NotNil(t, run.Error)
	assert.Equal(t, state.KindStepFailed, run.Error.Kind)
	assert.Equal(t, "Test", run.Error.Stage)

	failure, ok := findPost(run, "", state.PostFailure)
	require.True(t, ok, "failure hook recorded")
	assert.Equal(t, state.PostSucceeded, failure.Status)
	_, ok = findPost(run, "", state.PostSuccess)
	assert.False(t, ok)
}

func TestParallelUnitJoinsAndReportsFailure(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: parallel
agent: linux
stages:
  - name: Checks
    parallel:
      - name: A
        steps: [{sh: "sleep 2"}]
      - name: B
        steps: [{sh: "sleep 1; exit 1"}]
  - name: After
    steps: [{sh: "true"}]
`, nil)

	assert.Equal(t, state.RunFailed, run.Status)
	a, _ := run.Stage("A")
	b, _ := run.Stage("B")
	after, _ := run.Stage("After")
	assert.Equal(t, state.StageSucceeded, a.Status, "a failing sibling does not preempt")
	assert.Equal(t, state.StageFailed, b.Status)
	assert.Equal(t, state.StageSkipped, after.Status)
	assert.True(t, a.Parallel)

	// both ran at the same time on the one agent, which belongs to this run
	assert.True(t, b.StartedAt.Before(a.EndedAt))
	assert.GreaterOrEqual(t, run.EndedAt.Sub(run.StartedAt), 2*time.Second)
	assert.Equal(t, "B", run.Error.Stage)
}

func TestGuardSkipsStage(t *testing.T) {
	h := newHarness(t, Options{})
	def := `
name: guarded
agent: linux
stages:
  - name: Build
    steps: [{sh: "true"}]
  - name: Deploy
    when:
      branch: main
    steps: [{sh: "true"}]
`
	run := h.run(t, def, map[string]string{"BRANCH_NAME": "dev"})
	assert.Equal(t, state.RunSucceeded, run.Status)
	deploy, _ := run.Stage("Deploy")
	assert.Equal(t, state.StageSkipped, deploy.Status)
	assert.Contains(t, deploy.SkipReason, "dev")

	run = h.run(t, def, map[string]string{"BRANCH_NAME": "main"})
	deploy, _ = run.Stage("Deploy")
	assert.Equal(t, state.StageSucceeded, deploy.Status)
}

func TestStepTimeoutFailsStage(t *testing.T) {
	h := newHarness(t, Options{})
	start := time.Now()
	run := h.run(t, `
name: slow
agent: linux
stages:
  - name: Scan
    steps:
      - sh: sleep 10
        timeout: 1s
`, nil)
	assert.Less(t, time.Since(start), 6*time.Second)
	assert.Equal(t, state.RunFailed, run.Status)
	scan, _ := run.Stage("Scan")
	assert.Equal(t, state.StageTimedOut, scan.Status)
	assert.Equal(t, state.StepTimedOut, scan.Steps[0].Status)
	assert.Equal(t, state.KindStepTimedOut, run.Error.Kind)
}

func TestRetryUntilSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: flaky
agent: linux
stages:
  - name: Push
    steps:
      - sh: 'n=$(cat count 2>/dev/null || echo 0); n=$((n+1)); echo $n > count; [ "$n" -ge 3 ]'
        retry: 3
`, nil)
	assert.Equal(t, state.RunSucceeded, run.Status)
	push, _ := run.Stage("Push")
	assert.Equal(t, 3, push.Steps[0].Attempts)

	run = h.run(t, `
name: broken
agent: linux
stages:
  - name: Push
    steps:
      - sh: exit 4
        retry: 2
`, nil)
	push, _ = run.Stage("Push")
	assert.Equal(t, state.RunFailed, run.Status)
	assert.Equal(t, 2, push.Steps[0].Attempts)
	assert.Equal(t, 4, push.ExitCode)
}

func TestContinueOnFailure(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: lenient
agent: linux
stages:
  - name: Lint
    continueOnFailure: true
    steps: [{sh: "exit 1"}, {sh: "echo never"}]
  - name: Build
    steps: [{sh: "true"}]
`, nil)
	assert.Equal(t, state.RunSucceeded, run.Status)
	lint, _ := run.Stage("Lint")
	assert.Equal(t, state.StageFailed, lint.Status)
	assert.Len(t, lint.Steps, 1, "remaining steps of a failed stage do not run")
	build, _ := run.Stage("Build")
	assert.Equal(t, state.StageSucceeded, build.Status)
}

func TestAcquireTimeoutFailsStage(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: gpu
stages:
  - name: Train
    agent: gpu
    acquireTimeout: 200ms
    steps: [{sh: "true"}]
`, nil)
	assert.Equal(t, state.RunFailed, run.Status)
	train, _ := run.Stage("Train")
	assert.Equal(t, state.StageFailed, train.Status)
	assert.Equal(t, state.KindAcquireTimeout, train.Error.Kind)
}

func TestAbortRunningRun(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.start(t, `
name: long
agent: linux
stages:
  - name: Build
    steps: [{sh: "sleep 30"}]
    post:
      aborted: [{sh: "echo cleanup"}]
  - name: Deploy
    steps: [{sh: "true"}]
`, nil)
	h.waitForStep(t, id, "Build")

	start := time.Now()
	require.NoError(t, h.s.Abort(id))
	run := h.wait(t, id)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, state.RunAborted, run.Status)
	assert.Equal(t, state.KindAborted, run.Error.Kind)
	build, _ := run.Stage("Build")
	assert.Equal(t, state.StepAborted, build.Steps[0].Status)
	deploy, _ := run.Stage("Deploy")
	assert.Equal(t, state.StageSkipped, deploy.Status)

	cleanup, ok := findPost(run, "Build", state.PostAborted)
	require.True(t, ok, "aborted hook still runs")
	assert.Equal(t, state.PostSucceeded, cleanup.Status)

	assert.True(t, errors.Is(h.s.Abort(id), ErrRunFinished))
	assert.True(t, errors.Is(h.s.Abort("nope"), storage.ErrRunNotFound))
}

func TestAbortAfterLastUnitIsRefused(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.start(t, `
name: notify
agent: linux
stages:
  - name: Build
    steps: [{sh: "echo build"}]
post:
  success: [{sh: "sleep 2; echo notified"}]
`, nil)
	require.Eventually(t, func() bool {
		snap, err := h.store.Snapshot(id)
		if err != nil {
			return false
		}
		build, _ := snap.Stage("Build")
		return build.Status == state.StageSucceeded && !build.EndedAt.IsZero()
	}, 10*time.Second, 10*time.Millisecond)

	// aborts accepted before the run settles still leave Build succeeded
	require.Eventually(t, func() bool {
		return errors.Is(h.s.Abort(id), ErrRunFinished)
	}, 5*time.Second, 10*time.Millisecond)
	snap, err := h.store.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, state.RunRunning, snap.Status, "pipeline post-actions still running")

	run := h.wait(t, id)
	assert.Equal(t, state.RunSucceeded, run.Status)
	assert.Nil(t, run.Error)
	notify, ok := findPost(run, "", state.PostSuccess)
	require.True(t, ok)
	assert.Equal(t, state.PostSucceeded, notify.Status)
	_, ok = findPost(run, "", state.PostAborted)
	assert.False(t, ok)
}

func TestPipelinePostLogIsSeparateFromStages(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: shadow
agent: linux
stages:
  - name: pipeline post
    steps: [{sh: "echo stage output"}]
post:
  always: [{sh: "echo hook output"}]
`, nil)
	require.Equal(t, state.RunSucceeded, run.Status)

	stageLog, err := h.store.ReadLog(run.ID, "pipeline post", 0)
	require.NoError(t, err)
	assert.Contains(t, string(stageLog), "stage output")
	assert.NotContains(t, string(stageLog), "hook output")

	st, _ := run.Stage("pipeline post")
	hash, err := utils.HashFile(h.store.Logs().Path(run.ID, "pipeline post"))
	require.NoError(t, err)
	assert.Equal(t, hash, st.OutputHash)

	postLog, err := h.store.Logs().ReadPipelinePost(run.ID, 0)
	require.NoError(t, err)
	assert.Contains(t, string(postLog), "hook output")
	assert.NotContains(t, string(postLog), "stage output")
}

func TestAbortPendingRun(t *testing.T) {
	h := newHarness(t, Options{MaxConcurrentRuns: 1})
	def := `
name: queued
agent: linux
stages:
  - name: Build
    steps: [{sh: "sleep 30"}]
`
	first := h.start(t, def, nil)
	h.waitForStep(t, first, "Build")
	second := h.start(t, def, nil)

	snap, err := h.store.Snapshot(second)
	require.NoError(t, err)
	assert.Equal(t, state.RunPending, snap.Status)

	require.NoError(t, h.s.Abort(second))
	run := h.wait(t, second)
	assert.Equal(t, state.RunAborted, run.Status)
	assert.True(t, run.StartedAt.IsZero(), "never started")

	require.NoError(t, h.s.Abort(first))
	assert.Equal(t, state.RunAborted, h.wait(t, first).Status)
}

func TestAgentLostFailsStage(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.start(t, `
name: lost
agent: linux
stages:
  - name: Build
    steps: [{sh: "sleep 30"}]
    post:
      always: [{sh: "echo unreachable"}]
`, nil)
	h.waitForStep(t, id, "Build")
	require.NoError(t, h.pool.Evict("local-1"))

	run := h.wait(t, id)
	assert.Equal(t, state.RunFailed, run.Status)
	build, _ := run.Stage("Build")
	assert.Equal(t, state.StageFailed, build.Status)
	assert.Equal(t, state.KindAgentLost, build.Error.Kind)

	post, ok := findPost(run, "Build", state.PostAlways)
	require.True(t, ok)
	assert.Equal(t, state.PostSkipped, post.Status)
}

func TestStagePostFailureDoesNotFailStage(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: hooks
agent: linux
stages:
  - name: Build
    steps: [{sh: "true"}]
    post:
      always: [{sh: "exit 3"}]
`, nil)
	assert.Equal(t, state.RunSucceeded, run.Status)
	post, ok := findPost(run, "Build", state.PostAlways)
	require.True(t, ok)
	assert.Equal(t, state.PostFailed, post.Status)
	assert.Equal(t, 3, post.Steps[0].ExitCode)
}

func TestPendingStagesGetSkippedPostPass(t *testing.T) {
	h := newHarness(t, Options{})
	run := h.run(t, `
name: skipped-hooks
agent: linux
stages:
  - name: Build
    steps: [{sh: "exit 1"}]
  - name: Deploy
    steps: [{sh: "true"}]
    post:
      always: [{sh: "echo never"}]
`, nil)
	post, ok := findPost(run, "Deploy", state.PostAlways)
	require.True(t, ok)
	assert.Equal(t, state.PostSkipped, post.Status)
}

func TestTriggerErrors(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.s.Trigger(context.Background(), "missing", nil)
	assert.True(t, errors.Is(err, ErrPipelineNotFound))

	h.s.Catalog().Register(compile(t, fiveStages))
	_, err = h.s.Trigger(context.Background(), "webapp", nil)
	var perr *ParameterError
	assert.True(t, errors.As(err, &perr))

	id, err := h.s.Trigger(context.Background(), "webapp", map[string]string{"BRANCH_NAME": "main"})
	require.NoError(t, err)
	a := h.wait(t, id)
	b := h.wait(t, id)
	assert.Equal(t, a, b, "terminal snapshots do not change")
}

func TestShutdownAbortsAndRefuses(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.start(t, `
name: long
agent: linux
stages:
  - name: Build
    steps: [{sh: "sleep 30"}]
`, nil)
	h.waitForStep(t, id, "Build")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.s.Shutdown(ctx))

	snap, err := h.store.Snapshot(id)
	require.NoError(t, err)
	assert.Equal(t, state.RunAborted, snap.Status)

	_, err = h.s.TriggerGraph(context.Background(), compile(t, fiveStages), map[string]string{"BRANCH_NAME": "main"})
	assert.True(t, errors.Is(err, ErrShuttingDown))
}

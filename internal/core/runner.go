package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stagerun/internal/executor"
	"stagerun/internal/pool"
	"stagerun/internal/state"
	"stagerun/pkg/utils"
)

// runner walks the units of one run. It is the only writer of that run's
// record in the store.
type runner struct {
	s      *Scheduler
	g      *Graph
	runID  string
	params map[string]string
	ctx    context.Context
	log    *logrus.Entry

	// aborted is set when a checkpoint saw the abort. A cancellation that
	// lands after the last unit finished leaves the run's outcome alone.
	aborted bool
}

type stageOutcome struct {
	status state.StageStatus
	err    *state.ErrorInfo
}

func (r *runner) run() {
	started := time.Now()
	if err := r.s.store.SetRunStatus(r.runID, state.RunRunning, nil, started); err != nil {
		r.log.WithError(err).Error("start run")
		return
	}
	if o := r.s.opts.Observer; o != nil {
		o.RunStarted(r.g.Name)
	}
	r.log.Info("run started")

	var halt *state.ErrorInfo
	next := 0
	for next < len(r.g.Units) {
		if r.ctx.Err() != nil {
			r.aborted = true
			break
		}
		unit := r.g.Units[next]
		outcomes := r.runUnit(unit)
		next++
		if halt = r.unitFailure(unit, outcomes); halt != nil {
			r.aborted = halt.Kind == state.KindAborted
			break
		}
	}
	r.s.settle(r.runID)

	status, outcome := state.RunSucceeded, state.PostSuccess
	switch {
	case r.aborted:
		status, outcome = state.RunAborted, state.PostAborted
		if halt == nil {
			halt = &state.ErrorInfo{Kind: state.KindAborted, Message: "run aborted"}
		}
	case halt != nil:
		status, outcome = state.RunFailed, state.PostFailure
	}

	for _, unit := range r.g.Units[next:] {
		for _, sp := range unit.Stages {
			r.skipPending(unit, sp, status, outcome)
		}
	}

	r.pipelinePost(outcome)

	if err := r.s.store.SetRunStatus(r.runID, status, halt, time.Now()); err != nil {
		r.log.WithError(err).Error("finish run")
	}
	if o := r.s.opts.Observer; o != nil {
		o.RunFinished(r.g.Name, status, time.Since(started))
	}
	entry := r.log.WithField("status", status)
	if halt != nil {
		entry = entry.WithField("reason", halt.Kind)
	}
	entry.Info("run finished")
}

// unitFailure returns the error that halts the run after a unit, or nil
// when the next unit may start.
func (r *runner) unitFailure(unit Unit, outcomes []stageOutcome) *state.ErrorInfo {
	var halt *state.ErrorInfo
	for i, o := range outcomes {
		if !o.status.Failed() {
			continue
		}
		sp := unit.Stages[i]
		if o.err != nil && o.err.Kind == state.KindAborted {
			return o.err
		}
		if sp.ContinueOnFailure {
			r.log.WithField("stage", sp.Name).Warn("stage failed, continuing")
			continue
		}
		if halt == nil {
			halt = o.err
		}
	}
	return halt
}

// runUnit runs a unit's stages and returns once all of them have finished.
// Parallel members are never preempted when a sibling fails.
func (r *runner) runUnit(u Unit) []stageOutcome {
	outcomes := make([]stageOutcome, len(u.Stages))
	if !u.Parallel {
		outcomes[0] = r.runStage(u, u.Stages[0])
		return outcomes
	}
	var g errgroup.Group
	for i, sp := range u.Stages {
		i, sp := i, sp
		g.Go(func() error {
			outcomes[i] = r.runStage(u, sp)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (r *runner) update(res state.StageResult) {
	if err := r.s.store.UpdateStage(r.runID, res); err != nil {
		r.log.WithError(err).WithField("stage", res.Name).Error("record stage")
	}
}

func (r *runner) runStage(u Unit, sp *StagePlan) stageOutcome {
	log := r.log.WithField("stage", sp.Name)
	res := state.StageResult{Name: sp.Name, Unit: u.Index, Parallel: u.Parallel}

	if reason := sp.Skip(r.params); reason != "" {
		res.Status = state.StageSkipped
		res.SkipReason = reason
		r.update(res)
		log.Infof("stage skipped: %s", reason)
		return stageOutcome{status: state.StageSkipped}
	}

	res.Status = state.StageRunning
	res.StartedAt = time.Now()
	r.update(res)
	defer func() {
		if o := r.s.opts.Observer; o != nil {
			o.StageFinished(r.g.Name, res.Status, res.Duration())
		}
	}()

	timeout := sp.AcquireTimeout
	if timeout <= 0 {
		timeout = r.s.opts.AcquireTimeout
	}
	lease, err := r.s.pool.Acquire(r.ctx, r.runID, sp.Labels, timeout)
	if err != nil {
		info := acquireFailure(sp.Name, err)
		log.WithError(err).Warn("no agent for stage")
		res.Status = state.StageFailed
		res.ExitCode = -1
		res.Error = info
		r.skipPost(sp.Name, sp.Post, postOutcome(info), "no agent was acquired")
		res.EndedAt = time.Now()
		r.update(res)
		return stageOutcome{status: res.Status, err: info}
	}
	defer func() {
		if err := r.s.pool.Release(lease); err != nil {
			log.WithError(err).Error("release agent")
		}
	}()
	res.Agent = lease.Agent.ID
	r.update(res)
	log = log.WithField("agent", lease.Agent.ID)
	log.Info("stage started")

	out := r.stageOutput(sp.Name)
	defer out.Close()

	var info *state.ErrorInfo
	for _, step := range sp.Steps {
		if r.ctx.Err() != nil {
			info = &state.ErrorInfo{Kind: state.KindAborted, Stage: sp.Name, Message: "run aborted"}
			break
		}
		res.Steps = append(res.Steps, state.StepRecord{Name: step.Name, Status: state.StepRunning, StartedAt: time.Now()})
		r.update(res)

		rec, stepErr := r.runStep(r.ctx, lease, sp.Name, step, out)
		res.Steps[len(res.Steps)-1] = rec
		res.ExitCode = rec.ExitCode
		r.update(res)
		if stepErr != nil {
			info = stepErr
			break
		}
	}

	switch {
	case info == nil:
		res.Status = state.StageSucceeded
	case info.Kind == state.KindStepTimedOut:
		res.Status = state.StageTimedOut
	default:
		res.Status = state.StageFailed
	}
	res.Error = info

	if info != nil && info.Kind == state.KindAgentLost {
		r.skipPost(sp.Name, sp.Post, state.PostFailure, "agent lost")
	} else {
		r.runPost(sp.Name, sp.Post, postOutcome(info), lease, out)
	}

	if hash, err := utils.HashFile(r.s.store.Logs().Path(r.runID, sp.Name)); err == nil {
		res.OutputHash = hash
	}
	res.EndedAt = time.Now()
	r.update(res)
	log.WithField("status", res.Status).Info("stage finished")
	return stageOutcome{status: res.Status, err: info}
}

// stageOutput never fails: a stage whose log cannot be opened still runs,
// its output is dropped.
func (r *runner) stageOutput(stage string) io.WriteCloser {
	w, err := r.s.store.OutputWriter(r.runID, stage)
	if err != nil {
		r.log.WithError(err).WithField("stage", stage).Error("open stage log, output will be discarded")
		return nopCloser{io.Discard}
	}
	return w
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// runStep executes one step, retrying as configured. Aborts and agent loss
// are never retried.
func (r *runner) runStep(ctx context.Context, lease *pool.Lease, stage string, step StepPlan, out io.Writer) (state.StepRecord, *state.ErrorInfo) {
	log := r.log.WithFields(logrus.Fields{"stage": stage, "step": step.Name})
	rec := state.StepRecord{Name: step.Name, StartedAt: time.Now()}
	cmd := step.Command(r.params)
	cmd.Dir = r.runID

	for attempt := 1; ; attempt++ {
		rec.Attempts = attempt
		if attempt == 1 {
			fmt.Fprintf(out, "==> %s\n", step.Name)
		} else {
			fmt.Fprintf(out, "==> %s (attempt %d of %d)\n", step.Name, attempt, step.Attempts)
		}

		result, err := r.s.exec.Run(ctx, cmd, lease, out)
		rec.ExitCode = result.ExitCode
		rec.EndedAt = result.EndedAt
		rec.Status = stepStatus(result, err)
		if o := r.s.opts.Observer; o != nil {
			o.StepFinished(step.Kind, rec.Status, result.Duration())
		}

		info := classify(stage, step.Name, result, err, cmd.Timeout)
		if info == nil {
			rec.Error = ""
			return rec, nil
		}
		rec.Error = info.Message
		if !retryable(info.Kind) || attempt >= step.Attempts || ctx.Err() != nil {
			log.WithField("kind", info.Kind).Warn(info.Message)
			return rec, info
		}
		log.Warnf("attempt %d of %d failed: %s", attempt, step.Attempts, info.Message)
	}
}

func retryable(kind state.ErrorKind) bool {
	return kind == state.KindStepFailed || kind == state.KindStepTimedOut || kind == state.KindLaunchError
}

func stepStatus(result executor.Result, err error) state.StepStatus {
	if err != nil {
		return state.StepFailed
	}
	return state.StepStatus(result.Status)
}

// classify maps an executor outcome to the error recorded in the snapshot.
// Raw process errors are reduced to a message.
func classify(stage, step string, result executor.Result, err error, timeout time.Duration) *state.ErrorInfo {
	info := &state.ErrorInfo{Stage: stage, Step: step}
	var launch *executor.LaunchError
	switch {
	case errors.As(err, &launch):
		info.Kind = state.KindLaunchError
		info.Message = launch.Err.Error()
	case errors.Is(err, pool.ErrAgentLost):
		info.Kind = state.KindAgentLost
		info.Message = err.Error()
	case err != nil:
		info.Kind = state.KindLaunchError
		info.Message = err.Error()
	case result.Status == executor.StatusSucceeded:
		return nil
	case result.Status == executor.StatusTimedOut:
		info.Kind = state.KindStepTimedOut
		if timeout > 0 {
			info.Message = fmt.Sprintf("step timed out after %s", timeout)
		} else {
			info.Message = "step timed out"
		}
	case result.Status == executor.StatusAborted:
		info.Kind = state.KindAborted
		info.Message = "step aborted"
	default:
		info.Kind = state.KindStepFailed
		info.Message = fmt.Sprintf("exit code %d", result.ExitCode)
	}
	return info
}

func acquireFailure(stage string, err error) *state.ErrorInfo {
	if errors.Is(err, pool.ErrAcquireTimeout) {
		return &state.ErrorInfo{Kind: state.KindAcquireTimeout, Stage: stage, Message: err.Error()}
	}
	return &state.ErrorInfo{Kind: state.KindAborted, Stage: stage, Message: "run aborted while waiting for an agent"}
}

func postOutcome(info *state.ErrorInfo) state.PostCondition {
	switch {
	case info == nil:
		return state.PostSuccess
	case info.Kind == state.KindAborted:
		return state.PostAborted
	}
	return state.PostFailure
}

// postContext outlives an abort so cleanup hooks still run, bounded by the
// post timeout.
func (r *runner) postContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.ctx), r.s.opts.PostTimeout)
}

// runPost runs the hooks selected by outcome on lease. Failures are
// recorded but never change stage or run status.
func (r *runner) runPost(scope string, plan PostPlan, outcome state.PostCondition, lease *pool.Lease, out io.Writer) {
	conds := plan.Conditions(outcome)
	if len(conds) == 0 {
		return
	}
	ctx, cancel := r.postContext()
	defer cancel()

	for _, cond := range conds {
		result := state.PostActionResult{Scope: scope, Condition: cond, Status: state.PostSucceeded}
		for _, step := range plan[cond] {
			rec, info := r.runStep(ctx, lease, scope, step, out)
			result.Steps = append(result.Steps, rec)
			if info != nil {
				result.Status = state.PostFailed
				result.Error = info.Message
				break
			}
		}
		result.At = time.Now()
		r.addPost(result)
	}
}

func (r *runner) skipPost(scope string, plan PostPlan, outcome state.PostCondition, reason string) {
	for _, cond := range plan.Conditions(outcome) {
		r.addPost(state.PostActionResult{
			Scope:     scope,
			Condition: cond,
			Status:    state.PostSkipped,
			At:        time.Now(),
			Error:     reason,
		})
	}
}

func (r *runner) addPost(p state.PostActionResult) {
	entry := r.log.WithFields(logrus.Fields{"scope": p.Scope, "condition": p.Condition, "status": p.Status})
	if p.Status == state.PostFailed {
		entry.Warnf("post-action failed: %s", p.Error)
	} else {
		entry.Debug("post-action recorded")
	}
	if err := r.s.store.AddPostAction(r.runID, p); err != nil {
		r.log.WithError(err).Error("record post-action")
	}
}

// skipPending records a stage the run never reached, with a skipped pass
// over its post hooks.
func (r *runner) skipPending(u Unit, sp *StagePlan, status state.RunStatus, outcome state.PostCondition) {
	reason := "run failed"
	if status == state.RunAborted {
		reason = "run aborted"
	}
	r.update(state.StageResult{
		Name:       sp.Name,
		Unit:       u.Index,
		Parallel:   u.Parallel,
		Status:     state.StageSkipped,
		SkipReason: reason,
	})
	r.skipPost(sp.Name, sp.Post, outcome, reason)
}

// pipelinePost runs pipeline level hooks on an agent matching the pipeline
// default requirement. They run before the terminal status is recorded.
func (r *runner) pipelinePost(outcome state.PostCondition) {
	if len(r.g.Post.Conditions(outcome)) == 0 {
		return
	}
	ctx, cancel := r.postContext()
	defer cancel()

	lease, err := r.s.pool.Acquire(ctx, r.runID, r.g.Labels, r.s.opts.PostTimeout)
	if err != nil {
		r.log.WithError(err).Warn("no agent for pipeline post-actions")
		r.skipPost("", r.g.Post, outcome, "no agent was acquired")
		return
	}
	defer func() {
		if err := r.s.pool.Release(lease); err != nil {
			r.log.WithError(err).Error("release agent")
		}
	}()

	out := io.WriteCloser(nopCloser{io.Discard})
	if f, err := r.s.store.Logs().OpenPipelinePost(r.runID); err == nil {
		out = f
	} else {
		r.log.WithError(err).Warn("open pipeline post log")
	}
	defer out.Close()

	r.runPost("", r.g.Post, outcome, lease, out)
}

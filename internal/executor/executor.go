package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"stagerun/internal/pool"
)

// Status is the outcome class of one step execution.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusTimedOut  Status = "TimedOut"
	StatusAborted   Status = "Aborted"
)

// Result of one step. A non-zero exit is a normal Failed result, not an
// executor error.
type Result struct {
	Status    Status
	ExitCode  int
	StartedAt time.Time
	EndedAt   time.Time
}

func (r Result) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// LaunchError means the step never started: missing binary or tool,
// unresolvable credential, unreachable agent.
type LaunchError struct {
	Step string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch step %q: %v", e.Step, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Process is a started step.
type Process interface {
	// Wait blocks until the process ends and returns its exit code. A
	// process ended by a signal reports -1.
	Wait() (int, error)
	Terminate() error
	Kill() error
}

// Launcher starts processes on one kind of agent.
type Launcher interface {
	Start(ctx context.Context, req Request, out io.Writer) (Process, error)
}

// Options configures an Executor.
type Options struct {
	Shell            string
	ContainerRuntime string
	DefaultTimeout   time.Duration
	KillGrace        time.Duration
	Credentials      CredentialProvider
	// Local runs steps for agents without an address.
	Local Launcher
	// Remote builds the launcher for a remote agent address.
	Remote func(address string) Launcher
}

// Executor runs single steps against leased agents.
type Executor struct {
	opts Options
}

// New returns an executor with defaults filled in.
func New(opts Options) *Executor {
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.ContainerRuntime == "" {
		opts.ContainerRuntime = "docker"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Hour
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	if opts.Local == nil {
		opts.Local = &LocalLauncher{KillGrace: opts.KillGrace}
	}
	if opts.Remote == nil {
		opts.Remote = func(address string) Launcher {
			return &RemoteLauncher{Address: address}
		}
	}
	return &Executor{opts: opts}
}

type waitResult struct {
	code int
	err  error
}

// Run executes cmd on the agent held by lease, streaming combined output to
// out as it is produced. Cancelling ctx terminates the step and yields an
// Aborted result. Eviction of the agent, or a remote stream that drops
// before the exit frame, yields a *pool.AgentLostError.
func (e *Executor) Run(ctx context.Context, cmd Command, lease *pool.Lease, out io.Writer) (Result, error) {
	log := logrus.WithFields(logrus.Fields{"step": cmd.Name, "agent": lease.Agent.ID})
	result := Result{StartedAt: time.Now(), ExitCode: -1}

	finish := func(status Status) Result {
		result.Status = status
		result.EndedAt = time.Now()
		return result
	}

	req, err := e.request(ctx, cmd)
	if err != nil {
		return finish(StatusFailed), &LaunchError{Step: cmd.Name, Err: err}
	}

	launcher := e.opts.Local
	if lease.Agent.Address != "" {
		launcher = e.opts.Remote(lease.Agent.Address)
	}
	proc, err := launcher.Start(ctx, req, out)
	if err != nil {
		return finish(StatusFailed), &LaunchError{Step: cmd.Name, Err: err}
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	done := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		done <- waitResult{code: code, err: err}
	}()

	select {
	case w := <-done:
		if w.err != nil {
			if lease.Agent.Address != "" {
				log.Warnf("agent connection lost: %v", w.err)
				return finish(StatusFailed), &pool.AgentLostError{AgentID: lease.Agent.ID, Reason: pool.LostConnection, Err: w.err}
			}
			log.Warnf("wait for step: %v", w.err)
			return finish(StatusFailed), nil
		}
		result.ExitCode = w.code
		if w.code == 0 {
			return finish(StatusSucceeded), nil
		}
		return finish(StatusFailed), nil
	case <-timer.C:
		log.Warnf("step timed out after %s", timeout)
		e.terminate(proc, done)
		return finish(StatusTimedOut), nil
	case <-ctx.Done():
		log.Info("step aborted")
		e.terminate(proc, done)
		return finish(StatusAborted), nil
	case <-lease.Lost():
		log.Warn("agent lost during step")
		e.terminate(proc, done)
		return finish(StatusFailed), &pool.AgentLostError{AgentID: lease.Agent.ID, Reason: pool.LostEvicted}
	}
}

// terminate sends a termination signal, escalating to kill after the grace
// period.
func (e *Executor) terminate(proc Process, done <-chan waitResult) {
	if err := proc.Terminate(); err != nil {
		logrus.Debugf("terminate step: %v", err)
	}
	grace := time.NewTimer(e.opts.KillGrace)
	defer grace.Stop()
	select {
	case <-done:
		return
	case <-grace.C:
	}
	if err := proc.Kill(); err != nil {
		logrus.Debugf("kill step: %v", err)
	}
	final := time.NewTimer(e.opts.KillGrace)
	defer final.Stop()
	select {
	case <-done:
	case <-final.C:
		logrus.Warn("step process did not exit after kill")
	}
}

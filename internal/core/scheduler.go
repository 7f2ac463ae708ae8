package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stagerun/internal/executor"
	"stagerun/internal/pool"
	"stagerun/internal/state"
	"stagerun/internal/storage"
)

var (
	ErrShuttingDown = errors.New("scheduler is shutting down")
	ErrRunFinished  = errors.New("run already finished")
)

// Observer receives run outcomes. The metrics package implements it.
type Observer interface {
	RunStarted(pipeline string)
	RunFinished(pipeline string, status state.RunStatus, d time.Duration)
	StageFinished(pipeline string, status state.StageStatus, d time.Duration)
	StepFinished(kind executor.Kind, status state.StepStatus, d time.Duration)
}

// Options tunes a Scheduler. Zero values get defaults.
type Options struct {
	// MaxConcurrentRuns bounds runs driven at once; 0 means unbounded.
	// Runs over the limit stay Pending.
	MaxConcurrentRuns int
	// AcquireTimeout applies to stages without their own.
	AcquireTimeout time.Duration
	// PostTimeout bounds post-actions, which keep running after an abort.
	PostTimeout time.Duration
	Observer    Observer
	// OnFinish is called with the run ID once a run is terminal.
	OnFinish func(runID string)
}

// Scheduler drives runs of compiled graphs over the agent pool.
type Scheduler struct {
	catalog *Catalog
	pool    *pool.Pool
	exec    *executor.Executor
	store   *storage.Store
	opts    Options
	slots   chan struct{}

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool
	wg     sync.WaitGroup
}

// activeRun is a run whose driver has not returned. Once settled its
// outcome is fixed and it no longer accepts aborts.
type activeRun struct {
	cancel  context.CancelFunc
	settled bool
}

// NewScheduler wires the scheduler to its collaborators.
func NewScheduler(catalog *Catalog, p *pool.Pool, exec *executor.Executor, store *storage.Store, opts Options) *Scheduler {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 10 * time.Minute
	}
	if opts.PostTimeout <= 0 {
		opts.PostTimeout = 5 * time.Minute
	}
	s := &Scheduler{
		catalog: catalog,
		pool:    p,
		exec:    exec,
		store:   store,
		opts:    opts,
		active:  make(map[string]*activeRun),
	}
	if opts.MaxConcurrentRuns > 0 {
		s.slots = make(chan struct{}, opts.MaxConcurrentRuns)
	}
	return s
}

// Catalog returns the catalog triggers are resolved against.
func (s *Scheduler) Catalog() *Catalog {
	return s.catalog
}

// Trigger starts a run of a registered pipeline and returns its RunID.
func (s *Scheduler) Trigger(ctx context.Context, pipeline string, params map[string]string) (string, error) {
	g, err := s.catalog.Get(pipeline)
	if err != nil {
		return "", err
	}
	return s.TriggerGraph(ctx, g, params)
}

// TriggerGraph starts a run of g. The run outlives ctx; ctx only guards the
// trigger itself.
func (s *Scheduler) TriggerGraph(ctx context.Context, g *Graph, params map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	resolved, err := g.ResolveParameters(params)
	if err != nil {
		return "", err
	}

	run := state.Run{
		ID:         uuid.NewString(),
		Pipeline:   g.Name,
		Parameters: resolved,
		Status:     state.RunPending,
		CreatedAt:  time.Now(),
	}
	for _, u := range g.Units {
		for _, sp := range u.Stages {
			run.Stages = append(run.Stages, state.StageResult{
				Name:     sp.Name,
				Unit:     u.Index,
				Parallel: u.Parallel,
				Status:   state.StagePending,
			})
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrShuttingDown
	}
	if err := s.store.CreateRun(run); err != nil {
		return "", err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.active[run.ID] = &activeRun{cancel: cancel}
	s.wg.Add(1)
	go s.drive(runCtx, g, run.ID, resolved)

	logrus.WithFields(logrus.Fields{"run": run.ID, "pipeline": g.Name}).Info("run triggered")
	return run.ID, nil
}

func (s *Scheduler) drive(ctx context.Context, g *Graph, runID string, params map[string]string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if a, ok := s.active[runID]; ok {
			a.cancel()
			delete(s.active, runID)
		}
		s.mu.Unlock()
		if s.opts.OnFinish != nil {
			s.opts.OnFinish(runID)
		}
	}()
	log := logrus.WithFields(logrus.Fields{"run": runID, "pipeline": g.Name})

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-ctx.Done():
			info := &state.ErrorInfo{Kind: state.KindAborted, Message: "aborted before start"}
			if err := s.store.SetRunStatus(runID, state.RunAborted, info, time.Now()); err != nil {
				log.WithError(err).Error("record abort")
			}
			log.Info("run aborted while pending")
			return
		}
	}

	r := &runner{s: s, g: g, runID: runID, params: params, ctx: ctx, log: log}
	r.run()
}

// Abort requests cancellation of a run. Pending runs go straight to
// Aborted; running steps get a termination signal and the run stops at the
// next checkpoint. Abort does not wait; use Wait.
//
// Once the last unit has been walked the outcome is fixed: Abort returns
// ErrRunFinished even while pipeline post-actions are still running.
func (s *Scheduler) Abort(runID string) error {
	s.mu.Lock()
	a, ok := s.active[runID]
	if ok && !a.settled {
		a.cancel()
	}
	s.mu.Unlock()
	if !ok || a.settled {
		if _, err := s.store.Snapshot(runID); err != nil {
			return err
		}
		return errors.Wrap(ErrRunFinished, runID)
	}
	logrus.WithField("run", runID).Info("abort requested")
	return nil
}

// settle marks the run as past its last checkpoint.
func (s *Scheduler) settle(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.active[runID]; ok {
		a.settled = true
	}
}

// Wait blocks until the run is terminal and returns its final snapshot.
func (s *Scheduler) Wait(ctx context.Context, runID string) (state.Run, error) {
	for {
		changed, err := s.store.Watch(runID)
		if err != nil {
			return state.Run{}, err
		}
		snap, err := s.store.Snapshot(runID)
		if err != nil {
			return state.Run{}, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Active returns the IDs of runs not yet terminal.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for id := range s.active {
		out = append(out, id)
	}
	return out
}

// Shutdown refuses new triggers, aborts active runs and waits for their
// drivers, including post-actions, until ctx ends.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, a := range s.active {
		if a.settled {
			continue
		}
		logrus.WithField("run", id).Info("aborting run for shutdown")
		a.cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

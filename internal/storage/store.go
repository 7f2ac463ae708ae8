package storage

import (
	"encoding/json"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stagerun/internal/state"
)

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunExists     = errors.New("run already exists")
	ErrTerminal      = errors.New("run is in a terminal state")
	ErrStageNotFound = errors.New("stage not found")
	ErrBadTransition = errors.New("invalid run status transition")
)

type entry struct {
	run   state.Run
	watch chan struct{}
}

func (e *entry) notify() {
	close(e.watch)
	e.watch = make(chan struct{})
}

// Store is the run state store. Writers are the scheduler's run drivers;
// readers get deep copies taken under the read lock, so a snapshot may be
// stale but is never torn.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	order   []string
	logs    *LogStorage
	journal *Journal
}

// NewStore creates a store writing stage logs below logDir. journal may be
// nil.
func NewStore(logDir string, journal *Journal) *Store {
	return &Store{
		runs:    make(map[string]*entry),
		logs:    NewLogStorage(logDir),
		journal: journal,
	}
}

// Logs exposes the log storage.
func (s *Store) Logs() *LogStorage {
	return s.logs
}

// Journal returns the journal or nil.
func (s *Store) Journal() *Journal {
	return s.journal
}

func (s *Store) record(runID string, kind RecordKind, stage string, payload any, at time.Time) error {
	if s.journal == nil {
		return nil
	}
	_, err := s.journal.Append(runID, kind, stage, payload, at)
	return err
}

// CreateRun stores a new run. The run must not be terminal.
func (s *Store) CreateRun(r state.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return errors.Wrap(ErrRunExists, r.ID)
	}
	if r.Status == "" {
		r.Status = state.RunPending
	}
	r.SchemaVersion = state.SchemaVersion
	snapshot := r.Clone()
	if err := s.record(r.ID, RecordRunCreated, "", snapshot, r.CreatedAt); err != nil {
		return err
	}
	s.runs[r.ID] = &entry{run: snapshot, watch: make(chan struct{})}
	s.order = append(s.order, r.ID)
	return nil
}

type statusPayload struct {
	Status state.RunStatus  `json:"status"`
	Error  *state.ErrorInfo `json:"error,omitempty"`
	At     time.Time        `json:"at"`
}

// SetRunStatus moves a run along Pending -> Running -> terminal. Pending may
// also go straight to Aborted. Nothing leaves a terminal status.
func (s *Store) SetRunStatus(runID string, status state.RunStatus, info *state.ErrorInfo, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.mutableLocked(runID)
	if err != nil {
		return err
	}
	if !validTransition(e.run.Status, status) {
		return errors.Wrapf(ErrBadTransition, "%s -> %s", e.run.Status, status)
	}
	if err := s.record(runID, RecordRunStatus, "", statusPayload{Status: status, Error: info, At: at}, at); err != nil {
		return err
	}
	applyStatus(&e.run, statusPayload{Status: status, Error: info, At: at})
	e.notify()
	return nil
}

func applyStatus(r *state.Run, p statusPayload) {
	r.Status = p.Status
	if p.Status == state.RunRunning {
		r.StartedAt = p.At
	}
	if p.Status.Terminal() {
		r.EndedAt = p.At
	}
	if p.Error != nil {
		e := *p.Error
		r.Error = &e
	}
}

func validTransition(from, to state.RunStatus) bool {
	switch from {
	case state.RunPending:
		return to == state.RunRunning || to == state.RunAborted
	case state.RunRunning:
		return to.Terminal()
	}
	return false
}

// UpdateStage replaces the stored result of one stage. Output accounting
// owned by the store is kept.
func (s *Store) UpdateStage(runID string, sr state.StageResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.mutableLocked(runID)
	if err != nil {
		return err
	}
	idx := stageIndex(&e.run, sr.Name)
	if idx < 0 {
		return errors.Wrap(ErrStageNotFound, sr.Name)
	}
	cur := e.run.Stages[idx]
	if sr.OutputBytes < cur.OutputBytes {
		sr.OutputBytes = cur.OutputBytes
	}
	if sr.Output == "" {
		sr.Output = cur.Output
	}
	if err := s.record(runID, RecordStage, sr.Name, sr, time.Now()); err != nil {
		return err
	}
	e.run.Stages[idx] = stageCopy(sr)
	e.notify()
	return nil
}

// AddPostAction appends a post-action record.
func (s *Store) AddPostAction(runID string, p state.PostActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.mutableLocked(runID)
	if err != nil {
		return err
	}
	if err := s.record(runID, RecordPost, p.Scope, p, p.At); err != nil {
		return err
	}
	p.Steps = append([]state.StepRecord(nil), p.Steps...)
	e.run.Post = append(e.run.Post, p)
	e.notify()
	return nil
}

// OutputWriter returns a writer appending to the stage log. Every write is
// visible to readers as soon as it returns.
func (s *Store) OutputWriter(runID, stage string) (io.WriteCloser, error) {
	s.mu.RLock()
	e, ok := s.runs[runID]
	found := ok && stageIndex(&e.run, stage) >= 0
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, runID)
	}
	if !found {
		return nil, errors.Wrap(ErrStageNotFound, stage)
	}
	f, err := s.logs.Open(runID, stage)
	if err != nil {
		return nil, errors.Wrap(err, "open stage log")
	}
	return &stageWriter{store: s, runID: runID, stage: stage, f: f}, nil
}

type stageWriter struct {
	store *Store
	runID string
	stage string
	f     *os.File
}

func (w *stageWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if n > 0 {
		w.store.addOutput(w.runID, w.stage, w.f.Name(), int64(n))
	}
	return n, err
}

func (w *stageWriter) Close() error {
	return w.f.Close()
}

func (s *Store) addOutput(runID, stage, path string, n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[runID]
	if !ok || e.run.Status.Terminal() {
		return
	}
	if idx := stageIndex(&e.run, stage); idx >= 0 {
		e.run.Stages[idx].OutputBytes += n
		e.run.Stages[idx].Output = path
		e.notify()
	}
}

// ReadLog returns a stage log from offset on.
func (s *Store) ReadLog(runID, stage string, offset int64) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.runs[runID]
	found := ok && stageIndex(&e.run, stage) >= 0
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, runID)
	}
	if !found {
		return nil, errors.Wrap(ErrStageNotFound, stage)
	}
	return s.logs.Read(runID, stage, offset)
}

// Snapshot returns a consistent copy of a run.
func (s *Store) Snapshot(runID string) (state.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok {
		return state.Run{}, errors.Wrap(ErrRunNotFound, runID)
	}
	return e.run.Clone(), nil
}

// Watch returns a channel closed on the next change to the run.
func (s *Store) Watch(runID string) (<-chan struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, runID)
	}
	return e.watch, nil
}

// List returns summaries in creation order.
func (s *Store) List() []state.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]state.Summary, 0, len(s.order))
	for _, id := range s.order {
		r := s.runs[id].run
		out = append(out, state.Summary{
			ID:        r.ID,
			Pipeline:  r.Pipeline,
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			EndedAt:   r.EndedAt,
		})
	}
	return out
}

func (s *Store) mutableLocked(runID string) (*entry, error) {
	e, ok := s.runs[runID]
	if !ok {
		return nil, errors.Wrap(ErrRunNotFound, runID)
	}
	if e.run.Status.Terminal() {
		return nil, errors.Wrap(ErrTerminal, runID)
	}
	return e, nil
}

func stageIndex(r *state.Run, name string) int {
	for i := range r.Stages {
		if r.Stages[i].Name == name {
			return i
		}
	}
	return -1
}

func stageCopy(sr state.StageResult) state.StageResult {
	r := state.Run{Stages: []state.StageResult{sr}}
	return r.Clone().Stages[0]
}

// Restore rebuilds run snapshots from journal records. Runs that never
// reached a terminal status were cut short by a restart; they are closed as
// Aborted with kind Interrupted.
func (s *Store) Restore(records []*Record) error {
	s.mu.Lock()
	for _, rec := range records {
		if err := s.applyLocked(rec); err != nil {
			s.mu.Unlock()
			return errors.Wrapf(err, "replay record %d", rec.Seq)
		}
	}
	var open []string
	for _, id := range s.order {
		if !s.runs[id].run.Status.Terminal() {
			open = append(open, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(open)
	now := time.Now()
	for _, id := range open {
		snap, _ := s.Snapshot(id)
		if snap.Status == state.RunRunning {
			for _, st := range snap.Stages {
				if st.Status == state.StageRunning {
					st.Status = state.StageFailed
					st.EndedAt = now
					st.Error = &state.ErrorInfo{Kind: state.KindInterrupted, Stage: st.Name, Message: "scheduler restarted"}
					if err := s.UpdateStage(id, st); err != nil {
						return err
					}
				}
			}
		}
		info := &state.ErrorInfo{Kind: state.KindInterrupted, Message: "scheduler restarted before the run finished"}
		if err := s.SetRunStatus(id, state.RunAborted, info, now); err != nil {
			return err
		}
		logrus.WithField("run", id).Warn("run interrupted by restart, marked aborted")
	}
	return nil
}

func (s *Store) applyLocked(rec *Record) error {
	if rec.Kind == RecordRunCreated {
		var r state.Run
		if err := json.Unmarshal(rec.Payload, &r); err != nil {
			return err
		}
		if _, ok := s.runs[r.ID]; !ok {
			s.order = append(s.order, r.ID)
		}
		s.runs[r.ID] = &entry{run: r, watch: make(chan struct{})}
		return nil
	}

	e, ok := s.runs[rec.RunID]
	if !ok {
		return errors.Wrap(ErrRunNotFound, rec.RunID)
	}
	switch rec.Kind {
	case RecordRunStatus:
		var p statusPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		applyStatus(&e.run, p)
	case RecordStage:
		var sr state.StageResult
		if err := json.Unmarshal(rec.Payload, &sr); err != nil {
			return err
		}
		if idx := stageIndex(&e.run, sr.Name); idx >= 0 {
			e.run.Stages[idx] = sr
		}
	case RecordPost:
		var p state.PostActionResult
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		e.run.Post = append(e.run.Post, p)
	default:
		return errors.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

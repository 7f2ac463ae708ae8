package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"stagerun/internal/core"
	"stagerun/internal/pool"
	"stagerun/internal/state"
	"stagerun/internal/storage"
	"stagerun/internal/trigger"
)

const (
	contentJSON = "application/json"
	contentCBOR = "application/cbor"

	maxDefinitionBytes = 1 << 20
)

// PipelineInfo describes a registered pipeline.
type PipelineInfo struct {
	Name       string              `json:"name"`
	Units      int                 `json:"units"`
	Stages     []string            `json:"stages"`
	Parameters []core.ParameterDef `json:"parameters,omitempty"`
	Triggers   []core.TriggerDef   `json:"triggers,omitempty"`
}

func pipelineInfo(g *core.Graph) PipelineInfo {
	info := PipelineInfo{Name: g.Name, Units: len(g.Units), Parameters: g.Parameters, Triggers: g.Triggers}
	for _, u := range g.Units {
		for _, sp := range u.Stages {
			info.Stages = append(info.Stages, sp.Name)
		}
	}
	return info
}

// TriggerRequest is the body of POST /pipelines/{name}/runs.
type TriggerRequest struct {
	Parameters map[string]string `json:"parameters,omitempty"`
}

// TriggerResponse carries the new RunID.
type TriggerResponse struct {
	ID string `json:"id"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Issues []string `json:"issues,omitempty"`
}

// Options wires optional parts of the API.
type Options struct {
	// Cron receives the triggers of pipelines added over the API.
	Cron *trigger.Cron
	// Metrics is served at /metrics when set.
	Metrics http.Handler
	// CacheSize bounds the cache of encoded terminal snapshots.
	CacheSize int
}

// Server is the HTTP face of the scheduler: pipeline registration,
// triggers, run observation and agent registration.
type Server struct {
	sched *core.Scheduler
	store *storage.Store
	pool  *pool.Pool
	opts  Options
	cache *lru.Cache
}

func NewServer(sched *core.Scheduler, store *storage.Store, p *pool.Pool, opts Options) (*Server, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Server{sched: sched, store: store, pool: p, opts: opts, cache: cache}, nil
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleAddPipeline)
		r.Get("/", s.handleListPipelines)
		r.Post("/{name}/runs", s.handleTrigger)
	})
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Post("/{id}/abort", s.handleAbort)
		r.Get("/{id}/stages/{stage}/log", s.handleLog)
		r.Get("/{id}/stages/{stage}/log/follow", s.handleFollowLog)
	})
	r.Route("/agents", func(r chi.Router) {
		r.Post("/", s.handleRegisterAgent)
		r.Get("/", s.handleListAgents)
		r.Delete("/{id}", s.handleEvictAgent)
	})
	r.Get("/journal/verify", s.handleVerifyJournal)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logrus.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(start).String(),
			"request": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := ErrorResponse{Error: err.Error()}
	var defErr *core.DefinitionError
	if errors.As(err, &defErr) {
		resp.Issues = defErr.Issues
	}
	writeJSON(w, status, resp)
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	var defErr *core.DefinitionError
	var paramErr *core.ParameterError
	switch {
	case errors.As(err, &defErr), errors.As(err, &paramErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrPipelineNotFound), errors.Is(err, storage.ErrRunNotFound),
		errors.Is(err, storage.ErrStageNotFound), errors.Is(err, pool.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, core.ErrRunFinished), errors.Is(err, pool.ErrAgentExists):
		return http.StatusConflict
	case errors.Is(err, core.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// POST /pipelines -> register a YAML or JSONC definition
func (s *Server) handleAddPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "read body"))
		return
	}
	p, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	g, err := core.Compile(p)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if s.opts.Cron != nil {
		if err := s.opts.Cron.Set(g); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
	}
	s.sched.Catalog().Register(g)
	logrus.WithField("pipeline", g.Name).Info("pipeline registered")
	writeJSON(w, http.StatusCreated, pipelineInfo(g))
}

// GET /pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	graphs := s.sched.Catalog().List()
	out := make([]PipelineInfo, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, pipelineInfo(g))
	}
	writeJSON(w, http.StatusOK, out)
}

// POST /pipelines/{name}/runs
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode trigger request"))
			return
		}
	}
	id, err := s.sched.Trigger(r.Context(), chi.URLParam(r, "name"), req.Parameters)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Location", "/runs/"+id)
	writeJSON(w, http.StatusCreated, TriggerResponse{ID: id})
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

func wantsCBOR(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), contentCBOR)
}

// GET /runs/{id} -> snapshot as JSON, or CBOR on request. Terminal
// snapshots never change, so their encodings are cached.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	contentType := contentJSON
	if wantsCBOR(r) {
		contentType = contentCBOR
	}
	key := id + "|" + contentType
	if cached, ok := s.cache.Get(key); ok {
		w.Header().Set("Content-Type", contentType)
		w.Write(cached.([]byte))
		return
	}

	snap, err := s.store.Snapshot(id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	var body []byte
	if contentType == contentCBOR {
		body, err = cbor.Marshal(snap)
	} else {
		body, err = json.Marshal(snap)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snap.Status.Terminal() {
		s.cache.Add(key, body)
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(body)
}

// POST /runs/{id}/abort
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.Abort(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "aborting"})
}

// GET /runs/{id}/stages/{stage}/log?offset=N
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.Errorf("bad offset %q", v))
			return
		}
		offset = n
	}
	data, err := s.store.ReadLog(chi.URLParam(r, "id"), chi.URLParam(r, "stage"), offset)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Next-Offset", strconv.FormatInt(offset+int64(len(data)), 10))
	w.Write(data)
}

// POST /agents
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var agent pool.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode agent"))
		return
	}
	if err := s.pool.Register(agent); err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// GET /agents
func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pool.Agents())
}

// DELETE /agents/{id}
func (s *Server) handleEvictAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Evict(chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /journal/verify
func (s *Server) handleVerifyJournal(w http.ResponseWriter, _ *http.Request) {
	j := s.store.Journal()
	if j == nil {
		writeError(w, http.StatusNotFound, errors.New("journal is disabled"))
		return
	}
	if err := j.Verify(); err != nil {
		writeError(w, http.StatusConflict, errors.Wrap(err, "journal verification failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "journal": j.Path()})
}

// runDone is true once nothing more will be written to a stage log.
func runDone(snap state.Run, stage string) bool {
	if snap.Status.Terminal() {
		return true
	}
	st, ok := snap.Stage(stage)
	return !ok || st.Status.Done()
}

package executor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

// NewAgentHandler serves the remote agent protocol on top of a local
// launcher: POST /run streams a step, GET /healthz answers liveness.
func NewAgentHandler(id string, launcher *LocalLauncher) http.Handler {
	h := &agentHandler{id: id, launcher: launcher}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Post("/run", h.run)
	return r
}

type agentHandler struct {
	id       string
	launcher *LocalLauncher
}

func (h *agentHandler) run(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	log := logrus.WithFields(logrus.Fields{"agent": h.id, "argv0": firstArg(req.Argv)})

	fw := &frameWriter{w: w, enc: json.NewEncoder(w)}
	fw.flusher, _ = w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")

	proc, err := h.launcher.Start(r.Context(), req, fw)
	if err != nil {
		log.Warnf("launch failed: %v", err)
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(Frame{Error: err.Error()})
		return
	}
	log.Info("step started")
	fw.start()

	done := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait()
		done <- waitResult{code: code, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			fw.frame(Frame{Error: res.err.Error()})
			return
		}
		code := res.code
		log.Infof("step exited with %d", code)
		fw.frame(Frame{Exit: &code})
	case <-r.Context().Done():
		log.Info("caller went away, terminating step")
		proc.Terminate()
		select {
		case <-done:
		case <-time.After(h.launcher.grace()):
			proc.Kill()
			<-done
		}
	}
}

func firstArg(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return argv[0]
}

// frameWriter wraps process output into Out frames. Writes come from the
// exec copy goroutine and the final frame from the handler, so it locks.
type frameWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	flusher http.Flusher
	started bool
}

func (f *frameWriter) start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		f.w.WriteHeader(http.StatusOK)
		f.started = true
	}
	f.flushLocked()
}

func (f *frameWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		f.w.WriteHeader(http.StatusOK)
		f.started = true
	}
	if err := f.enc.Encode(Frame{Out: string(p)}); err != nil {
		return 0, err
	}
	f.flushLocked()
	return len(p), nil
}

func (f *frameWriter) frame(fr Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enc.Encode(fr)
	f.flushLocked()
}

func (f *frameWriter) flushLocked() {
	if f.flusher != nil {
		f.flusher.Flush()
	}
}

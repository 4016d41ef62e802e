package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"jobrunner/internal/engine"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// Handler builds the route table. Exposed for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.handlerFor(cfg)
}

// handlerFor builds the route table for cfg without touching s.mu, so
// callers already holding the lock can use it.
func (s *Service) handlerFor(cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	// Liveness stays unauthenticated so process supervisors can poll it.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /jobs", wrap(s.handleJobs))
	mux.HandleFunc("GET /runs", wrap(s.handleRuns))
	mux.HandleFunc("GET /status", wrap(s.handleStatus))
	mux.HandleFunc("POST /jobs/{name}/run", wrap(s.handleTrigger))

	if cfg.Pprof {
		mux.HandleFunc("GET /debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("GET /debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("GET /debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("GET /debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("GET /debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

type jobDTO struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
	Next     string `json:"next,omitempty"`
	Prev     string `json:"prev,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

func (s *Service) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.sched.Jobs()
	out := make([]jobDTO, 0, len(jobs))
	for _, j := range jobs {
		d := jobDTO{Name: j.Name, Schedule: j.Schedule, Disabled: j.Disabled}
		if j.Timeout > 0 {
			d.Timeout = j.Timeout.String()
		}
		if !j.Next.IsZero() {
			d.Next = j.Next.Format(time.RFC3339)
		}
		if !j.Prev.IsZero() {
			d.Prev = j.Prev.Format(time.RFC3339)
		}
		out = append(out, d)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	if s.store != nil {
		recs, err := s.store.ListRuns(r.Context(), limit)
		if err != nil {
			s.log.Warn("runs query failed", logx.Err(err))
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if recs == nil {
			recs = []storage.RunRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
		return
	}

	// No storage configured: serve the in-memory ring, newest first.
	hist := s.eng.Snapshot().History
	out := make([]storage.RunRecord, 0, limit)
	for i := len(hist) - 1; i >= 0 && len(out) < limit; i-- {
		h := hist[i]
		out = append(out, storage.RunRecord{
			ID:         h.RunID,
			Job:        h.Job,
			Trigger:    string(h.Trigger),
			Started:    h.Started,
			QueueMS:    h.QueueDelay.Milliseconds(),
			TookMS:     h.Duration.Milliseconds(),
			Step:       string(h.Step),
			ExitCode:   h.ExitCode,
			Error:      h.Error,
			OutputTail: h.OutputTail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.eng.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"engine_enabled": snap.Enabled,
		"workers":        snap.Workers,
		"queue_len":      snap.QueueLen,
		"queue_cap":      snap.QueueCap,
		"dropped":        snap.Dropped,
		"skipped":        snap.Skipped,
		"jobs":           len(s.sched.Jobs()),
	})
}

func (s *Service) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	lim := s.triggers
	s.mu.Unlock()
	if !lim.Allow() {
		http.Error(w, "too many trigger requests", http.StatusTooManyRequests)
		return
	}

	name := r.PathValue("name")
	err := s.sched.TriggerNow(name)
	switch {
	case err == nil:
		s.log.Info("manual trigger accepted", logx.String("job", name))
		writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "queued"})
	case errors.Is(err, scheduler.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, engine.ErrOverlapSkip):
		writeJSON(w, http.StatusConflict, map[string]string{"job": name, "status": "skipped_overlap"})
	case errors.Is(err, engine.ErrQueueFull):
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	case errors.Is(err, engine.ErrDisabled), errors.Is(err, engine.ErrStopped):
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
	default:
		s.log.Warn("manual trigger failed", logx.String("job", name), logx.Err(err))
		http.Error(w, "trigger failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

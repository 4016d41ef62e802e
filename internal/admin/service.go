// Package admin exposes a small local HTTP API for operating the runner:
// health, job listing, run history, and manual triggers.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"jobrunner/internal/engine"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

// Config controls the admin HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	// TriggerPerMin rate-limits POST /jobs/{name}/run. 0 means default (6).
	TriggerPerMin int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8321"
	}
	if c.TriggerPerMin <= 0 {
		c.TriggerPerMin = 6
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	return c
}

// Scheduler is the slice of the scheduler the admin API needs.
type Scheduler interface {
	Jobs() []scheduler.JobInfo
	TriggerNow(name string) error
}

// Engine provides queue diagnostics and the in-memory history fallback.
type Engine interface {
	Snapshot() engine.Snapshot
}

type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	sched Scheduler
	eng   Engine
	store storage.Store // nil when storage is disabled

	triggers *rate.Limiter

	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(cfg Config, sched Scheduler, eng Engine, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		log:      log.With(logx.String("comp", "admin")),
		cfg:      cfg,
		sched:    sched,
		eng:      eng,
		store:    store,
		triggers: rate.NewLimiter(rate.Limit(float64(cfg.TriggerPerMin)/60.0), cfg.TriggerPerMin),
	}
}

// Start binds the listener and serves in the background.
// Disabled or insecurely-bound configs are a no-op.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return
	}

	addr := s.cfg.Addr
	if !s.cfg.AllowInsecure && s.cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Error("admin refused to start: non-loopback addr requires token or allow_insecure",
			logx.String("addr", addr))
		return
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      s.handlerFor(s.cfg),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("admin server error", logx.Err(err))
		}
	}()
	s.log.Info("admin api started",
		logx.String("addr", s.addr),
		logx.Bool("token_set", s.cfg.Token != ""))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return
	}

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("admin shutdown error", logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("admin api stopped", logx.String("addr", addr))
}

// Apply starts/stops/restarts the server to match cfg.
// Safe to call during hot-reload.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.triggers = rate.NewLimiter(rate.Limit(float64(cfg.TriggerPerMin)/60.0), cfg.TriggerPerMin)
	s.mu.Unlock()

	if !cfg.Enabled {
		if running {
			s.Stop(ctx)
		}
		return
	}
	if !running {
		s.Start(ctx)
		return
	}
	if prev.Addr != cfg.Addr || prev.Token != cfg.Token || prev.Pprof != cfg.Pprof ||
		prev.AllowInsecure != cfg.AllowInsecure ||
		prev.ReadTimeout != cfg.ReadTimeout || prev.WriteTimeout != cfg.WriteTimeout ||
		prev.IdleTimeout != cfg.IdleTimeout {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Addr reports the actual listen address if running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

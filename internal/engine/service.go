// Package engine executes queued job runs on a bounded worker pool.
//
// The engine owns overlap gating and the in-memory run history; the actual
// pipeline (provision/install/env/exec) lives in internal/runner. Failed
// runs are terminal: the engine never retries.
package engine

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/runner"
	logx "jobrunner/pkg/logx"
)

// Service executes runs from a queue using a worker pool.
//
// It is panic-safe (worker goroutines recover), and cooperates with shutdown
// via Start/Stop.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config
	run *runner.Runner

	queue     chan queuedRun
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	stateMu sync.Mutex
	states  map[string]*runState

	hmu     sync.Mutex
	history []HistoryItem

	// Lifetime counters for operator diagnostics.
	dropped uint64
	skipped uint64
}

func New(cfg Config, run *runner.Runner, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg.withDefaults(), run: run, log: log, bus: bus, states: map[string]*runState{}}
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	// Note: live pool resizing is out of scope; workers pick up the new
	// config on the next Start().
}

func (s *Service) Start(ctx context.Context) {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan queuedRun, s.cfg.QueueSize)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in engine worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}

	s.log.Info("engine started", logx.Int("workers", workers), logx.Int("queue_size", cap(queue)))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		q := s.queue
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.drainAbandoned(q)
		close(done)
		s.log.Info("engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		// stop continues in background
		return
	}
}

func (s *Service) stateFor(name string) *runState {
	name = strings.TrimSpace(name)
	if name == "" {
		return &runState{}
	}
	s.stateMu.Lock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	s.stateMu.Unlock()
	return st
}

// Enqueue submits one run for the given job. The trigger source is recorded
// but never changes execution semantics.
//
// It is non-blocking: if the queue is full it returns ErrQueueFull and drops
// the run.
func (s *Service) Enqueue(job runner.Job, trigger runner.Trigger) error {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	if job.Timeout <= 0 && cfg.DefaultTimeout > 0 {
		job.Timeout = cfg.DefaultTimeout
	}

	st := s.stateFor(job.Name)
	track := false
	if job.Overlap != OverlapAllow {
		if !st.tryAcquire() {
			atomic.AddUint64(&s.skipped, 1)
			now := time.Now()
			s.log.Debug("run skipped (overlap)", logx.String("job", job.Name), logx.String("trigger", string(trigger)))
			s.publish(eventbus.Event{Type: eventbus.TypeRunSkipped, Time: now, Data: HistoryItem{
				Job: job.Name, Trigger: trigger, Started: now, ExitCode: -1, Error: "overlap_skip",
			}})
			return ErrOverlapSkip
		}
		track = true
	}

	qr := queuedRun{job: job, trigger: trigger, state: st, track: track, enqueuedAt: time.Now()}
	select {
	case q <- qr:
		return nil
	default:
		if track {
			st.release()
		}
		atomic.AddUint64(&s.dropped, 1)
		s.log.Warn("engine queue full; dropping run", logx.String("job", job.Name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// drainAbandoned releases overlap state for runs that were still queued when
// the workers exited. Without this a stop/start toggle would leave those jobs
// marked in-flight and every later trigger would skip them.
func (s *Service) drainAbandoned(q chan queuedRun) {
	if q == nil {
		return
	}
	for {
		select {
		case qr := <-q:
			if qr.track {
				qr.state.release()
			}
			now := time.Now()
			s.log.Debug("queued run abandoned on stop", logx.String("job", qr.job.Name), logx.String("trigger", string(qr.trigger)))
			s.publish(eventbus.Event{Type: eventbus.TypeRunSkipped, Time: now, Data: HistoryItem{
				Job: qr.job.Name, Trigger: qr.trigger, Started: now, ExitCode: -1, Error: "engine_stopped",
			}})
		default:
			return
		}
	}
}

func (s *Service) publish(e eventbus.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// History returns a copy of the in-memory run history (oldest first).
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()
	return hist
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	ql, qc := 0, 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	return Snapshot{
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		Dropped:        atomic.LoadUint64(&s.dropped),
		Skipped:        atomic.LoadUint64(&s.skipped),
		DefaultTimeout: cfg.DefaultTimeout,
		History:        s.History(),
	}
}

package engine

import (
	"sync"
	"time"

	"jobrunner/internal/runner"
)

// Config controls the run execution engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 64
//   - history_size: 200
//
// There is deliberately no retry knob: a failed run is terminal and the next
// trigger starts a fresh run.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies to jobs that don't set their own.
	// Zero disables the global default.
	DefaultTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Overlap policies. "Skip" treats a run that is still queued the same as one
// that is executing, which prevents queue blow-ups when a schedule fires
// faster than runs complete.
const (
	OverlapSkip  = "skip"
	OverlapAllow = "allow"
)

// runState tracks whether a job is in-flight (queued or executing).
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type queuedRun struct {
	job        runner.Job
	trigger    runner.Trigger
	state      *runState
	track      bool // release state when done
	enqueuedAt time.Time
}

// HistoryItem is one completed (or skipped) run in the in-memory ring.
type HistoryItem struct {
	RunID      string
	Job        string
	Trigger    runner.Trigger
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Step       runner.Step
	ExitCode   int
	Error      string

	// OutputTail is the last chunk of combined stdout/stderr, kept for
	// failure notifications and run history. Empty for skipped runs.
	OutputTail string
}

// Snapshot is a lightweight view for diagnostics (admin API).
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int

	Dropped uint64
	Skipped uint64

	DefaultTimeout time.Duration

	History []HistoryItem
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"jobrunner/internal/engine"
	"jobrunner/internal/runner"
	logx "jobrunner/pkg/logx"
)

var ErrUnknownJob = errors.New("unknown job")

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Madrid". Empty means local time.
}

type jobDef struct {
	job     runner.Job
	spec    ParsedSpec
	entryID cron.EntryID
}

// JobInfo is a diagnostic view of one registered schedule.
type JobInfo struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	Disabled bool
}

// Service owns the cron instance and turns schedule ticks (and manual
// dispatch calls) into engine enqueues.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef
	order  []string
}

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
	}
}

// SetJobs replaces the registered job set. Safe to call while running:
// cron entries are swapped in place.
func (s *Service) SetJobs(jobs []runner.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all schedules before touching live state.
	specs := make([]ParsedSpec, len(jobs))
	for i, j := range jobs {
		sp, err := ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		if sp.Kind == SpecCron {
			if _, err := s.parser.Parse(sp.Cron); err != nil {
				return fmt.Errorf("job %s: cron %q: %w", j.Name, sp.Cron, err)
			}
		}
		specs[i] = sp
	}

	if s.c != nil {
		for _, d := range s.defs {
			if d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
		}
	}
	s.defs = map[string]*jobDef{}
	s.order = s.order[:0]

	for i, j := range jobs {
		d := &jobDef{job: j, spec: specs[i]}
		s.defs[j.Name] = d
		s.order = append(s.order, j.Name)
		if s.c != nil {
			s.addCronLocked(d)
		}
	}
	return nil
}

func (s *Service) addCronLocked(d *jobDef) {
	job := d.job
	fn := func() { s.fire(job, runner.TriggerCron) }

	switch d.spec.Kind {
	case SpecInterval:
		d.entryID = s.c.Schedule(cron.Every(d.spec.Every), cron.FuncJob(fn))
	default:
		id, err := s.c.AddFunc(d.spec.Cron, fn)
		if err != nil {
			// SetJobs validated the spec already; parser drift would be a bug.
			s.log.Error("cron registration failed", logx.String("job", job.Name), logx.Err(err))
			return
		}
		d.entryID = id
	}
	s.log.Debug("schedule registered", logx.String("job", job.Name), logx.String("schedule", job.Schedule))
}

func (s *Service) fire(job runner.Job, trigger runner.Trigger) {
	err := s.engine.Enqueue(job, trigger)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		// Already logged and counted by the engine.
	default:
		s.log.Warn("trigger enqueue failed", logx.String("job", job.Name), logx.String("trigger", string(trigger)), logx.Err(err))
	}
}

// TriggerNow dispatches one manual run of the named job. The run goes
// through the exact same enqueue path as a scheduled trigger.
func (s *Service) TriggerNow(name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.engine.Enqueue(d.job, runner.TriggerManual)
}

// Start creates the cron instance in the configured timezone and registers
// all known definitions.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; only manual dispatch is available")
		return
	}

	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	for _, name := range s.order {
		s.addCronLocked(s.defs[name])
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	stop := c.Stop()
	select {
	case <-stop.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply updates config at runtime. A timezone change restarts the cron
// instance so entries are re-evaluated in the new location.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if !running && cfg.Enabled {
		s.Start(ctx)
		return
	}
	if running && (!cfg.Enabled || oldTZ != strings.TrimSpace(cfg.Timezone)) {
		s.Stop(ctx)
		if cfg.Enabled {
			s.Start(ctx)
		}
	}
}

// Jobs returns schedule diagnostics in registration order.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobInfo, 0, len(s.order))
	for _, name := range s.order {
		d := s.defs[name]
		info := JobInfo{
			Name:     d.job.Name,
			Schedule: d.job.Schedule,
			Timeout:  d.job.Timeout,
			Disabled: s.c == nil,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next = e.Next
			info.Prev = e.Prev
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

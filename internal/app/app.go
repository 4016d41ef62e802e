// Package app wires configuration, logging, storage, the run engine, the
// scheduler, and the operational surfaces (admin API, Telegram alerts,
// systemd notifications) into one lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"jobrunner/internal/admin"
	"jobrunner/internal/config"
	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/notify"
	"jobrunner/internal/runner"
	"jobrunner/internal/runtime/supervisor"
	"jobrunner/internal/scheduler"
	"jobrunner/internal/storage"
	logx "jobrunner/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus      eventbus.Bus
	store    storage.Store
	recorder *storage.Recorder

	run    *runner.Runner
	engine *engine.Service
	sched  *scheduler.Service
	notif  *notify.Service
	admin  *admin.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	var recorder *storage.Recorder
	if cfg.Storage != nil {
		sc, err := mapStorageConfig(cfg.Storage)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			store = st
			recorder = storage.NewRecorder(st, log.With(logx.String("comp", "recorder")))
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	run := runner.New(log.With(logx.String("comp", "runner")))
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Engine != nil {
		run.BaseDir = strings.TrimSpace(cfg.Engine.BaseDir)
	}

	engineSvc := engine.New(engCfg, run, log.With(logx.String("comp", "engine")), bus)

	schedSvc := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Timezone: cfg.Scheduler.Timezone,
	}, engineSvc, log.With(logx.String("comp", "scheduler")))

	jobs, err := cfg.RunnerJobs()
	if err != nil {
		return nil, err
	}
	if err := schedSvc.SetJobs(jobs); err != nil {
		return nil, err
	}

	notifSvc, err := notify.New(mapNotifyConfig(cfg.Notify), log)
	if err != nil {
		return nil, err
	}

	adminSvc := admin.New(mapAdminConfig(cfg.Admin), schedSvc, engineSvc, store, log)

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		recorder: recorder,
		run:      run,
		engine:   engineSvc,
		sched:    schedSvc,
		notif:    notifSvc,
		admin:    adminSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if cfg.Storage != nil {
			if _, err := mapStorageConfig(cfg.Storage); err != nil {
				return err
			}
		}
		// Dry-run the schedules through a detached scheduler so a bad
		// cron line can never evict the running job set.
		jobs, err := cfg.RunnerJobs()
		if err != nil {
			return err
		}
		probe := scheduler.New(scheduler.Config{}, nil, logx.Nop())
		return probe.SetJobs(jobs)
	})

	if a.recorder != nil {
		a.recorder.Start(a.bus)
	}
	if a.notif != nil {
		a.notif.Start(a.bus)
	}
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.sched.Start(a.sup.Context())
	a.admin.Start(a.sup.Context())

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, 250*time.Millisecond, 5*time.Second)

	a.startSystemd()

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.notifyStopping()

	if a.sched != nil {
		a.sched.Stop(ctx)
	}
	if a.engine != nil {
		a.engine.Stop(ctx)
	}
	if a.admin != nil {
		a.admin.Stop(ctx)
	}
	if a.notif != nil {
		a.notif.Stop()
	}
	if a.recorder != nil {
		a.recorder.Stop()
	}
	if a.store != nil {
		_ = a.store.Close()
	}

	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.log.Info("app stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// reloadLoop consumes validated config updates and applies them live.
func (a *App) reloadLoop(c context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)

	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs, jobsChanged := config.SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			a.applyConfig(c, newCfg, sections, jobsChanged)

			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Info("config reloaded", fields...)
		}
	}
}

func (a *App) applyConfig(c context.Context, cfg *config.Config, sections []string, jobsChanged []string) {
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})

		case "engine":
			engCfg, err := mapEngineConfig(cfg)
			if err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
				continue
			}
			prevEnabled := a.engine.Enabled()
			a.engine.Apply(engCfg)
			if prevEnabled && !engCfg.Enabled {
				stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
				a.engine.Stop(stopCtx)
				cancel()
			} else if !prevEnabled && engCfg.Enabled {
				a.engine.Start(c)
			}
			if cfg.Engine != nil {
				a.run.BaseDir = strings.TrimSpace(cfg.Engine.BaseDir)
			}

		case "scheduler":
			a.sched.Apply(c, scheduler.Config{
				Enabled:  cfg.Scheduler.Enabled,
				Timezone: cfg.Scheduler.Timezone,
			})

		case "jobs":
			jobs, err := cfg.RunnerJobs()
			if err != nil {
				a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
				continue
			}
			if err := a.sched.SetJobs(jobs); err != nil {
				a.log.Warn("job set rejected; keeping previous", logx.Err(err))
				continue
			}
			a.log.Info("job set updated",
				logx.Int("jobs", len(jobs)),
				logx.Any("changed", jobsChanged))

		case "admin":
			a.admin.Apply(c, mapAdminConfig(cfg.Admin))

		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")

		case "notify":
			// The notifier owns a bot session; swapping tokens live is not
			// worth the complexity for an alerting side-channel.
			a.log.Warn("notify config changed; restart required for changes to take effect")
		}
	}
}

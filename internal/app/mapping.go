package app

import (
	"jobrunner/internal/admin"
	"jobrunner/internal/config"
	"jobrunner/internal/engine"
	"jobrunner/internal/notify"
	"jobrunner/internal/storage"
)

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.EngineEnabled()}
	if cfg.Engine == nil {
		return out, nil
	}
	e := cfg.Engine
	out.Workers = e.Workers
	out.QueueSize = e.QueueSize
	out.HistorySize = e.HistorySize

	d, err := config.ParseDurationField("engine.default_timeout", e.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out.DefaultTimeout = d
	return out, nil
}

func mapStorageConfig(sc *config.StorageConfig) (storage.Config, error) {
	if sc == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
		MaxRows:     sc.MaxRows,
	}, nil
}

func mapAdminConfig(ac *config.AdminConfig) admin.Config {
	if ac == nil {
		return admin.Config{}
	}
	out := admin.Config{
		Enabled:       ac.Enabled,
		Addr:          ac.Addr,
		Token:         ac.Token,
		AllowInsecure: ac.AllowInsecure,
		Pprof:         ac.Pprof,
		TriggerPerMin: ac.TriggerPerMin,
	}
	// Validated already; bad durations can't reach here.
	out.ReadTimeout, _ = config.ParseDurationField("admin.read_timeout", ac.ReadTimeout)
	out.WriteTimeout, _ = config.ParseDurationField("admin.write_timeout", ac.WriteTimeout)
	out.IdleTimeout, _ = config.ParseDurationField("admin.idle_timeout", ac.IdleTimeout)
	return out
}

func mapNotifyConfig(nc *config.NotifyConfig) notify.Config {
	if nc == nil {
		return notify.Config{}
	}
	return notify.Config{
		Enabled:       nc.Enabled,
		Token:         nc.Token,
		ChatID:        nc.ChatID,
		NotifySkipped: nc.NotifySkipped,
		RatePerMin:    nc.RatePerMin,
		TailLines:     nc.TailLines,
	}
}

package config

import (
	"fmt"
	"strings"

	"jobrunner/internal/runner"
)

// Validate performs structural checks. Schedule syntax is validated by the
// scheduler when the job set is applied; this covers everything that can
// be checked without component state.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	seen := map[string]bool{}
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("jobs[%d]: duplicate name %q", i, name)
		}
		seen[name] = true

		if strings.TrimSpace(j.Schedule) == "" {
			return fmt.Errorf("job %s: schedule is required", name)
		}
		if strings.TrimSpace(j.Entrypoint) == "" {
			return fmt.Errorf("job %s: entrypoint is required", name)
		}
		switch strings.TrimSpace(j.Overlap) {
		case "", "skip", "allow":
		default:
			return fmt.Errorf("job %s: overlap must be \"skip\" or \"allow\", got %q", name, j.Overlap)
		}
		if _, err := ParseDurationField("job "+name+".timeout", j.Timeout); err != nil {
			return err
		}
	}

	if c.Engine != nil {
		if _, err := ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
		driver := strings.ToLower(strings.TrimSpace(c.Storage.Driver))
		switch driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if driver != "" && driver != "none" && strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", driver)
		}
	}
	if c.Admin != nil {
		for _, f := range []struct{ name, raw string }{
			{"admin.read_timeout", c.Admin.ReadTimeout},
			{"admin.write_timeout", c.Admin.WriteTimeout},
			{"admin.idle_timeout", c.Admin.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.name, f.raw); err != nil {
				return err
			}
		}
	}
	if c.Notify != nil && c.Notify.Enabled {
		if strings.TrimSpace(c.Notify.Token) == "" {
			return fmt.Errorf("notify.token is required when notify is enabled")
		}
		if c.Notify.ChatID == 0 {
			return fmt.Errorf("notify.chat_id is required when notify is enabled")
		}
	}
	return nil
}

// RunnerJobs converts the declared jobs to runner jobs, dropping disabled
// entries. Assumes Validate has passed.
func (c *Config) RunnerJobs() ([]runner.Job, error) {
	out := make([]runner.Job, 0, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Disabled {
			continue
		}
		timeout, err := ParseDurationField("job "+j.Name+".timeout", j.Timeout)
		if err != nil {
			return nil, err
		}
		overlap := strings.TrimSpace(j.Overlap)
		if overlap == "" {
			overlap = "skip"
		}
		out = append(out, runner.Job{
			Name:        strings.TrimSpace(j.Name),
			Schedule:    strings.TrimSpace(j.Schedule),
			Entrypoint:  j.Entrypoint,
			Interpreter: strings.TrimSpace(j.Interpreter),
			Manifest:    j.Manifest,
			EnvFile:     j.EnvFile,
			Timeout:     timeout,
			Overlap:     overlap,
			KeepWorkdir: j.KeepWorkdir,
		})
	}
	return out, nil
}

// EngineEnabled resolves the effective engine enable flag: an omitted
// engine.enabled follows scheduler.enabled.
func (c *Config) EngineEnabled() bool {
	if c.Engine != nil && c.Engine.Enabled != nil {
		return *c.Engine.Enabled
	}
	return c.Scheduler.Enabled
}

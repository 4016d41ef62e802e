package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: UTC
engine:
  workers: 1
  default_timeout: 30m
jobs:
  - name: daily-report
    schedule: "10 5 * * *"
    entrypoint: /opt/reports/main.py
    manifest: /opt/reports/requirements.txt
    env_file: /opt/reports/.env
    timeout: 1h
  - name: cleanup
    schedule: "@hourly"
    entrypoint: /opt/cleanup/run.py
    overlap: allow
    disabled: true
storage:
  driver: sqlite
  path: ./runner.db
admin:
  enabled: true
  addr: "127.0.0.1:8321"
`

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Jobs) != 2 || cfg.Jobs[0].Name != "daily-report" {
		t.Fatalf("jobs = %+v", cfg.Jobs)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
scheduler:
  enabled: true
  retry_max: 3
jobs: []
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing entrypoint", wantErr: true, mutate: func(c *Config) {
			c.Jobs[0].Entrypoint = ""
		}},
		{name: "duplicate names", wantErr: true, mutate: func(c *Config) {
			c.Jobs = append(c.Jobs, c.Jobs[0])
		}},
		{name: "bad overlap", wantErr: true, mutate: func(c *Config) {
			c.Jobs[0].Overlap = "queue"
		}},
		{name: "bad timeout", wantErr: true, mutate: func(c *Config) {
			c.Jobs[0].Timeout = "ten minutes"
		}},
		{name: "negative timeout", wantErr: true, mutate: func(c *Config) {
			c.Jobs[0].Timeout = "-5s"
		}},
		{name: "unknown storage driver", wantErr: true, mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres", Path: "x"}
		}},
		{name: "storage path required", wantErr: true, mutate: func(c *Config) {
			c.Storage = &StorageConfig{Driver: "sqlite"}
		}},
		{name: "notify requires token", wantErr: true, mutate: func(c *Config) {
			c.Notify = &NotifyConfig{Enabled: true, ChatID: 1}
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{
				Scheduler: SchedulerConfig{Enabled: true},
				Jobs: []JobConfig{{
					Name:       "daily-report",
					Schedule:   "10 5 * * *",
					Entrypoint: "/opt/reports/main.py",
				}},
			}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate error: %v", err)
			}
		})
	}
}

func TestRunnerJobs(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	jobs, err := cfg.RunnerJobs()
	if err != nil {
		t.Fatalf("RunnerJobs error: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %+v, want disabled job dropped", jobs)
	}
	j := jobs[0]
	if j.Name != "daily-report" || j.Timeout != time.Hour || j.Overlap != "skip" {
		t.Fatalf("job = %+v", j)
	}
}

func TestEngineEnabledFallback(t *testing.T) {
	t.Parallel()
	cfg := &Config{Scheduler: SchedulerConfig{Enabled: true}}
	if !cfg.EngineEnabled() {
		t.Fatal("engine should follow scheduler.enabled when omitted")
	}
	off := false
	cfg.Engine = &EngineConfig{Enabled: &off}
	if cfg.EngineEnabled() {
		t.Fatal("explicit engine.enabled=false must win")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{
		Logging:   LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Jobs: []JobConfig{
			{Name: "daily-report", Schedule: "10 5 * * *", Entrypoint: "a.py"},
			{Name: "cleanup", Schedule: "@hourly", Entrypoint: "b.py"},
		},
	}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{Enabled: true, Timezone: "UTC"},
		Jobs: []JobConfig{
			{Name: "daily-report", Schedule: "0 6 * * *", Entrypoint: "a.py"},
			{Name: "cleanup", Schedule: "@hourly", Entrypoint: "b.py"},
		},
	}

	changed, _, jobsChanged := SummarizeConfigChange(oldCfg, newCfg)
	wantSections := map[string]bool{"logging": true, "jobs": true}
	if len(changed) != 2 || !wantSections[changed[0]] || !wantSections[changed[1]] {
		t.Fatalf("changed = %v", changed)
	}
	if len(jobsChanged) != 1 || jobsChanged[0] != "daily-report" {
		t.Fatalf("jobsChanged = %v", jobsChanged)
	}

	changed, _, _ = SummarizeConfigChange(newCfg, newCfg)
	if len(changed) != 0 {
		t.Fatalf("no-op diff reported %v", changed)
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return cfg.Validate() })

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to attach, then rewrite the file.
	time.Sleep(500 * time.Millisecond)
	updated := sampleYAML + "notify:\n  enabled: false\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Notify == nil {
			t.Fatalf("reloaded config missing new section: %+v", cfg)
		}
	case <-ctx.Done():
		t.Fatal("no config published before timeout")
	}
}

package config

// Config is the root configuration. YAML and JSON are both accepted;
// YAML is coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls cron trigger behavior.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Engine controls run execution (workers, queue, timeouts).
	Engine *EngineConfig `json:"engine,omitempty"`

	Jobs []JobConfig `json:"jobs"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Admin   *AdminConfig   `json:"admin,omitempty"`
	Notify  *NotifyConfig  `json:"notify,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the trigger service.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone for cron evaluation, e.g. "Europe/Berlin". Empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the run execution engine.
//
// Enabled is a pointer so "omitted" (default to scheduler.enabled) is
// distinguishable from an explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Enabled   *bool `json:"enabled,omitempty"`
	Workers   int   `json:"workers,omitempty"`
	QueueSize int   `json:"queue_size,omitempty"`

	// DefaultTimeout applies to jobs without their own timeout.
	// Use "0s" to disable.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// BaseDir hosts the per-run working directories. Empty means the
	// system temp dir.
	BaseDir string `json:"base_dir,omitempty"`
}

// JobConfig declares one scheduled script.
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// Entrypoint is the script to execute. It is treated as opaque; only
	// its exit status matters.
	Entrypoint string `json:"entrypoint"`

	// Interpreter runs the entrypoint when no manifest/venv is configured.
	// Default "python3".
	Interpreter string `json:"interpreter,omitempty"`

	// Manifest is a pip requirements file installed into a fresh
	// environment before each run. Empty skips provision+install.
	Manifest string `json:"manifest,omitempty"`

	// EnvFile is a dotenv file loaded into the child environment.
	EnvFile string `json:"env_file,omitempty"`

	// Timeout aborts the run. "0s" (default) means no limit unless the
	// engine sets default_timeout.
	Timeout string `json:"timeout,omitempty"`

	// Overlap: "skip" (default) or "allow".
	Overlap string `json:"overlap,omitempty"`

	// KeepWorkdir preserves the ephemeral run directory for debugging.
	KeepWorkdir bool `json:"keep_workdir,omitempty"`

	Disabled bool `json:"disabled,omitempty"`
}

// StorageConfig controls the optional run-history persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./runner.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxRows     int    `json:"max_rows,omitempty"`     // sqlite
}

// AdminConfig controls the local admin HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8321").
//   - If you bind to a non-loopback address, set a token or explicitly
//     allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	TriggerPerMin int    `json:"trigger_per_min,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifyConfig controls Telegram failure alerts.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"` // do not log
	ChatID        int64  `json:"chat_id"`
	NotifySkipped bool   `json:"notify_skipped,omitempty"`
	RatePerMin    int    `json:"rate_per_min,omitempty"`
	TailLines     int    `json:"tail_lines,omitempty"`
}

package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// MaxRows bounds retained history (sqlite only). 0 means default.
	MaxRows int
}

// RunRecord is one persisted run outcome.
// Keep it compact and schema-stable.
type RunRecord struct {
	ID         string    `json:"id"`
	Job        string    `json:"job"`
	Trigger    string    `json:"trigger"`
	Started    time.Time `json:"started"`
	QueueMS    int64     `json:"queue_ms"`
	TookMS     int64     `json:"took_ms"`
	Step       string    `json:"step,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"err,omitempty"`
	OutputTail string    `json:"output_tail,omitempty"`
}

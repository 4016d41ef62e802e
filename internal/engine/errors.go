package engine

import "errors"

var (
	ErrDisabled    = errors.New("engine disabled")
	ErrStopped     = errors.New("engine stopped")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("run skipped: job already running or queued")
)

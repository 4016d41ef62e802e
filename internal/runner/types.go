package runner

import (
	"errors"
	"fmt"
	"time"
)

// Step identifies a stage of the run pipeline. Every run failure is
// attributable to exactly one step.
type Step string

const (
	StepProvision Step = "provision"
	StepInstall   Step = "install"
	StepEnv       Step = "env"
	StepExec      Step = "exec"
)

// Trigger records what caused a run. It is metadata only: a manual trigger
// and a scheduled trigger execute the identical pipeline.
type Trigger string

const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
)

// StepError marks a run failure with the pipeline step that caused it.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string { return string(e.Step) + ": " + e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the pipeline step a run error is attributed to,
// or "" when err is nil or carries no step.
func FailedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

func stepErr(step Step, format string, args ...any) error {
	return &StepError{Step: step, Err: fmt.Errorf(format, args...)}
}

// Job describes one configured job. Paths are resolved relative to the
// daemon's working directory at config load time.
type Job struct {
	Name string

	// Schedule is the trigger spec (cron expression, descriptor, or
	// interval). It is consumed by the scheduler, not the runner.
	Schedule string

	// Entrypoint is the script executed as the task, with no arguments.
	Entrypoint string

	// Interpreter runs the entry point and provisions the virtual
	// environment. Defaults to "python3".
	Interpreter string

	// Manifest is an optional pip requirements file. When set, provisioning
	// creates a virtual environment and the manifest is installed into it
	// before the entry point runs.
	Manifest string

	// EnvFile is an optional dotenv file. When set it must exist and parse,
	// or the run fails before the entry point is invoked.
	EnvFile string

	// Timeout bounds the whole pipeline (provision through exec).
	// Zero disables the timeout.
	Timeout time.Duration

	// Overlap controls what happens when a trigger fires while the same job
	// is still running: "skip" (default) or "allow".
	Overlap string

	// KeepWorkdir preserves the ephemeral directory after the run, for
	// debugging. Normally everything is removed at run end.
	KeepWorkdir bool
}

func (j Job) interpreter() string {
	if j.Interpreter == "" {
		return "python3"
	}
	return j.Interpreter
}

// Result is the outcome of one run. On failure, Step names the pipeline
// stage that aborted the run.
type Result struct {
	RunID   string
	Job     string
	Trigger Trigger

	Started  time.Time
	Duration time.Duration

	// Step is the failed step, or "" for a successful run.
	Step Step

	// ExitCode is the entry point's exit status. It is meaningful only when
	// the pipeline reached the exec step; -1 otherwise.
	ExitCode int

	// OutputTail holds the last portion of combined stdout/stderr from the
	// install and exec steps.
	OutputTail string

	Err error
}

// OK reports whether the run succeeded (entry point exited zero).
func (r *Result) OK() bool { return r != nil && r.Err == nil }

// Package runner executes one job as a strict linear pipeline:
// provision an ephemeral environment, install the dependency manifest,
// load the environment file, run the entry point, report the exit status.
//
// Any failing step aborts the run. There is no retry and no
// partial-success state; recovery belongs to the next scheduled run.
package runner

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"jobrunner/internal/envfile"
	"jobrunner/internal/manifest"
	logx "jobrunner/pkg/logx"
)

// Runner builds ephemeral environments and executes jobs in them.
// It is stateless across runs; one Runner serves all jobs.
type Runner struct {
	log logx.Logger

	// BaseDir is where ephemeral run directories are created.
	// Empty means the system temp dir.
	BaseDir string

	// TailBytes bounds the captured output tail per run.
	TailBytes int

	// provisionCmd and installCmd build the step subprocesses. They exist so
	// tests can substitute commands without a Python toolchain present.
	provisionCmd func(ctx context.Context, job Job, venvDir string) *exec.Cmd
	installCmd   func(ctx context.Context, job Job, venvDir string) *exec.Cmd
	execCmd      func(ctx context.Context, job Job, dir, venvDir string) *exec.Cmd
}

// waitDelay bounds how long Wait() lingers on open output pipes after the
// process itself is gone (e.g. a killed entry point left a child holding
// stdout). Without it a hung descendant would stall the run forever.
const waitDelay = 5 * time.Second

func New(log logx.Logger) *Runner {
	r := &Runner{log: log}
	r.provisionCmd = r.defaultProvisionCmd
	r.installCmd = r.defaultInstallCmd
	r.execCmd = r.defaultExecCmd
	return r
}

// Run executes the full pipeline for one job and always returns a Result;
// Result.Err (also returned) is non-nil on failure and wraps a StepError.
func (r *Runner) Run(ctx context.Context, job Job, trigger Trigger) (*Result, error) {
	res := &Result{
		RunID:    uuid.NewString(),
		Job:      job.Name,
		Trigger:  trigger,
		Started:  time.Now(),
		ExitCode: -1,
	}
	log := r.log.With(logx.String("job", job.Name), logx.String("run_id", res.RunID), logx.String("trigger", string(trigger)))

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	tail := newTailWriter(r.TailBytes)
	err := r.pipeline(ctx, log, job, res, tail)

	res.Duration = time.Since(res.Started)
	res.OutputTail = tail.String()
	if err != nil {
		res.Err = err
		res.Step = FailedStep(err)
		log.Warn("run failed",
			logx.String("step", string(res.Step)),
			logx.Int("exit_code", res.ExitCode),
			logx.Duration("dur", res.Duration),
			logx.Err(err))
		return res, err
	}
	log.Info("run succeeded", logx.Duration("dur", res.Duration))
	return res, nil
}

func (r *Runner) pipeline(ctx context.Context, log logx.Logger, job Job, res *Result, tail *tailWriter) error {
	if job.Entrypoint == "" {
		return stepErr(StepProvision, "job %s: entrypoint required", job.Name)
	}
	if _, err := os.Stat(job.Entrypoint); err != nil {
		return stepErr(StepProvision, "entrypoint: %w", err)
	}

	// Validate the manifest before spending time on provisioning. A manifest
	// that cannot even be read must never reach the installer.
	var mf *manifest.Manifest
	if job.Manifest != "" {
		var err error
		mf, err = manifest.Load(job.Manifest)
		if err != nil {
			return &StepError{Step: StepInstall, Err: err}
		}
	}

	// provision: fresh directory, plus a virtual environment when the job
	// declares dependencies.
	dir, err := os.MkdirTemp(r.BaseDir, "run-"+sanitize(job.Name)+"-")
	if err != nil {
		return stepErr(StepProvision, "workdir: %w", err)
	}
	if !job.KeepWorkdir {
		defer os.RemoveAll(dir)
	}

	venvDir := ""
	if mf != nil {
		venvDir = filepath.Join(dir, "venv")
		cmd := r.provisionCmd(ctx, job, venvDir)
		cmd.Stdout, cmd.Stderr = tail, tail
		cmd.WaitDelay = waitDelay
		if err := cmd.Run(); err != nil {
			return stepErr(StepProvision, "venv: %w", err)
		}
		log.Debug("environment provisioned", logx.String("dir", dir))

		// install: all or nothing. pip itself aborts on the first failing
		// requirement, which matches the run contract.
		cmd = r.installCmd(ctx, job, venvDir)
		cmd.Stdout, cmd.Stderr = tail, tail
		cmd.WaitDelay = waitDelay
		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return stepErr(StepInstall, "timed out: %w", ctx.Err())
			}
			return stepErr(StepInstall, "pip install %s: %w", job.Manifest, err)
		}
		log.Debug("dependencies installed", logx.Int("count", len(mf.Requirements)))
	}

	// env: parsed into an explicit map, never into our own environment.
	var vars map[string]string
	if job.EnvFile != "" {
		vars, err = envfile.Load(job.EnvFile)
		if err != nil {
			return &StepError{Step: StepEnv, Err: err}
		}
		log.Debug("environment loaded", logx.Int("vars", len(vars)), logx.Any("keys", envfile.Keys(vars)))
	}

	// exec: one foreground process, wait for exit.
	cmd := r.execCmd(ctx, job, dir, venvDir)
	cmd.Stdout, cmd.Stderr = tail, tail
	cmd.WaitDelay = waitDelay
	cmd.Env = childEnv(vars, dir, venvDir)

	runErr := cmd.Run()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return stepErr(StepExec, "timed out: %w", ctx.Err())
		}
		var ee *exec.ExitError
		if errors.As(runErr, &ee) {
			return stepErr(StepExec, "entrypoint exited %d", res.ExitCode)
		}
		return stepErr(StepExec, "entrypoint: %w", runErr)
	}
	res.ExitCode = 0
	return nil
}

func (r *Runner) defaultProvisionCmd(ctx context.Context, job Job, venvDir string) *exec.Cmd {
	return exec.CommandContext(ctx, job.interpreter(), "-m", "venv", venvDir)
}

func (r *Runner) defaultInstallCmd(ctx context.Context, job Job, venvDir string) *exec.Cmd {
	pip := filepath.Join(venvDir, "bin", "pip")
	return exec.CommandContext(ctx, pip, "install", "--disable-pip-version-check", "-r", job.Manifest)
}

func (r *Runner) defaultExecCmd(ctx context.Context, job Job, dir, venvDir string) *exec.Cmd {
	interp := job.interpreter()
	if venvDir != "" {
		interp = filepath.Join(venvDir, "bin", "python")
	}
	entry, err := filepath.Abs(job.Entrypoint)
	if err != nil {
		entry = job.Entrypoint
	}
	cmd := exec.CommandContext(ctx, interp, entry)
	cmd.Dir = dir
	return cmd
}

// childEnv builds the task process environment from the env-file map plus a
// minimal base. The daemon's own environment never leaks through, so runs
// stay reproducible regardless of how the daemon was launched.
func childEnv(vars map[string]string, dir, venvDir string) []string {
	path := os.Getenv("PATH")
	if venvDir != "" {
		path = filepath.Join(venvDir, "bin") + string(os.PathListSeparator) + path
	}
	env := []string{
		"PATH=" + path,
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	if venvDir != "" {
		env = append(env, "VIRTUAL_ENV="+venvDir)
	}
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	return env
}

func sanitize(name string) string {
	out := make([]rune, 0, len(name))
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// SetCommandsForTest swaps the step subprocess builders. Test helper only.
func (r *Runner) SetCommandsForTest(
	provision func(ctx context.Context, job Job, venvDir string) *exec.Cmd,
	install func(ctx context.Context, job Job, venvDir string) *exec.Cmd,
	execute func(ctx context.Context, job Job, dir, venvDir string) *exec.Cmd,
) {
	if provision != nil {
		r.provisionCmd = provision
	}
	if install != nil {
		r.installCmd = install
	}
	if execute != nil {
		r.execCmd = execute
	}
}

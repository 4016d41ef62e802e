package runner

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "jobrunner/pkg/logx"
)

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r := New(logx.Nop())
	r.BaseDir = t.TempDir()
	return r
}

// shCmd builds a fixed shell command regardless of the job, standing in for
// the python/pip subprocesses in environments without a Python toolchain.
func shCmd(script string) func(ctx context.Context, job Job, venvDir string) *exec.Cmd {
	return func(ctx context.Context, job Job, venvDir string) *exec.Cmd {
		return exec.CommandContext(ctx, "sh", "-c", script)
	}
}

func TestRunSuccessWithEnvFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	envPath := writeScript(t, dir, ".env", "API_KEY=abc123\n")
	entry := writeScript(t, dir, "main.sh", `[ "$API_KEY" = "abc123" ] || exit 3
exit 0
`)

	r := newTestRunner(t)
	job := Job{Name: "report-daily", Entrypoint: entry, Interpreter: "sh", EnvFile: envPath}

	res, err := r.Run(context.Background(), job, TriggerCron)
	if err != nil {
		t.Fatalf("Run error: %v (tail: %s)", err, res.OutputTail)
	}
	if !res.OK() || res.ExitCode != 0 {
		t.Fatalf("Result = %+v, want success with exit 0", res)
	}
	if res.RunID == "" {
		t.Fatal("missing run id")
	}
}

func TestFailedInstallSkipsEntrypoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	manifestPath := writeScript(t, dir, "requirements.txt", "no-such-package-xyz\n")
	entry := writeScript(t, dir, "main.sh", "touch "+marker+"\n")

	r := newTestRunner(t)
	r.SetCommandsForTest(
		shCmd("true"),
		shCmd("echo 'ERROR: No matching distribution'; exit 1"),
		nil,
	)
	job := Job{Name: "bad-install", Entrypoint: entry, Interpreter: "sh", Manifest: manifestPath}

	res, err := r.Run(context.Background(), job, TriggerCron)
	if err == nil {
		t.Fatal("expected install failure")
	}
	if res.Step != StepInstall {
		t.Fatalf("Step = %s, want %s", res.Step, StepInstall)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatal("entry point ran after a failed install")
	}
	if !strings.Contains(res.OutputTail, "No matching distribution") {
		t.Fatalf("OutputTail = %q, want installer output captured", res.OutputTail)
	}
}

func TestMissingEnvFileSkipsEntrypoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	entry := writeScript(t, dir, "main.sh", "touch "+marker+"\n")

	r := newTestRunner(t)
	job := Job{
		Name:        "no-env",
		Entrypoint:  entry,
		Interpreter: "sh",
		EnvFile:     filepath.Join(dir, "missing.env"),
	}

	res, err := r.Run(context.Background(), job, TriggerCron)
	if err == nil {
		t.Fatal("expected env-load failure")
	}
	if res.Step != StepEnv {
		t.Fatalf("Step = %s, want %s", res.Step, StepEnv)
	}
	if _, statErr := os.Stat(marker); !os.IsNotExist(statErr) {
		t.Fatal("entry point ran after a failed env load")
	}
}

func TestEntrypointExitOneIsExecFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "echo boom >&2\nexit 1\n")

	r := newTestRunner(t)
	job := Job{Name: "exit-one", Entrypoint: entry, Interpreter: "sh"}

	res, err := r.Run(context.Background(), job, TriggerManual)
	if err == nil {
		t.Fatal("expected exec failure")
	}
	if res.Step != StepExec {
		t.Fatalf("Step = %s, want %s (distinct from install failures)", res.Step, StepExec)
	}
	if res.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", res.ExitCode)
	}
	if !strings.Contains(res.OutputTail, "boom") {
		t.Fatalf("OutputTail = %q, want stderr captured", res.OutputTail)
	}
}

func TestTriggerSourceDoesNotAlterExecution(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	envPath := writeScript(t, dir, ".env", "API_KEY=abc123\n")
	entry := writeScript(t, dir, "main.sh", `echo "key=$API_KEY"`+"\n")

	r := newTestRunner(t)
	job := Job{Name: "same-both-ways", Entrypoint: entry, Interpreter: "sh", EnvFile: envPath}

	cronRes, cronErr := r.Run(context.Background(), job, TriggerCron)
	manualRes, manualErr := r.Run(context.Background(), job, TriggerManual)

	if cronErr != nil || manualErr != nil {
		t.Fatalf("errors: cron=%v manual=%v", cronErr, manualErr)
	}
	if cronRes.ExitCode != manualRes.ExitCode || cronRes.Step != manualRes.Step {
		t.Fatalf("outcomes differ: cron=%+v manual=%+v", cronRes, manualRes)
	}
	if cronRes.OutputTail != manualRes.OutputTail {
		t.Fatalf("output differs: %q vs %q", cronRes.OutputTail, manualRes.OutputTail)
	}
	if cronRes.Trigger != TriggerCron || manualRes.Trigger != TriggerManual {
		t.Fatal("trigger metadata not recorded")
	}
}

func TestDaemonEnvironmentDoesNotLeak(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JOBRUNNER_LEAK_CHECK", "leaked")
	entry := writeScript(t, dir, "main.sh", `[ -z "$JOBRUNNER_LEAK_CHECK" ] || exit 7`+"\n")

	r := New(logx.Nop())
	r.BaseDir = t.TempDir()
	job := Job{Name: "leak-check", Entrypoint: entry, Interpreter: "sh"}

	if _, err := r.Run(context.Background(), job, TriggerCron); err != nil {
		t.Fatalf("daemon environment leaked into the task: %v", err)
	}
}

func TestTimeoutAbortsRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "sleep 30\n")

	r := newTestRunner(t)
	job := Job{Name: "hung", Entrypoint: entry, Interpreter: "sh", Timeout: 200 * time.Millisecond}

	start := time.Now()
	res, err := r.Run(context.Background(), job, TriggerCron)
	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if res.Step != StepExec {
		t.Fatalf("Step = %s, want %s", res.Step, StepExec)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout took %v", elapsed)
	}
}

func TestEphemeralWorkdirRemoved(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "echo artifact > produced.txt\n")

	r := newTestRunner(t)
	job := Job{Name: "cleanup", Entrypoint: entry, Interpreter: "sh"}

	if _, err := r.Run(context.Background(), job, TriggerCron); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("run directory survived: %v", entries)
	}
}

func TestKeepWorkdirPreservesRunDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entry := writeScript(t, dir, "main.sh", "echo artifact > produced.txt\n")

	r := newTestRunner(t)
	job := Job{Name: "keep", Entrypoint: entry, Interpreter: "sh", KeepWorkdir: true}

	if _, err := r.Run(context.Background(), job, TriggerCron); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	entries, err := os.ReadDir(r.BaseDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected preserved run directory, got %v", entries)
	}
}

func TestTailWriterKeepsTail(t *testing.T) {
	t.Parallel()
	w := newTailWriter(32)
	for i := 0; i < 100; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatal(err)
		}
	}
	s := w.String()
	if len(s) > 32 {
		t.Fatalf("tail length = %d, want <= 32", len(s))
	}
	if !strings.HasSuffix(s, "line\n") {
		t.Fatalf("tail = %q, want newest data kept", s)
	}
}

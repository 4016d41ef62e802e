package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	"jobrunner/internal/runner"
	logx "jobrunner/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q) error: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) = %v, want nil store", driver, st)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2026, 2, 3, 5, 10, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := RunRecord{
			ID:      string(rune('a' + i)),
			Job:     "daily-report",
			Trigger: "cron",
			Started: base.Add(time.Duration(i) * time.Hour),
			TookMS:  1500,
		}
		if i == 2 {
			rec.Step = "install"
			rec.Error = "pip install failed"
			rec.ExitCode = 1
			rec.OutputTail = "ERROR: no matching distribution"
		}
		if err := st.AppendRun(ctx, rec); err != nil {
			t.Fatalf("AppendRun error: %v", err)
		}
	}

	got, err := st.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns returned %d records, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("order = [%s %s], want [c b]", got[0].ID, got[1].ID)
	}
	if got[0].Step != "install" || got[0].Error == "" || got[0].OutputTail == "" {
		t.Fatalf("failure fields not preserved: %+v", got[0])
	}
	if !got[1].Started.Equal(base.Add(time.Hour)) {
		t.Fatalf("Started = %v, want %v", got[1].Started, base.Add(time.Hour))
	}
}

func TestFileStoreListEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	got, err := st.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ListRuns = %v, want empty", got)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "runs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	base := time.Date(2026, 2, 3, 5, 10, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := RunRecord{
			ID:      string(rune('a' + i)),
			Job:     "daily-report",
			Trigger: "cron",
			Started: base.Add(time.Duration(i) * time.Hour),
			TookMS:  1500,
		}
		if i == 2 {
			rec.Step = "install"
			rec.Error = "pip install failed"
			rec.ExitCode = 1
			rec.OutputTail = "ERROR: no matching distribution"
		}
		if err := st.AppendRun(ctx, rec); err != nil {
			t.Fatalf("AppendRun error: %v", err)
		}
	}

	got, err := st.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListRuns returned %d records, want 2", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Fatalf("order = [%s %s], want [c b]", got[0].ID, got[1].ID)
	}
	if got[0].Step != "install" || got[0].Error == "" || got[0].OutputTail == "" {
		t.Fatalf("failure fields not preserved: %+v", got[0])
	}
	if !got[1].Started.Equal(base.Add(time.Hour)) {
		t.Fatalf("Started = %v, want %v", got[1].Started, base.Add(time.Hour))
	}
}

func TestSQLiteStorePrune(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "runs.db"), MaxRows: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	// The prune pass fires every 100 appends.
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 5, 10, 0, 0, time.UTC)
	for i := 0; i < 100; i++ {
		rec := RunRecord{
			ID:      fmt.Sprintf("run-%03d", i),
			Job:     "daily-report",
			Trigger: "cron",
			Started: base.Add(time.Duration(i) * time.Minute),
		}
		if err := st.AppendRun(ctx, rec); err != nil {
			t.Fatalf("AppendRun %d error: %v", i, err)
		}
	}

	got, err := st.ListRuns(ctx, 1000)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("ListRuns returned %d records after prune, want 10", len(got))
	}
	if got[0].ID != "run-099" || got[9].ID != "run-090" {
		t.Fatalf("kept range = [%s .. %s], want newest 10", got[0].ID, got[9].ID)
	}
}

func TestRecorderPersistsTerminalEvents(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "runs")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, logx.Nop())
	rec.Start(bus)

	started := time.Now()
	bus.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, Data: engine.HistoryItem{
		Job: "daily-report", Trigger: runner.TriggerCron, Started: started, ExitCode: -1,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeRunFailed, Data: engine.HistoryItem{
		RunID:    "run-1",
		Job:      "daily-report",
		Trigger:  runner.TriggerCron,
		Started:  started,
		Step:     runner.StepExec,
		ExitCode: 1,
		Error:    "exit status 1",
	}})

	rec.Stop()

	got, err := st.ListRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListRuns error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1 (run.started must not be persisted)", len(got))
	}
	if got[0].ID != "run-1" || got[0].Step != string(runner.StepExec) || got[0].ExitCode != 1 {
		t.Fatalf("record = %+v", got[0])
	}
}

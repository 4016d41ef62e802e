package storage

import (
	"context"
	"sync"
	"time"

	"jobrunner/internal/engine"
	"jobrunner/internal/eventbus"
	logx "jobrunner/pkg/logx"
)

// Recorder subscribes to run lifecycle events and appends a record per
// terminal outcome (finished, failed, skipped). It is best-effort: storage
// errors are logged and never fed back into the engine.
type Recorder struct {
	store Store
	log   logx.Logger

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func NewRecorder(store Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, log: log}
}

// Start begins consuming events. No-op when storage is disabled.
func (r *Recorder) Start(bus eventbus.Bus) {
	if r == nil || r.store == nil || bus == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	ch, unsub := bus.Subscribe(64)
	r.unsub = unsub
	r.done = make(chan struct{})
	go r.loop(ch, r.done)
}

func (r *Recorder) Stop() {
	r.mu.Lock()
	unsub := r.unsub
	done := r.done
	r.unsub = nil
	r.done = nil
	r.mu.Unlock()
	if unsub == nil {
		return
	}
	unsub()
	<-done
}

func (r *Recorder) loop(ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for ev := range ch {
		switch ev.Type {
		case eventbus.TypeRunFinished, eventbus.TypeRunFailed, eventbus.TypeRunSkipped:
		default:
			continue
		}
		item, ok := ev.Data.(engine.HistoryItem)
		if !ok {
			continue
		}
		rec := recordFromHistory(item, ev)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := r.store.AppendRun(ctx, rec); err != nil {
			r.log.Warn("run record not persisted",
				logx.String("job", rec.Job),
				logx.Err(err))
		}
		cancel()
	}
}

func recordFromHistory(item engine.HistoryItem, ev eventbus.Event) RunRecord {
	started := item.Started
	if started.IsZero() {
		started = ev.Time
	}
	return RunRecord{
		ID:         item.RunID,
		Job:        item.Job,
		Trigger:    string(item.Trigger),
		Started:    started,
		QueueMS:    item.QueueDelay.Milliseconds(),
		TookMS:     item.Duration.Milliseconds(),
		Step:       string(item.Step),
		ExitCode:   item.ExitCode,
		Error:      item.Error,
		OutputTail: item.OutputTail,
	}
}

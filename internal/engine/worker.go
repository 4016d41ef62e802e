package engine

import (
	"context"
	"fmt"
	"time"

	"jobrunner/internal/eventbus"
	"jobrunner/internal/runner"
	logx "jobrunner/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedRun) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qr, ok := <-queue:
			if !ok {
				return
			}
			s.execOne(ctx, qr)
		}
	}
}

func (s *Service) execOne(ctx context.Context, qr queuedRun) {
	start := time.Now()
	queueDelay := time.Duration(0)
	if !qr.enqueuedAt.IsZero() {
		queueDelay = start.Sub(qr.enqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}
	if qr.track && qr.state != nil {
		defer qr.state.release()
	}

	s.publish(eventbus.Event{Type: eventbus.TypeRunStarted, Time: start, Data: HistoryItem{
		Job: qr.job.Name, Trigger: qr.trigger, Started: start, QueueDelay: queueDelay, ExitCode: -1,
	}})

	// Guard against pipeline panics: one bad job must not kill a worker.
	var res *runner.Result
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		res, err = s.run.Run(ctx, qr.job, qr.trigger)
	}()

	item := HistoryItem{
		Job:        qr.job.Name,
		Trigger:    qr.trigger,
		Started:    start,
		QueueDelay: queueDelay,
		Duration:   time.Since(start),
		ExitCode:   -1,
	}
	if res != nil {
		item.RunID = res.RunID
		item.Duration = res.Duration
		item.Step = res.Step
		item.ExitCode = res.ExitCode
		item.OutputTail = res.OutputTail
	}
	evType := eventbus.TypeRunFinished
	if err != nil {
		item.Error = err.Error()
		evType = eventbus.TypeRunFailed
		s.log.Warn("run recorded as failed",
			logx.String("job", qr.job.Name),
			logx.String("step", string(item.Step)),
			logx.Duration("queue_delay", queueDelay),
			logx.Err(err))
	}

	s.publish(eventbus.Event{Type: evType, Time: time.Now(), Data: item})

	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

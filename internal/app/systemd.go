package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "jobrunner/pkg/logx"
)

// startSystemd signals readiness when running as a Type=notify unit and
// feeds the watchdog if WatchdogSec is set. Outside systemd both calls
// are no-ops.
func (a *App) startSystemd() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if !sent {
		return
	}
	a.log.Debug("sd_notify ready sent")

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	// Ping at half the configured interval, as systemd recommends.
	tick := interval / 2
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("sd_notify watchdog failed", logx.Err(err))
				}
			}
		}
	})
}

func (a *App) notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

package app

import (
	"github.com/coreos/go-systemd/v22/daemon"

	logx "throttleq/pkg/logx"
)

// notifyReady and notifyStopping are no-ops unless started by systemd
// with Type=notify (NOTIFY_SOCKET set).
func notifyReady(log logx.Logger) { sdNotify(log, daemon.SdNotifyReady) }

func notifyStopping(log logx.Logger) { sdNotify(log, daemon.SdNotifyStopping) }

func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("systemd notified", logx.String("state", state))
	}
}

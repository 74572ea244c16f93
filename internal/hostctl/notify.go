// Package hostctl adapts the host service manager (systemd) to the
// lifecycle.Host capability and wraps unit registration. Everything here is a
// thin call-through; the controller stays testable without a real host.
package hostctl

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/mattjoyce/flockd/internal/lifecycle"
)

// RunningUnderHost reports whether we were launched by the service manager.
// systemd sets NOTIFY_SOCKET for Type=notify units; its presence is the mode
// switch (there are no command-line flags).
func RunningUnderHost() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}

// NotifyHost implements lifecycle.Host over the sd_notify protocol. A start
// order is implicit in being launched; SIGTERM/SIGINT become stop orders.
type NotifyHost struct {
	ch          chan lifecycle.ControlEvent
	sigCh       chan os.Signal
	stopTimeout time.Duration
	logger      *slog.Logger
}

func NewNotifyHost(stopTimeout time.Duration, logger *slog.Logger) *NotifyHost {
	if logger == nil {
		logger = slog.Default()
	}
	h := &NotifyHost{
		ch:          make(chan lifecycle.ControlEvent, 4),
		sigCh:       make(chan os.Signal, 2),
		stopTimeout: stopTimeout,
		logger:      logger.With("component", "hostctl"),
	}

	// Being launched is the start order.
	h.ch <- lifecycle.ControlStart

	signal.Notify(h.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go h.watchSignals()
	return h
}

func (h *NotifyHost) watchSignals() {
	for sig := range h.sigCh {
		h.logger.Info("received host stop signal", "signal", sig.String())
		select {
		case h.ch <- lifecycle.ControlStop:
		default:
			// A stop order is already pending; one is enough.
		}
	}
}

func (h *NotifyHost) Events() <-chan lifecycle.ControlEvent {
	return h.ch
}

// Report forwards a status transition to systemd. During StopPending each
// checkpoint also extends the stop timeout so the host's watchdog keeps
// waiting instead of killing us.
func (h *NotifyHost) Report(st lifecycle.Status) {
	var lines []string

	switch st.State {
	case lifecycle.ServiceStartPending:
		lines = append(lines, "STATUS=starting: "+st.Message)
	case lifecycle.ServiceRunning:
		lines = append(lines, daemon.SdNotifyReady, "STATUS="+st.Message)
	case lifecycle.ServiceStopPending:
		extend := (h.stopTimeout + 5*time.Second).Microseconds()
		lines = append(lines,
			daemon.SdNotifyStopping,
			"STATUS="+st.Message,
			fmt.Sprintf("EXTEND_TIMEOUT_USEC=%d", extend))
	case lifecycle.ServiceStopped:
		if st.Err != nil {
			lines = append(lines, "STATUS=stopped: "+st.Err.Error())
		} else {
			lines = append(lines, "STATUS=stopped")
		}
	}

	if len(lines) == 0 {
		return
	}
	sent, err := daemon.SdNotify(false, strings.Join(lines, "\n"))
	if err != nil {
		h.logger.Warn("sd_notify failed", "state", st.State, "error", err)
		return
	}
	if !sent {
		h.logger.Debug("sd_notify socket not available", "state", st.State)
	}
}

// Close stops signal delivery. The event channel stays open; the controller
// has its own shutdown path.
func (h *NotifyHost) Close() {
	signal.Stop(h.sigCh)
	close(h.sigCh)
}

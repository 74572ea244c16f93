// Package lifecycle drives the service-level state machine: it reacts to host
// start/stop orders, runs discovery, hands instances to the supervisor, and
// keeps the host informed while long operations are in flight.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/flockd/internal/config"
	"github.com/mattjoyce/flockd/internal/events"
	"github.com/mattjoyce/flockd/internal/instance"
	"github.com/mattjoyce/flockd/internal/journal"
	"github.com/mattjoyce/flockd/internal/supervisor"
)

// checkpointInterval is the cadence of progress reports during StopPending.
// It must be comfortably under any host watchdog deadline.
const checkpointInterval = 2 * time.Second

// Controller owns the ServiceState and is the only mutator of it. It runs as
// a single goroutine (Run); the host callback path never blocks on it because
// all slow work happens here, with checkpoints reported on a ticker.
type Controller struct {
	cfg    *config.Config
	host   Host
	sup    *supervisor.Supervisor
	hub    *events.Hub
	jrnl   *journal.Journal // optional; nil disables the run journal
	logger *slog.Logger

	state ServiceState

	// Per-cycle bookkeeping, reset on every start transition.
	defs     []instance.Definition
	cycleID  string
	recorded map[string]bool

	// test hook
	checkpointEvery time.Duration
}

func New(cfg *config.Config, host Host, sup *supervisor.Supervisor, hub *events.Hub, jrnl *journal.Journal, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:             cfg,
		host:            host,
		sup:             sup,
		hub:             hub,
		jrnl:            jrnl,
		logger:          logger.With("component", "lifecycle"),
		state:           ServiceStopped,
		checkpointEvery: checkpointInterval,
	}
}

// State returns the current service state. Only meaningful between Run
// iterations; the controller goroutine is the sole mutator.
func (c *Controller) State() ServiceState {
	return c.state
}

// Run processes host control events until a stop completes, the host channel
// closes, or ctx is cancelled (treated as a stop order). Stopped is terminal:
// there is no automatic restart of the whole service, and an instance that
// dies while Running is not respawned.
func (c *Controller) Run(ctx context.Context) error {
	hubCh, cancelSub := c.hub.Subscribe()
	defer cancelSub()

	for {
		select {
		case <-ctx.Done():
			if c.state == ServiceRunning {
				return c.stop()
			}
			return ctx.Err()

		case ev, ok := <-c.host.Events():
			if !ok {
				if c.state == ServiceRunning {
					return c.stop()
				}
				return nil
			}
			switch ev {
			case ControlStart:
				if c.state != ServiceStopped {
					c.logger.Warn("ignoring start order", "state", c.state)
					continue
				}
				if err := c.start(ctx); err != nil {
					return err
				}
			case ControlStop:
				if c.state != ServiceRunning {
					c.logger.Warn("ignoring stop order", "state", c.state)
					continue
				}
				return c.stop()
			}

		case hev, ok := <-hubCh:
			if ok {
				c.onInstanceEvent(ctx, hev)
			}
		}
	}
}

// start handles Stopped -> StartPending -> {Running | Stopped}.
func (c *Controller) start(ctx context.Context) error {
	c.setState(ServiceStartPending)
	c.host.Report(Status{State: ServiceStartPending, Message: "discovering instances"})

	defs, err := instance.Discover(c.cfg.Root, c.cfg.Child.Base, c.logger)
	if err != nil {
		// ConfigurationError: fatal, never enter Running with nothing to run.
		c.setState(ServiceStopped)
		c.host.Report(Status{State: ServiceStopped, Err: err})
		return fmt.Errorf("instance discovery: %w", err)
	}
	c.defs = defs
	c.recorded = make(map[string]bool)

	procs, err := c.sup.StartAll(ctx, defs)
	if err != nil {
		c.setState(ServiceStopped)
		c.host.Report(Status{State: ServiceStopped, Err: err})
		return fmt.Errorf("start instances: %w", err)
	}

	running := 0
	for _, p := range procs {
		if p.State().Live() {
			running++
		}
	}

	c.beginJournalCycle(ctx, len(defs))

	// Degraded-but-running is a valid outcome.
	c.setState(ServiceRunning)
	msg := fmt.Sprintf("%d/%d instances running", running, len(defs))
	c.host.Report(Status{State: ServiceRunning, Message: msg})
	c.logger.Info("service running", "running", running, "total", len(defs))
	return nil
}

// stop handles Running -> StopPending -> Stopped, reporting checkpoints while
// the supervisor drains so the host does not conclude we are hung. The caller's
// ctx may already be cancelled (cancellation is a stop order), so everything
// here runs detached.
func (c *Controller) stop() error {
	ctx := context.Background()
	c.setState(ServiceStopPending)
	c.host.Report(Status{
		State:      ServiceStopPending,
		Checkpoint: 1,
		Message:    fmt.Sprintf("stopping %d instances", c.sup.RunningCount()),
	})

	type stopResult struct {
		reports []supervisor.ExitReport
		err     error
	}
	done := make(chan stopResult, 1)
	go func() {
		reports, err := c.sup.StopAll(ctx, c.cfg.Shutdown.Timeout)
		done <- stopResult{reports, err}
	}()

	ticker := time.NewTicker(c.checkpointEvery)
	defer ticker.Stop()

	checkpoint := 1
	for {
		select {
		case res := <-done:
			if res.err != nil {
				// Internal fault in StopPending: force Stopped, surface it.
				c.setState(ServiceStopped)
				c.host.Report(Status{State: ServiceStopped, Err: res.err})
				return fmt.Errorf("stop instances: %w", res.err)
			}
			c.journalExits(ctx, res.reports)
			c.endJournalCycle(ctx)
			c.setState(ServiceStopped)
			c.host.Report(Status{State: ServiceStopped, Message: "all instances stopped"})
			c.logger.Info("service stopped", "instances", len(res.reports))
			return nil

		case <-ticker.C:
			checkpoint++
			c.host.Report(Status{
				State:      ServiceStopPending,
				Checkpoint: checkpoint,
				Message:    fmt.Sprintf("waiting for %d instances", c.sup.RunningCount()),
			})
		}
	}
}

func (c *Controller) setState(s ServiceState) {
	c.logger.Info("service state change", "from", c.state, "to", s)
	c.state = s
}

// onInstanceEvent journals unexpected exits while Running. There is no
// automatic per-instance restart; the death is recorded and logged, siblings
// keep running.
func (c *Controller) onInstanceEvent(ctx context.Context, ev events.Event) {
	if ev.Kind != events.KindExited || c.state != ServiceRunning {
		return
	}
	c.logger.Warn("instance exited while service running", "instance", ev.Instance)
	c.recordExit(ctx, journal.ExitRecord{
		CycleID:      c.cycleID,
		Instance:     ev.Instance,
		ExitCode:     ev.ExitCode,
		ConfigDigest: c.digestFor(ev.Instance),
	})
}

func (c *Controller) journalExits(ctx context.Context, reports []supervisor.ExitReport) {
	for _, r := range reports {
		c.recordExit(ctx, journal.ExitRecord{
			CycleID:      c.cycleID,
			Instance:     r.Instance,
			ExitCode:     r.ExitCode,
			Forced:       r.Forced,
			ConfigDigest: c.digestFor(r.Instance),
		})
	}
}

func (c *Controller) beginJournalCycle(ctx context.Context, instances int) {
	if c.jrnl == nil {
		return
	}
	id, err := c.jrnl.BeginCycle(ctx, instances)
	if err != nil {
		c.logger.Warn("could not journal cycle start", "error", err)
		return
	}
	c.cycleID = id
}

func (c *Controller) endJournalCycle(ctx context.Context) {
	if c.jrnl == nil || c.cycleID == "" {
		return
	}
	if err := c.jrnl.EndCycle(ctx, c.cycleID); err != nil {
		c.logger.Warn("could not journal cycle end", "error", err)
	}
}

func (c *Controller) recordExit(ctx context.Context, rec journal.ExitRecord) {
	if c.jrnl == nil || c.cycleID == "" || c.recorded[rec.Instance] {
		return
	}
	if err := c.jrnl.RecordExit(ctx, rec); err != nil {
		c.logger.Warn("could not journal instance exit", "instance", rec.Instance, "error", err)
		return
	}
	c.recorded[rec.Instance] = true
}

func (c *Controller) digestFor(name string) string {
	for _, d := range c.defs {
		if d.Name == name {
			return d.ConfigDigest
		}
	}
	return ""
}

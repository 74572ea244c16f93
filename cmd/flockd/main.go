// flockd wraps a flock of long-running child processes as one system service.
//
// There are no command-line flags. Launched by systemd (NOTIFY_SOCKET set) it
// runs the supervised service; launched from a terminal it installs the unit,
// or offers to remove it when it is already installed.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/flockd/internal/config"
	"github.com/mattjoyce/flockd/internal/events"
	"github.com/mattjoyce/flockd/internal/hostctl"
	"github.com/mattjoyce/flockd/internal/interactive"
	"github.com/mattjoyce/flockd/internal/journal"
	"github.com/mattjoyce/flockd/internal/lifecycle"
	"github.com/mattjoyce/flockd/internal/lock"
	"github.com/mattjoyce/flockd/internal/log"
	"github.com/mattjoyce/flockd/internal/logmux"
	"github.com/mattjoyce/flockd/internal/supervisor"
	"github.com/mattjoyce/flockd/internal/tui/confirm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "flockd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	root, err := config.DiscoverRoot()
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	if hostctl.RunningUnderHost() {
		return runService(cfg)
	}
	return runInteractive(cfg)
}

// runService is the Type=notify payload: supervise the discovered instances
// until the host orders a stop.
func runService(cfg *config.Config) error {
	guard, err := lock.Acquire(cfg.PIDLockPath())
	if err != nil {
		return err
	}
	defer guard.Release()

	// Wrapper logs go to a dated file beside the children's; stderr only if
	// the logs directory is unusable.
	logFile, err := log.OpenDailyFile(cfg.LogsDir())
	if err != nil {
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)
		log.Warn("falling back to stderr logging", "error", err)
	} else {
		defer logFile.Close()
		log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, logFile)
	}
	logger := log.WithComponent("main")
	logger.Info("service mode", "root", cfg.Root, "base", cfg.Child.Base)

	sink, err := logmux.NewFileSink(cfg.ChildLogPath())
	if err != nil {
		return fmt.Errorf("open child log: %w", err)
	}
	defer sink.Close()

	mux := logmux.New(sink, log.Get())
	hub := events.NewHub()
	sup := supervisor.New(mux, hub, log.Get())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The journal is advisory; the service runs without it.
	jrnl, err := journal.Open(ctx, cfg.Journal.Path)
	if err != nil {
		logger.Warn("journal unavailable", "path", cfg.Journal.Path, "error", err)
		jrnl = nil
	} else {
		defer jrnl.Close()
	}

	host := hostctl.NewNotifyHost(cfg.Shutdown.Timeout, log.Get())
	defer host.Close()

	ctrl := lifecycle.New(cfg, host, sup, hub, jrnl, log.Get())
	runErr := ctrl.Run(ctx)

	// Children are down; let the output drain before the sink closes.
	mux.Wait()
	return runErr
}

// runInteractive handles an operator at a terminal.
func runInteractive(cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat, os.Stderr)

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var history interactive.History
	if jrnl, err := journal.Open(ctx, cfg.Journal.Path); err == nil {
		defer jrnl.Close()
		history = jrnl
	}

	units := hostctl.NewUnitManager(cfg.Service.Name, cfg.Service.DisplayName, cfg.Shutdown.Timeout, log.Get())
	runner := interactive.NewRunner(units, confirm.Dialog{}, history, os.Stdout, log.Get())
	return runner.Run(ctx, execPath, cfg.Service.DisplayName)
}

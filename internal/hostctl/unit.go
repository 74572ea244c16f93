package hostctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrHostControl wraps unit registration/removal failures. Fatal only for the
// requested operation, never for already-running managed processes.
var ErrHostControl = errors.New("host control operation failed")

const (
	unitDir = "/etc/systemd/system"

	// unitOpWait caps the polling loops after start/stop requests.
	unitOpWait = 10 * time.Second
	unitPoll   = 500 * time.Millisecond
)

// UnitManager registers, removes, starts, and stops the wrapper's unit with
// systemd via systemctl.
type UnitManager struct {
	name        string
	displayName string
	stopTimeout time.Duration
	dir         string
	logger      *slog.Logger

	// systemctl is swappable for tests.
	systemctl func(ctx context.Context, args ...string) (string, error)
}

func NewUnitManager(name, displayName string, stopTimeout time.Duration, logger *slog.Logger) *UnitManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitManager{
		name:        name,
		displayName: displayName,
		stopTimeout: stopTimeout,
		dir:         unitDir,
		logger:      logger.With("component", "unit"),
		systemctl:   runSystemctl,
	}
}

func runSystemctl(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "systemctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

func (u *UnitManager) unitName() string {
	return u.name + ".service"
}

func (u *UnitManager) unitPath() string {
	return filepath.Join(u.dir, u.unitName())
}

// Exists reports whether the unit is registered with the host.
func (u *UnitManager) Exists(ctx context.Context) (bool, error) {
	out, err := u.systemctl(ctx, "show", "-p", "LoadState", "--value", u.unitName())
	if err != nil {
		return false, fmt.Errorf("%w: query unit %s: %v (%s)", ErrHostControl, u.unitName(), err, out)
	}
	return out != "not-found", nil
}

// IsActive reports whether the unit is currently running. `systemctl
// is-active` exits non-zero for inactive units, so the output is what counts.
func (u *UnitManager) IsActive(ctx context.Context) (bool, error) {
	out, err := u.systemctl(ctx, "is-active", u.unitName())
	switch out {
	case "active", "activating":
		return true, nil
	case "inactive", "failed", "deactivating", "not-found":
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: query unit activity %s: %v (%s)", ErrHostControl, u.unitName(), err, out)
	}
	return false, nil
}

// Install writes the unit file with auto-start enabled and registers it.
func (u *UnitManager) Install(ctx context.Context, execPath string) error {
	unit := fmt.Sprintf(`[Unit]
Description=%s

[Service]
Type=notify
ExecStart=%s
WorkingDirectory=%s
NotifyAccess=main
TimeoutStopSec=%d

[Install]
WantedBy=multi-user.target
`, u.displayName, execPath, filepath.Dir(execPath), int((u.stopTimeout+10*time.Second).Seconds()))

	if err := os.WriteFile(u.unitPath(), []byte(unit), 0o644); err != nil {
		return fmt.Errorf("%w: write unit file: %v", ErrHostControl, err)
	}
	if out, err := u.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("%w: daemon-reload: %v (%s)", ErrHostControl, err, out)
	}
	if out, err := u.systemctl(ctx, "enable", u.unitName()); err != nil {
		return fmt.Errorf("%w: enable unit: %v (%s)", ErrHostControl, err, out)
	}
	u.logger.Info("unit installed", "unit", u.unitName(), "path", u.unitPath())
	return nil
}

// Remove unregisters the unit. The unit should be stopped first.
func (u *UnitManager) Remove(ctx context.Context) error {
	if out, err := u.systemctl(ctx, "disable", u.unitName()); err != nil {
		return fmt.Errorf("%w: disable unit: %v (%s)", ErrHostControl, err, out)
	}
	if err := os.Remove(u.unitPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove unit file: %v", ErrHostControl, err)
	}
	if out, err := u.systemctl(ctx, "daemon-reload"); err != nil {
		return fmt.Errorf("%w: daemon-reload: %v (%s)", ErrHostControl, err, out)
	}
	u.logger.Info("unit removed", "unit", u.unitName())
	return nil
}

// Start asks the host to start the unit and waits (bounded) until it is
// active.
func (u *UnitManager) Start(ctx context.Context) error {
	if out, err := u.systemctl(ctx, "start", u.unitName()); err != nil {
		return fmt.Errorf("%w: start unit: %v (%s)", ErrHostControl, err, out)
	}
	if err := u.waitActive(ctx, true, unitOpWait); err != nil {
		return err
	}
	u.logger.Info("unit started", "unit", u.unitName())
	return nil
}

// Stop asks the host to stop the unit and waits until it is inactive. The
// wait allows for the unit's own graceful shutdown window.
func (u *UnitManager) Stop(ctx context.Context) error {
	active, err := u.IsActive(ctx)
	if err != nil {
		return err
	}
	if !active {
		u.logger.Info("unit already stopped", "unit", u.unitName())
		return nil
	}
	if out, err := u.systemctl(ctx, "stop", u.unitName()); err != nil {
		return fmt.Errorf("%w: stop unit: %v (%s)", ErrHostControl, err, out)
	}
	if err := u.waitActive(ctx, false, u.stopTimeout+unitOpWait); err != nil {
		return err
	}
	u.logger.Info("unit stopped", "unit", u.unitName())
	return nil
}

func (u *UnitManager) waitActive(ctx context.Context, want bool, max time.Duration) error {
	deadline := time.Now().Add(max)
	for {
		active, err := u.IsActive(ctx)
		if err != nil {
			return err
		}
		if active == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: unit %s did not reach active=%v within %s",
				ErrHostControl, u.unitName(), want, max)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(unitPoll):
		}
	}
}

// Package interactive implements the operator flows that run when the wrapper
// is launched from a terminal instead of by the service manager. There are no
// command-line flags; the unit's registration state decides what happens.
package interactive

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/mattjoyce/flockd/internal/journal"
)

// Consent asks the operator a yes/no question. The terminal dialog implements
// it; tests use a canned fake.
type Consent interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// Units is the slice of unit management the operator flows need.
type Units interface {
	Exists(ctx context.Context) (bool, error)
	Install(ctx context.Context, execPath string) error
	Remove(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// History exposes the journal's read surface so the operator can see what the
// service last did. May be nil when the journal is unavailable.
type History interface {
	LastCycle(ctx context.Context) (*journal.Cycle, error)
}

// Runner drives one operator session: install-and-start when the unit is
// absent, confirm-then-remove when it is present.
type Runner struct {
	units   Units
	consent Consent
	history History
	out     io.Writer
	logger  *slog.Logger
}

func NewRunner(units Units, consent Consent, history History, out io.Writer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		units:   units,
		consent: consent,
		history: history,
		out:     out,
		logger:  logger.With("component", "interactive"),
	}
}

// Run executes the session. execPath is the wrapper binary the unit file will
// point at; displayName is what the operator sees in prompts.
func (r *Runner) Run(ctx context.Context, execPath, displayName string) error {
	exists, err := r.units.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return r.removeFlow(ctx, displayName)
	}
	return r.installFlow(ctx, execPath, displayName)
}

func (r *Runner) installFlow(ctx context.Context, execPath, displayName string) error {
	fmt.Fprintf(r.out, "Installing %s as a system service.\n", displayName)
	if err := r.units.Install(ctx, execPath); err != nil {
		return err
	}
	if err := r.units.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s installed and started.\n", displayName)
	r.logger.Info("service installed and started")
	return nil
}

func (r *Runner) removeFlow(ctx context.Context, displayName string) error {
	r.printLastCycle(ctx)

	ok, err := r.consent.Confirm(ctx,
		fmt.Sprintf("%s is installed. Remove the service and stop all managed processes?", displayName))
	if err != nil {
		return err
	}
	if !ok {
		// Declined: the session must leave no trace.
		fmt.Fprintln(r.out, "Nothing changed.")
		r.logger.Info("operator declined removal")
		return nil
	}

	fmt.Fprintf(r.out, "Stopping %s.\n", displayName)
	if err := r.units.Stop(ctx); err != nil {
		return err
	}
	if err := r.units.Remove(ctx); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "%s stopped and removed.\n", displayName)
	r.logger.Info("service stopped and removed")
	return nil
}

func (r *Runner) printLastCycle(ctx context.Context) {
	if r.history == nil {
		return
	}
	cycle, err := r.history.LastCycle(ctx)
	if err != nil {
		r.logger.Warn("could not read journal", "error", err)
		return
	}
	if cycle == nil {
		return
	}
	if cycle.StoppedAt != nil {
		fmt.Fprintf(r.out, "Last run: %d instance(s), %s to %s.\n",
			cycle.Instances,
			cycle.StartedAt.Format("2006-01-02 15:04:05"),
			cycle.StoppedAt.Format("2006-01-02 15:04:05"))
		return
	}
	fmt.Fprintf(r.out, "Current run: %d instance(s), started %s.\n",
		cycle.Instances, cycle.StartedAt.Format("2006-01-02 15:04:05"))
}

// Package supervisor owns the spawn/monitor/terminate lifecycle of every
// discovered instance. Each spawned child gets a dedicated monitor goroutine
// reporting its exit through the event hub; the Supervisor holds the
// authoritative set of managed processes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mattjoyce/flockd/internal/events"
	"github.com/mattjoyce/flockd/internal/instance"
	"github.com/mattjoyce/flockd/internal/logmux"
)

// killGracePeriod bounds the wait for a process to die after SIGKILL, keeping
// StopAll's total runtime at timeout plus this slack.
const killGracePeriod = 2 * time.Second

// ErrAllFailed means not a single instance could be spawned.
var ErrAllFailed = errors.New("all instances failed to start")

// Managed is one instance under supervision. The process handle is owned
// exclusively by the supervisor.
type Managed struct {
	Def instance.Definition

	mu       sync.Mutex
	state    State
	exitCode *int
	lastErr  error

	cmd  *exec.Cmd
	pid  int
	done chan struct{} // closed once the monitor recorded the exit
}

// State returns the instance's current lifecycle state.
func (m *Managed) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ExitCode returns the recorded exit code, or nil if unknown or still running.
func (m *Managed) ExitCode() *int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCode
}

// Err returns the instance-scoped fault, if any.
func (m *Managed) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// PID returns the child's OS process id, or 0 if it never spawned.
func (m *Managed) PID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// beginStopping atomically moves a live instance to Stopping. Returns false
// when the instance is already terminal (or the monitor beat us to it).
func (m *Managed) beginStopping() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.Live() {
		return false
	}
	m.state = StateStopping
	return true
}

func (m *Managed) setState(to State, logger *slog.Logger) {
	m.mu.Lock()
	next, err := transition(m.state, to)
	m.state = next
	m.mu.Unlock()
	if err != nil {
		logger.Error("instance state machine violation", "instance", m.Def.Name, "error", err)
	}
}

// ExitReport describes how one instance ended during StopAll.
type ExitReport struct {
	Instance string
	ExitCode *int // nil when the exit status is unknown
	Graceful bool // exited within the graceful window
	Forced   bool // needed SIGKILL
	Err      error
}

// Supervisor spawns, monitors, and terminates managed instances.
type Supervisor struct {
	mux    *logmux.Mux
	hub    *events.Hub
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*Managed
	order []string // discovery order, for deterministic reports
}

func New(mux *logmux.Mux, hub *events.Hub, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		mux:    mux,
		hub:    hub,
		logger: logger.With("component", "supervisor"),
		procs:  make(map[string]*Managed),
	}
}

// StartAll spawns one child per definition, each with its config path as the
// `-c` argument. A spawn failure marks that instance Failed and moves on;
// siblings are unaffected. Instances already live from a previous call are
// not spawned again. Returns ErrAllFailed only when nothing started.
func (s *Supervisor) StartAll(ctx context.Context, defs []instance.Definition) ([]*Managed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := 0
	out := make([]*Managed, 0, len(defs))
	for _, def := range defs {
		if existing, ok := s.procs[def.Name]; ok && existing.State().Live() {
			s.logger.Warn("instance already live, not spawning again",
				"instance", def.Name, "state", existing.State())
			out = append(out, existing)
			started++
			continue
		}

		m := s.spawn(def)
		if _, ok := s.procs[def.Name]; !ok {
			s.order = append(s.order, def.Name)
		}
		s.procs[def.Name] = m
		out = append(out, m)
		if m.State() == StateRunning {
			started++
		}
	}

	if started == 0 {
		return out, fmt.Errorf("%w (%d definitions)", ErrAllFailed, len(defs))
	}
	return out, nil
}

// spawn starts one child with separate stdout/stderr pipes registered on the
// multiplexer. The parent's write ends are closed right after Start so the
// mux readers see EOF as soon as the child exits.
func (s *Supervisor) spawn(def instance.Definition) *Managed {
	m := &Managed{
		Def:   def,
		state: StateStarting,
		done:  make(chan struct{}),
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		s.failSpawn(m, fmt.Errorf("stdout pipe: %w", err))
		return m
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		s.failSpawn(m, fmt.Errorf("stderr pipe: %w", err))
		return m
	}

	cmd := exec.Command(def.ExecPath, "-c", def.ConfigPath)
	cmd.Dir = filepath.Dir(def.ExecPath)
	cmd.Stdout = outW
	cmd.Stderr = errW

	startErr := cmd.Start()
	outW.Close()
	errW.Close()
	if startErr != nil {
		outR.Close()
		errR.Close()
		s.failSpawn(m, fmt.Errorf("start process: %w", startErr))
		return m
	}

	m.cmd = cmd
	m.pid = cmd.Process.Pid
	m.setState(StateRunning, s.logger)
	s.logger.Info("instance started", "instance", def.Name, "pid", m.pid,
		"executable", def.ExecPath, "config", def.ConfigPath)
	s.hub.Publish(events.Event{Kind: events.KindSpawned, Instance: def.Name})

	s.mux.Attach(def.Name, logmux.StreamStdout, outR)
	s.mux.Attach(def.Name, logmux.StreamStderr, errR)

	go s.monitor(m)
	return m
}

func (s *Supervisor) failSpawn(m *Managed, err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.setState(StateFailed, s.logger)
	close(m.done)
	s.logger.Error("instance spawn failed", "instance", m.Def.Name, "error", err)
	s.hub.Publish(events.Event{Kind: events.KindSpawnError, Instance: m.Def.Name, Err: err})
}

// monitor waits for the child to exit and records the outcome. It runs once
// per spawned instance, independent of the others.
func (s *Supervisor) monitor(m *Managed) {
	err := m.cmd.Wait()

	var code *int
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		zero := 0
		code = &zero
	case errors.As(err, &exitErr):
		c := exitErr.ExitCode()
		code = &c
	}

	m.mu.Lock()
	m.exitCode = code
	if err != nil {
		m.lastErr = err
	}
	wasStopping := m.state == StateStopping
	m.mu.Unlock()

	switch {
	case wasStopping:
		// Termination we asked for; a signal death here is not a failure.
		m.setState(StateStopped, s.logger)
		s.logger.Info("instance stopped", "instance", m.Def.Name, "pid", m.pid)
	case err == nil:
		m.setState(StateStopped, s.logger)
		s.logger.Info("instance exited cleanly", "instance", m.Def.Name, "pid", m.pid)
	default:
		m.setState(StateFailed, s.logger)
		s.logger.Warn("instance exited abnormally", "instance", m.Def.Name,
			"pid", m.pid, "error", err)
	}

	s.hub.Publish(events.Event{
		Kind:     events.KindExited,
		Instance: m.Def.Name,
		ExitCode: code,
		Err:      err,
	})
	close(m.done)
}

// StopAll gracefully terminates every live instance: SIGTERM, a shared wait
// of up to timeout, then SIGKILL for stragglers. Idempotent — instances
// already stopped or failed are no-ops. The call returns within timeout plus
// a small bounded grace period regardless of how many children are stuck.
func (s *Supervisor) StopAll(ctx context.Context, timeout time.Duration) ([]ExitReport, error) {
	s.mu.Lock()
	procs := make([]*Managed, 0, len(s.order))
	for _, name := range s.order {
		procs = append(procs, s.procs[name])
	}
	s.mu.Unlock()

	var live []*Managed
	for _, p := range procs {
		if !p.beginStopping() {
			continue
		}
		s.logger.Info("sending graceful termination", "instance", p.Def.Name, "pid", p.pid)
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			// Likely already gone; the monitor will record the exit.
			s.logger.Warn("could not signal instance", "instance", p.Def.Name, "error", err)
		}
		live = append(live, p)
	}

	deadline := time.Now().Add(timeout)
	graceful := make(map[string]bool, len(live))
	var stuck []*Managed
	for _, p := range live {
		select {
		case <-p.done:
			graceful[p.Def.Name] = true
		case <-time.After(time.Until(deadline)):
			stuck = append(stuck, p)
		case <-ctx.Done():
			stuck = append(stuck, p)
		}
	}

	forced := make(map[string]bool, len(stuck))
	if len(stuck) > 0 {
		for _, p := range stuck {
			s.logger.Warn("instance did not exit within graceful window, killing",
				"instance", p.Def.Name, "pid", p.pid, "timeout", timeout)
			if err := p.cmd.Process.Kill(); err != nil {
				s.logger.Error("could not kill instance", "instance", p.Def.Name, "error", err)
			}
			forced[p.Def.Name] = true
		}

		killDeadline := time.Now().Add(killGracePeriod)
		for _, p := range stuck {
			select {
			case <-p.done:
			case <-time.After(time.Until(killDeadline)):
				s.logger.Error("instance still alive after SIGKILL", "instance", p.Def.Name, "pid", p.pid)
			}
			s.verifyDead(p)
		}
	}

	reports := make([]ExitReport, 0, len(procs))
	for _, p := range procs {
		reports = append(reports, ExitReport{
			Instance: p.Def.Name,
			ExitCode: p.ExitCode(),
			Graceful: !forced[p.Def.Name],
			Forced:   forced[p.Def.Name],
			Err:      p.Err(),
		})
	}
	return reports, nil
}

// verifyDead double-checks against the OS that the child is gone. A survivor
// is an operator problem we can only report.
func (s *Supervisor) verifyDead(p *Managed) {
	if p.pid == 0 {
		return
	}
	alive, err := process.PidExists(int32(p.pid))
	if err != nil {
		s.logger.Warn("could not verify instance termination", "instance", p.Def.Name,
			"pid", p.pid, "error", err)
		return
	}
	if alive {
		s.logger.Error("instance process survived termination", "instance", p.Def.Name, "pid", p.pid)
	}
}

// Processes returns the managed set in discovery order.
func (s *Supervisor) Processes() []*Managed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Managed, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.procs[name])
	}
	return out
}

// RunningCount reports how many instances are currently live.
func (s *Supervisor) RunningCount() int {
	n := 0
	for _, p := range s.Processes() {
		if p.State().Live() {
			n++
		}
	}
	return n
}

package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/flockd/internal/config"
	"github.com/mattjoyce/flockd/internal/events"
	"github.com/mattjoyce/flockd/internal/journal"
	"github.com/mattjoyce/flockd/internal/logmux"
	"github.com/mattjoyce/flockd/internal/supervisor"
)

type fakeHost struct {
	ch chan ControlEvent

	mu       sync.Mutex
	statuses []Status
}

func newFakeHost() *fakeHost {
	return &fakeHost{ch: make(chan ControlEvent, 4)}
}

func (h *fakeHost) Events() <-chan ControlEvent { return h.ch }

func (h *fakeHost) Report(s Status) {
	h.mu.Lock()
	h.statuses = append(h.statuses, s)
	h.mu.Unlock()
}

func (h *fakeHost) snapshot() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Status(nil), h.statuses...)
}

func (h *fakeHost) waitForState(t *testing.T, want ServiceState) Status {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range h.snapshot() {
			if s.State == want {
				return s
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("host never saw state %s; reports: %+v", want, h.snapshot())
	return Status{}
}

type nullSink struct{}

func (nullSink) WriteLine(logmux.Line) error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeExec(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newTestController builds a controller over a temp root. Callers populate
// the root with instance executables/configs before sending ControlStart.
func newTestController(t *testing.T, root string, jrnl *journal.Journal) (*Controller, *fakeHost) {
	t.Helper()
	writeFile(t, filepath.Join(root, "config.yaml"), "shutdown:\n  timeout: 2s\n")
	cfg, err := config.Load(root)
	require.NoError(t, err)

	hub := events.NewHub()
	mux := logmux.New(nullSink{}, discardLogger())
	sup := supervisor.New(mux, hub, discardLogger())
	host := newFakeHost()
	c := New(cfg, host, sup, hub, jrnl, discardLogger())
	c.checkpointEvery = 50 * time.Millisecond
	return c, host
}

func TestStartStopCycle(t *testing.T) {
	root := t.TempDir()
	writeExec(t, filepath.Join(root, "frpc"), "sleep 60")
	writeFile(t, filepath.Join(root, "frpc.toml"), "a = 1\n")

	c, host := newTestController(t, root, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	host.ch <- ControlStart
	running := host.waitForState(t, ServiceRunning)
	assert.Equal(t, "1/1 instances running", running.Message)

	host.ch <- ControlStop
	require.NoError(t, <-errCh)

	var states []ServiceState
	for _, s := range host.snapshot() {
		states = append(states, s.State)
	}
	assert.Equal(t, ServiceStartPending, states[0])
	assert.Contains(t, states, ServiceRunning)
	assert.Contains(t, states, ServiceStopPending)
	assert.Equal(t, ServiceStopped, states[len(states)-1])
	assert.Equal(t, ServiceStopped, c.State())
}

func TestStartWithNoInstancesIsFatal(t *testing.T) {
	root := t.TempDir()
	c, host := newTestController(t, root, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	host.ch <- ControlStart
	err := <-errCh
	require.Error(t, err)

	final := host.waitForState(t, ServiceStopped)
	assert.Error(t, final.Err)
	assert.Equal(t, ServiceStopped, c.State())
}

func TestDegradedStartStillRuns(t *testing.T) {
	root := t.TempDir()
	writeExec(t, filepath.Join(root, "frpc"), "sleep 60")
	writeFile(t, filepath.Join(root, "frpc.toml"), "a = 1\n")
	// Executable bit set but not a runnable binary: spawn fails, sibling
	// unaffected.
	require.NoError(t, os.WriteFile(filepath.Join(root, "frpc@broken"), []byte{0x00, 0x01}, 0o755))
	writeFile(t, filepath.Join(root, "broken.toml"), "b = 2\n")

	c, host := newTestController(t, root, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	host.ch <- ControlStart
	running := host.waitForState(t, ServiceRunning)
	assert.Equal(t, "1/2 instances running", running.Message)

	host.ch <- ControlStop
	require.NoError(t, <-errCh)
}

func TestStopCheckpointsWhileWaiting(t *testing.T) {
	root := t.TempDir()
	// Ignores SIGTERM so the stop has to ride out the full graceful window.
	writeExec(t, filepath.Join(root, "frpc"), `trap "" TERM
sleep 60`)
	writeFile(t, filepath.Join(root, "frpc.toml"), "a = 1\n")

	c, host := newTestController(t, root, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	host.ch <- ControlStart
	host.waitForState(t, ServiceRunning)
	host.ch <- ControlStop
	require.NoError(t, <-errCh)

	var checkpoints []int
	for _, s := range host.snapshot() {
		if s.State == ServiceStopPending {
			checkpoints = append(checkpoints, s.Checkpoint)
		}
	}
	require.GreaterOrEqual(t, len(checkpoints), 3,
		"host must receive periodic progress while the stop drags on")
	assert.IsIncreasing(t, checkpoints)
}

func TestContextCancelActsAsStop(t *testing.T) {
	root := t.TempDir()
	writeExec(t, filepath.Join(root, "frpc"), "sleep 60")
	writeFile(t, filepath.Join(root, "frpc.toml"), "a = 1\n")

	c, host := newTestController(t, root, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	host.ch <- ControlStart
	host.waitForState(t, ServiceRunning)
	cancel()

	require.NoError(t, <-errCh)
	host.waitForState(t, ServiceStopped)
}

func TestJournalRecordsCycle(t *testing.T) {
	root := t.TempDir()
	writeExec(t, filepath.Join(root, "frpc"), "sleep 60")
	writeFile(t, filepath.Join(root, "frpc.toml"), "a = 1\n")

	jrnl, err := journal.Open(context.Background(), filepath.Join(root, "flockd.db"))
	require.NoError(t, err)
	defer jrnl.Close()

	c, host := newTestController(t, root, jrnl)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(context.Background()) }()

	host.ch <- ControlStart
	host.waitForState(t, ServiceRunning)
	host.ch <- ControlStop
	require.NoError(t, <-errCh)

	cycle, err := jrnl.LastCycle(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cycle)
	assert.Equal(t, 1, cycle.Instances)
	require.NotNil(t, cycle.StoppedAt)

	exits, err := jrnl.Exits(context.Background(), cycle.ID)
	require.NoError(t, err)
	require.Len(t, exits, 1)
	assert.Equal(t, "default", exits[0].Instance)
	assert.NotEmpty(t, exits[0].ConfigDigest)
}

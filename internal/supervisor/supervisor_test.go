package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/flockd/internal/events"
	"github.com/mattjoyce/flockd/internal/instance"
	"github.com/mattjoyce/flockd/internal/logmux"
)

type collectSink struct {
	mu    sync.Mutex
	lines []logmux.Line
}

func (s *collectSink) WriteLine(l logmux.Line) error {
	s.mu.Lock()
	s.lines = append(s.lines, l)
	s.mu.Unlock()
	return nil
}

func (s *collectSink) texts(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, l := range s.lines {
		if l.Instance == name {
			out = append(out, l.Text)
		}
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptDef writes an executable shell script plus a dummy config file and
// returns a definition for it.
func scriptDef(t *testing.T, dir, name, body string) instance.Definition {
	t.Helper()
	execPath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(execPath, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	cfgPath := filepath.Join(dir, name+".toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("# test config\n"), 0o644))
	return instance.Definition{Name: name, ExecPath: execPath, ConfigPath: cfgPath}
}

func newTestSupervisor() (*Supervisor, *collectSink, *events.Hub) {
	sink := &collectSink{}
	hub := events.NewHub()
	mux := logmux.New(sink, discardLogger())
	return New(mux, hub, discardLogger()), sink, hub
}

func waitForState(t *testing.T, m *Managed, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("instance %s stuck in %s, want %s", m.Def.Name, m.State(), want)
}

func TestStartAllSpawnsAndRecordsExit(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	defs := []instance.Definition{
		scriptDef(t, dir, "ok", "exit 0"),
		scriptDef(t, dir, "bad", "exit 3"),
	}

	procs, err := sup.StartAll(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, procs, 2)

	waitForState(t, procs[0], StateStopped)
	waitForState(t, procs[1], StateFailed)

	require.NotNil(t, procs[0].ExitCode())
	assert.Equal(t, 0, *procs[0].ExitCode())
	require.NotNil(t, procs[1].ExitCode())
	assert.Equal(t, 3, *procs[1].ExitCode())
}

func TestStartAllPartialFailureIsolated(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	good := scriptDef(t, dir, "good", "sleep 30")
	missing := instance.Definition{
		Name:       "missing",
		ExecPath:   filepath.Join(dir, "does-not-exist"),
		ConfigPath: good.ConfigPath,
	}

	procs, err := sup.StartAll(context.Background(), []instance.Definition{good, missing})
	require.NoError(t, err, "one failed spawn must not fail the batch")
	require.Len(t, procs, 2)

	assert.Equal(t, StateRunning, procs[0].State())
	assert.Equal(t, StateFailed, procs[1].State())
	assert.Error(t, procs[1].Err())

	_, err = sup.StopAll(context.Background(), 2*time.Second)
	require.NoError(t, err)
}

func TestStartAllAllFailed(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	defs := []instance.Definition{
		{Name: "a", ExecPath: filepath.Join(dir, "nope-a"), ConfigPath: filepath.Join(dir, "a.toml")},
		{Name: "b", ExecPath: filepath.Join(dir, "nope-b"), ConfigPath: filepath.Join(dir, "b.toml")},
	}

	_, err := sup.StartAll(context.Background(), defs)
	assert.ErrorIs(t, err, ErrAllFailed)
}

func TestStartAllDoesNotDoubleSpawn(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	defs := []instance.Definition{scriptDef(t, dir, "long", "sleep 30")}

	first, err := sup.StartAll(context.Background(), defs)
	require.NoError(t, err)
	pid := first[0].PID()
	require.NotZero(t, pid)

	second, err := sup.StartAll(context.Background(), defs)
	require.NoError(t, err)
	assert.Equal(t, pid, second[0].PID(), "live instance must not be respawned")
	assert.Equal(t, 1, sup.RunningCount())

	_, err = sup.StopAll(context.Background(), 2*time.Second)
	require.NoError(t, err)
}

func TestStopAllGraceful(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	_, err := sup.StartAll(context.Background(), []instance.Definition{
		scriptDef(t, dir, "svc", "sleep 60"),
	})
	require.NoError(t, err)

	reports, err := sup.StopAll(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.Len(t, reports, 1)

	assert.True(t, reports[0].Graceful)
	assert.False(t, reports[0].Forced)
	assert.Equal(t, StateStopped, sup.Processes()[0].State())
}

func TestStopAllForcesStuckInstance(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	// Ignores SIGTERM; only SIGKILL can end it.
	procs, err := sup.StartAll(context.Background(), []instance.Definition{
		scriptDef(t, dir, "stuck", `trap "" TERM
sleep 60`),
	})
	require.NoError(t, err)
	pid := procs[0].PID()

	start := time.Now()
	reports, err := sup.StopAll(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond+killGracePeriod+time.Second,
		"StopAll must return within timeout plus bounded grace")

	require.Len(t, reports, 1)
	assert.True(t, reports[0].Forced)
	assert.False(t, reports[0].Graceful)

	waitForState(t, procs[0], StateStopped)
	alive, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, alive, "no managed process may survive StopAll")
}

func TestStopAllIdempotent(t *testing.T) {
	dir := t.TempDir()
	sup, _, _ := newTestSupervisor()

	_, err := sup.StartAll(context.Background(), []instance.Definition{
		scriptDef(t, dir, "svc", "exit 0"),
	})
	require.NoError(t, err)
	waitForState(t, sup.Processes()[0], StateStopped)

	first, err := sup.StopAll(context.Background(), time.Second)
	require.NoError(t, err)
	second, err := sup.StopAll(context.Background(), time.Second)
	require.NoError(t, err)

	assert.Equal(t, first, second, "stopping stopped instances is a no-op")
	assert.True(t, second[0].Graceful)
}

func TestChildOutputReachesSink(t *testing.T) {
	dir := t.TempDir()
	sup, sink, _ := newTestSupervisor()

	_, err := sup.StartAll(context.Background(), []instance.Definition{
		scriptDef(t, dir, "echoer", "echo ready"),
	})
	require.NoError(t, err)

	waitForState(t, sup.Processes()[0], StateStopped)
	sup.mux.Wait()

	assert.Equal(t, []string{"ready"}, sink.texts("echoer"))
}

func TestExitEventsPublished(t *testing.T) {
	dir := t.TempDir()
	sup, _, hub := newTestSupervisor()
	ch, cancel := hub.Subscribe()
	defer cancel()

	_, err := sup.StartAll(context.Background(), []instance.Definition{
		scriptDef(t, dir, "shortlived", "exit 0"),
	})
	require.NoError(t, err)

	var kinds []events.Kind
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-ch:
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []events.Kind{events.KindSpawned, events.KindExited}, kinds)
}

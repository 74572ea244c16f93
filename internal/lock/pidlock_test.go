package lock

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesOwnPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flockd.pid")

	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "flockd.pid")

	g, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g.Release())
}

// flock(2) locks attach to the open file description, so a second Acquire
// opens a fresh description and contends even within one process.
func TestAcquireContended(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flockd.pid")

	g, err := Acquire(path)
	require.NoError(t, err)
	defer g.Release()

	_, err = Acquire(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getpid()), "error names the holder pid")
}

func TestReacquireAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flockd.pid")

	g, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g.Release())

	g2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g2.Release())
}

func TestReleaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flockd.pid")

	g, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	assert.NoError(t, g.Release())
}

func TestAcquireEmptyPath(t *testing.T) {
	_, err := Acquire("")
	assert.Error(t, err)
}

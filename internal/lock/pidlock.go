// Package lock guards a service root with a PID file + flock(2) so two
// wrappers cannot supervise the same directory at once.
package lock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
)

// ErrAlreadyRunning means another wrapper holds the lock for this root.
var ErrAlreadyRunning = errors.New("another instance is already running")

// Guard is the held lock. The lock lives as long as the file descriptor;
// release it on shutdown, but a crashed process releases it automatically.
type Guard struct {
	path string
	f    *os.File
}

// Acquire takes an exclusive non-blocking lock at path and writes our PID
// into the file. If the lock is held, the returned error wraps
// ErrAlreadyRunning and names the holder when the PID can be read.
func Acquire(path string) (*Guard, error) {
	if path == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(f)
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if holder > 0 {
				return nil, fmt.Errorf("%w (pid %d, lock %s)", ErrAlreadyRunning, holder, path)
			}
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, path)
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	if err := writePID(f); err != nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, err
	}

	return &Guard{path: path, f: f}, nil
}

func writePID(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("seek lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync lock file: %w", err)
	}
	return nil
}

// readHolder best-effort parses the PID already in the file.
func readHolder(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}

func (g *Guard) Path() string { return g.path }

func (g *Guard) Release() error {
	if g == nil || g.f == nil {
		return nil
	}
	_ = syscall.Flock(int(g.f.Fd()), syscall.LOCK_UN)
	err := g.f.Close()
	g.f = nil
	return err
}

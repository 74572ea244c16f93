// Package logmux merges the output streams of all managed instances into one
// serialized log. Each stream gets its own reader goroutine; decoding and
// sanitizing happen outside the lock, only the sink write is serialized, so a
// slow instance cannot corrupt or interleave another instance's lines.
package logmux

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	readChunkBytes = 4096

	// maxLineBytes caps the carry buffer; a child emitting an endless line
	// gets it flushed in segments instead of growing memory unboundedly.
	maxLineBytes = 64 * 1024
)

// Stream identifies which child descriptor a line came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Line is one sanitized, tagged log line. Seq is per-instance monotonic
// (shared across an instance's stdout and stderr); there is no total order
// across instances.
type Line struct {
	Instance string
	Stream   Stream
	Seq      uint64
	Text     string
}

// Sink consumes finished lines. Implementations do not need to be
// goroutine-safe; the Mux serializes calls.
type Sink interface {
	WriteLine(l Line) error
}

// Mux fans instance output streams into a single Sink.
type Mux struct {
	sink   Sink
	logger *slog.Logger

	mu   sync.Mutex // serializes sink writes and sequence assignment only
	seqs map[string]uint64
	wg   sync.WaitGroup
}

func New(sink Sink, logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		sink:   sink,
		logger: logger.With("component", "logmux"),
		seqs:   make(map[string]uint64),
	}
}

// Attach starts a reader goroutine that consumes r until EOF. The reader
// buffers bytes until a newline so a line split across reads is emitted
// exactly once, complete. Call Wait after the underlying processes have
// exited to drain everything.
func (m *Mux) Attach(instance string, stream Stream, r io.Reader) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.consume(instance, stream, r)
	}()
}

// Wait blocks until every attached stream has been drained to EOF.
func (m *Mux) Wait() {
	m.wg.Wait()
}

func (m *Mux) consume(instance string, stream Stream, r io.Reader) {
	var (
		carry []byte
		buf   = make([]byte, readChunkBytes)
	)

	emit := func(raw []byte) {
		m.write(Line{Instance: instance, Stream: stream, Text: sanitize(raw)})
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			carry = append(carry, buf[:n]...)
			for {
				idx := bytes.IndexByte(carry, '\n')
				if idx < 0 {
					break
				}
				emit(carry[:idx])
				carry = carry[idx+1:]
			}
			if len(carry) > maxLineBytes {
				emit(carry)
				carry = carry[:0]
			}
		}
		if err != nil {
			if err != io.EOF {
				m.logger.Warn("output stream read failed", "instance", instance, "error", err)
			}
			break
		}
	}

	// Final partial line at EOF still gets logged.
	if len(carry) > 0 {
		emit(carry)
	}
}

func (m *Mux) write(l Line) {
	m.mu.Lock()
	m.seqs[l.Instance]++
	l.Seq = m.seqs[l.Instance]
	err := m.sink.WriteLine(l)
	m.mu.Unlock()
	if err != nil {
		m.logger.Error("sink write failed", "instance", l.Instance, "error", err)
	}
}

// FileSink appends tagged lines to a single log file.
type FileSink struct {
	f *os.File
}

// NewFileSink opens (appending) the shared child-output log at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open child log: %w", err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) WriteLine(l Line) error {
	_, err := fmt.Fprintf(s.f, "[%s] %s\n", l.Instance, l.Text)
	return err
}

func (s *FileSink) Close() error {
	return s.f.Close()
}

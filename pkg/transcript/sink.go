// Package transcript records console traffic for audit and post-mortem debugging.
package transcript

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Sink is an append-only dual-write log of everything read from and sent to a console.
// Every write goes to the backing file (if any) and to an in-memory copy.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
	mem    bytes.Buffer
}

// New creates a sink that only keeps the in-memory copy and writes to mirror (may be nil).
func New(mirror io.Writer) *Sink {
	return &Sink{mirror: mirror}
}

// Open creates a sink backed by a transcript file at path.
func Open(path string, mirror io.Writer) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create transcript dir")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		slog.Error("transcript_open_failed", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to open transcript")
	}
	slog.Info("transcript_opened", "path", path)
	return &Sink{file: f, mirror: mirror}, nil
}

// Received records bytes read from the console.
func (s *Sink) Received(p []byte) {
	s.write(p)
}

// Sent records bytes written to the console.
func (s *Sink) Sent(p []byte) {
	s.write(p)
}

func (s *Sink) write(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.Write(p)
	if s.file != nil {
		// A failed transcript write must not break the console flow.
		if _, err := s.file.Write(p); err != nil {
			slog.Warn("transcript_write_failed", "path", s.file.Name(), "error", err)
		}
	}
	if s.mirror != nil {
		s.mirror.Write(p)
	}
}

// Bytes returns a copy of everything recorded so far.
func (s *Sink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.mem.Bytes())
}

// Path returns the transcript file path, or "" for a memory-only sink.
func (s *Sink) Path() string {
	if s.file == nil {
		return ""
	}
	return s.file.Name()
}

// Close closes the backing file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

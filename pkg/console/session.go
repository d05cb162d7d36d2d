// Package console drives one console connection to a board: a blocking
// "await pattern" primitive with timeout and raw send primitives. All
// traffic is recorded in a transcript.
package console

import (
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode"

	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/transcript"
)

// Role is the logical identity of whatever is running behind the console.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleTest
	RoleBootloader
)

func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "master"
	case RoleTest:
		return "test"
	case RoleBootloader:
		return "bootloader"
	default:
		return "unknown"
	}
}

// Session owns one console transport. It is driven by a single goroutine;
// only the internal reader runs concurrently with it.
type Session struct {
	conn      io.ReadWriteCloser
	sink      *transcript.Sink
	sendDelay time.Duration

	mu     sync.Mutex
	buf    []byte
	closed bool
	notify chan struct{}
	role   Role

	done chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithSendDelay pauses before every byte written, for slow serial lines.
func WithSendDelay(d time.Duration) Option {
	return func(s *Session) { s.sendDelay = d }
}

// NewSession starts reading from conn. Every byte read and written is
// appended to sink.
func NewSession(conn io.ReadWriteCloser, sink *transcript.Sink, opts ...Option) *Session {
	if sink == nil {
		sink = transcript.New(nil)
	}
	s := &Session{
		conn:   conn,
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.readLoop()
	return s
}

func (s *Session) readLoop() {
	defer close(s.done)
	chunk := make([]byte, 4096)
	for {
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.sink.Received(chunk[:n])
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()
			s.wake()
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("console_read_failed", "error", err)
			}
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			s.wake()
			return
		}
	}
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Send writes text as-is.
func (s *Session) Send(text string) error {
	return s.write([]byte(text))
}

// SendLine writes text followed by a newline.
func (s *Session) SendLine(text string) error {
	return s.write([]byte(text + "\n"))
}

// SendControl sends the control character for c, e.g. 'c' for Ctrl-C.
func (s *Session) SendControl(c rune) error {
	c = unicode.ToLower(c)
	if c < 'a' || c > 'z' {
		return errors.General("invalid control character "+string(c), nil)
	}
	return s.write([]byte{byte(c-'a') + 1})
}

func (s *Session) write(p []byte) error {
	s.sink.Sent(p)
	if s.sendDelay <= 0 {
		if _, err := s.conn.Write(p); err != nil {
			return errors.Wrap(err, "console write failed")
		}
		return nil
	}
	for i := range p {
		time.Sleep(s.sendDelay)
		if _, err := s.conn.Write(p[i : i+1]); err != nil {
			return errors.Wrap(err, "console write failed")
		}
	}
	return nil
}

// Await blocks until one of patterns matches the unconsumed input, the
// stream closes, or timeout elapses. The earliest match in the stream wins;
// ties go to the lower index. Input is consumed through the end of the match.
func (s *Session) Await(timeout time.Duration, patterns ...Pattern) Match {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	n := len(patterns)
	for {
		s.mu.Lock()
		if idx, loc := find(s.buf, patterns); idx >= 0 {
			m := Match{Index: idx, n: n, Before: string(s.buf[:loc[0]])}
			m.groups = make([]string, len(loc)/2)
			for g := range m.groups {
				if loc[2*g] >= 0 {
					m.groups[g] = string(s.buf[loc[2*g]:loc[2*g+1]])
				}
			}
			s.buf = append(s.buf[:0], s.buf[loc[1]:]...)
			s.mu.Unlock()
			return m
		}
		if s.closed {
			s.mu.Unlock()
			return Match{Index: n, n: n}
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-timer.C:
			return Match{Index: n + 1, n: n}
		}
	}
}

// Drain discards buffered input that has not been consumed yet.
func (s *Session) Drain() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Role returns the role last recorded for the console.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// SetRole records what is now running behind the console.
func (s *Session) SetRole(r Role) {
	s.mu.Lock()
	prev := s.role
	s.role = r
	s.mu.Unlock()
	if prev != r {
		slog.Info("console_role_changed", "from", prev.String(), "to", r.String())
	}
}

// Close closes the transport and waits for the reader to exit.
func (s *Session) Close() error {
	err := s.conn.Close()
	<-s.done
	return err
}

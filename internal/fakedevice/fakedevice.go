// Package fakedevice provides an in-memory scripted console for tests.
//
// A Device behaves like a serial line attached to a board: bytes written to
// it are split into lines and handed to a Handler, and whatever the handler
// returns is written back as console output. A handler that returns ""
// produces no output, which looks like a hung device to the caller.
package fakedevice

import (
	"io"
	"strings"
	"sync"
)

// Handler answers one line sent to the device.
type Handler func(line string) string

// Device is a scripted io.ReadWriteCloser.
type Device struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu        sync.Mutex
	pending   []byte
	lines     []string
	controls  []byte
	handler   Handler
	onControl func(c byte) string
}

// New creates a device that answers lines with h.
func New(h Handler) *Device {
	pr, pw := io.Pipe()
	return &Device{pr: pr, pw: pw, handler: h}
}

// OnControl registers a callback for control characters (0x01-0x1a other
// than newline and carriage return). Its output is emitted like a handler's.
func (d *Device) OnControl(fn func(c byte) string) {
	d.mu.Lock()
	d.onControl = fn
	d.mu.Unlock()
}

// SetHandler replaces the line handler.
func (d *Device) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *Device) Read(p []byte) (int, error) {
	return d.pr.Read(p)
}

func (d *Device) Write(p []byte) (int, error) {
	var out strings.Builder

	d.mu.Lock()
	for _, b := range p {
		switch {
		case b == '\n':
			line := string(d.pending)
			d.pending = d.pending[:0]
			d.lines = append(d.lines, line)
			if d.handler != nil {
				h := d.handler
				d.mu.Unlock()
				out.WriteString(h(line))
				d.mu.Lock()
			}
		case b == '\r':
		case b < 0x1b:
			d.controls = append(d.controls, b)
			if d.onControl != nil {
				fn := d.onControl
				d.mu.Unlock()
				out.WriteString(fn(b))
				d.mu.Lock()
			}
		default:
			d.pending = append(d.pending, b)
		}
	}
	d.mu.Unlock()

	if out.Len() > 0 {
		if _, err := d.pw.Write([]byte(out.String())); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

// Emit writes unsolicited console output.
func (d *Device) Emit(s string) error {
	_, err := d.pw.Write([]byte(s))
	return err
}

// Hangup closes the console output; readers see io.EOF.
func (d *Device) Hangup() {
	d.pw.Close()
}

// Close closes both directions.
func (d *Device) Close() error {
	d.pw.Close()
	return d.pr.Close()
}

// Lines returns every complete line written so far.
func (d *Device) Lines() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.lines...)
}

// Pending returns bytes written since the last newline.
func (d *Device) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.pending)
}

// Controls returns the control characters received so far.
func (d *Device) Controls() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.controls...)
}

// CountPrefix returns how many lines start with prefix.
func (d *Device) CountPrefix(prefix string) int {
	n := 0
	for _, l := range d.Lines() {
		if strings.HasPrefix(l, prefix) {
			n++
		}
	}
	return n
}

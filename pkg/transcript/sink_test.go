package transcript

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSink_DualWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "serial.log")
	var mirror bytes.Buffer

	s, err := Open(path, &mirror)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	s.Sent([]byte("reboot\n"))
	s.Received([]byte("Restarting system.\n"))
	s.Received(nil)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := "reboot\nRestarting system.\n"
	if got := string(s.Bytes()); got != want {
		t.Errorf("memory copy = %q, want %q", got, want)
	}
	if got := mirror.String(); got != want {
		t.Errorf("mirror = %q, want %q", got, want)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestSink_AppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "serial.log")

	for _, chunk := range []string{"first\n", "second\n"} {
		s, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		s.Received([]byte(chunk))
		s.Close()
	}

	data, _ := os.ReadFile(path)
	if string(data) != "first\nsecond\n" {
		t.Errorf("expected appended transcript, got %q", data)
	}
}

func TestSink_MemoryOnly(t *testing.T) {
	s := New(nil)
	s.Sent([]byte("x"))
	if s.Path() != "" {
		t.Errorf("expected empty path, got %q", s.Path())
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close on memory sink: %v", err)
	}
	if string(s.Bytes()) != "x" {
		t.Errorf("unexpected content %q", s.Bytes())
	}
}

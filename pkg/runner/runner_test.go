package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/fly-io/boardlab/internal/fakedevice"
	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
)

const testPrompt = `root@master \[rc=(\d+)\]# `

func newRunner(t *testing.T, h fakedevice.Handler) (*Runner, *fakedevice.Device) {
	t.Helper()
	dev := fakedevice.New(h)
	s := console.NewSession(dev, nil)
	t.Cleanup(func() { s.Close() })
	return New(s, console.Regexp(testPrompt), true, time.Second), dev
}

func TestRun_ExitCode(t *testing.T) {
	tests := []struct {
		name     string
		rc       string
		failOK   bool
		wantRC   int
		wantErr  bool
		wantStat Status
	}{
		{"success", "0", false, 0, false, StatusOK},
		{"failure", "2", false, 2, true, StatusFailed},
		{"failure tolerated", "1", true, 1, false, StatusFailed},
		{"large status", "130", true, 130, false, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newRunner(t, func(line string) string {
				return "output\nroot@master [rc=" + tt.rc + "]# "
			})

			var opts []Option
			if tt.failOK {
				opts = append(opts, FailOK())
			}
			res, err := r.Run("umount /dev/disk/by-label/testrootfs", opts...)

			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.IsOperationFailed(err) {
				t.Errorf("expected operation failed, got %v", err)
			}
			if !res.HasExitCode || res.ExitCode != tt.wantRC {
				t.Errorf("exit code = %d (has=%v), want %d", res.ExitCode, res.HasExitCode, tt.wantRC)
			}
			if res.Status != tt.wantStat {
				t.Errorf("status = %s, want %s", res.Status, tt.wantStat)
			}
		})
	}
}

func TestRun_CallerPatternHasNoExitCode(t *testing.T) {
	r, _ := newRunner(t, func(line string) string {
		return "Serving HTTP on 0.0.0.0 port 8000 ...\n"
	})

	res, err := r.Run("python -m SimpleHTTPServer 0", WithExpect(console.Regexp(`port (\d+)`)))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.HasExitCode {
		t.Error("exit code must not be extracted from a non-prompt pattern")
	}
	if res.Group(1) != "8000" {
		t.Errorf("group = %q", res.Group(1))
	}
}

func TestRun_TimeoutAlwaysFails(t *testing.T) {
	r, _ := newRunner(t, func(line string) string { return "" })

	res, err := r.Run("sleep 1000", WithTimeout(20*time.Millisecond), FailOK())
	if !errors.IsOperationFailed(err) {
		t.Fatalf("expected operation failed, got %v", err)
	}
	if res.Status != StatusTimeout || res.Index != 2 {
		t.Errorf("status = %s index = %d", res.Status, res.Index)
	}
}

func TestRun_ClosedFails(t *testing.T) {
	var dev *fakedevice.Device
	r, dev := newRunner(t, func(line string) string {
		dev.Hangup()
		return ""
	})

	res, err := r.Run("halt")
	if err == nil || res.Status != StatusClosed {
		t.Fatalf("expected closed failure, got %v / %v", err, res.Status)
	}
}

func TestRun_DrainsStaleInput(t *testing.T) {
	r, dev := newRunner(t, func(line string) string {
		return "root@master [rc=0]# "
	})

	// A stale failing prompt must not be mistaken for this command's result.
	dev.Emit("root@master [rc=1]# ")
	time.Sleep(10 * time.Millisecond)

	res, err := r.Run("true")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func masterBoard(t *testing.T) (*MasterRunner, *fakedevice.Board) {
	t.Helper()
	b := fakedevice.NewBoard()
	b.StartInMaster()
	s := console.NewSession(b, nil)
	t.Cleanup(func() { s.Close() })

	cfg := &device.Config{
		MasterStr:        "root@master",
		NetworkInterface: "eth0",
		CheckTimeout:     200 * time.Millisecond,
		CommandTimeout:   time.Second,
	}
	return NewMaster(s, cfg, "10.0.0.1"), b
}

func TestMaster_FileExists(t *testing.T) {
	m, b := masterBoard(t)
	b.Paths["/dev/disk/by-label/userdata"] = true

	if !m.HasPartitionWithLabel("userdata") {
		t.Error("expected userdata partition")
	}
	if m.HasPartitionWithLabel("sdcard") {
		t.Error("did not expect sdcard partition")
	}
	if m.HasPartitionWithLabel("") {
		t.Error("empty label must be false")
	}
}

func TestMaster_DeviceVersion(t *testing.T) {
	m, b := masterBoard(t)

	if v := m.DeviceVersion(); v != "20120101-1/20120102-2" {
		t.Errorf("version = %q", v)
	}

	b.Version = "garbage"
	if v := m.DeviceVersion(); v != "" {
		t.Errorf("expected empty version on mismatch, got %q", v)
	}
}

func TestNetwork_TargetIP(t *testing.T) {
	m, b := masterBoard(t)

	ip, err := m.TargetIP(time.Second)
	if err != nil || ip != "192.168.1.20" {
		t.Fatalf("TargetIP = %q, %v", ip, err)
	}

	b.IP = ""
	ip, err = m.TargetIP(time.Second)
	if err != nil || ip != "" {
		t.Fatalf("expected empty ip without error, got %q, %v", ip, err)
	}

	pings := b.CountPrefix("LC_ALL=C ping -W4 -c1 10.0.0.1")
	if pings < 2 {
		t.Errorf("expected one ping per TargetIP, got %d", pings)
	}
}

func TestNetwork_Down(t *testing.T) {
	m, b := masterBoard(t)
	b.NetworkDown = true

	_, err := m.TargetIP(100 * time.Millisecond)
	if !errors.IsCritical(err) {
		t.Fatalf("expected critical network error, got %v", err)
	}
	if !strings.Contains(err.Error(), "network") {
		t.Errorf("unexpected message %q", err)
	}
}

func TestNetwork_ClosedConsoleStopsPolling(t *testing.T) {
	m, b := masterBoard(t)
	b.Hangup()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	err := m.WaitNetworkUp(2 * time.Second)
	if !errors.IsOperationFailed(err) || errors.IsCritical(err) {
		t.Fatalf("expected operation failed error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %s after the console closed", elapsed)
	}
	if pings := b.CountPrefix("LC_ALL=C ping"); pings > 1 {
		t.Errorf("sent %d pings to a closed console", pings)
	}
}

func TestInterrupt(t *testing.T) {
	r, dev := newRunner(t, nil)

	if err := r.Interrupt(50 * time.Millisecond); !errors.IsOperationFailed(err) {
		t.Errorf("expected failure when no prompt returns, got %v", err)
	}

	dev.OnControl(func(c byte) string {
		return "^C\nroot@master [rc=130]# "
	})
	if err := r.Interrupt(time.Second); err != nil {
		t.Errorf("Interrupt failed: %v", err)
	}
	if got := dev.Controls(); len(got) != 2 || got[0] != 0x03 || got[1] != 0x03 {
		t.Errorf("controls = %q, want two Ctrl-C", got)
	}
}

package fakedevice

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Board states.
const (
	StateHung       = "hung"
	StateAutoboot   = "autoboot"
	StateBootloader = "bootloader"
	StateMaster     = "master"
	StateTest       = "test"
	StateServer     = "server"
)

// Board simulates a lab board behind a console: a bootloader with an
// autoboot countdown, a master image shell and a test image shell. Set the
// exported fields before the first line is sent.
type Board struct {
	*Device

	MasterStr        string
	TesterStr        string
	BannerMsg        string
	BootloaderPrompt string
	IP               string
	Version          string
	// Countdown is how long the autoboot prompt waits for an interrupt line.
	Countdown time.Duration
	// ResetDelay is how long after a hard reset the board starts printing.
	ResetDelay time.Duration
	// HangBoots is the number of upcoming boots that stop before the banner.
	HangBoots int
	// IgnoreSoftReboot makes the master shell swallow the reboot command.
	IgnoreSoftReboot bool
	// NetworkDown makes every ping report no reply.
	NetworkDown bool
	// HTTPPort is announced by the single-shot HTTP server; empty means the
	// server never prints its banner.
	HTTPPort string
	// Paths that exist on the device, checked by "ls <path> > /dev/null".
	Paths map[string]bool
	// Exec handles commands before the built-in ones. Return ok=false to
	// fall through.
	Exec func(cmd string) (out string, rc int, ok bool)

	mu          sync.Mutex
	state       string
	ps1         bool
	rc          int
	soft        int
	hard        int
	bootLines   []string
	autoTimer   *time.Timer
	resetTimer  *time.Timer
	masterBoots int
}

// NewBoard returns a board that starts in a hung state (no prompt) with
// reasonable defaults.
func NewBoard() *Board {
	b := &Board{
		MasterStr:        "root@master",
		TesterStr:        "linaro-test",
		BannerMsg:        "Starting kernel",
		BootloaderPrompt: "#",
		IP:               "192.168.1.20",
		Version:          "20120101-1/20120102-2",
		Countdown:        100 * time.Millisecond,
		ResetDelay:       20 * time.Millisecond,
		Paths:            map[string]bool{},
		state:            StateHung,
	}
	b.Device = New(b.handle)
	b.Device.OnControl(b.control)
	return b
}

// StartInMaster puts the board in a master shell with the rc prompt already set.
func (b *Board) StartInMaster() {
	b.mu.Lock()
	b.state = StateMaster
	b.ps1 = true
	b.mu.Unlock()
}

// State returns the current simulated state.
func (b *Board) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SoftReboots returns the number of acknowledged soft reboots.
func (b *Board) SoftReboots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.soft
}

// HardReboots returns the number of console hard resets.
func (b *Board) HardReboots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hard
}

// MasterBoots returns how many times the master image finished booting.
func (b *Board) MasterBoots() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.masterBoots
}

// BootloaderLines returns the lines typed at the bootloader prompt.
func (b *Board) BootloaderLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.bootLines...)
}

func (b *Board) prompt() string {
	if b.ps1 {
		return fmt.Sprintf("%s [rc=%d]# ", b.MasterStr, b.rc)
	}
	return b.MasterStr + ":~# "
}

func (b *Board) handle(line string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if strings.HasSuffix(line, "hardreset") {
		b.hardReset()
		return ""
	}

	switch b.state {
	case StateAutoboot:
		if b.autoTimer != nil {
			b.autoTimer.Stop()
		}
		b.state = StateBootloader
		return "\n" + b.BootloaderPrompt + " "
	case StateBootloader:
		b.bootLines = append(b.bootLines, line)
		if strings.HasPrefix(line, "boot") {
			b.state = StateTest
			return b.BannerMsg + " ...\n" + b.TesterStr + " [rc=0]# "
		}
		return "\n" + b.BootloaderPrompt + " "
	case StateTest:
		if line == "reboot" {
			b.soft++
			return "Restarting system.\n" + b.reboot()
		}
		return b.TesterStr + " [rc=0]# "
	case StateMaster:
		return b.master(line)
	}
	return ""
}

func (b *Board) master(line string) string {
	if b.Exec != nil {
		if out, rc, ok := b.Exec(line); ok {
			b.rc = rc
			return out + b.prompt()
		}
	}

	switch {
	case line == "reboot":
		if b.IgnoreSoftReboot {
			return ""
		}
		b.soft++
		return "The system is going down for reboot NOW\n" + b.reboot()
	case strings.HasPrefix(line, "export PS1="):
		b.ps1 = true
		b.rc = 0
		return b.prompt()
	case strings.HasPrefix(line, "LC_ALL=C ping"):
		if b.NetworkDown {
			return "1 packets transmitted, 0 received, 100% packet loss\n" + b.prompt()
		}
		return "1 packets transmitted, 1 received, 0% packet loss\n" + b.prompt()
	case strings.HasPrefix(line, "ifconfig "):
		b.rc = 0
		if b.IP == "" {
			return b.prompt()
		}
		return b.IP + "\n" + b.prompt()
	case strings.HasPrefix(line, `echo "device_version=`):
		b.rc = 0
		return "device_version=" + b.Version + "\n" + b.prompt()
	case strings.HasPrefix(line, "ls ") && strings.HasSuffix(line, " > /dev/null"):
		path := strings.TrimSuffix(strings.TrimPrefix(line, "ls "), " > /dev/null")
		if b.Paths[path] {
			b.rc = 0
			return b.prompt()
		}
		b.rc = 2
		return "ls: cannot access " + path + ": No such file or directory\n" + b.prompt()
	case strings.HasPrefix(line, "python -m SimpleHTTPServer"):
		if b.HTTPPort == "" {
			return ""
		}
		b.state = StateServer
		return "Serving HTTP on 0.0.0.0 port " + b.HTTPPort + " ...\n"
	}

	b.rc = 0
	return b.prompt()
}

func (b *Board) control(c byte) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c != 0x03 {
		return ""
	}
	switch b.state {
	case StateServer:
		b.state = StateMaster
		b.rc = 130
		return "\nKeyboard interrupt received, exiting.\n" + b.prompt()
	case StateMaster:
		b.rc = 130
		return "^C\n" + b.prompt()
	}
	return ""
}

// HardReset power-cycles the board, as a host reset command would.
func (b *Board) HardReset() {
	b.mu.Lock()
	b.hardReset()
	b.mu.Unlock()
}

// hardReset must be called with mu held. Output starts after ResetDelay.
func (b *Board) hardReset() {
	b.hard++
	b.state = StateHung
	b.ps1 = false
	if b.autoTimer != nil {
		b.autoTimer.Stop()
	}
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	b.resetTimer = time.AfterFunc(b.ResetDelay, func() {
		b.mu.Lock()
		out := b.reboot()
		b.mu.Unlock()
		b.Emit(out)
	})
}

// reboot must be called with mu held.
func (b *Board) reboot() string {
	b.ps1 = false
	if b.autoTimer != nil {
		b.autoTimer.Stop()
	}
	if b.HangBoots > 0 {
		b.HangBoots--
		b.state = StateHung
		return "\nU-Boot 2011.12\n"
	}
	b.state = StateAutoboot
	b.autoTimer = time.AfterFunc(b.Countdown, b.autoboot)
	return "\nU-Boot 2011.12\nHit any key to stop autoboot:  3 "
}

func (b *Board) autoboot() {
	b.mu.Lock()
	if b.state != StateAutoboot {
		b.mu.Unlock()
		return
	}
	b.state = StateMaster
	b.masterBoots++
	out := "\n" + b.BannerMsg + " ...\n[    0.000000] Booting Linux\n" + b.prompt()
	b.mu.Unlock()

	b.Emit(out)
}

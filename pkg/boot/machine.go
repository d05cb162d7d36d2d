// Package boot sequences a board through reboots into its master (recovery)
// image or its test image, escalating from soft to hard reboots and giving
// up after the configured number of attempts.
package boot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fly-io/boardlab/pkg/board"
	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/hostcmd"
	"github.com/fly-io/boardlab/pkg/runner"
)

// State of the boot machine.
type State string

const (
	StateUnknown            State = "unknown"
	StateSoftRebooting      State = "soft_rebooting"
	StateAwaitingBootBanner State = "awaiting_boot_banner"
	StateHardRebooting      State = "hard_rebooting"
	StateMasterShell        State = "master_shell"
	StateBootloader         State = "bootloader"
	StateTestShell          State = "test_shell"
	StateAborted            State = "aborted"
)

// Strategy is how an attempt rebooted the board.
type Strategy string

const (
	StrategySoft Strategy = "soft"
	StrategyHard Strategy = "hard"
)

// Outcome classifies a finished attempt.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimedOut        Outcome = "timed_out"
	OutcomeOperationFailed Outcome = "operation_failed"
)

// Attempt records one iteration of the retry ladder.
type Attempt struct {
	N        int
	Strategy Strategy
	// Escalated is set when a soft reboot was not acknowledged and the
	// attempt fell back to a hard reboot.
	Escalated bool
	Outcome   Outcome
	Err       error
}

// timeoutError marks a step that ended because an await timed out.
type timeoutError struct{ step string }

func (e *timeoutError) Error() string { return e.step + " timed out" }

// HostRunner runs a command on the dispatcher host.
type HostRunner func(ctx context.Context, command string) error

func runOnHost(ctx context.Context, command string) error {
	_, err := hostcmd.Run(ctx, command)
	return err
}

// Options configures a Machine.
type Options struct {
	// ServerIP is pinged to decide whether the board's network is up.
	ServerIP string
	// Proxy, when set, is exported as http_proxy in the master shell.
	Proxy string
	// Host runs hard reset and power commands; defaults to hostcmd.Run.
	Host HostRunner
}

// Machine owns a board's console session across reboots.
type Machine struct {
	cfg     *device.Config
	profile board.Profile
	session *console.Session
	opts    Options

	mu       sync.Mutex
	state    State
	attempts []Attempt
	ip       string
	version  string
}

// New creates a machine for one board. The session is owned by the machine
// from here on.
func New(session *console.Session, cfg *device.Config, profile board.Profile, opts Options) *Machine {
	if opts.Host == nil {
		opts.Host = runOnHost
	}
	return &Machine{
		cfg:     cfg,
		profile: profile,
		session: session,
		opts:    opts,
		state:   StateUnknown,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		slog.Debug("boot_state", "device", m.cfg.Hostname, "from", prev, "to", s)
	}
}

// Attempts returns the attempts made by the last boot.
func (m *Machine) Attempts() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Attempt(nil), m.attempts...)
}

// IP returns the master image address found by the last master boot.
func (m *Machine) IP() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ip
}

// DeviceVersion returns the master image version found by the last master boot.
func (m *Machine) DeviceVersion() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.version
}

// Session returns the console session.
func (m *Machine) Session() *console.Session {
	return m.session
}

// Config returns the device configuration.
func (m *Machine) Config() *device.Config {
	return m.cfg
}

// Master returns a runner for the master shell.
func (m *Machine) Master() *runner.MasterRunner {
	return runner.NewMaster(m.session, m.cfg, m.opts.ServerIP)
}

// BootMaster reboots into the master image. The first attempt uses a soft
// reboot, every later one a hard reboot. After BootRetries failed attempts
// the machine is Aborted and a critical error is returned.
func (m *Machine) BootMaster(ctx context.Context) error {
	return m.ladder(ctx, "master", m.masterAttempt)
}

// BootTest reboots into the bootloader and sends cmds, then waits for the
// test image prompt. It escalates and gives up like BootMaster.
func (m *Machine) BootTest(ctx context.Context, cmds []string) error {
	if len(cmds) == 0 {
		return errors.Config("no boot commands to send", nil)
	}
	return m.ladder(ctx, "test", func(ctx context.Context, a *Attempt) error {
		return m.testAttempt(ctx, a, cmds)
	})
}

// EnsureMaster checks for the master prompt with a short timeout and only
// reboots when it is not visible.
func (m *Machine) EnsureMaster(ctx context.Context) error {
	if err := m.session.SendLine(""); err != nil {
		slog.Debug("master_check_send_failed", "device", m.cfg.Hostname, "error", err)
	}
	match := m.session.Await(m.cfg.CheckTimeout, console.Regexp(m.cfg.MasterPS1Pattern()))
	if match.Matched() {
		m.setState(StateMasterShell)
		m.session.SetRole(console.RoleMaster)
		return nil
	}
	slog.Info("master_prompt_not_visible", "device", m.cfg.Hostname, "seen", match.String())
	return m.BootMaster(ctx)
}

// PowerOff runs the configured power off command, if any.
func (m *Machine) PowerOff(ctx context.Context) error {
	if m.cfg.PowerOffCmd == "" {
		return nil
	}
	slog.Info("power_off", "device", m.cfg.Hostname)
	if err := m.opts.Host(ctx, m.cfg.PowerOffCmd); err != nil {
		return errors.Wrap(err, "power off failed")
	}
	m.setState(StateUnknown)
	m.session.SetRole(console.RoleUnknown)
	return nil
}

func (m *Machine) ladder(ctx context.Context, target string, attempt func(context.Context, *Attempt) error) error {
	m.mu.Lock()
	m.attempts = nil
	m.mu.Unlock()

	var lastErr error
	for n := 1; n <= m.cfg.BootRetries; n++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "boot cancelled")
		}

		a := Attempt{N: n, Strategy: StrategySoft}
		if n > 1 {
			a.Strategy = StrategyHard
		}
		slog.Info("boot_attempt_start", "device", m.cfg.Hostname, "target", target, "attempt", n, "strategy", a.Strategy)

		err := attempt(ctx, &a)
		switch {
		case err == nil:
			a.Outcome = OutcomeSuccess
		case isTimeout(err):
			a.Outcome = OutcomeTimedOut
		default:
			a.Outcome = OutcomeOperationFailed
		}
		a.Err = err

		m.mu.Lock()
		m.attempts = append(m.attempts, a)
		m.mu.Unlock()

		if err == nil {
			slog.Info("boot_attempt_succeeded", "device", m.cfg.Hostname, "target", target, "attempt", n)
			return nil
		}
		if errors.IsConfig(err) {
			return err
		}
		slog.Warn("boot_attempt_failed", "device", m.cfg.Hostname, "target", target, "attempt", n, "outcome", a.Outcome, "error", err)
		lastErr = err
	}

	m.setState(StateAborted)
	m.session.SetRole(console.RoleUnknown)
	msg := fmt.Sprintf("could not boot %s image after %d attempts", target, m.cfg.BootRetries)
	slog.Error("boot_aborted", "device", m.cfg.Hostname, "target", target, "attempts", m.cfg.BootRetries, "error", lastErr)
	return errors.Critical(msg, lastErr)
}

func isTimeout(err error) bool {
	var te *timeoutError
	return errors.As(err, &te)
}

// reboot performs the attempt's reboot, escalating a soft reboot that is not
// acknowledged to a hard one.
func (m *Machine) reboot(ctx context.Context, a *Attempt) error {
	m.session.SetRole(console.RoleUnknown)
	m.mu.Lock()
	m.ip = ""
	m.mu.Unlock()

	if a.Strategy == StrategySoft {
		m.setState(StateSoftRebooting)
		err := m.softReboot()
		if err == nil {
			return nil
		}
		slog.Info("soft_reboot_failed", "device", m.cfg.Hostname, "error", err)
		a.Escalated = true
	}
	m.setState(StateHardRebooting)
	return m.hardReboot(ctx)
}

func (m *Machine) softReboot() error {
	slog.Info("soft_reboot", "device", m.cfg.Hostname)
	// Interrupt whatever is running first.
	if err := m.session.SendControl('c'); err != nil {
		return err
	}
	if err := m.session.SendLine(m.cfg.SoftBootCmd); err != nil {
		return err
	}
	if match := m.session.Await(m.cfg.SoftRebootTimeout, m.profile.RebootMarkers()...); !match.Matched() {
		return errors.OperationFailed("soft reboot not acknowledged", &timeoutError{step: "soft reboot"})
	}
	return nil
}

func (m *Machine) hardReboot(ctx context.Context) error {
	slog.Info("hard_reboot", "device", m.cfg.Hostname)
	if m.cfg.HardResetCommand != "" {
		if err := m.opts.Host(ctx, m.cfg.HardResetCommand); err != nil {
			return errors.OperationFailed("hard reset command failed", err)
		}
		return nil
	}
	if err := m.session.Send("~$"); err != nil {
		return err
	}
	if err := m.session.SendLine("hardreset"); err != nil {
		return err
	}
	m.session.Drain()
	return nil
}

// await waits for p and turns a miss into an OperationFailed error.
func (m *Machine) await(step string, timeout time.Duration, p console.Pattern) error {
	match := m.session.Await(timeout, p)
	switch {
	case match.Matched():
		return nil
	case match.Timeout():
		return errors.OperationFailed(step+" not seen", &timeoutError{step: step})
	default:
		return errors.OperationFailed(step+" not seen: console closed", nil)
	}
}

// waitForPrompt waits half the timeout for p, then nudges the console with a
// newline up to six times, waiting a tenth of the timeout after each. Kernel
// messages can interleave with a prompt and hide it.
func (m *Machine) waitForPrompt(step string, timeout time.Duration, p console.Pattern) error {
	partial := timeout / 2
	for nudges := 0; ; nudges++ {
		match := m.session.Await(partial, p)
		if match.Matched() {
			return nil
		}
		if match.EOF() {
			return errors.OperationFailed(step+" not seen: console closed", nil)
		}
		if nudges == 6 {
			return errors.OperationFailed(step+" not seen", &timeoutError{step: step})
		}
		slog.Debug("prompt_nudge", "device", m.cfg.Hostname, "step", step)
		if err := m.session.SendLine(""); err != nil {
			slog.Debug("prompt_nudge_failed", "device", m.cfg.Hostname, "error", err)
		}
		partial = timeout / 10
	}
}

func (m *Machine) masterAttempt(ctx context.Context, a *Attempt) error {
	if err := m.reboot(ctx, a); err != nil {
		return err
	}

	m.setState(StateAwaitingBootBanner)
	if err := m.await("boot banner", m.cfg.BootBannerTimeout, console.Literal(m.cfg.ImageBootMsg)); err != nil {
		return err
	}
	masterPrompt, err := console.Compile(m.cfg.MasterStr)
	if err != nil {
		return errors.Config("invalid master_str", err)
	}
	if err := m.waitForPrompt("master prompt", m.cfg.PromptTimeout, masterPrompt); err != nil {
		return err
	}

	if err := m.session.SendLine(fmt.Sprintf(`export PS1="%s"`, m.cfg.MasterPS1())); err != nil {
		return err
	}
	if err := m.await("master rc prompt", m.cfg.PS1Timeout, console.Regexp(m.cfg.MasterPS1Pattern())); err != nil {
		return err
	}

	master := m.Master()
	ip, err := master.TargetIP(m.cfg.NetworkTimeout)
	if err != nil {
		return err
	}
	if ip == "" {
		slog.Warn("master_ip_unknown", "device", m.cfg.Hostname)
	}
	version := master.DeviceVersion()

	if m.opts.Proxy != "" {
		slog.Info("export_proxy", "device", m.cfg.Hostname)
		if _, err := master.Run("export http_proxy="+m.opts.Proxy, runner.WithTimeout(30*time.Second)); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.ip = ip
	m.version = version
	m.mu.Unlock()

	m.setState(StateMasterShell)
	m.session.SetRole(console.RoleMaster)
	slog.Info("master_image_ready", "device", m.cfg.Hostname, "ip", ip, "device_version", version)
	return nil
}

func (m *Machine) testAttempt(ctx context.Context, a *Attempt, cmds []string) error {
	if err := m.reboot(ctx, a); err != nil {
		return err
	}

	m.setState(StateAwaitingBootBanner)
	if err := m.await("autoboot prompt", m.cfg.BootloaderTimeout, console.Literal(m.cfg.InterruptBootPrompt)); err != nil {
		return err
	}
	if err := m.session.SendLine(m.cfg.InterruptBootCommand); err != nil {
		return err
	}

	m.setState(StateBootloader)
	m.session.SetRole(console.RoleBootloader)
	prompt := m.profile.BootloaderPrompt()
	for _, line := range cmds {
		if err := m.await("bootloader prompt", m.cfg.BootloaderTimeout, prompt); err != nil {
			return err
		}
		if err := m.session.SendLine(line); err != nil {
			return err
		}
	}

	testerPrompt, err := console.Compile(m.cfg.TesterStr)
	if err != nil {
		return errors.Config("invalid tester_str", err)
	}
	if err := m.waitForPrompt("test prompt", m.cfg.PromptTimeout, testerPrompt); err != nil {
		return err
	}

	m.setState(StateTestShell)
	m.session.SetRole(console.RoleTest)
	slog.Info("test_image_ready", "device", m.cfg.Hostname, "boot_cmds", len(cmds))
	return nil
}

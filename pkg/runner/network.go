package runner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/errors"
)

const dottedQuad = `(\d+\d?\d?\.\d+\d?\d?\.\d+\d?\d?\.\d+\d?\d?)`

// NetworkRunner adds reachability polling and address discovery.
type NetworkRunner struct {
	*Runner

	ServerIP     string
	Interface    string
	CheckTimeout time.Duration
}

// NewNetworkRunner wraps r.
func NewNetworkRunner(r *Runner, serverIP, iface string, check time.Duration) *NetworkRunner {
	return &NetworkRunner{Runner: r, ServerIP: serverIP, Interface: iface, CheckTimeout: check}
}

// checkNetworkUp sends one single-packet ping to the server. An error means
// the console is gone and polling cannot succeed.
func (n *NetworkRunner) checkNetworkUp() (bool, error) {
	res, err := n.Run(
		fmt.Sprintf("LC_ALL=C ping -W4 -c1 %s", n.ServerIP),
		WithExpect(console.Literal("1 received"), console.Literal("0 received"), console.Literal("Network is unreachable")),
		WithTimeout(n.CheckTimeout),
	)
	if err != nil {
		if res == nil || res.Status == StatusClosed {
			return false, err
		}
		return false, nil
	}
	// Let the command finish so the next ping starts from a prompt.
	if err := n.AwaitPrompt(n.CheckTimeout); err != nil {
		slog.Debug("ping_prompt_missing", "server_ip", n.ServerIP, "error", err)
	}
	return res.Index == 0, nil
}

// WaitNetworkUp polls until the server answers or timeout elapses. A
// closed console ends the wait at once.
func (n *NetworkRunner) WaitNetworkUp(timeout time.Duration) error {
	slog.Info("wait_network_up", "server_ip", n.ServerIP, "timeout", timeout)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		up, err := n.checkNetworkUp()
		if err != nil {
			slog.Error("network_wait_aborted", "server_ip", n.ServerIP, "error", err)
			return errors.OperationFailed("console lost while waiting for the network", err)
		}
		if up {
			return nil
		}
	}
	slog.Error("network_unreachable", "server_ip", n.ServerIP, "timeout", timeout)
	return errors.Network(fmt.Sprintf("network did not come up within %s", timeout), nil)
}

// TargetIP waits for the network and returns the interface address. An
// absent address is "" without error.
func (n *NetworkRunner) TargetIP(networkTimeout time.Duration) (string, error) {
	if err := n.WaitNetworkUp(networkTimeout); err != nil {
		return "", err
	}

	cmd := fmt.Sprintf("ifconfig %s | grep 'inet addr' | awk -F: '{print $2}' | awk '{print $1}'", n.Interface)
	res, err := n.Run(cmd, WithExpect(console.Regexp(dottedQuad), n.Prompt()), WithTimeout(n.CheckTimeout))
	if err != nil || res.Index != 0 {
		slog.Warn("target_ip_not_found", "interface", n.Interface)
		return "", nil
	}

	ip := res.Group(1)
	slog.Info("target_ip", "interface", n.Interface, "ip", ip)
	return ip, nil
}

package runner

import (
	"log/slog"
	"time"

	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
)

const deviceVersionCmd = `echo "device_version=` +
	`$(lava-master-image-info --master-image-hwpack | sed 's/[^0-9-]//g; s/^-\+//')` +
	`/` +
	`$(lava-master-image-info --master-image-rootfs | sed 's/[^0-9-]//g; s/^-\+//')"`

const versionTimeout = 5 * time.Second

// MasterRunner runs commands in the master image shell.
type MasterRunner struct {
	*NetworkRunner
}

// NewMaster builds a runner for the master shell of cfg, matching the rc
// prompt.
func NewMaster(session *console.Session, cfg *device.Config, serverIP string) *MasterRunner {
	r := New(session, console.Regexp(cfg.MasterPS1Pattern()), true, cfg.CommandTimeout)
	return &MasterRunner{NetworkRunner: NewNetworkRunner(r, serverIP, cfg.NetworkInterface, cfg.CheckTimeout)}
}

// DeviceVersion returns the master image version or "" when it cannot be
// determined.
func (m *MasterRunner) DeviceVersion() string {
	timeout := versionTimeout
	if m.CheckTimeout > 0 && m.CheckTimeout < timeout {
		timeout = m.CheckTimeout
	}
	res, err := m.Run(deviceVersionCmd,
		WithExpect(console.Regexp(`device_version=(\d+-\d+/\d+-\d+)`)),
		WithTimeout(timeout),
	)
	if err != nil || !res.Match.Matched() {
		slog.Warn("device_version_unknown")
		return ""
	}
	version := res.Group(1)
	slog.Info("device_version", "version", version)
	return version
}

// FileExists reports whether path exists, judged by exit status alone.
func (m *MasterRunner) FileExists(path string) bool {
	res, err := m.Run("ls "+path+" > /dev/null", FailOK())
	if err != nil {
		return false
	}
	return res.HasExitCode && res.ExitCode == 0
}

// HasPartitionWithLabel reports whether a partition with label exists.
func (m *MasterRunner) HasPartitionWithLabel(label string) bool {
	if label == "" {
		return false
	}
	return m.FileExists(device.LabelPath(label))
}

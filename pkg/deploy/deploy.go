package deploy

import (
	"context"
	"log/slog"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/bootcmds"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/runner"
)

// Payload is one deployment's set of host tarballs. Paths must be inside the
// target's image dir.
type Payload struct {
	Family string `json:"family"`
	Boot   string `json:"boot"`
	Root   string `json:"root,omitempty"`
	System string `json:"system,omitempty"`
	Data   string `json:"data,omitempty"`
	// RootFSType is the filesystem created on the test rootfs.
	RootFSType string `json:"rootfs_type,omitempty"`
}

// Check selects the payload's family and verifies every tarball can be
// unpacked on the board, before anything is sent.
func (p Payload) Check() (Family, error) {
	family, err := SelectFamily(p.Family)
	if err != nil {
		return nil, err
	}
	images, err := family.Images(p)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if _, err := archive.Codec(img); err != nil {
			return nil, err
		}
	}
	return family, nil
}

// Deploy writes the payload onto the board's test partitions from the
// master image and, when configured, reads the boot commands from the boot
// tarball. Configuration errors are returned as is; every other failure is
// reported as one critical deployment failure.
func (t *Target) Deploy(ctx context.Context, p Payload) error {
	family, err := p.Check()
	if err != nil {
		slog.Error("deploy_rejected", "device", t.cfg.Hostname, "error", err)
		return err
	}
	slog.Info("deploy_start", "device", t.cfg.Hostname, "family", family.Name())

	if err := t.readBootCmds(p.Boot); err != nil {
		slog.Warn("boot_cmds_read_failed", "device", t.cfg.Hostname, "error", err)
	}

	err = t.AsMaster(ctx, func(r *runner.MasterRunner) error {
		return family.Deploy(t, r, p)
	})
	if err != nil {
		slog.Error("deploy_failed", "device", t.cfg.Hostname, "error", err)
		if errors.IsConfig(err) {
			return err
		}
		return errors.Critical("deployment failed", err)
	}

	slog.Info("deploy_complete", "device", t.cfg.Hostname, "family", family.Name())
	return nil
}

func (t *Target) readBootCmds(bootTarball string) error {
	if !t.cfg.ReadBootCmdsFromImage || t.cache.Loaded() || bootTarball == "" {
		return nil
	}
	cmds, ok, err := bootcmds.ReadFromTarball(bootTarball, t.cfg.BootFiles, t.cfg.BootDevice, t.cfg.TestbootOffset, t.opts.Limits)
	if err != nil {
		return err
	}
	if ok {
		t.cache.Set(cmds)
	}
	return nil
}

// ResolveBootCmds picks the commands used to boot the test image.
func (t *Target) ResolveBootCmds() ([]string, bootcmds.Source, error) {
	return bootcmds.Resolve(bootcmds.Sources{
		Job:        t.opts.BootCmds,
		BootOption: t.opts.BootOption,
		Options:    t.cfg.BootOptions,
		Dynamic:    t.cache.Get(),
		Default:    t.cfg.BootCmds,
	})
}

// BootTest boots the deployed test image.
func (t *Target) BootTest(ctx context.Context) error {
	cmds, source, err := t.ResolveBootCmds()
	if err != nil {
		slog.Error("boot_cmds_unresolved", "device", t.cfg.Hostname, "error", err)
		return err
	}
	slog.Info("boot_test_image", "device", t.cfg.Hostname, "source", source, "lines", len(cmds))
	return t.machine.BootTest(ctx, cmds)
}

// Run deploys the payload and boots the test image.
func (t *Target) Run(ctx context.Context, p Payload) error {
	if err := t.Deploy(ctx, p); err != nil {
		return err
	}
	return t.BootTest(ctx)
}

// Package deploy prepares a board's test partitions from the master image
// and hands the board over to the test image.
package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/boot"
	"github.com/fly-io/boardlab/pkg/bootcmds"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/runner"
)

// Device side fetch-and-unpack chain. Arguments: url, destination, codec.
const transferCmd = "wget --no-check-certificate --no-proxy --connect-timeout=30 -S --progress=dot -e dotbytes=2M -O- %s" +
	" | tar --warning=no-timestamp --numeric-owner -C %s -x%sf -"

// Options configures a Target.
type Options struct {
	// ImageDir is the host directory served to boards at ImageURL.
	ImageDir string
	ImageURL string
	// ScratchDir holds this job's host files; it must be inside ImageDir.
	ScratchDir string
	// BootCmds are boot commands given by the job; they win over every
	// other source.
	BootCmds []string
	// BootOption names an entry of the device's boot_options.
	BootOption string
	// Sleep waits between transfer attempts; defaults to time.Sleep.
	Sleep func(time.Duration)
	// Limits bound host-side extraction; zero means archive.DefaultLimits.
	Limits archive.Limits
}

// Target binds one board to the host image server for a deployment.
type Target struct {
	cfg     *device.Config
	machine *boot.Machine
	opts    Options
	cache   bootcmds.Cache
}

// NewTarget creates a Target for the board driven by machine.
func NewTarget(machine *boot.Machine, opts Options) (*Target, error) {
	if opts.ImageDir == "" || opts.ImageURL == "" {
		return nil, errors.Config("image dir and image url are required", nil)
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = opts.ImageDir
	}
	if _, err := relToImageDir(opts.ImageDir, opts.ScratchDir); err != nil {
		return nil, err
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Limits == (archive.Limits{}) {
		opts.Limits = archive.DefaultLimits
	}
	return &Target{cfg: machine.Config(), machine: machine, opts: opts}, nil
}

// Limits returns the host-side extraction limits.
func (t *Target) Limits() archive.Limits { return t.opts.Limits }

// Config returns the device configuration.
func (t *Target) Config() *device.Config { return t.cfg }

// Machine returns the boot machine.
func (t *Target) Machine() *boot.Machine { return t.machine }

// ScratchDir returns the job's host scratch directory.
func (t *Target) ScratchDir() string { return t.opts.ScratchDir }

// BootCmdsCache returns the commands read from the deployed image, if any.
func (t *Target) BootCmdsCache() *bootcmds.Cache { return &t.cache }

// AsMaster makes sure the board runs the master image and calls fn with a
// runner for its shell. The runner must not be used after fn returns.
func (t *Target) AsMaster(ctx context.Context, fn func(r *runner.MasterRunner) error) error {
	if err := t.machine.EnsureMaster(ctx); err != nil {
		return err
	}
	return fn(t.machine.Master())
}

func relToImageDir(imageDir, path string) (string, error) {
	rel, err := filepath.Rel(imageDir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Config(fmt.Sprintf("%s is not inside the image dir %s", path, imageDir), err)
	}
	return rel, nil
}

// URLFor returns the URL a board uses to fetch a host file under the image
// dir.
func (t *Target) URLFor(path string) (string, error) {
	rel, err := relToImageDir(t.opts.ImageDir, path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(t.opts.ImageURL, "/") + "/" + filepath.ToSlash(rel), nil
}

// TargetExtract fetches the tarball at url on the board and unpacks it into
// dest. The codec comes from the URL's extension; an unsupported one fails
// before anything is sent. Failed transfers are interrupted and retried
// after the configured back-off, and the last failure is critical.
func (t *Target) TargetExtract(r *runner.MasterRunner, url, dest string, timeout time.Duration) error {
	codec, err := archive.Codec(url)
	if err != nil {
		slog.Error("transfer_bad_extension", "device", t.cfg.Hostname, "url", url, "error", err)
		return err
	}
	cmd := fmt.Sprintf(transferCmd, url, dest, codec)
	retries := t.cfg.TransferRetries

	var lastErr error
	for n := 1; n <= retries; n++ {
		slog.Info("transfer_start", "device", t.cfg.Hostname, "url", url, "dest", dest, "attempt", n)
		_, err := r.Run(cmd, runner.WithTimeout(timeout))
		if err == nil {
			slog.Info("transfer_complete", "device", t.cfg.Hostname, "url", url, "attempt", n)
			return nil
		}
		lastErr = err
		slog.Warn("transfer_failed", "device", t.cfg.Hostname, "url", url, "attempt", n, "error", err)
		if n == retries {
			break
		}

		if err := r.Interrupt(t.cfg.CheckTimeout); err != nil {
			slog.Warn("transfer_interrupt_failed", "device", t.cfg.Hostname, "error", err)
		}
		if _, err := r.Run(fmt.Sprintf("echo 'retry left %d time(s)'", retries-n), runner.FailOK()); err != nil {
			slog.Debug("transfer_retry_notice_failed", "device", t.cfg.Hostname, "error", err)
		}
		t.opts.Sleep(t.cfg.TransferBackoff)
	}

	slog.Error("transfer_exhausted", "device", t.cfg.Hostname, "url", url, "attempts", retries, "error", lastErr)
	return errors.Critical(fmt.Sprintf("failed to extract %s after %d attempts", url, retries), lastErr)
}

// FormatTestPartitions recreates the test root (as fstype) and test boot
// (vfat) filesystems. Unmounting is allowed to fail.
func (t *Target) FormatTestPartitions(r *runner.MasterRunner, fstype string) error {
	slog.Info("format_test_partitions", "device", t.cfg.Hostname, "fstype", fstype)
	root := device.LabelPath(device.LabelTestRootfs)
	bootPart := device.LabelPath(device.LabelTestBoot)

	r.Run("umount "+root, runner.FailOK())
	cmd := fmt.Sprintf("nice mkfs -t %s -q %s -L %s", fstype, root, device.LabelTestRootfs)
	if _, err := r.Run(cmd, runner.WithTimeout(1800*time.Second)); err != nil {
		return errors.Wrap(err, "failed to format test rootfs")
	}
	r.Run("umount "+bootPart, runner.FailOK())
	if _, err := r.Run(fmt.Sprintf("nice mkfs.vfat %s -n %s", bootPart, device.LabelTestBoot)); err != nil {
		return errors.Wrap(err, "failed to format test boot")
	}
	return nil
}

// ExtractTarball unpacks the tarball at url into directory on the
// partition with the given index.
func (t *Target) ExtractTarball(ctx context.Context, url string, partition int, directory string) error {
	if _, err := archive.Codec(url); err != nil {
		return err
	}
	return t.AsMaster(ctx, func(r *runner.MasterRunner) (err error) {
		part, err := t.Partition(r, partition)
		if err != nil {
			return err
		}
		if _, err := r.Run(fmt.Sprintf("mount %s /mnt", part)); err != nil {
			return errors.Wrap(err, "failed to mount "+part)
		}
		defer func() {
			if _, uerr := r.Run("umount /mnt"); uerr != nil && err == nil {
				err = errors.Wrap(uerr, "failed to unmount "+part)
			}
		}()
		return t.TargetExtract(r, url, "/mnt/"+strings.TrimLeft(directory, "/"), t.cfg.CommandTimeout)
	})
}

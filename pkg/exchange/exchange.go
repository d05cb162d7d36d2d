// Package exchange moves a directory from a board's test partition to the
// host and back, through a single-shot HTTP server started in the master
// image.
//
// The server's port is scraped from its banner and nothing stops another
// process on the board from answering the fetch first; the server is
// interrupted as soon as the host has its copy.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/fly-io/boardlab/pkg/archive"
	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/download"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/runner"
)

const deviceArchive = "/tmp/fs.tgz"

// FileSystem copies directory from the partition with the given index to a
// host directory and calls fn with it. Whatever fn leaves in the directory
// replaces the board's copy afterwards, also when fn fails. The HTTP server
// is interrupted and the partition unmounted on every return path.
func FileSystem(ctx context.Context, t *deploy.Target, partition int, directory string, fn func(hostDir string) error) error {
	dir := strings.Trim(path.Clean("/"+directory), "/")
	if dir == "" {
		return errors.Config("refusing to exchange the root of a partition", nil)
	}

	return t.AsMaster(ctx, func(r *runner.MasterRunner) (err error) {
		part, err := t.Partition(r, partition)
		if err != nil {
			return err
		}
		slog.Info("exchange_start", "device", t.Config().Hostname, "partition", part, "directory", dir)
		if _, err := r.Run(fmt.Sprintf("mount %s /mnt", part)); err != nil {
			return errors.Wrap(err, "failed to mount "+part)
		}

		defer func() {
			var result *multierror.Error
			if err != nil {
				result = multierror.Append(result, err)
			}
			if ierr := r.Interrupt(t.Config().CheckTimeout); ierr != nil {
				slog.Warn("exchange_interrupt_failed", "device", t.Config().Hostname, "error", ierr)
			}
			if _, uerr := r.Run("umount /mnt"); uerr != nil {
				result = multierror.Append(result, errors.Wrap(uerr, "failed to unmount "+part))
			}
			err = result.ErrorOrNil()
			if err != nil {
				slog.Error("exchange_failed", "device", t.Config().Hostname, "directory", dir, "error", err)
			}
		}()

		return exchange(ctx, t, r, "/mnt/"+dir, fn)
	})
}

func exchange(ctx context.Context, t *deploy.Target, r *runner.MasterRunner, target string, fn func(string) error) error {
	cfg := t.Config()
	parent, name := path.Split(target)
	parent = strings.TrimSuffix(parent, "/")

	if !r.FileExists(target) {
		if _, err := r.Run("mkdir -p " + target); err != nil {
			return errors.Wrap(err, "failed to create "+target)
		}
	}
	if _, err := r.Run(fmt.Sprintf("nice tar -czf %s -C %s %s", deviceArchive, parent, name)); err != nil {
		return errors.Wrap(err, "failed to archive "+target)
	}
	if _, err := r.Run("cd " + path.Dir(deviceArchive)); err != nil {
		return err
	}

	ip, err := r.TargetIP(cfg.NetworkTimeout)
	if err != nil {
		return err
	}
	if ip == "" {
		ip = t.Machine().IP()
	}
	if ip == "" {
		return errors.Critical("unable to determine the master image address", nil)
	}

	res, err := r.Run(cfg.HTTPServerCommand,
		runner.WithExpect(console.Regexp(cfg.HTTPServerBanner)),
		runner.WithTimeout(cfg.CommandTimeout),
	)
	if err != nil {
		slog.Error("http_server_not_started", "device", cfg.Hostname, "error", err)
		return errors.Critical("unable to start HTTP server on master", err)
	}
	url := fmt.Sprintf("http://%s:%s/%s", ip, res.Group(1), path.Base(deviceArchive))

	hostDir, err := os.MkdirTemp(t.ScratchDir(), "fs-")
	if err != nil {
		return errors.Wrap(err, "failed to create exchange dir")
	}
	defer os.RemoveAll(hostDir)

	fetched := hostDir + ".download.tgz"
	defer os.Remove(fetched)
	if _, err := download.File(ctx, url, fetched, download.Options{
		Retries: cfg.TransferRetries,
		Backoff: cfg.TransferBackoff,
	}); err != nil {
		return errors.Critical("failed to fetch "+target+" from the board", err)
	}
	if _, err := archive.Extract(fetched, hostDir, t.Limits()); err != nil {
		return errors.Wrap(err, "failed to unpack "+target)
	}

	fnErr := fn(filepath.Join(hostDir, name))

	// Stop the server before the shell is needed again.
	if err := r.Interrupt(cfg.CheckTimeout); err != nil {
		slog.Warn("http_server_interrupt_failed", "device", cfg.Hostname, "error", err)
	}

	var result *multierror.Error
	if fnErr != nil {
		result = multierror.Append(result, fnErr)
	}
	if err := writeBack(t, r, hostDir, target, parent); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// writeBack replaces target on the board with the contents of hostDir.
func writeBack(t *deploy.Target, r *runner.MasterRunner, hostDir, target, parent string) error {
	tarball := hostDir + ".tgz"
	if err := archive.Create(tarball, hostDir); err != nil {
		return errors.Wrap(err, "failed to archive exchanged directory")
	}
	defer os.Remove(tarball)

	url, err := t.URLFor(tarball)
	if err != nil {
		return err
	}

	slog.Info("exchange_write_back", "device", t.Config().Hostname, "target", target, "url", url)
	if _, err := r.Run("rm -rf " + target); err != nil {
		return errors.Wrap(err, "failed to remove "+target)
	}
	return t.TargetExtract(r, url, parent, t.Config().CommandTimeout)
}

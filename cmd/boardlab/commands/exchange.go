package commands

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/fly-io/boardlab/internal/config"
	"github.com/fly-io/boardlab/pkg/deploy"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/exchange"
)

var pullCmd = &cobra.Command{
	Use:   "pull <device> <partition> <dir> <dest>",
	Short: "Copy a directory from a board's test partition to the host",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest := args[3]
		return withFileSystem(args, func(hostDir string) error {
			return os.CopyFS(dest, os.DirFS(hostDir))
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <device> <partition> <dir> <src>",
	Short: "Replace a directory on a board's test partition with a host directory",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		src := args[3]
		if _, err := os.Stat(src); err != nil {
			return errors.Config("source directory", err)
		}
		return withFileSystem(args, func(hostDir string) error {
			if err := os.RemoveAll(hostDir); err != nil {
				return err
			}
			return os.CopyFS(hostDir, os.DirFS(src))
		})
	},
}

func init() {
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
}

// withFileSystem connects to the board named by args[0] and runs fn on a
// host copy of directory args[2] of partition args[1].
func withFileSystem(args []string, fn func(hostDir string) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	partition, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Config("partition must be a number", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := config.LoadDevice(cfg.DevicePath(args[0]))
	if err != nil {
		return err
	}

	id := uuid.NewString()
	scratch := filepath.Join(cfg.ImageTmpDir, id)
	if err := ensureDirectories(cfg.SQLitePath, cfg.WorkDir, scratch); err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	conn, err := openBoard(ctx, cfg, dev, filepath.Join(cfg.WorkDir, id, "serial.log"), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	target, err := deploy.NewTarget(conn.machine, deploy.Options{
		ImageDir:   cfg.ImageTmpDir,
		ImageURL:   cfg.ImageURL,
		ScratchDir: scratch,
		Limits:     cfg.Limits(),
	})
	if err != nil {
		return err
	}
	return exchange.FileSystem(ctx, target, partition, args[2], fn)
}

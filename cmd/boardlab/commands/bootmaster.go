package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fly-io/boardlab/internal/config"
)

var bootMasterCmd = &cobra.Command{
	Use:   "boot-master <device>",
	Short: "Boot a board into its master image and report its address",
	Args:  cobra.ExactArgs(1),
	RunE:  runBootMaster,
}

func init() {
	rootCmd.AddCommand(bootMasterCmd)
}

func runBootMaster(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dev, err := config.LoadDevice(cfg.DevicePath(args[0]))
	if err != nil {
		return err
	}
	if err := ensureDirectories(cfg.SQLitePath, cfg.WorkDir); err != nil {
		return err
	}

	name := fmt.Sprintf("%s-master-%s.log", dev.Hostname, time.Now().UTC().Format("20060102T150405"))
	conn, err := openBoard(ctx, cfg, dev, filepath.Join(cfg.WorkDir, name), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.machine.BootMaster(ctx); err != nil {
		return err
	}

	fmt.Printf("%-12s %s\n", "DEVICE", dev.Hostname)
	fmt.Printf("%-12s %s\n", "STATE", conn.machine.State())
	fmt.Printf("%-12s %s\n", "IP", orDash(conn.machine.IP()))
	fmt.Printf("%-12s %s\n", "VERSION", orDash(conn.machine.DeviceVersion()))
	fmt.Printf("%-12s %d\n", "ATTEMPTS", len(conn.machine.Attempts()))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fly-io/boardlab/internal/config"
	"github.com/fly-io/boardlab/pkg/archive"
)

// LogLevel is the level of the default logger, set from log-level.
var LogLevel = new(slog.LevelVar)

var rootCmd = &cobra.Command{
	Use:   "boardlab",
	Short: "Lab board dispatcher - deploy and boot test images over a serial console",
	Long: `Drives lab boards through their serial consoles: boots the master image,
writes test images onto the test partitions and boots them, recording every
job in SQLite and every byte of console traffic in a transcript.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		level, err := cfg.Level()
		if err != nil {
			return err
		}
		LogLevel.Set(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/jobs.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/boardlab", "Directory for transcripts and host scratch files")
	rootCmd.PersistentFlags().String("results-dir", ".artifacts/results", "Directory result bundles are written to")
	rootCmd.PersistentFlags().String("device-dir", "/etc/boardlab/devices", "Directory holding <device>.yaml files")
	rootCmd.PersistentFlags().String("image-tmpdir", "/var/lib/boardlab/images", "Host directory served to boards")
	rootCmd.PersistentFlags().String("image-url", "http://localhost:8080/images/", "URL boards fetch image-tmpdir from")
	rootCmd.PersistentFlags().String("listen-addr", ":8080", "Address of the host image server")
	rootCmd.PersistentFlags().String("s3-bucket", "", "Default S3 bucket for s3:// payloads")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("server-ip", "", "Address boards ping to check their network")
	rootCmd.PersistentFlags().String("proxy", "", "HTTP proxy exported in the master image")
	rootCmd.PersistentFlags().Int64("max-file-size", archive.DefaultLimits.MaxFileSize, "Max file size in bytes")
	rootCmd.PersistentFlags().Int64("max-total-size", archive.DefaultLimits.MaxTotalSize, "Max total extraction size")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", archive.DefaultLimits.MaxCompressionRatio, "Max compression ratio")
	rootCmd.PersistentFlags().Int("download-retries", 5, "Attempts for host-side downloads")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{
		"sqlite-path", "fsm-db-path", "work-dir", "results-dir", "device-dir",
		"image-tmpdir", "image-url", "listen-addr", "s3-bucket", "s3-region",
		"server-ip", "proxy", "max-file-size", "max-total-size",
		"max-compression-ratio", "download-retries", "log-level",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

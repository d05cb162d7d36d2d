package commands

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/fly-io/boardlab/internal/config"
	"github.com/fly-io/boardlab/pkg/board"
	"github.com/fly-io/boardlab/pkg/boot"
	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/device"
	"github.com/fly-io/boardlab/pkg/download"
	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/hostcmd"
	"github.com/fly-io/boardlab/pkg/storage"
	"github.com/fly-io/boardlab/pkg/transcript"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath string, dirs ...string) error {
	// Create database directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create database directory")
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create directory "+dir)
		}
	}

	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config("config invalid", err)
	}
	return cfg, nil
}

// boardConn is an open console on one board.
type boardConn struct {
	cfg     *device.Config
	sink    *transcript.Sink
	session *console.Session
	machine *boot.Machine
}

// openBoard runs the device's pre-connect hook, connects to its console and
// wraps it in a boot machine. Console traffic goes to transcriptPath and,
// when mirror is set, to mirror.
func openBoard(ctx context.Context, app *config.Config, dev *device.Config, transcriptPath string, mirror io.Writer) (*boardConn, error) {
	profile, err := board.Select(dev)
	if err != nil {
		return nil, errors.Config("invalid board profile", err)
	}

	if dev.PreConnectCommand != "" {
		if _, err := hostcmd.Run(ctx, dev.PreConnectCommand); err != nil {
			return nil, errors.Wrap(err, "pre-connect command failed")
		}
	}

	var conn console.Transport
	if dev.SerialPort != "" {
		conn, err = console.OpenSerial(dev.SerialPort, dev.BaudRate)
	} else {
		conn, err = console.Spawn(ctx, dev.ConnectionCommand)
	}
	if err != nil {
		slog.Error("console_connect_failed", "device", dev.Hostname, "error", err)
		return nil, errors.Critical("cannot connect to "+dev.Hostname, err)
	}

	sink, err := transcript.Open(transcriptPath, mirror)
	if err != nil {
		conn.Close()
		return nil, err
	}

	session := console.NewSession(conn, sink, console.WithSendDelay(dev.SendDelay))
	machine := boot.New(session, dev, profile, boot.Options{ServerIP: app.ServerIP, Proxy: app.Proxy})
	slog.Info("console_connected", "device", dev.Hostname, "transcript", transcriptPath)
	return &boardConn{cfg: dev, sink: sink, session: session, machine: machine}, nil
}

func (b *boardConn) Close() error {
	var result *multierror.Error
	if err := b.session.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := b.sink.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// newStager builds the payload stager. S3 sources are unavailable when the
// AWS configuration cannot be loaded.
func newStager(ctx context.Context, cfg *config.Config) *storage.Stager {
	s := &storage.Stager{
		HTTP: download.Options{Retries: cfg.DownloadRetries, Backoff: 5 * time.Second},
	}
	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		slog.Warn("s3_unavailable", "error", err)
		return s
	}
	s.Objects = client
	return s
}

package console

import (
	"context"
	"io"
	"log/slog"
	"os/exec"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/fly-io/boardlab/pkg/errors"
	"github.com/fly-io/boardlab/pkg/hostcmd"
)

// Transport is a raw console connection.
type Transport = io.ReadWriteCloser

// OpenSerial opens a local serial port at 8N1.
func OpenSerial(port string, baud int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(port, mode)
	if err != nil {
		slog.Error("serial_open_failed", "port", port, "baud", baud, "error", err)
		return nil, errors.Wrap(err, "failed to open serial port")
	}
	slog.Info("serial_opened", "port", port, "baud", baud)
	return p, nil
}

// process is a connection command (conmux-console, telnet, ser2net client)
// with its stdin and stdout as the console.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// Spawn starts a connection command and uses its stdin/stdout as the console.
func Spawn(ctx context.Context, command string) (Transport, error) {
	args, err := hostcmd.Split(command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		slog.Error("connection_command_failed", "command", command, "error", err)
		return nil, errors.Wrap(err, "failed to start connection command")
	}
	slog.Info("connection_command_started", "command", command, "pid", cmd.Process.Pid)

	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *process) Close() error {
	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	// Wait closes stdout, which unblocks the session reader.
	p.cmd.Wait()
	return nil
}

// PortInfo describes a serial port on the host.
type PortInfo struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// ListPorts returns the serial ports available on the host.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate serial ports")
	}

	var result []PortInfo
	for _, p := range ports {
		result = append(result, PortInfo{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return result, nil
}

// Package hostcmd runs configured command strings (power control, hard reset,
// pre-connect hooks) on the dispatcher host.
package hostcmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/fly-io/boardlab/pkg/errors"
)

// Result holds the outcome of a host command.
type Result struct {
	Output   string
	ExitCode int
	Duration time.Duration
}

// Split splits a configured command line into argv using shell quoting rules.
func Split(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, errors.Config(fmt.Sprintf("cannot parse command %q", command), err)
	}
	if len(args) == 0 {
		return nil, errors.Config("empty command", nil)
	}
	return args, nil
}

// Run executes command and waits for it. A non-zero exit status is an
// OperationFailed error; the Result is still returned.
func Run(ctx context.Context, command string) (*Result, error) {
	args, err := Split(command)
	if err != nil {
		return nil, err
	}

	slog.Info("host_command_start", "command", command)
	start := time.Now()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	res := &Result{
		Output:   strings.TrimSpace(string(output)),
		Duration: time.Since(start),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		slog.Error("host_command_failed", "command", command, "exit_code", res.ExitCode, "output", res.Output, "error", err)
		return res, errors.OperationFailed(fmt.Sprintf("host command %q failed", command), err)
	}

	slog.Info("host_command_complete", "command", command, "duration", res.Duration)
	return res, nil
}

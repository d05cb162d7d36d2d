// Package runner turns raw console text into command results. A Runner sends
// one shell command line and waits for the shell prompt (or caller-supplied
// patterns), classifies the outcome and extracts the exit status when the
// prompt carries one.
package runner

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fly-io/boardlab/pkg/console"
	"github.com/fly-io/boardlab/pkg/errors"
)

// Status classifies a command result.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusClosed  Status = "closed"
)

// Result describes one executed command.
type Result struct {
	Command string
	// Index of the matched pattern, or the EOF/timeout pseudo-index.
	Index       int
	ExitCode    int
	HasExitCode bool
	Status      Status
	Match       console.Match
}

// Group returns capture group i of the match that ended the command.
func (r *Result) Group(i int) string {
	return r.Match.Group(i)
}

type runOptions struct {
	timeout time.Duration
	expect  []console.Pattern
	failOK  bool
}

// Option adjusts a single Run call.
type Option func(*runOptions)

// WithTimeout overrides the default command timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *runOptions) { o.timeout = d }
}

// WithExpect replaces the default [prompt] pattern list.
func WithExpect(patterns ...console.Pattern) Option {
	return func(o *runOptions) { o.expect = patterns }
}

// FailOK accepts a non-zero exit status.
func FailOK() Option {
	return func(o *runOptions) { o.failOK = true }
}

// Runner runs shell commands on a console session.
type Runner struct {
	session *console.Session
	prompt  console.Pattern
	// promptRC is set when group 1 of prompt is the exit status.
	promptRC bool
	timeout  time.Duration
}

// New creates a Runner. When promptRC is true, group 1 of prompt must
// capture the exit status of the previous command.
func New(session *console.Session, prompt console.Pattern, promptRC bool, timeout time.Duration) *Runner {
	return &Runner{
		session:  session,
		prompt:   prompt,
		promptRC: promptRC,
		timeout:  timeout,
	}
}

// Session returns the underlying console session.
func (r *Runner) Session() *console.Session {
	return r.session
}

// Prompt returns the pattern that ends a command.
func (r *Runner) Prompt() console.Pattern {
	return r.prompt
}

// Run sends cmd and waits for the prompt or the WithExpect patterns.
//
// Stale input is discarded before sending. Timeout and end of stream are
// always errors. A non-zero exit status read from the prompt is an error
// unless FailOK is given; the Result is returned in every case.
func (r *Runner) Run(cmd string, opts ...Option) (*Result, error) {
	o := runOptions{timeout: r.timeout, expect: []console.Pattern{r.prompt}}
	for _, opt := range opts {
		opt(&o)
	}

	r.session.Drain()
	if err := r.session.SendLine(cmd); err != nil {
		return nil, errors.OperationFailed(fmt.Sprintf("failed to send %q", cmd), err)
	}

	m := r.session.Await(o.timeout, o.expect...)
	res := &Result{Command: cmd, Index: m.Index, Match: m}

	switch {
	case m.Timeout():
		res.Status = StatusTimeout
		slog.Warn("command_timeout", "command", cmd, "timeout", o.timeout)
		return res, errors.OperationFailed(fmt.Sprintf("timed out after %s running %q", o.timeout, cmd), nil)
	case m.EOF():
		res.Status = StatusClosed
		slog.Warn("command_console_closed", "command", cmd)
		return res, errors.OperationFailed(fmt.Sprintf("console closed while running %q", cmd), nil)
	}

	res.Status = StatusOK
	if !r.promptRC || !o.expect[m.Index].Equal(r.prompt) {
		return res, nil
	}

	rc, err := strconv.Atoi(m.Group(1))
	if err != nil {
		return res, errors.OperationFailed(fmt.Sprintf("unparseable exit status %q for %q", m.Group(1), cmd), err)
	}
	res.ExitCode = rc
	res.HasExitCode = true

	if rc != 0 {
		res.Status = StatusFailed
		if !o.failOK {
			slog.Warn("command_failed", "command", cmd, "exit_code", rc)
			return res, errors.OperationFailed(fmt.Sprintf("%q exited with status %d", cmd, rc), nil)
		}
	}
	return res, nil
}

// Interrupt sends Ctrl-C and waits for the prompt to come back.
func (r *Runner) Interrupt(timeout time.Duration) error {
	if err := r.session.SendControl('c'); err != nil {
		return errors.OperationFailed("failed to send interrupt", err)
	}
	return r.AwaitPrompt(timeout)
}

// AwaitPrompt waits for the next prompt without sending anything.
func (r *Runner) AwaitPrompt(timeout time.Duration) error {
	m := r.session.Await(timeout, r.prompt)
	if !m.Matched() {
		return errors.OperationFailed(fmt.Sprintf("prompt not seen (%s)", m), nil)
	}
	return nil
}

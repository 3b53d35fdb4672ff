// Package command runs CLI commands on a device session and collects
// per-command results.
package command

import (
	"context"
	"errors"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/sanitize"
)

// Result holds the outcome of one command.
type Result struct {
	Command string `json:"cmd" yaml:"cmd"`

	// ExitCode is 0 when the device accepted the command and 1 otherwise.
	ExitCode int `json:"exit_code" yaml:"exit_code"`

	// Stdout and Stderr both hold the sanitized output. Devices do not
	// split the streams.
	Stdout string `json:"stdout" yaml:"stdout"`
	Stderr string `json:"stderr" yaml:"stderr"`

	// Err is the failure behind a non-zero exit code.
	Err error `json:"-" yaml:"-"`
}

// Failed reports whether the command did not complete cleanly.
func (r Result) Failed() bool {
	return r.ExitCode != 0
}

// Execution is the aggregate outcome of a command list.
type Execution struct {
	// Results has one entry per attempted command, in order.
	Results []Result `json:"results" yaml:"results"`

	// OK is true when every attempted command exited 0.
	OK bool `json:"ok" yaml:"ok"`

	// NotAttempted lists the commands skipped after a failure when
	// stopping on error.
	NotAttempted []string `json:"not_attempted,omitempty" yaml:"not_attempted,omitempty"`
}

// Failed returns the results with a non-zero exit code.
func (e *Execution) Failed() []Result {
	var failed []Result
	for _, r := range e.Results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}

// FirstError returns the error of the first failed command, or nil.
func (e *Execution) FirstError() error {
	for _, r := range e.Results {
		if r.Failed() {
			return r.Err
		}
	}
	return nil
}

// Stdout returns the outputs of all attempted commands in order.
func (e *Execution) Stdout() []string {
	out := make([]string, len(e.Results))
	for i, r := range e.Results {
		out[i] = r.Stdout
	}
	return out
}

// Execute runs commands in order on sess.
//
// A failing command yields exit code 1 in its result rather than an error.
// With stopOnError the results end at the first failure and the remaining
// commands are reported in NotAttempted. There are no retries.
func Execute(ctx context.Context, sess connector.Session, commands []string, stopOnError bool) *Execution {
	execution := &Execution{
		Results: make([]Result, 0, len(commands)),
	}

	collector := 0
	for i, cmd := range commands {
		r := run(ctx, sess, cmd)
		execution.Results = append(execution.Results, r)
		collector |= r.ExitCode

		if r.Failed() && stopOnError {
			execution.NotAttempted = append([]string(nil), commands[i+1:]...)
			break
		}
	}

	execution.OK = collector == 0
	return execution
}

func run(ctx context.Context, sess connector.Session, cmd string) Result {
	raw, err := sess.Send(ctx, cmd)
	if err != nil {
		var cerr *connector.CommandError
		if errors.As(err, &cerr) && raw == "" {
			raw = cerr.Output
		}
		out := sanitize.Sanitize(raw, cmd)
		return Result{Command: cmd, ExitCode: 1, Stdout: out, Stderr: out, Err: err}
	}

	out := sanitize.Sanitize(raw, cmd)
	return Result{Command: cmd, ExitCode: 0, Stdout: out, Stderr: out}
}

// Package device runs the probe, connect and gather-facts workflow against a
// single device and hands out scoped sessions for commands and
// configuration pushes.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eugenetaranov/ztp/internal/command"
	"github.com/eugenetaranov/ztp/internal/configure"
	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/probe"
	"github.com/eugenetaranov/ztp/internal/vendor"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// Resolver finds the vendor binding for an OS name.
type Resolver interface {
	Lookup(osName string) (*vendor.Binding, error)
}

// Options tune a single run.
type Options struct {
	// SkipProbe opens the session without a reachability check.
	SkipProbe bool

	// SkipFacts opens the session without gathering facts.
	SkipFacts bool

	// ProbeTimeout defaults to probe.DefaultTimeout.
	ProbeTimeout time.Duration

	// LoginTimeout defaults to the vendor dialect's login timeout.
	LoginTimeout time.Duration
}

// Request names the device to automate.
type Request struct {
	Target      connector.Target
	OSName      string
	Credentials connector.Credentials
	Options     Options
}

// SessionFunc works with an open session. The record is empty when facts
// were skipped.
type SessionFunc func(ctx context.Context, sess connector.Session, rec facts.Record) error

// Controller runs device workflows. It keeps no state between runs, so one
// Controller may serve many targets concurrently.
type Controller struct {
	Vendors Resolver
	Logger  zerolog.Logger

	// Trace, when set, receives every state change.
	Trace func(Transition)
}

// New creates a Controller using the given vendors.
func New(vendors Resolver, logger zerolog.Logger) *Controller {
	return &Controller{Vendors: vendors, Logger: logger}
}

// Run probes the target, opens a session, gathers facts and closes the
// session. No step is retried.
func (c *Controller) Run(ctx context.Context, req Request) (facts.Record, error) {
	return c.Session(ctx, req, nil)
}

// Session runs the workflow and calls fn with the open session after facts
// are gathered. The session is closed before Session returns, whatever the
// outcome.
func (c *Controller) Session(ctx context.Context, req Request, fn SessionFunc) (facts.Record, error) {
	r := c.newRun(req)

	binding, err := c.Vendors.Lookup(req.OSName)
	if err != nil {
		return nil, r.fail(err)
	}

	if !req.Options.SkipProbe {
		r.enter(StateProbing)
		timeout := req.Options.ProbeTimeout
		if timeout <= 0 {
			timeout = probe.DefaultTimeout
		}
		if err := binding.ProbeFunc()(ctx, req.Target, timeout); err != nil {
			return nil, r.fail(err)
		}
	}

	r.enter(StateConnecting)
	sess, err := binding.Open(ctx, req.Target, binding.Credentials(req.Credentials), req.Options.LoginTimeout)
	if err != nil {
		return nil, r.fail(err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			r.log.Warn().Err(err).Msg("Failed to close session")
		}
	}()
	r.log.Debug().Str("session", sess.String()).Msg("Session opened")

	rec := facts.Record{}
	if !req.Options.SkipFacts {
		r.enter(StateGathering)
		rec, err = gather(ctx, binding, sess)
		if err != nil {
			return nil, r.fail(err)
		}
		r.log.Info().
			Str("hostname", rec[facts.Hostname]).
			Str("serial", rec[facts.SerialNumber]).
			Msg("Facts gathered")
	}

	if fn != nil {
		if err := fn(ctx, sess, rec); err != nil {
			return rec, r.fail(err)
		}
	}

	r.enter(StateDone)
	return rec, nil
}

// Push applies lines in one transaction. A rejected configuration is
// reported in the Result; the error covers the session workflow only.
func (c *Controller) Push(ctx context.Context, req Request, lines []string, comment string) (configure.Result, error) {
	var res configure.Result
	_, err := c.Session(ctx, req, func(ctx context.Context, sess connector.Session, _ facts.Record) error {
		res = configure.Apply(ctx, sess, lines, comment)
		return nil
	})
	return res, err
}

// Execute runs commands on the device. Failing commands are recorded in
// the Execution; the error covers the session workflow only.
func (c *Controller) Execute(ctx context.Context, req Request, commands []string, stopOnError bool) (*command.Execution, error) {
	var exec *command.Execution
	_, err := c.Session(ctx, req, func(ctx context.Context, sess connector.Session, _ facts.Record) error {
		exec = command.Execute(ctx, sess, commands, stopOnError)
		return nil
	})
	return exec, err
}

// ErrFactsFailed is matched by errors.Is for every *FactsError.
var ErrFactsFailed = errors.New("fact gathering failed")

// FactsError reports a facts command the device did not run.
type FactsError struct {
	OSName  string
	Command string
	Err     error
}

func (e *FactsError) Error() string {
	return fmt.Sprintf("gather %s facts: %v", e.OSName, e.Err)
}

func (e *FactsError) Unwrap() error { return e.Err }

// Is reports ErrFactsFailed as a match.
func (e *FactsError) Is(target error) bool { return target == ErrFactsFailed }

func gather(ctx context.Context, binding *vendor.Binding, sess connector.Session) (facts.Record, error) {
	exec := command.Execute(ctx, sess, binding.FactsCommands, true)
	if !exec.OK {
		failed := exec.Failed()[0]
		return nil, &FactsError{OSName: binding.OSName, Command: failed.Command, Err: failed.Err}
	}

	return binding.Decoder.Decode(strings.Join(exec.Stdout(), "\n"))
}

package connector

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrLoginNotReady is matched by errors.Is for every *LoginNotReadyError.
	ErrLoginNotReady = errors.New("login not ready")
	// ErrCommandFailed is matched by errors.Is for every *CommandError.
	ErrCommandFailed = errors.New("command failed")
	// ErrConfigFailed is matched by errors.Is for every *ConfigError.
	ErrConfigFailed = errors.New("configuration failed")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionDesynced is returned once a read lost track of the prompt.
	// Output still in flight would otherwise be attributed to the next
	// command.
	ErrSessionDesynced = errors.New("session out of sync with device prompt")
)

// LoginNotReadyError reports a reachable target whose login or session
// negotiation did not complete.
type LoginNotReadyError struct {
	Target Target
	Err    error
}

func (e *LoginNotReadyError) Error() string {
	return fmt.Sprintf("login not ready on %s: %v", e.Target, e.Err)
}

func (e *LoginNotReadyError) Unwrap() error { return e.Err }

// Is reports ErrLoginNotReady as a match.
func (e *LoginNotReadyError) Is(target error) bool { return target == ErrLoginNotReady }

// CommandError represents a single command the device did not run cleanly.
type CommandError struct {
	Command string
	// Output is whatever the device returned before the failure was detected.
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q failed", e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Is reports ErrCommandFailed as a match.
func (e *CommandError) Is(target error) bool { return target == ErrCommandFailed }

// ConfigError represents a failed staging or commit step.
type ConfigError struct {
	// Stage is "stage" or "commit".
	Stage  string
	Lines  []string
	Output string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("config %s failed", e.Stage)
	if len(e.Lines) > 0 {
		msg += fmt.Sprintf(" (%s)", summarize(e.Lines))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Is reports ErrConfigFailed as a match.
func (e *ConfigError) Is(target error) bool { return target == ErrConfigFailed }

// summarize shortens a list of lines for error messages.
func summarize(lines []string) string {
	if len(lines) <= 3 {
		return strings.Join(lines, "; ")
	}
	return strings.Join(lines[:3], "; ") + fmt.Sprintf("; ... %d more", len(lines)-3)
}

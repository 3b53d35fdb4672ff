// Package cli drives an interactive device command line over any byte stream.
//
// The transports (SSH shell, container exec) only provide the stream; this
// package owns prompt detection, echo removal, config mode and commit.
package cli

import (
	"regexp"
	"time"
)

const (
	defaultLoginTimeout   = 20 * time.Second
	defaultCommandTimeout = 30 * time.Second
)

// Dialect describes how one vendor's CLI behaves.
type Dialect struct {
	// Name identifies the dialect in logs and session descriptions.
	Name string

	// Prompt matches the last line of output once the device is ready for
	// the next command. It must also match config-mode prompts.
	Prompt *regexp.Regexp

	// SetupCommands run once after login (disable paging, fix terminal width).
	SetupCommands []string

	// ConfigEnter enters configuration mode before staging lines.
	ConfigEnter []string

	// ConfigExit leaves configuration mode after a successful commit.
	ConfigExit []string

	// ConfigAbort leaves configuration mode and discards the staged
	// candidate after a rejected line.
	ConfigAbort []string

	// CommitCommands builds the commit sequence for a comment. A nil func
	// means the CLI applies lines immediately and has no commit stage.
	CommitCommands func(comment string) []string

	// ErrorPatterns flag output lines the device uses to report a rejected
	// command.
	ErrorPatterns []*regexp.Regexp

	// LoginTimeout bounds the wait for the first prompt.
	LoginTimeout time.Duration

	// CommandTimeout bounds the wait for the prompt after each command.
	CommandTimeout time.Duration

	// LineEnding terminates every command (default "\n").
	LineEnding string
}

func (d Dialect) loginTimeout() time.Duration {
	if d.LoginTimeout > 0 {
		return d.LoginTimeout
	}
	return defaultLoginTimeout
}

func (d Dialect) commandTimeout() time.Duration {
	if d.CommandTimeout > 0 {
		return d.CommandTimeout
	}
	return defaultCommandTimeout
}

func (d Dialect) lineEnding() string {
	if d.LineEnding == "" {
		return "\n"
	}
	return d.LineEnding
}

// deviceError returns the first output line matching an error pattern.
func (d Dialect) deviceError(output string) (string, bool) {
	if len(d.ErrorPatterns) == 0 {
		return "", false
	}
	for _, line := range splitLines(output) {
		for _, re := range d.ErrorPatterns {
			if re.MatchString(line) {
				return line, true
			}
		}
	}
	return "", false
}

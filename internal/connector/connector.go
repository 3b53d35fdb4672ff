// Package connector defines the transport session used to drive a device CLI.
package connector

//go:generate mockgen -destination=mock_session.go -package=connector github.com/eugenetaranov/ztp/internal/connector Session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Target identifies the device a session is opened against.
type Target struct {
	// Address is the hostname or IP address of the device (or container name
	// for container transports).
	Address string

	// Port is the transport port. Zero selects the transport default.
	Port int
}

// HostPort joins the address with the port, falling back to defaultPort
// when the target has none.
func (t Target) HostPort(defaultPort int) string {
	port := t.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

// String returns the target address, with the port when one is set.
func (t Target) String() string {
	if t.Port == 0 {
		return t.Address
	}
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// Credentials holds the login pair for a device.
type Credentials struct {
	User     string
	Password string
}

// Fill returns c with each empty field taken from fallback.
func (c Credentials) Fill(fallback Credentials) Credentials {
	if c.User == "" {
		c.User = fallback.User
	}
	if c.Password == "" {
		c.Password = fallback.Password
	}
	return c
}

// Validate checks the credentials are usable for a login.
func (c Credentials) Validate() error {
	if c.User == "" {
		return fmt.Errorf("credentials: user is required")
	}
	return nil
}

// Session is one live CLI connection to a device.
//
// A session is owned by a single automation run and is never shared between
// concurrent runs.
type Session interface {
	// Send runs a command and returns its raw output.
	Send(ctx context.Context, command string) (string, error)

	// SendConfigSet stages configuration lines without making them active.
	SendConfigSet(ctx context.Context, lines []string) (string, error)

	// Commit activates the staged configuration.
	Commit(ctx context.Context, comment string) (string, error)

	// Close releases the connection. It is safe to call more than once.
	Close() error

	// String returns a human-readable description of the session.
	String() string
}

// Opener establishes a session with a target. Failures after the target
// accepted the connection are reported as *LoginNotReadyError.
type Opener func(ctx context.Context, target Target, creds Credentials, timeout time.Duration) (Session, error)

// Package probe checks that a device accepts connections before a full login
// is attempted.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/eugenetaranov/ztp/internal/connector"
)

// DefaultTimeout bounds a probe when the caller does not supply one.
const DefaultTimeout = 3 * time.Second

// DefaultPort is the port probed when the target has none.
const DefaultPort = 22

// ErrUnreachable is matched by errors.Is for every *Error.
var ErrUnreachable = errors.New("target unreachable")

// Error reports a target that did not accept a connection within the timeout.
type Error struct {
	Target  connector.Target
	Timeout time.Duration
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s failed (timeout %s): %v", e.Target, e.Timeout, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrUnreachable as a match.
func (e *Error) Is(target error) bool { return target == ErrUnreachable }

// Func checks reachability of a target. It returns *Error on failure.
type Func func(ctx context.Context, target connector.Target, timeout time.Duration) error

// TCP probes by opening and immediately closing a TCP connection to the
// target's port (22 when unset).
func TCP(ctx context.Context, target connector.Target, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.HostPort(DefaultPort))
	if err != nil {
		return &Error{Target: target, Timeout: timeout, Err: err}
	}
	_ = conn.Close()

	return nil
}

// None always succeeds. Used by transports that have nothing to dial.
func None(context.Context, connector.Target, time.Duration) error {
	return nil
}

// Package docker opens device CLI sessions inside containers, used for
// containerized network OS images in labs.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/connector/cli"
	"github.com/eugenetaranov/ztp/internal/probe"
)

const (
	defaultBinary = "docker"
	exitGrace     = 2 * time.Second
)

// Dialer runs the device CLI with `docker exec -i` and drives it through
// the process's stdin and combined output.
type Dialer struct {
	dialect cli.Dialect
	binary  string
	command []string
	user    string
	env     map[string]string
}

// Option configures the Dialer.
type Option func(*Dialer)

// WithCommand sets the CLI started inside the container.
func WithCommand(command ...string) Option {
	return func(d *Dialer) {
		d.command = command
	}
}

// WithUser sets the user the CLI runs as.
func WithUser(user string) Option {
	return func(d *Dialer) {
		d.user = user
	}
}

// WithEnv adds an environment variable for the CLI process.
func WithEnv(key, value string) Option {
	return func(d *Dialer) {
		if d.env == nil {
			d.env = make(map[string]string)
		}
		d.env[key] = value
	}
}

// WithBinary overrides the docker executable.
func WithBinary(path string) Option {
	return func(d *Dialer) {
		d.binary = path
	}
}

// New creates a Dialer for the given dialect. The CLI defaults to /bin/sh.
func New(dialect cli.Dialect, opts ...Option) *Dialer {
	d := &Dialer{
		dialect: dialect,
		binary:  defaultBinary,
		command: []string{"/bin/sh"},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Probe checks that the target container exists and is running.
func (d *Dialer) Probe(ctx context.Context, target connector.Target, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) error {
		return &probe.Error{Target: target, Timeout: timeout, Err: err}
	}

	if _, err := exec.LookPath(d.binary); err != nil {
		return fail(fmt.Errorf("%s command not found: %w", d.binary, err))
	}

	cmd := exec.CommandContext(ctx, d.binary, "inspect", "-f", "{{.State.Running}}", target.Address)
	output, err := cmd.Output()
	if err != nil {
		return fail(fmt.Errorf("container '%s' not found or not accessible: %w", target.Address, err))
	}
	if strings.TrimSpace(string(output)) != "true" {
		return fail(fmt.Errorf("container '%s' is not running", target.Address))
	}

	return nil
}

// Open starts the CLI in the target container. Credentials are not used;
// the container runtime already grants access.
func (d *Dialer) Open(ctx context.Context, target connector.Target, _ connector.Credentials, timeout time.Duration) (connector.Session, error) {
	if target.Address == "" {
		return nil, errors.New("container name is required")
	}

	// The process outlives ctx, which only bounds the login.
	cmd := exec.Command(d.binary, d.execArgs(target.Address)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s exec: %w", d.binary, err)
	}

	exited := make(chan struct{})
	go func() {
		err := cmd.Wait()
		if err == nil {
			err = io.EOF
		}
		_ = pw.CloseWithError(err)
		close(exited)
	}()

	closer := func() error {
		// Unread output must not block the process from exiting.
		_ = pr.Close()
		err := stdin.Close()
		select {
		case <-exited:
		case <-time.After(exitGrace):
			_ = cmd.Process.Kill()
			<-exited
		}
		return err
	}

	dialect := d.dialect
	if timeout > 0 {
		dialect.LoginTimeout = timeout
	}

	s, err := cli.Open(ctx, pr, stdin, closer, dialect, d.label(target.Address))
	if err != nil {
		return nil, &connector.LoginNotReadyError{Target: target, Err: err}
	}
	return s, nil
}

// execArgs builds the docker exec arguments.
func (d *Dialer) execArgs(container string) []string {
	args := []string{"exec", "-i"}

	if d.user != "" {
		args = append(args, "-u", d.user)
	}

	keys := make([]string, 0, len(d.env))
	for k := range d.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, d.env[k]))
	}

	args = append(args, container)
	return append(args, d.command...)
}

// label describes a session as a docker:// URL.
func (d *Dialer) label(container string) string {
	if d.user != "" {
		return fmt.Sprintf("docker://%s@%s", d.user, container)
	}
	return fmt.Sprintf("docker://%s", container)
}

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/sanitize"
)

// Ensure Session implements the connector.Session interface.
var _ connector.Session = (*Session)(nil)

const readBufferSize = 32 * 1024

// Session runs commands on an interactive CLI reachable through a pair of
// byte streams.
type Session struct {
	dialect Dialect
	label   string

	w      io.Writer
	closer func() error

	chunks  chan []byte
	done    chan struct{}
	readErr atomic.Value

	mu        sync.Mutex
	closed    atomic.Bool
	desynced  atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Open starts reading r, waits for the first prompt and runs the dialect's
// setup commands. closer releases the underlying transport; Open calls it
// itself when login does not complete.
func Open(ctx context.Context, r io.Reader, w io.Writer, closer func() error, d Dialect, label string) (*Session, error) {
	if d.Prompt == nil {
		return nil, fmt.Errorf("dialect %q has no prompt pattern", d.Name)
	}
	if closer == nil {
		closer = func() error { return nil }
	}

	s := &Session{
		dialect: d,
		label:   label,
		w:       w,
		closer:  closer,
		chunks:  make(chan []byte, 16),
		done:    make(chan struct{}),
	}
	go s.readLoop(r)

	if _, err := s.readUntilPrompt(ctx, d.loginTimeout()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("waiting for login prompt: %w", err)
	}

	for _, cmd := range d.SetupCommands {
		if _, err := s.exchange(ctx, cmd); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("session setup %q: %w", cmd, err)
		}
	}

	return s, nil
}

// Send runs one command and returns its output without the echo and prompt.
func (s *Session) Send(ctx context.Context, command string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return "", &connector.CommandError{Command: command, Err: err}
	}

	out, err := s.exchange(ctx, command)
	if err != nil {
		return out, &connector.CommandError{Command: command, Output: out, Err: err}
	}
	return out, nil
}

// SendConfigSet enters config mode and sends every line. Staging stops at
// the first rejected line.
func (s *Session) SendConfigSet(ctx context.Context, lines []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return "", &connector.ConfigError{Stage: "stage", Lines: lines, Err: err}
	}

	var b strings.Builder
	for _, cmd := range s.dialect.ConfigEnter {
		out, err := s.exchange(ctx, cmd)
		appendOutput(&b, out)
		if err != nil {
			s.abort(ctx)
			return b.String(), &connector.ConfigError{Stage: "stage", Lines: lines, Output: b.String(), Err: fmt.Errorf("entering config mode: %w", err)}
		}
	}

	for _, line := range lines {
		out, err := s.exchange(ctx, line)
		appendOutput(&b, out)
		if err != nil {
			s.abort(ctx)
			return b.String(), &connector.ConfigError{Stage: "stage", Lines: lines, Output: b.String(), Err: fmt.Errorf("line %q: %w", line, err)}
		}
	}

	return b.String(), nil
}

// Commit runs the dialect's commit sequence and leaves config mode. For a
// dialect without a commit stage it only leaves config mode.
func (s *Session) Commit(ctx context.Context, comment string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return "", &connector.ConfigError{Stage: "commit", Err: err}
	}

	var steps []string
	if s.dialect.CommitCommands != nil {
		steps = append(steps, s.dialect.CommitCommands(comment)...)
	}
	steps = append(steps, s.dialect.ConfigExit...)

	var b strings.Builder
	for _, cmd := range steps {
		out, err := s.exchange(ctx, cmd)
		appendOutput(&b, out)
		if err != nil {
			return b.String(), &connector.ConfigError{Stage: "commit", Output: b.String(), Err: fmt.Errorf("%q: %w", cmd, err)}
		}
	}

	return b.String(), nil
}

// Close stops the reader and releases the transport. Later calls return the
// result of the first one.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.closeErr = s.closer()
	})
	return s.closeErr
}

func (s *Session) String() string {
	return fmt.Sprintf("%s (%s)", s.label, s.dialect.Name)
}

// usable reports why the session can no longer run commands, if it can't.
func (s *Session) usable() error {
	if s.closed.Load() {
		return connector.ErrSessionClosed
	}
	if s.desynced.Load() {
		return connector.ErrSessionDesynced
	}
	return nil
}

// abort leaves config mode after a failed staging step. Its own failures
// are ignored; a lost prompt still marks the session desynced.
func (s *Session) abort(ctx context.Context) {
	for _, cmd := range s.dialect.ConfigAbort {
		if s.desynced.Load() {
			return
		}
		_, _ = s.exchange(ctx, cmd)
	}
}

// exchange writes one command and collects its cleaned output. A device
// error line is reported as an error alongside the output. Any failure to
// reach the next prompt desyncs the session.
func (s *Session) exchange(ctx context.Context, command string) (string, error) {
	if _, err := io.WriteString(s.w, command+s.dialect.lineEnding()); err != nil {
		s.desynced.Store(true)
		return "", fmt.Errorf("write: %w", err)
	}

	raw, err := s.readUntilPrompt(ctx, s.dialect.commandTimeout())
	out := s.clean(raw, command)
	if err != nil {
		s.desynced.Store(true)
		return out, err
	}

	if line, ok := s.dialect.deviceError(out); ok {
		return out, fmt.Errorf("device rejected command: %s", strings.TrimSpace(line))
	}
	return out, nil
}

// readUntilPrompt accumulates output until its last line matches the prompt.
func (s *Session) readUntilPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var buf []byte
	for {
		if len(buf) > 0 && s.dialect.Prompt.Match(lastLine(buf)) {
			return string(buf), nil
		}

		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				return string(buf), fmt.Errorf("stream ended before prompt: %w", s.readError())
			}
			buf = append(buf, chunk...)
		case <-timer.C:
			return string(buf), fmt.Errorf("no prompt after %s", timeout)
		case <-ctx.Done():
			return string(buf), ctx.Err()
		case <-s.done:
			return string(buf), connector.ErrSessionClosed
		}
	}
}

func (s *Session) readLoop(r io.Reader) {
	defer close(s.chunks)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.chunks <- chunk:
			case <-s.done:
				return
			}
		}
		if err != nil {
			s.readErr.Store(err)
			return
		}
	}
}

func (s *Session) readError() error {
	if err, ok := s.readErr.Load().(error); ok && !errors.Is(err, io.EOF) {
		return err
	}
	return io.ErrUnexpectedEOF
}

// clean normalizes line endings and strips terminal escapes, the echoed
// command and the trailing prompt.
func (s *Session) clean(raw, command string) string {
	text := sanitize.StripANSI(raw)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")

	lines := strings.Split(text, "\n")
	if len(lines) > 0 && command != "" && strings.HasSuffix(strings.TrimSpace(lines[0]), strings.TrimSpace(command)) {
		lines = lines[1:]
	}
	if n := len(lines); n > 0 && s.dialect.Prompt.MatchString(lines[n-1]) {
		lines = lines[:n-1]
	}

	return strings.Join(lines, "\n")
}

// lastLine returns the bytes after the final newline, without a trailing CR.
func lastLine(buf []byte) []byte {
	i := bytes.LastIndexByte(buf, '\n')
	line := buf[i+1:]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

func splitLines(s string) []string {
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func appendOutput(b *strings.Builder, out string) {
	if out == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(out)
}

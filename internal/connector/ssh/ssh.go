// Package ssh opens interactive device sessions over SSH.
package ssh

import (
	"context"
	"fmt"
	"net"
	"time"

	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/connector/cli"
)

// DefaultPort is used when the target has no port.
const DefaultPort = 22

const (
	defaultTimeout = 20 * time.Second
	termType       = "vt100"
	termWidth      = 200
)

// Network gear often only speaks older algorithms, so the defaults are
// extended the same way for every device.
var (
	extraCiphers = []string{
		"aes128-ctr", "aes192-ctr", "aes256-ctr",
		"aes128-gcm@openssh.com",
		"aes128-cbc", "3des-cbc",
		"arcfour256", "arcfour128", "arcfour",
	}
	extraKeyExchanges = []string{
		"diffie-hellman-group-exchange-sha256",
		"diffie-hellman-group14-sha1",
		"diffie-hellman-group1-sha1",
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
	}
	extraMACs = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha1",
		"hmac-sha1-96",
	}
)

// Dialer opens SSH sessions that drive the device CLI described by Dialect.
type Dialer struct {
	Dialect cli.Dialect

	// HostKeyCallback verifies device host keys. Nil accepts any key, which
	// is the normal case for factory-fresh devices.
	HostKeyCallback gossh.HostKeyCallback
}

// Ensure Dialer.Open satisfies connector.Opener.
var _ connector.Opener = Dialer{}.Open

// Open dials the target, logs in and waits for the first CLI prompt.
//
// A failed TCP dial is returned as-is. Everything after the connection is
// accepted (handshake, authentication, shell, prompt) fails with
// *connector.LoginNotReadyError.
func (d Dialer) Open(ctx context.Context, target connector.Target, creds connector.Credentials, timeout time.Duration) (connector.Session, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = d.Dialect.LoginTimeout
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	addr := target.HostPort(DefaultPort)
	nd := &net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	notReady := func(err error) error {
		return &connector.LoginNotReadyError{Target: target, Err: err}
	}

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)

	c, chans, reqs, err := gossh.NewClientConn(conn, addr, d.clientConfig(creds, timeout))
	if err != nil {
		_ = conn.Close()
		return nil, notReady(fmt.Errorf("ssh handshake: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})

	client := gossh.NewClient(c, chans, reqs)

	sess, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, notReady(fmt.Errorf("new session: %w", err))
	}

	closer := func() error {
		_ = sess.Close()
		return client.Close()
	}

	modes := gossh.TerminalModes{
		gossh.ECHO:          1,
		gossh.TTY_OP_ISPEED: 14400,
		gossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(termType, 0, termWidth, modes); err != nil {
		_ = closer()
		return nil, notReady(fmt.Errorf("request pty: %w", err))
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		_ = closer()
		return nil, notReady(fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		_ = closer()
		return nil, notReady(fmt.Errorf("stdout pipe: %w", err))
	}

	if err := sess.Shell(); err != nil {
		_ = closer()
		return nil, notReady(fmt.Errorf("start shell: %w", err))
	}

	dialect := d.Dialect
	dialect.LoginTimeout = timeout

	s, err := cli.Open(ctx, stdout, stdin, closer, dialect, target.String())
	if err != nil {
		return nil, notReady(err)
	}
	return s, nil
}

func (d Dialer) clientConfig(creds connector.Credentials, timeout time.Duration) *gossh.ClientConfig {
	hostKey := d.HostKeyCallback
	if hostKey == nil {
		hostKey = gossh.InsecureIgnoreHostKey()
	}

	password := creds.Password
	config := &gossh.ClientConfig{
		User: creds.User,
		Auth: []gossh.AuthMethod{
			gossh.Password(password),
			gossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	config.SetDefaults()
	config.Ciphers = append(config.Ciphers, extraCiphers...)
	config.KeyExchanges = append(config.KeyExchanges, extraKeyExchanges...)
	config.MACs = append(config.MACs, extraMACs...)

	return config
}

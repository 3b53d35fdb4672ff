package runner

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/eugenetaranov/ztp/internal/configure"
	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/device"
	"github.com/eugenetaranov/ztp/internal/logger"
	"github.com/eugenetaranov/ztp/internal/output"
	"github.com/eugenetaranov/ztp/internal/plan"
	"github.com/eugenetaranov/ztp/internal/probe"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// fakeAutomator hands every run the session from sessions[address] and
// the facts from records[address]. errs[address] are returned in order
// before the session is handed out.
type fakeAutomator struct {
	mu       sync.Mutex
	sessions map[string]connector.Session
	records  map[string]facts.Record
	errs     map[string][]error
	requests []device.Request
	calls    map[string]int

	// active and maxActive track concurrent runs per address.
	active    map[string]int
	maxActive map[string]int
	hold      time.Duration
}

func newFakeAutomator() *fakeAutomator {
	return &fakeAutomator{
		sessions:  make(map[string]connector.Session),
		records:   make(map[string]facts.Record),
		errs:      make(map[string][]error),
		calls:     make(map[string]int),
		active:    make(map[string]int),
		maxActive: make(map[string]int),
	}
}

func (f *fakeAutomator) Session(ctx context.Context, req device.Request, fn device.SessionFunc) (facts.Record, error) {
	addr := req.Target.Address

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.calls[addr]++
	f.active[addr]++
	if f.active[addr] > f.maxActive[addr] {
		f.maxActive[addr] = f.active[addr]
	}
	var err error
	if len(f.errs[addr]) > 0 {
		err = f.errs[addr][0]
		f.errs[addr] = f.errs[addr][1:]
	}
	sess := f.sessions[addr]
	rec := f.records[addr]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[addr]--
		f.mu.Unlock()
	}()

	time.Sleep(f.hold)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = facts.Record{}
	}
	if err := fn(ctx, sess, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func newTestRunner(a Automator) (*Runner, *bytes.Buffer) {
	var buf bytes.Buffer
	out := output.New(&buf)
	out.SetColor(false)

	r := New(a, out, logger.NewTestLogger())
	r.Retry = RetryPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		MaxElapsed:      2 * time.Second,
		LoginAttempts:   2,
	}
	return r, &buf
}

func mustParse(t *testing.T, doc string) *plan.Plan {
	t.Helper()
	p, err := plan.Parse([]byte(doc))
	require.NoError(t, err)
	return p
}

var sw1Facts = facts.Record{
	facts.Hostname:     "sw1",
	facts.OSName:       "cros",
	facts.OSVersion:    "1.2",
	facts.Vendor:       "C-DOT",
	facts.HWModel:      "X100",
	facts.SerialNumber: "AABBCCDDEEFF",
}

func TestRunSteps(t *testing.T) {
	dir := t.TempDir()
	tmpl := filepath.Join(dir, "base.tmpl")
	require.NoError(t, os.WriteFile(tmpl, []byte(`hostname {{ .facts.hostname }}
!
interface {{ ifNameToPath .uplink }}
 {{ serviceCmd "ssh" }} {{ vrfCmd .vrf }}
`), 0o644))

	p := mustParse(t, `
name: leaf
defaults:
  os: cros
  vars:
    vrf: mgmt
devices:
  - name: leaf1
    target: 192.0.2.11
    vars:
      uplink: phy-1_1
steps:
  - name: version
    commands: [show version, "show interface {{ .uplink }}"]
  - name: eos only
    config: [daemon TerminAttr]
    when: facts.vendor == 'Arista'
  - name: base
    template: `+tmpl+`
    comment: base config
`)

	ctrl := gomock.NewController(t)
	sess := connector.NewMockSession(ctrl)
	gomock.InOrder(
		sess.EXPECT().Send(gomock.Any(), "show version").Return("Host: sw1", nil),
		sess.EXPECT().Send(gomock.Any(), "show interface phy-1_1").Return("up", nil),
		sess.EXPECT().SendConfigSet(gomock.Any(), []string{
			"hostname sw1",
			"interface physical 1/1",
			" service sshd vrf mgmt",
		}).Return("", nil),
		sess.EXPECT().Commit(gomock.Any(), "base config").Return("commit complete", nil),
	)

	fa := newFakeAutomator()
	fa.sessions["192.0.2.11"] = sess
	fa.records["192.0.2.11"] = sw1Facts

	r, buf := newTestRunner(fa)
	result, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.NotEmpty(t, result.ID)
	require.Len(t, result.Devices, 1)

	dr := result.Devices[0]
	assert.Equal(t, device.StatusOK, dr.Status)
	assert.Equal(t, 1, dr.Attempts)
	assert.Equal(t, sw1Facts, dr.Facts)
	require.Len(t, dr.Steps, 3)

	assert.Equal(t, output.StatusOK, dr.Steps[0].Status)
	assert.Equal(t, "Host: sw1\nup", dr.Steps[0].Message)
	assert.Equal(t, output.StatusSkipped, dr.Steps[1].Status)
	assert.Equal(t, output.StatusChanged, dr.Steps[2].Status)
	assert.Len(t, dr.Steps[2].Checksum, 64)
	require.NotNil(t, dr.Steps[2].Config)
	assert.Equal(t, "commit complete", dr.Steps[2].Config.Output)

	assert.Equal(t, 1, result.Stats.OK)
	assert.Equal(t, 1, result.Stats.Changed)
	assert.Equal(t, 1, result.Stats.Skipped)
	assert.Equal(t, 0, result.Stats.Failed)

	out := buf.String()
	assert.Contains(t, out, "PLAN leaf (1 devices)")
	assert.Contains(t, out, "[commands] version (leaf1) ok")
	assert.Contains(t, out, "✓ leaf1 OK")
	assert.Contains(t, out, "RECAP ok=1 changed=1 failed=0 skipped=1 unreachable=0")
}

func TestRunStepFailureStopsDevice(t *testing.T) {
	p := mustParse(t, `
defaults:
  os: cros
devices:
  - target: 192.0.2.11
steps:
  - name: tolerated
    commands: [show bogus]
    ignore_errors: true
  - name: vlan
    config: [vlan 10]
  - name: never
    commands: [show clock]
`)

	ctrl := gomock.NewController(t)
	sess := connector.NewMockSession(ctrl)
	gomock.InOrder(
		sess.EXPECT().Send(gomock.Any(), "show bogus").
			Return("", &connector.CommandError{Command: "show bogus", Output: "% Invalid input", Err: errors.New("device error")}),
		sess.EXPECT().SendConfigSet(gomock.Any(), []string{"vlan 10"}).Return("", nil),
		sess.EXPECT().Commit(gomock.Any(), "").Return("", &connector.ConfigError{Stage: "commit", Err: errors.New("locked")}),
	)

	fa := newFakeAutomator()
	fa.sessions["192.0.2.11"] = sess

	r, _ := newTestRunner(fa)
	result, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	assert.False(t, result.Success)
	dr := result.Devices[0]
	require.Len(t, dr.Steps, 2, "the third step never runs")
	assert.Equal(t, output.StatusFailed, dr.Steps[0].Status)
	assert.Equal(t, output.StatusFailed, dr.Steps[1].Status)

	var serr *StepError
	require.ErrorAs(t, dr.Err, &serr)
	assert.Equal(t, "vlan", serr.Step)
	assert.ErrorIs(t, dr.Err, connector.ErrConfigFailed)
	assert.Equal(t, device.StatusError, dr.Status)
	assert.Equal(t, 1, dr.Attempts, "step failures are not retried")

	assert.Equal(t, 2, result.Stats.Failed, "each failed step counts once")
}

func TestRunRetries(t *testing.T) {
	unreachable := &probe.Error{Target: connector.Target{Address: "192.0.2.11"}, Err: errors.New("i/o timeout")}
	loginErr := &connector.LoginNotReadyError{Err: errors.New("auth failed")}

	tests := []struct {
		name         string
		errs         []error
		wantAttempts int
		wantStatus   string
		wantErr      error
	}{
		{
			name:         "unreachable then ok",
			errs:         []error{unreachable, unreachable},
			wantAttempts: 3,
			wantStatus:   device.StatusOK,
		},
		{
			name:         "login attempts bounded",
			errs:         []error{loginErr, loginErr, loginErr},
			wantAttempts: 2,
			wantStatus:   device.StatusAuthFailed,
			wantErr:      connector.ErrLoginNotReady,
		},
		{
			name:         "decode error not retried",
			errs:         []error{&facts.DecodeError{OSName: "cros", Label: "Host"}},
			wantAttempts: 1,
			wantStatus:   device.StatusDecodeFailed,
			wantErr:      facts.ErrDecode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustParse(t, "defaults:\n  os: cros\ndevices:\n  - target: 192.0.2.11\n")

			fa := newFakeAutomator()
			fa.errs["192.0.2.11"] = tt.errs

			r, _ := newTestRunner(fa)
			result, err := r.Run(context.Background(), p)
			require.NoError(t, err)

			dr := result.Devices[0]
			assert.Equal(t, tt.wantAttempts, dr.Attempts)
			assert.Equal(t, tt.wantStatus, dr.Status)
			if tt.wantErr != nil {
				assert.ErrorIs(t, dr.Err, tt.wantErr)
			} else {
				assert.NoError(t, dr.Err)
			}
		})
	}
}

func TestRunUnreachableGivesUp(t *testing.T) {
	p := mustParse(t, "defaults:\n  os: cros\ndevices:\n  - target: 192.0.2.11\n")

	fa := newFakeAutomator()
	for i := 0; i < 100; i++ {
		fa.errs["192.0.2.11"] = append(fa.errs["192.0.2.11"], &probe.Error{Err: errors.New("refused")})
	}

	r, buf := newTestRunner(fa)
	r.Retry.MaxElapsed = 30 * time.Millisecond

	result, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	dr := result.Devices[0]
	assert.ErrorIs(t, dr.Err, probe.ErrUnreachable)
	assert.Equal(t, device.StatusUnreachable, dr.Status)
	assert.Greater(t, dr.Attempts, 1)
	assert.Equal(t, 1, result.Stats.Unreachable)
	assert.Equal(t, 0, result.Stats.Failed)
	assert.Contains(t, buf.String(), "UNREACHABLE after")
}

func TestRunNoRetryPolicy(t *testing.T) {
	p := mustParse(t, "defaults:\n  os: cros\ndevices:\n  - target: 192.0.2.11\n")

	fa := newFakeAutomator()
	fa.errs["192.0.2.11"] = []error{&probe.Error{Err: errors.New("refused")}}

	r, _ := newTestRunner(fa)
	r.Retry = RetryPolicy{}

	result, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Devices[0].Attempts)
}

func TestRunSerializesPerTarget(t *testing.T) {
	p := mustParse(t, `
defaults:
  os: linux
devices:
  - name: a1
    target: 192.0.2.1
    port: 2201
  - name: a2
    target: 192.0.2.1
    port: 2202
  - name: a3
    target: 192.0.2.1
    port: 2203
  - name: b1
    target: 192.0.2.2
`)

	fa := newFakeAutomator()
	fa.hold = 20 * time.Millisecond

	r, _ := newTestRunner(fa)
	r.Forks = 4

	result, err := r.Run(context.Background(), p)
	require.NoError(t, err)
	assert.True(t, result.Success)

	assert.Equal(t, 3, fa.calls["192.0.2.1"])
	assert.Equal(t, 1, fa.maxActive["192.0.2.1"], "runs on one address never overlap")

	names := make([]string, len(result.Devices))
	for i, dr := range result.Devices {
		names[i] = dr.Name
	}
	assert.Equal(t, []string{"a1", "a2", "a3", "b1"}, names, "results keep plan order")
}

func TestRunCredentialsFallback(t *testing.T) {
	p := mustParse(t, `
defaults:
  os: cros
devices:
  - target: 192.0.2.1
  - target: 192.0.2.2
    user: admin
    password: secret
  - target: 192.0.2.3
    password: only-pass
`)

	fa := newFakeAutomator()
	r, _ := newTestRunner(fa)
	r.Credentials = connector.Credentials{User: "env-user", Password: "env-pass"}

	_, err := r.Run(context.Background(), p)
	require.NoError(t, err)

	creds := map[string]connector.Credentials{}
	for _, req := range fa.requests {
		creds[req.Target.Address] = req.Credentials
	}
	assert.Equal(t, connector.Credentials{User: "env-user", Password: "env-pass"}, creds["192.0.2.1"])
	assert.Equal(t, connector.Credentials{User: "admin", Password: "secret"}, creds["192.0.2.2"])
	assert.Equal(t, connector.Credentials{User: "env-user", Password: "only-pass"}, creds["192.0.2.3"])
}

func TestRunMissingTemplate(t *testing.T) {
	p := mustParse(t, "defaults:\n  os: cros\ndevices:\n  - target: a\nsteps:\n  - template: /nonexistent/base.tmpl\n")

	r, _ := newTestRunner(newFakeAutomator())
	_, err := r.Run(context.Background(), p)
	assert.Error(t, err)
}

func TestConfigLines(t *testing.T) {
	step := &plan.Step{Config: []string{"hostname {{ .name }}", "", "! comment", "ntp server {{ .ntp }}"}}

	lines, checksum, err := configLines(step, map[string]any{"name": "leaf1", "ntp": "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"hostname leaf1", "ntp server 10.0.0.1"}, lines)
	assert.Len(t, checksum, 64)

	_, _, err = configLines(step, map[string]any{"name": "leaf1"})
	assert.ErrorContains(t, err, "line 4")

	_, _, err = configLines(&plan.Step{Config: []string{"! only a comment"}}, nil)
	assert.ErrorIs(t, err, configure.ErrNoLines)
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{
		"enabled":  true,
		"disabled": false,
		"name":     "leaf1",
		"empty":    "",
		"count":    5,
		"zero":     0,
		"facts": map[string]any{
			"vendor":   "C-DOT",
			"hw_model": "X100",
		},
	}

	tests := []struct {
		name      string
		condition string
		want      bool
	}{
		// Truthiness
		{"true var", "enabled", true},
		{"false var", "disabled", false},
		{"non-empty string", "name", true},
		{"empty string", "empty", false},
		{"positive number", "count", true},
		{"zero", "zero", false},
		{"missing fact", "facts.missing", false},

		// Equality
		{"string equals", "name == 'leaf1'", true},
		{"string not equals", "name == 'leaf2'", false},
		{"dotted equals", "facts.vendor == \"C-DOT\"", true},
		{"number equals", "count == 5", true},

		// Inequality
		{"not equals true", "facts.hw_model != 'X200'", true},
		{"not equals false", "facts.hw_model != 'X100'", false},

		// Negation
		{"not true", "not enabled", false},
		{"not false", "not disabled", true},
		{"not empty", "not empty", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateCondition(tt.condition, vars), tt.condition)
		})
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	cause := errors.New("locked")
	err := &StepError{Step: "vlan", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, errStepFailed)
	assert.True(t, strings.HasPrefix(err.Error(), `step "vlan" failed`))
}

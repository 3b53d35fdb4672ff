package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/logger"
	"github.com/eugenetaranov/ztp/internal/probe"
	"github.com/eugenetaranov/ztp/internal/vendor"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

const showVersion = "Host: sw1\nSoftware Version: 1.2\nModel: X100\nSerial Num: n/a\nSystem MAC: aa:bb:cc:dd:ee:ff"

// harness wires a controller to a single test vendor whose probe and
// opener are observable.
type harness struct {
	ctrl      *Controller
	sess      *connector.MockSession
	probeErr  error
	openErr   error
	probes    int
	opens     int
	lastCreds connector.Credentials
	lastProbe time.Duration
	trace     []Transition
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{sess: connector.NewMockSession(gomock.NewController(t))}
	h.sess.EXPECT().String().Return("mock").AnyTimes()

	reg := vendor.NewRegistry()
	reg.Register(&vendor.Binding{
		OSName: "testos",
		Vendor: "Test",
		Probe: func(_ context.Context, _ connector.Target, timeout time.Duration) error {
			h.probes++
			h.lastProbe = timeout
			return h.probeErr
		},
		Open: func(_ context.Context, _ connector.Target, creds connector.Credentials, _ time.Duration) (connector.Session, error) {
			h.opens++
			h.lastCreds = creds
			if h.openErr != nil {
				return nil, h.openErr
			}
			return h.sess, nil
		},
		FactsCommands: []string{"show version"},
		Decoder: &facts.LabelDecoder{
			OSName: "testos",
			Vendor: "Test",
			Fields: map[string]string{
				facts.Hostname:  "Host",
				facts.OSVersion: "Software Version",
				facts.HWModel:   "Model",
			},
			SerialLabel: "Serial Num",
			MACLabel:    "System MAC",
		},
		DefaultCredentials: connector.Credentials{User: "ztp", Password: "Ztp@1234"},
	})

	h.ctrl = New(reg, logger.NewTestLogger())
	h.ctrl.Trace = func(tr Transition) { h.trace = append(h.trace, tr) }
	return h
}

func (h *harness) states() []State {
	var out []State
	for _, tr := range h.trace {
		out = append(out, tr.To)
	}
	return out
}

func testRequest() Request {
	return Request{
		Target: connector.Target{Address: "192.0.2.10"},
		OSName: "testos",
	}
}

func TestRunGathersFacts(t *testing.T) {
	h := newHarness(t)
	gomock.InOrder(
		h.sess.EXPECT().Send(gomock.Any(), "show version").Return(showVersion, nil),
		h.sess.EXPECT().Close().Return(nil).Times(1),
	)

	rec, err := h.ctrl.Run(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, facts.Record{
		facts.Hostname:     "sw1",
		facts.OSVersion:    "1.2",
		facts.HWModel:      "X100",
		facts.SerialNumber: "AABBCCDDEEFF",
		facts.Vendor:       "Test",
		facts.OSName:       "testos",
	}, rec)
	assert.Equal(t, []State{StateProbing, StateConnecting, StateGathering, StateDone}, h.states())
	assert.Equal(t, StateInit, h.trace[0].From)
	assert.Equal(t, probe.DefaultTimeout, h.lastProbe)
	assert.Equal(t, "ztp", h.lastCreds.User, "vendor default credentials")
}

func TestRunProbeFailure(t *testing.T) {
	h := newHarness(t)
	target := testRequest().Target
	h.probeErr = &probe.Error{Target: target, Timeout: 3 * time.Second, Err: errors.New("i/o timeout")}

	req := testRequest()
	req.Options.ProbeTimeout = 3 * time.Second
	rec, err := h.ctrl.Run(context.Background(), req)

	assert.Nil(t, rec)
	assert.ErrorIs(t, err, probe.ErrUnreachable)
	var perr *probe.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3*time.Second, perr.Timeout)

	// The mock session has no Close expectation: any call fails the test.
	assert.Equal(t, 0, h.opens)
	assert.Equal(t, []State{StateProbing, StateError}, h.states())
}

func TestRunUnknownVendor(t *testing.T) {
	h := newHarness(t)
	req := testRequest()
	req.OSName = "junos"

	_, err := h.ctrl.Run(context.Background(), req)
	assert.ErrorIs(t, err, vendor.ErrUnknownVendor)
	assert.Equal(t, 0, h.probes)
	assert.Equal(t, 0, h.opens)
}

func TestRunLoginNotReady(t *testing.T) {
	h := newHarness(t)
	h.openErr = &connector.LoginNotReadyError{Target: testRequest().Target, Err: errors.New("auth failed")}

	_, err := h.ctrl.Run(context.Background(), testRequest())
	assert.ErrorIs(t, err, connector.ErrLoginNotReady)
	assert.Equal(t, []State{StateProbing, StateConnecting, StateError}, h.states())
}

func TestRunDecodeErrorClosesSession(t *testing.T) {
	h := newHarness(t)
	h.sess.EXPECT().Send(gomock.Any(), "show version").Return("Host: sw1\nModel: X100", nil)
	h.sess.EXPECT().Close().Return(nil).Times(1)

	rec, err := h.ctrl.Run(context.Background(), testRequest())
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, facts.ErrDecode)

	var derr *facts.DecodeError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "testos", derr.OSName)
}

func TestRunFactsCommandFails(t *testing.T) {
	h := newHarness(t)
	cmdErr := &connector.CommandError{Command: "show version", Err: errors.New("no prompt after 30s")}
	h.sess.EXPECT().Send(gomock.Any(), "show version").Return("", cmdErr)
	h.sess.EXPECT().Close().Return(errors.New("already gone")).Times(1)

	_, err := h.ctrl.Run(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrFactsFailed)
	assert.ErrorIs(t, err, connector.ErrCommandFailed)

	var ferr *FactsError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, "show version", ferr.Command)
}

func TestRunSkipProbeAndFacts(t *testing.T) {
	h := newHarness(t)
	h.sess.EXPECT().Close().Return(nil).Times(1)

	req := testRequest()
	req.Options = Options{SkipProbe: true, SkipFacts: true}
	req.Credentials = connector.Credentials{User: "admin", Password: "secret"}

	rec, err := h.ctrl.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, rec)
	assert.Equal(t, 0, h.probes)
	assert.Equal(t, "admin", h.lastCreds.User)
	assert.Equal(t, []State{StateConnecting, StateDone}, h.states())
}

func TestSessionFuncError(t *testing.T) {
	h := newHarness(t)
	h.sess.EXPECT().Close().Return(nil).Times(1)

	req := testRequest()
	req.Options.SkipFacts = true
	boom := errors.New("boom")

	_, err := h.ctrl.Session(context.Background(), req, func(context.Context, connector.Session, facts.Record) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateError, h.states()[len(h.states())-1])
}

func TestPush(t *testing.T) {
	h := newHarness(t)
	gomock.InOrder(
		h.sess.EXPECT().SendConfigSet(gomock.Any(), []string{"vlan 10"}).Return("staged", nil),
		h.sess.EXPECT().Commit(gomock.Any(), "add vlan").Return("", errors.New("commit failed: locked")),
		h.sess.EXPECT().Close().Return(nil),
	)

	req := testRequest()
	req.Options.SkipFacts = true
	res, err := h.ctrl.Push(context.Background(), req, []string{"vlan 10"}, "add vlan")

	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "commit failed: locked", res.Error)
	assert.Contains(t, res.Output, "staged")
}

func TestExecute(t *testing.T) {
	h := newHarness(t)
	gomock.InOrder(
		h.sess.EXPECT().Send(gomock.Any(), "show version").Return(showVersion, nil),
		h.sess.EXPECT().Send(gomock.Any(), "show clock").Return("12:00", nil),
		h.sess.EXPECT().Close().Return(nil),
	)

	exec, err := h.ctrl.Execute(context.Background(), testRequest(), []string{"show clock"}, true)
	require.NoError(t, err)
	assert.True(t, exec.OK)
	assert.Equal(t, []string{"12:00"}, exec.Stdout())
}

func TestExecuteProbeFailure(t *testing.T) {
	h := newHarness(t)
	h.probeErr = &probe.Error{Err: errors.New("refused")}

	exec, err := h.ctrl.Execute(context.Background(), testRequest(), []string{"show clock"}, true)
	assert.Nil(t, exec)
	assert.ErrorIs(t, err, probe.ErrUnreachable)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantStatus    string
		wantRetryable bool
	}{
		{"nil", nil, StatusOK, false},
		{"probe", &probe.Error{Err: errors.New("timeout")}, StatusUnreachable, true},
		{"login", &connector.LoginNotReadyError{Err: errors.New("auth")}, StatusAuthFailed, true},
		{"decode", &facts.DecodeError{OSName: "cros", Label: "Host"}, StatusDecodeFailed, false},
		{"unknown vendor", &vendor.UnknownVendorError{OSName: "x"}, StatusUnsupported, false},
		{"facts command", &FactsError{Err: &connector.CommandError{Command: "x"}}, StatusError, false},
		{"wrapped probe", errors.Join(errors.New("ctx"), &probe.Error{}), StatusUnreachable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, retryable := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantRetryable, retryable)
		})
	}
}

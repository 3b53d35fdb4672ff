package device

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/probe"
	"github.com/eugenetaranov/ztp/internal/vendor"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// State is a step of the device workflow.
type State string

const (
	StateInit       State = "INIT"
	StateProbing    State = "PROBING"
	StateConnecting State = "CONNECTING"
	StateGathering  State = "GATHERING"
	StateDone       State = "DONE"
	StateError      State = "ERROR"
)

// Transition is one state change of a run.
type Transition struct {
	Target connector.Target
	OSName string
	From   State
	To     State
	At     time.Time
	// Err is set when To is StateError.
	Err error
}

// run tracks the state of one workflow.
type run struct {
	target connector.Target
	osName string
	state  State
	log    zerolog.Logger
	trace  func(Transition)
}

func (c *Controller) newRun(req Request) *run {
	return &run{
		target: req.Target,
		osName: req.OSName,
		state:  StateInit,
		log: c.Logger.With().
			Str("target", req.Target.String()).
			Str("os", req.OSName).
			Logger(),
		trace: c.Trace,
	}
}

func (r *run) enter(to State) {
	r.transition(to, nil)
	r.log.Debug().Str("state", string(to)).Msg("State changed")
}

// fail moves the run to StateError and returns err unchanged.
func (r *run) fail(err error) error {
	from := r.state
	r.transition(StateError, err)

	status, _ := Classify(err)
	r.log.Error().Err(err).
		Str("from", string(from)).
		Str("status", status).
		Msg("Device workflow failed")
	return err
}

func (r *run) transition(to State, err error) {
	t := Transition{
		Target: r.target,
		OSName: r.osName,
		From:   r.state,
		To:     to,
		At:     time.Now(),
		Err:    err,
	}
	r.state = to
	if r.trace != nil {
		r.trace(t)
	}
}

// Device status values reported by Classify.
const (
	StatusOK           = "OK"
	StatusUnreachable  = "UNREACHABLE"
	StatusAuthFailed   = "AUTH_FAILED"
	StatusDecodeFailed = "DECODE_FAILED"
	StatusUnsupported  = "UNSUPPORTED"
	StatusError        = "ERROR"
)

// Classify maps a workflow error to the status an inventory should record
// and whether retrying later can help.
func Classify(err error) (status string, retryable bool) {
	switch {
	case err == nil:
		return StatusOK, false
	case errors.Is(err, probe.ErrUnreachable):
		return StatusUnreachable, true
	case errors.Is(err, connector.ErrLoginNotReady):
		return StatusAuthFailed, true
	case errors.Is(err, facts.ErrDecode):
		return StatusDecodeFailed, false
	case errors.Is(err, vendor.ErrUnknownVendor):
		return StatusUnsupported, false
	default:
		return StatusError, false
	}
}

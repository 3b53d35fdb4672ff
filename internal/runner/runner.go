// Package runner applies provisioning plans to many devices concurrently.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eugenetaranov/ztp/internal/command"
	"github.com/eugenetaranov/ztp/internal/configure"
	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/device"
	"github.com/eugenetaranov/ztp/internal/output"
	"github.com/eugenetaranov/ztp/internal/plan"
	"github.com/eugenetaranov/ztp/internal/template"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// Automator opens device sessions. *device.Controller implements it.
type Automator interface {
	Session(ctx context.Context, req device.Request, fn device.SessionFunc) (facts.Record, error)
}

var _ Automator = (*device.Controller)(nil)

// RetryPolicy bounds retries of unreachable devices and failed logins.
type RetryPolicy struct {
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay.
	MaxInterval time.Duration

	// MaxElapsed stops retrying once this much time has passed since the
	// first attempt. Zero disables retries.
	MaxElapsed time.Duration

	// LoginAttempts is the total number of tries for a device whose login
	// is not ready.
	LoginAttempts int
}

// DefaultRetryPolicy returns the retry policy used by the CLI.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      5 * time.Minute,
		LoginAttempts:   3,
	}
}

// Runner runs plans.
type Runner struct {
	Automator Automator
	Output    *output.Output
	Logger    zerolog.Logger

	// Forks is the number of devices provisioned at once (default: 1).
	Forks int

	Retry RetryPolicy

	// Credentials are used for devices whose plan sets none. Vendor
	// defaults apply when these are empty too.
	Credentials connector.Credentials

	locks targetLocks
}

// New creates a runner with the default retry policy.
func New(automator Automator, out *output.Output, logger zerolog.Logger) *Runner {
	return &Runner{
		Automator: automator,
		Output:    out,
		Logger:    logger,
		Forks:     1,
		Retry:     DefaultRetryPolicy(),
	}
}

// Result holds the result of a plan run.
type Result struct {
	// ID identifies the run in logs.
	ID string

	// Success is true if every device completed every step.
	Success bool

	// Devices are in plan order.
	Devices []*DeviceResult

	Stats *Stats
}

// DeviceResult is the outcome of one device.
type DeviceResult struct {
	Name   string
	Target string
	OSName string

	// Status is the device classification, see device.Classify.
	Status string

	Facts    facts.Record
	Steps    []StepResult
	Attempts int
	Err      error
}

// StepResult is the outcome of one step on one device.
type StepResult struct {
	Step    string
	Kind    string
	Status  string // ok, changed, failed, skipped
	Message string

	Execution *command.Execution
	Config    *configure.Result

	// Checksum identifies the configuration pushed by config and template
	// steps.
	Checksum string

	Err error
}

// Stats holds run statistics.
type Stats struct {
	mu sync.Mutex

	Devices     int
	OK          int
	Changed     int
	Failed      int
	Skipped     int
	Unreachable int
	StartTime   time.Time
	EndTime     time.Time
}

// Duration returns the total execution time.
func (s *Stats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// GetOK returns the OK count (implements output.Stats).
func (s *Stats) GetOK() int { return s.OK }

// GetChanged returns the Changed count (implements output.Stats).
func (s *Stats) GetChanged() int { return s.Changed }

// GetFailed returns the Failed count (implements output.Stats).
func (s *Stats) GetFailed() int { return s.Failed }

// GetSkipped returns the Skipped count (implements output.Stats).
func (s *Stats) GetSkipped() int { return s.Skipped }

// GetUnreachable returns the Unreachable count (implements output.Stats).
func (s *Stats) GetUnreachable() int { return s.Unreachable }

// GetDuration returns the duration (implements output.Stats).
func (s *Stats) GetDuration() time.Duration { return s.Duration() }

func (s *Stats) record(dr *DeviceResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range dr.Steps {
		switch step.Status {
		case output.StatusOK:
			s.OK++
		case output.StatusChanged:
			s.Changed++
		case output.StatusFailed:
			s.Failed++
		case output.StatusSkipped:
			s.Skipped++
		}
	}

	switch {
	case dr.Status == device.StatusUnreachable:
		s.Unreachable++
	case dr.Err != nil && !errors.Is(dr.Err, errStepFailed):
		// Failures before the steps ran count once per device.
		s.Failed++
	}
}

// errStepFailed marks a device stopped by a failing step. The step itself
// is already counted.
var errStepFailed = errors.New("step failed")

// StepError reports the step that stopped a device.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() []error { return []error{errStepFailed, e.Err} }

// Run applies p to all of its devices. Device failures are reported in the
// result; the returned error is only set when the run could not start.
func (r *Runner) Run(ctx context.Context, p *plan.Plan) (*Result, error) {
	if r.Automator == nil {
		return nil, errors.New("runner has no automator")
	}
	if err := p.CheckTemplates(); err != nil {
		return nil, err
	}

	forks := r.Forks
	if forks < 1 {
		forks = 1
	}

	result := &Result{
		ID:      uuid.NewString(),
		Success: true,
		Devices: make([]*DeviceResult, len(p.Devices)),
		Stats:   &Stats{StartTime: time.Now(), Devices: len(p.Devices)},
	}
	log := r.Logger.With().Str("run_id", result.ID).Logger()
	log.Info().Str("plan", p.Path).Int("devices", len(p.Devices)).Int("forks", forks).Msg("Starting plan")

	r.Output.PlanStart(p.Name, p.Path, len(p.Devices))

	var g errgroup.Group
	g.SetLimit(forks)
	for i, dev := range p.Devices {
		i, dev := i, dev
		g.Go(func() error {
			dr := r.runDevice(ctx, log, p, dev)
			result.Devices[i] = dr
			result.Stats.record(dr)
			return nil
		})
	}
	_ = g.Wait()

	for _, dr := range result.Devices {
		if dr.Err != nil {
			result.Success = false
		}
	}

	result.Stats.EndTime = time.Now()
	r.Output.PlanEnd(result.Stats)
	log.Info().Bool("success", result.Success).Dur("duration", result.Stats.Duration()).Msg("Plan finished")

	return result, nil
}

// runDevice provisions a single device, holding its target lock.
func (r *Runner) runDevice(ctx context.Context, log zerolog.Logger, p *plan.Plan, dev *plan.Device) *DeviceResult {
	req := p.Request(dev)
	req.Credentials = req.Credentials.Fill(r.Credentials)

	dr := &DeviceResult{
		Name:   dev.DisplayName(),
		Target: req.Target.String(),
		OSName: req.OSName,
	}
	log = log.With().Str("device", dr.Name).Logger()

	unlock := r.locks.lock(req.Target.Address)
	defer unlock()

	r.Output.DeviceStart(dr.Name, dr.Target, dr.OSName)

	rec, attempts, err := r.session(ctx, log, req, func(ctx context.Context, sess connector.Session, rec facts.Record) error {
		vars := p.Vars(dev)
		vars["facts"] = rec.Vars()
		return r.runSteps(ctx, sess, p.Steps, vars, dr)
	})

	dr.Facts = rec
	dr.Attempts = attempts
	dr.Err = err
	dr.Status, _ = device.Classify(err)

	r.Output.DeviceResult(dr.Name, dr.Status, attempts, err)
	if err != nil {
		log.Error().Err(err).Str("status", dr.Status).Int("attempts", attempts).Msg("Device failed")
	}

	return dr
}

// session opens a device session with retries. Unreachable devices are
// retried until the policy's elapsed time runs out; login failures up to
// LoginAttempts tries. Other errors are returned at once.
func (r *Runner) session(ctx context.Context, log zerolog.Logger, req device.Request, fn device.SessionFunc) (facts.Record, int, error) {
	var (
		rec      facts.Record
		attempts int
		logins   int
	)

	operation := func() error {
		attempts++
		var err error
		rec, err = r.Automator.Session(ctx, req, fn)
		if err == nil {
			return nil
		}

		status, retryable := device.Classify(err)
		if !retryable || errors.Is(err, errStepFailed) || r.Retry.MaxElapsed <= 0 {
			return backoff.Permanent(err)
		}
		if status == device.StatusAuthFailed {
			logins++
			if logins >= r.Retry.LoginAttempts {
				return backoff.Permanent(err)
			}
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.Retry.InitialInterval
	if r.Retry.MaxInterval > 0 {
		b.MaxInterval = r.Retry.MaxInterval
	}
	b.MaxElapsedTime = r.Retry.MaxElapsed

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("Device not ready, retrying")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
	return rec, attempts, err
}

// runSteps applies steps in order on an open session.
func (r *Runner) runSteps(ctx context.Context, sess connector.Session, steps []*plan.Step, vars map[string]any, dr *DeviceResult) error {
	for _, step := range steps {
		sr := r.runStep(ctx, sess, step, vars)
		dr.Steps = append(dr.Steps, sr)
		r.Output.StepResult(dr.Name, sr.Kind, sr.Step, sr.Status, sr.Message)

		if sr.Status == output.StatusFailed && !step.IgnoreErrors {
			return &StepError{Step: sr.Step, Err: sr.Err}
		}
	}
	return nil
}

// runStep executes a single step.
func (r *Runner) runStep(ctx context.Context, sess connector.Session, step *plan.Step, vars map[string]any) StepResult {
	sr := StepResult{Step: step.String(), Kind: step.Kind()}

	if step.When != "" && !evaluateCondition(step.When, vars) {
		sr.Status = output.StatusSkipped
		sr.Message = "when condition not met"
		return sr
	}

	switch step.Kind() {
	case plan.KindCommands:
		cmds, err := renderLines(step.Commands, vars)
		if err != nil {
			return sr.fail(err)
		}
		sr.Execution = command.Execute(ctx, sess, cmds, step.ShouldStopOnError())
		if !sr.Execution.OK {
			return sr.fail(sr.Execution.FirstError())
		}
		sr.Status = output.StatusOK
		sr.Message = strings.Join(sr.Execution.Stdout(), "\n")

	case plan.KindConfig, plan.KindTemplate:
		lines, checksum, err := configLines(step, vars)
		if err != nil {
			return sr.fail(err)
		}
		sr.Checksum = checksum
		res := configure.Apply(ctx, sess, lines, step.Comment)
		sr.Config = &res
		if !res.OK() {
			return sr.fail(res.Err)
		}
		sr.Status = output.StatusChanged
		sr.Message = res.Output

	default:
		return sr.fail(fmt.Errorf("step has no action"))
	}

	return sr
}

func (sr StepResult) fail(err error) StepResult {
	if err == nil {
		err = errors.New(firstLine(sr.Message))
	}
	sr.Status = output.StatusFailed
	sr.Err = err
	sr.Message = err.Error()
	return sr
}

// configLines renders the configuration of a config or template step.
func configLines(step *plan.Step, vars map[string]any) ([]string, string, error) {
	var rendered string
	if step.Kind() == plan.KindTemplate {
		out, err := template.RenderFile(step.Template, vars)
		if err != nil {
			return nil, "", err
		}
		rendered = out
	} else {
		lines, err := renderLines(step.Config, vars)
		if err != nil {
			return nil, "", err
		}
		rendered = strings.Join(lines, "\n")
	}

	lines := template.Lines(rendered)
	if len(lines) == 0 {
		return nil, "", configure.ErrNoLines
	}
	return lines, template.Checksum(strings.Join(lines, "\n")), nil
}

// renderLines renders each line that contains template actions.
func renderLines(lines []string, vars map[string]any) ([]string, error) {
	out := make([]string, len(lines))
	for i, line := range lines {
		if !strings.Contains(line, "{{") {
			out[i] = line
			continue
		}
		rendered, err := template.Render(fmt.Sprintf("line %d", i+1), line, vars)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		out[i] = rendered
	}
	return out, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// targetLocks serializes runs against the same target address.
type targetLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *targetLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

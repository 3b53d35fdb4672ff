// Package plan defines the structure and parsing of provisioning plans.
package plan

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eugenetaranov/ztp/internal/connector"
	"github.com/eugenetaranov/ztp/internal/device"
)

// Step kinds.
const (
	KindCommands = "commands"
	KindConfig   = "config"
	KindTemplate = "template"
)

// Plan is a set of steps applied to a list of devices.
type Plan struct {
	// Path is the file path the plan was loaded from.
	Path string `yaml:"-"`

	// Name is an optional description of the plan.
	Name string `yaml:"name"`

	// GatherFacts controls whether facts are gathered before the steps
	// run (default: true).
	GatherFacts *bool `yaml:"gather_facts"`

	// Defaults apply to every device that does not override them.
	Defaults Defaults `yaml:"defaults"`

	Devices []*Device `yaml:"devices"`
	Steps   []*Step   `yaml:"steps"`
}

// Defaults holds connection settings shared by all devices.
type Defaults struct {
	OS           string         `yaml:"os"`
	Port         int            `yaml:"port"`
	User         string         `yaml:"user"`
	Password     string         `yaml:"password"`
	ProbeTimeout Duration       `yaml:"probe_timeout"`
	LoginTimeout Duration       `yaml:"login_timeout"`
	SkipProbe    bool           `yaml:"skip_probe"`
	Vars         map[string]any `yaml:"vars"`
}

// Device is a single provisioning target.
type Device struct {
	// Name identifies the device in output, default: the target address.
	Name     string         `yaml:"name"`
	Target   string         `yaml:"target"`
	Port     int            `yaml:"port"`
	OS       string         `yaml:"os"`
	User     string         `yaml:"user"`
	Password string         `yaml:"password"`
	Vars     map[string]any `yaml:"vars"`
}

// Step is one action applied to every device, in order.
type Step struct {
	Name string `yaml:"name"`

	// Commands are run through the command engine.
	Commands    []string `yaml:"commands"`
	StopOnError *bool    `yaml:"stop_on_error"`

	// Config lines are staged and committed in one transaction.
	Config []string `yaml:"config"`

	// Template is a config template file, relative to the plan file.
	Template string `yaml:"template"`

	// Comment is attached to the commit of config and template steps.
	Comment string `yaml:"comment"`

	// When is a condition on device vars and facts; the step runs only if
	// it holds.
	When string `yaml:"when"`

	// IgnoreErrors continues with the next step even if this one fails.
	IgnoreErrors bool `yaml:"ignore_errors"`
}

// Duration is a time.Duration read from strings such as "3s" or bare
// seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var seconds int
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// ShouldGatherFacts returns whether facts should be gathered for this plan.
func (p *Plan) ShouldGatherFacts() bool {
	if p.GatherFacts == nil {
		return true
	}
	return *p.GatherFacts
}

// Validate checks the plan for common errors.
func (p *Plan) Validate() error {
	if len(p.Devices) == 0 {
		return fmt.Errorf("plan has no devices")
	}

	seen := make(map[string]bool)
	for i, dev := range p.Devices {
		if dev.Target == "" {
			return fmt.Errorf("device %d: missing required 'target' field", i+1)
		}
		if dev.OS == "" && p.Defaults.OS == "" {
			return fmt.Errorf("device %s: no 'os' set and no default", dev.DisplayName())
		}
		if seen[dev.DisplayName()] {
			return fmt.Errorf("device %s: duplicate name", dev.DisplayName())
		}
		seen[dev.DisplayName()] = true
	}

	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("step %d", i+1)
			}
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	return nil
}

// DisplayName returns the device name, or its target when unnamed.
func (d *Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Target
}

// Request builds the device controller request for dev, filling unset
// fields from the plan defaults.
func (p *Plan) Request(dev *Device) device.Request {
	req := device.Request{
		Target: connector.Target{Address: dev.Target, Port: dev.Port},
		OSName: dev.OS,
		Credentials: connector.Credentials{
			User:     dev.User,
			Password: dev.Password,
		},
		Options: device.Options{
			SkipProbe:    p.Defaults.SkipProbe,
			SkipFacts:    !p.ShouldGatherFacts(),
			ProbeTimeout: time.Duration(p.Defaults.ProbeTimeout),
			LoginTimeout: time.Duration(p.Defaults.LoginTimeout),
		},
	}

	if req.Target.Port == 0 {
		req.Target.Port = p.Defaults.Port
	}
	if req.OSName == "" {
		req.OSName = p.Defaults.OS
	}
	req.Credentials = req.Credentials.Fill(connector.Credentials{User: p.Defaults.User, Password: p.Defaults.Password})

	return req
}

// Vars returns the template variables for dev: plan default vars
// overridden by device vars, plus "name" and "target".
func (p *Plan) Vars(dev *Device) map[string]any {
	vars := make(map[string]any)
	for k, v := range p.Defaults.Vars {
		vars[k] = v
	}
	for k, v := range dev.Vars {
		vars[k] = v
	}
	vars["name"] = dev.DisplayName()
	vars["target"] = dev.Target
	return vars
}

// Kind returns which action the step performs.
func (s *Step) Kind() string {
	switch {
	case len(s.Commands) > 0:
		return KindCommands
	case len(s.Config) > 0:
		return KindConfig
	case s.Template != "":
		return KindTemplate
	}
	return ""
}

// ShouldStopOnError returns whether a command step stops at the first
// failure (default: true).
func (s *Step) ShouldStopOnError() bool {
	if s.StopOnError == nil {
		return true
	}
	return *s.StopOnError
}

// Validate checks the step for common errors.
func (s *Step) Validate() error {
	var actions []string
	if len(s.Commands) > 0 {
		actions = append(actions, KindCommands)
	}
	if len(s.Config) > 0 {
		actions = append(actions, KindConfig)
	}
	if s.Template != "" {
		actions = append(actions, KindTemplate)
	}

	switch len(actions) {
	case 0:
		return fmt.Errorf("step has no action (commands, config or template)")
	case 1:
	default:
		return fmt.Errorf("multiple actions specified: %s", strings.Join(actions, " and "))
	}

	if s.StopOnError != nil && s.Kind() != KindCommands {
		return fmt.Errorf("stop_on_error only applies to commands")
	}
	if s.Comment != "" && s.Kind() == KindCommands {
		return fmt.Errorf("comment only applies to config and template steps")
	}

	return nil
}

// String returns a human-readable description of the step.
func (s *Step) String() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind() {
	case KindCommands:
		return summarize(KindCommands, s.Commands)
	case KindConfig:
		return summarize(KindConfig, s.Config)
	case KindTemplate:
		return "template: " + filepath.Base(s.Template)
	}
	return "empty step"
}

func summarize(kind string, lines []string) string {
	first := lines[0]
	if r := []rune(first); len(r) > 30 {
		first = string(r[:27]) + "..."
	}
	if len(lines) > 1 {
		return fmt.Sprintf("%s: %q (+%d)", kind, first, len(lines)-1)
	}
	return fmt.Sprintf("%s: %q", kind, first)
}

// Package output provides formatted terminal output for device runs.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eugenetaranov/ztp/internal/command"
	"github.com/eugenetaranov/ztp/internal/configure"
	"github.com/eugenetaranov/ztp/pkg/facts"
)

// Colors for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// Step statuses.
const (
	StatusOK      = "ok"
	StatusChanged = "changed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Stats holds plan statistics for output.
type Stats interface {
	GetOK() int
	GetChanged() int
	GetFailed() int
	GetSkipped() int
	GetUnreachable() int
	GetDuration() time.Duration
}

// Output handles formatted output. It is safe for concurrent use; each
// call writes whole lines.
type Output struct {
	mu       sync.Mutex
	w        io.Writer
	useColor bool
	debug    bool
}

// New creates a new output handler.
func New(w io.Writer) *Output {
	return &Output{
		w:        w,
		useColor: true,
	}
}

// SetColor enables or disables color output.
func (o *Output) SetColor(enabled bool) {
	o.useColor = enabled
}

// SetDebug enables or disables debug output.
func (o *Output) SetDebug(enabled bool) {
	o.debug = enabled
}

// color returns the string wrapped in color codes if enabled.
func (o *Output) color(c, s string) string {
	if !o.useColor {
		return s
	}
	return c + s + colorReset
}

// PlanStart prints the plan start banner.
func (o *Output) PlanStart(name, path string, devices int) {
	if name == "" {
		name = path
	}
	o.printf("\n%s %s %s\n", o.color(colorBold, "PLAN"), name,
		o.color(colorGray, fmt.Sprintf("(%d devices)", devices)))
}

// PlanEnd prints the plan summary.
func (o *Output) PlanEnd(stats Stats) {
	ok := o.color(colorGreen, fmt.Sprintf("ok=%d", stats.GetOK()))
	changed := o.color(colorYellow, fmt.Sprintf("changed=%d", stats.GetChanged()))
	failed := o.color(colorRed, fmt.Sprintf("failed=%d", stats.GetFailed()))
	skipped := o.color(colorCyan, fmt.Sprintf("skipped=%d", stats.GetSkipped()))
	unreachable := o.color(colorRed, fmt.Sprintf("unreachable=%d", stats.GetUnreachable()))

	o.printf("\n%s %s %s %s %s %s %s\n", o.color(colorBold, "RECAP"),
		ok, changed, failed, skipped, unreachable,
		o.color(colorGray, fmt.Sprintf("(%.2fs)", stats.GetDuration().Seconds())))
}

// DeviceStart prints the device banner in debug mode. Without debug the
// step lines carry the device name.
func (o *Output) DeviceStart(name, target, osName string) {
	if !o.debug {
		return
	}
	o.printf("%s %s %s\n", o.color(colorBold, "DEVICE"), name,
		o.color(colorGray, fmt.Sprintf("(%s, %s)", target, osName)))
}

// DeviceResult prints the final status of a device.
func (o *Output) DeviceResult(name, status string, attempts int, err error) {
	if err == nil {
		o.printf("  %s %s %s\n", o.color(colorGreen, "✓"), name, o.color(colorGreen, status))
		return
	}

	retries := ""
	if attempts > 1 {
		retries = o.color(colorGray, fmt.Sprintf(" after %d attempts", attempts))
	}
	o.printf("  %s %s %s%s: %v\n", o.color(colorRed, "✗"), name, o.color(colorRed, status), retries, err)
}

// StepResult prints one step outcome in a single line.
// Format: [indicator] [kind] step (device) status
func (o *Output) StepResult(deviceName, kind, step, status, message string) {
	indicator, statusColor := indicatorFor(status)

	kindStr := ""
	if kind != "" {
		kindStr = o.color(colorGray, fmt.Sprintf("[%s] ", kind))
	}

	statusText := status
	if strings.HasPrefix(status, StatusFailed) {
		statusText = "FAILED"
	}

	o.printf("  %s %s%s %s %s\n",
		o.color(statusColor, indicator),
		kindStr,
		step,
		o.color(colorGray, fmt.Sprintf("(%s)", deviceName)),
		o.color(statusColor, statusText))

	if message != "" && (o.debug || strings.HasPrefix(status, StatusFailed)) {
		for _, line := range strings.Split(strings.TrimSpace(message), "\n") {
			o.printf("      %s %s\n", o.color(colorGray, "→"), line)
		}
	}
}

func indicatorFor(status string) (string, string) {
	switch {
	case strings.HasPrefix(status, StatusOK):
		return "✓", colorGreen
	case strings.HasPrefix(status, StatusChanged):
		return "✓", colorYellow
	case strings.HasPrefix(status, StatusSkipped):
		return "○", colorCyan
	case strings.HasPrefix(status, StatusFailed):
		return "✗", colorRed
	}
	return "?", colorGray
}

// Facts prints a fact record as aligned "key: value" lines.
func (o *Output) Facts(rec facts.Record) {
	keys := make([]string, 0, len(rec))
	width := 0
	for k := range rec {
		keys = append(keys, k)
		if len(k) > width {
			width = len(k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s %s\n", o.color(colorCyan, fmt.Sprintf("%-*s", width+1, k+":")), rec[k])
	}
	o.printf("%s", b.String())
}

// Execution prints each command with its exit code and output.
func (o *Output) Execution(exec *command.Execution) {
	var b strings.Builder
	for _, r := range exec.Results {
		indicator, c := indicatorFor(StatusOK)
		if r.Failed() {
			indicator, c = indicatorFor(StatusFailed)
		}
		fmt.Fprintf(&b, "%s %s %s\n", o.color(c, indicator), o.color(colorBold, r.Command),
			o.color(colorGray, fmt.Sprintf("(exit %d)", r.ExitCode)))
		if out := strings.TrimRight(r.Stdout, "\n"); out != "" {
			for _, line := range strings.Split(out, "\n") {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	for _, cmd := range exec.NotAttempted {
		indicator, c := indicatorFor(StatusSkipped)
		fmt.Fprintf(&b, "%s %s %s\n", o.color(c, indicator), cmd, o.color(colorGray, "(not attempted)"))
	}
	o.printf("%s", b.String())
}

// ConfigResult prints the outcome of a configuration transaction.
func (o *Output) ConfigResult(res configure.Result) {
	if res.OK() {
		o.printf("%s %s\n", o.color(colorYellow, "✓"), o.color(colorYellow, "committed"))
	} else {
		o.printf("%s %s: %s\n", o.color(colorRed, "✗"), o.color(colorRed, "FAILED"), res.Error)
	}
	if out := strings.TrimSpace(res.Output); out != "" && (o.debug || !res.OK()) {
		for _, line := range strings.Split(out, "\n") {
			o.printf("    %s\n", line)
		}
	}
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	o.printf("%s\n", data)
	return nil
}

// Section prints a section header.
func (o *Output) Section(name string) {
	o.printf("\n%s\n", o.color(colorBold, name))
}

// Info prints an informational message.
func (o *Output) Info(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorBlue, "INFO"), fmt.Sprintf(format, args...))
}

// Warn prints a warning message.
func (o *Output) Warn(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorYellow, "WARN"), fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (o *Output) Error(format string, args ...any) {
	o.printf("%s %s\n", o.color(colorRed, "ERROR"), fmt.Sprintf(format, args...))
}

// Debug prints a debug message (only in debug mode).
func (o *Output) Debug(format string, args ...any) {
	if o.debug {
		o.printf("%s %s\n", o.color(colorGray, "DEBUG"), fmt.Sprintf(format, args...))
	}
}

func (o *Output) printf(format string, args ...any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fmt.Fprintf(o.w, format, args...)
}

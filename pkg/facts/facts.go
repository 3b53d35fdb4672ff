// Package facts decodes device "show" output into a normalized fact record.
package facts

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Fact names present in every complete Record.
const (
	Hostname     = "hostname"
	OSName       = "os_name"
	OSVersion    = "os_version"
	Vendor       = "vendor"
	HWModel      = "hw_model"
	SerialNumber = "serial_number"
)

// Required lists the facts a Record must carry to be valid.
var Required = []string{Hostname, OSName, OSVersion, Vendor, HWModel, SerialNumber}

// DefaultSerialSentinel is the serial value devices report when they have
// no serial number.
const DefaultSerialSentinel = "n/a"

// ErrDecode is matched by errors.Is for every *DecodeError.
var ErrDecode = errors.New("fact decode failed")

// DecodeError reports output that did not have the shape expected for a
// vendor.
type DecodeError struct {
	OSName string
	// Label is the raw output label that was missing, if any.
	Label string
	// Field is the fact that could not be filled.
	Field string
}

func (e *DecodeError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("decode %s facts: label %q not found (needed for %s)", e.OSName, e.Label, e.Field)
	}
	return fmt.Sprintf("decode %s facts: %s missing", e.OSName, e.Field)
}

// Is reports ErrDecode as a match.
func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Record maps fact names to values.
type Record map[string]string

// Validate checks that every required fact is present.
func (r Record) Validate() error {
	for _, key := range Required {
		if _, ok := r[key]; !ok {
			return &DecodeError{OSName: r[OSName], Field: key}
		}
	}
	return nil
}

// Vars returns the record as template variables.
func (r Record) Vars() map[string]any {
	vars := make(map[string]any, len(r))
	for k, v := range r {
		vars[k] = v
	}
	return vars
}

// Decoder turns raw fact command output into a Record.
type Decoder interface {
	Decode(raw string) (Record, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(raw string) (Record, error)

// Decode calls f(raw).
func (f DecoderFunc) Decode(raw string) (Record, error) {
	return f(raw)
}

// LabelDecoder decodes `label: value` output using a per-vendor field
// mapping.
type LabelDecoder struct {
	// OSName and Vendor are set on every decoded record.
	OSName string
	Vendor string

	// Fields maps fact names to output labels.
	Fields map[string]string

	// SerialLabel is the label carrying the serial number. When the value
	// is one of SerialSentinels the serial is derived from MACLabel.
	SerialLabel string
	MACLabel    string

	// SerialSentinels defaults to DefaultSerialSentinel.
	SerialSentinels []string
}

// Decode parses raw and builds a complete Record, or fails with
// *DecodeError. A partial record is never returned.
func (d *LabelDecoder) Decode(raw string) (Record, error) {
	labels := ParseLabels(raw)

	rec := Record{
		OSName: d.OSName,
		Vendor: d.Vendor,
	}

	fields := make([]string, 0, len(d.Fields))
	for field := range d.Fields {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		label := d.Fields[field]
		value, ok := labels[label]
		if !ok {
			return nil, &DecodeError{OSName: d.OSName, Label: label, Field: field}
		}
		rec[field] = value
	}

	if d.SerialLabel != "" {
		serial, ok := labels[d.SerialLabel]
		if !ok {
			return nil, &DecodeError{OSName: d.OSName, Label: d.SerialLabel, Field: SerialNumber}
		}
		if d.isSentinel(serial) {
			mac, ok := labels[d.MACLabel]
			if !ok || d.MACLabel == "" {
				return nil, &DecodeError{OSName: d.OSName, Label: d.MACLabel, Field: SerialNumber}
			}
			serial = SerialFromMAC(mac)
		}
		rec[SerialNumber] = serial
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func (d *LabelDecoder) isSentinel(serial string) bool {
	sentinels := d.SerialSentinels
	if sentinels == nil {
		sentinels = []string{DefaultSerialSentinel}
	}
	for _, s := range sentinels {
		if serial == s {
			return true
		}
	}
	return false
}

// ParseLabels splits output into a label→value map. Each non-blank line is
// split on its first colon only and both sides are trimmed. A line without
// a colon maps to an empty value. Later lines win over earlier ones.
func ParseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if idx := strings.Index(line, ":"); idx >= 0 {
			labels[strings.TrimSpace(line[:idx])] = strings.TrimSpace(line[idx+1:])
		} else {
			labels[line] = ""
		}
	}
	return labels
}

// SerialFromMAC derives a serial number from a MAC address by dropping the
// separators and upper-casing the hex digits.
func SerialFromMAC(mac string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", ".", "", "-", "").Replace(strings.TrimSpace(mac)))
}

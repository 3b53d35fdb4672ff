// Package sanitize cleans raw device output before it is parsed.
package sanitize

import (
	"regexp"
	"strings"
)

// cliHeader prefixes the echo of a command on some devices.
const cliHeader = "Running CLI command\n"

// ansiEscape matches terminal control sequences (7-bit C1 escapes and CSI
// sequences).
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// Sanitize removes the echoed-command header and terminal escape sequences
// from raw output. Both passes repeat until nothing changes, so removing one
// pattern can never expose a new match of the other.
func Sanitize(raw, command string) string {
	header := cliHeader + command

	out := raw
	for {
		next := strings.ReplaceAll(out, header, "")
		next = StripANSI(next)
		if next == out {
			return out
		}
		out = next
	}
}

// StripANSI removes terminal escape sequences only.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1B) {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

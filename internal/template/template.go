// Package template renders configuration templates with device variables,
// gathered facts and network config helpers.
package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"text/template"
)

// Render executes a Go template with vars.
func Render(name, content string, vars map[string]any) (string, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Funcs(FuncMap()).Parse(content)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// RenderFile reads and renders a template file.
func RenderFile(path string, vars map[string]any) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template file '%s': %w", path, err)
	}
	return Render(path, string(content), vars)
}

// Lines splits rendered configuration into the lines to send. Blank lines
// and "!" comment lines are dropped, leading indentation is kept.
func Lines(rendered string) []string {
	var lines []string
	for _, line := range strings.Split(rendered, "\n") {
		line = strings.TrimRight(line, " \t\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "!") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// Checksum returns the SHA256 of rendered configuration, used to tell
// pushes apart in logs.
func Checksum(rendered string) string {
	h := sha256.Sum256([]byte(rendered))
	return hex.EncodeToString(h[:])
}

// FuncMap returns the functions available to templates.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"default": func(def, val any) any {
			if val == nil || val == "" {
				return def
			}
			return val
		},
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"trim":  strings.TrimSpace,
		"join": func(sep string, items []any) string {
			strs := make([]string, len(items))
			for i, item := range items {
				strs[i] = fmt.Sprintf("%v", item)
			}
			return strings.Join(strs, sep)
		},

		"ifNameToPath":        IfNameToPath,
		"ipFromPrefix":        IPFromPrefix,
		"prefixLen":           PrefixLen,
		"vrfCmd":              VRFCmd,
		"breakoutStr":         BreakoutStr,
		"serviceCmd":          ServiceCmd,
		"whitelistServiceCmd": WhitelistServiceCmd,
	}
}

package plan

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ParseFile parses a plan from a YAML file. Template paths are resolved
// relative to the plan file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}

	p.Path = path
	dir := filepath.Dir(path)
	for _, step := range p.Steps {
		if step.Template != "" && !filepath.IsAbs(step.Template) {
			step.Template = filepath.Join(dir, step.Template)
		}
	}

	return p, nil
}

// Parse parses and validates a plan from YAML data. Unknown fields are
// rejected.
func Parse(data []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid plan format: %w", err)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return &p, nil
}

// CheckTemplates verifies that every template step points at a readable
// file.
func (p *Plan) CheckTemplates() error {
	for _, step := range p.Steps {
		if step.Kind() != KindTemplate {
			continue
		}
		if _, err := os.Stat(step.Template); err != nil {
			return fmt.Errorf("%s: %w", step, err)
		}
	}
	return nil
}

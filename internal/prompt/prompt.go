// Package prompt holds the instruction texts given to the model. A pack can
// be loaded from a JSON or YAML file; missing fields keep the built-in text.
package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pack is a set of instruction texts.
type Pack struct {
	System     string `json:"system" yaml:"system"`
	AgentRules string `json:"agent_rules" yaml:"agent_rules"`
	Simple     string `json:"simple" yaml:"simple"`
	Dream      string `json:"dream" yaml:"dream"`
	DreamRules string `json:"dream_rules" yaml:"dream_rules"`
}

// ValidationResult represents the outcome of a lint pass over a pack.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// Default returns the built-in pack.
func Default() *Pack {
	return &Pack{
		System:     defaultSystem,
		AgentRules: defaultAgentRules,
		Simple:     defaultSimple,
		Dream:      defaultDream,
		DreamRules: defaultDreamRules,
	}
}

// Load reads a pack from path (JSON or YAML). Fields absent from the file
// fall back to the defaults. An empty path returns the defaults.
func Load(path string) (*Pack, error) {
	p := Default()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt pack: %w", err)
	}

	var file Pack
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON prompt pack: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML prompt pack: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported prompt pack format: %s (use .json or .yaml)", ext)
	}

	p.merge(file)
	return p, nil
}

func (p *Pack) merge(o Pack) {
	set := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	set(&p.System, o.System)
	set(&p.AgentRules, o.AgentRules)
	set(&p.Simple, o.Simple)
	set(&p.Dream, o.Dream)
	set(&p.DreamRules, o.DreamRules)
}

// Validate checks that the agent rules still describe the directive
// envelope and the simple protocol still describes its footers.
func Validate(p Pack) ValidationResult {
	res := ValidationResult{
		Valid:    true,
		Warnings: []string{},
		Errors:   []string{},
	}

	if strings.TrimSpace(p.System) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "system prompt is required")
	}
	if !strings.Contains(p.AgentRules, "enkidu_agent") {
		res.Valid = false
		res.Errors = append(res.Errors, "agent_rules must describe the enkidu_agent envelope")
	}
	if strings.TrimSpace(p.Dream) == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "dream prompt is required")
	}

	if !strings.Contains(p.Simple, "===CAPTURE===") {
		res.Warnings = append(res.Warnings, "simple prompt does not mention ===CAPTURE===; auto-capture will never trigger")
	}
	if !strings.Contains(p.Simple, "===WEB_FETCH===") {
		res.Warnings = append(res.Warnings, "simple prompt does not mention ===WEB_FETCH===; web lookups will never trigger")
	}
	if strings.TrimSpace(p.DreamRules) == "" {
		res.Warnings = append(res.Warnings, "dream_rules is empty; the model will not be told about the sandbox")
	}
	return res
}

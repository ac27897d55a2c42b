package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PolicyRuleMatch selects which actions a rule applies to. Empty fields match
// anything. Action is remote_placement or side_effect.
type PolicyRuleMatch struct {
	Action    string `yaml:"action" json:"action,omitempty"`
	Tier      string `yaml:"tier" json:"tier,omitempty"`
	Placement string `yaml:"placement" json:"placement,omitempty"`
	Model     string `yaml:"model" json:"model,omitempty"`
}

// PolicyRule is a single allow/deny rule.
type PolicyRule struct {
	Name   string          `yaml:"name" json:"name"`
	Effect string          `yaml:"effect" json:"effect"` // allow|deny
	Reason string          `yaml:"reason" json:"reason,omitempty"`
	Match  PolicyRuleMatch `yaml:"match" json:"match"`
}

// PolicyConfig configures the authorization gate. When File is set, its
// contents replace DefaultAction and Rules.
type PolicyConfig struct {
	File          string       `yaml:"file" json:"file,omitempty"`
	DefaultAction string       `yaml:"default_action" json:"default_action"` // allow|deny
	Rules         []PolicyRule `yaml:"rules" json:"rules,omitempty"`
}

// Resolve returns the effective policy, reading File if set.
func (p PolicyConfig) Resolve() (PolicyConfig, error) {
	if strings.TrimSpace(p.File) == "" {
		return p, nil
	}
	b, err := os.ReadFile(p.File)
	if err != nil {
		return PolicyConfig{}, fmt.Errorf("read policy file: %w", err)
	}
	var out PolicyConfig
	if err := yaml.Unmarshal(b, &out); err != nil {
		return PolicyConfig{}, fmt.Errorf("parse policy file: %w", err)
	}
	out.File = p.File
	return out, nil
}

// Validate checks rule effects.
func (p PolicyConfig) Validate() error {
	switch strings.ToLower(strings.TrimSpace(p.DefaultAction)) {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid policy.default_action: %q", p.DefaultAction)
	}
	for i, r := range p.Rules {
		switch strings.ToLower(strings.TrimSpace(r.Effect)) {
		case "allow", "deny":
		default:
			return fmt.Errorf("policy rule %d (%s): invalid effect %q", i, r.Name, r.Effect)
		}
	}
	return nil
}

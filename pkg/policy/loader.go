package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRuleset reads a YAML ruleset from disk and prepends the baseline deny
// rules so no loaded policy can accidentally open up traversal or system
// paths.
func LoadRuleset(path string) (Ruleset, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied policy path
	if err != nil {
		return Ruleset{}, fmt.Errorf("load ruleset %q: %w", path, err)
	}
	return ParseRuleset(data)
}

// ParseRuleset parses YAML ruleset bytes.
func ParseRuleset(data []byte) (Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return Ruleset{}, fmt.Errorf("parse ruleset: %w", err)
	}
	if rs.Version == "" {
		rs.Version = "1"
	}
	rs.Deny = append(DefaultDenyRules(), rs.Deny...)
	return rs, nil
}

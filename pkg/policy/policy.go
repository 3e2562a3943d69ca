// Package policy implements a declarative, default-deny rule evaluator
// consulted by gate checks for access-control decisions.
//
// Evaluation order is fixed: quarantine first (short-circuits to deny), then
// deny rules, then allow rules. The first matching deny always wins over any
// allow. Absent an explicit allow, the answer is deny.
package policy

import (
	"fmt"
	"strings"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// Request is the input triple for an authorization decision.
type Request struct {
	Action       string `json:"action"`
	Agent        string `json:"agent"`
	Jurisdiction string `json:"jurisdiction"`
	Path         string `json:"path"`
}

// Decision is the output contract: allow plus a trace of which rule fired.
type Decision struct {
	Allow     bool     `json:"allow"`
	RuleTrace []string `json:"rule_trace"`
}

// Rule matches a request when every non-empty selector matches. An optional
// CEL condition must additionally evaluate to true.
type Rule struct {
	Name          string   `yaml:"name" json:"name"`
	Agents        []string `yaml:"agents,omitempty" json:"agents,omitempty"`
	Actions       []string `yaml:"actions,omitempty" json:"actions,omitempty"`
	Jurisdictions []string `yaml:"jurisdictions,omitempty" json:"jurisdictions,omitempty"`
	PathPatterns  []string `yaml:"path_patterns,omitempty" json:"path_patterns,omitempty"`
	Condition     string   `yaml:"condition,omitempty" json:"condition,omitempty"`
}

// Ruleset is the complete declarative policy: quarantined subjects, deny
// rules, allow rules.
type Ruleset struct {
	Version     string   `yaml:"version" json:"version"`
	Quarantined []string `yaml:"quarantined,omitempty" json:"quarantined,omitempty"`
	Deny        []Rule   `yaml:"deny,omitempty" json:"deny,omitempty"`
	Allow       []Rule   `yaml:"allow,omitempty" json:"allow,omitempty"`
}

// Authorizer evaluates a Ruleset. It is a pure function of the rule set and
// the request triple; safe for concurrent use.
type Authorizer struct {
	rules Ruleset
	cel   *celEvaluator
}

// NewAuthorizer compiles the ruleset's CEL conditions eagerly so malformed
// policy fails at load time, not decision time.
func NewAuthorizer(rules Ruleset) (*Authorizer, error) {
	ev, err := newCELEvaluator()
	if err != nil {
		return nil, err
	}
	for _, r := range append(append([]Rule{}, rules.Deny...), rules.Allow...) {
		if r.Condition == "" {
			continue
		}
		if err := ev.compile(r.Condition); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	return &Authorizer{rules: rules, cel: ev}, nil
}

// Authorize evaluates the request triple against the rule set.
func (a *Authorizer) Authorize(req Request) Decision {
	req.Path = canonical.NormalizePath(req.Path)

	// Quarantine overrides everything, including explicit allows.
	for _, q := range a.rules.Quarantined {
		if q == req.Agent {
			return Decision{Allow: false, RuleTrace: []string{"quarantine:" + q}}
		}
	}

	for _, r := range a.rules.Deny {
		if a.matches(r, req) {
			return Decision{Allow: false, RuleTrace: []string{"deny:" + r.Name}}
		}
	}

	for _, r := range a.rules.Allow {
		if a.matches(r, req) {
			return Decision{Allow: true, RuleTrace: []string{"allow:" + r.Name}}
		}
	}

	return Decision{Allow: false, RuleTrace: []string{"default_deny"}}
}

func (a *Authorizer) matches(r Rule, req Request) bool {
	if len(r.Agents) > 0 && !containsString(r.Agents, req.Agent) {
		return false
	}
	if len(r.Actions) > 0 && !containsString(r.Actions, req.Action) {
		return false
	}
	if len(r.Jurisdictions) > 0 && !containsString(r.Jurisdictions, req.Jurisdiction) {
		return false
	}
	if len(r.PathPatterns) > 0 && !matchesAnyPath(r.PathPatterns, req.Path) {
		return false
	}
	if r.Condition != "" {
		ok, err := a.cel.eval(r.Condition, req)
		if err != nil || !ok {
			// A failing condition never matches; errors deny by construction.
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// matchesAnyPath matches normalized paths against patterns. A pattern ending
// in "/" matches any path under that prefix; a bare substring like ".."
// matches anywhere in the path.
func matchesAnyPath(patterns []string, path string) bool {
	for _, p := range patterns {
		p = canonical.NormalizePath(p)
		switch {
		case strings.HasSuffix(p, "/"):
			if strings.HasPrefix(path, p) || path+"/" == p {
				return true
			}
		default:
			if strings.Contains(path, p) {
				return true
			}
		}
	}
	return false
}

// DefaultDenyRules are the baseline path protections installed by the loader:
// directory traversal and well-known system paths are denied for any agent.
func DefaultDenyRules() []Rule {
	return []Rule{
		{Name: "path_traversal", PathPatterns: []string{".."}},
		{Name: "system_paths", PathPatterns: []string{"/etc/", "/proc/", "C:/Windows/"}},
	}
}

package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/veritaslabs/keel/pkg/policy"
)

// EvidenceCheck requires the request to carry at least MinItems resolvable
// evidence references. Missing evidence is a hard FAIL; evidence present but
// with empty references cannot be decided and is INDETERMINATE.
type EvidenceCheck struct {
	MinItems int
}

func (c EvidenceCheck) Name() string { return "evidence" }

func (c EvidenceCheck) Inspect(_ context.Context, req *ActionRequest) CheckResult {
	min := c.MinItems
	if min <= 0 {
		min = 1
	}

	if len(req.Evidence) < min {
		return CheckResult{
			Name:      c.Name(),
			Verdict:   VerdictFail,
			Rationale: fmt.Sprintf("insufficient evidence: %d item(s), need %d", len(req.Evidence), min),
		}
	}
	for _, item := range req.Evidence {
		if strings.TrimSpace(item.Ref) == "" {
			return CheckResult{
				Name:      c.Name(),
				Verdict:   VerdictIndeterminate,
				Rationale: "evidence item with unresolvable reference",
			}
		}
	}
	return CheckResult{
		Name:        c.Name(),
		Verdict:     VerdictPass,
		Rationale:   "evidence and traceability requirements satisfied",
		EvidenceRef: req.Evidence[0].Ref,
	}
}

// PolicyCheck consults the policy authorizer for a named concern (ethics,
// security, ...) using a fixed action verb. The rule trace becomes the
// rationale so the fired rule is auditable from the check result alone.
type PolicyCheck struct {
	CheckName  string
	Action     string
	Authorizer *policy.Authorizer
}

func (c PolicyCheck) Name() string { return c.CheckName }

func (c PolicyCheck) Inspect(_ context.Context, req *ActionRequest) CheckResult {
	dec := c.Authorizer.Authorize(policy.Request{
		Action:       c.Action,
		Agent:        req.Agent,
		Jurisdiction: req.Jurisdiction,
		Path:         req.Path,
	})

	verdict := VerdictFail
	if dec.Allow {
		verdict = VerdictPass
	}
	return CheckResult{
		Name:      c.Name(),
		Verdict:   verdict,
		Rationale: strings.Join(dec.RuleTrace, ","),
	}
}

// JurisdictionCheck enforces the legal/jurisdictional allow-list. An absent
// jurisdiction cannot be decided and escalates rather than approving.
type JurisdictionCheck struct {
	Allowed []string
}

func (c JurisdictionCheck) Name() string { return "legal" }

func (c JurisdictionCheck) Inspect(_ context.Context, req *ActionRequest) CheckResult {
	if strings.TrimSpace(req.Jurisdiction) == "" {
		return CheckResult{
			Name:      c.Name(),
			Verdict:   VerdictIndeterminate,
			Rationale: "jurisdiction not declared; legal posture unknown",
		}
	}
	for _, j := range c.Allowed {
		if j == req.Jurisdiction {
			return CheckResult{
				Name:      c.Name(),
				Verdict:   VerdictPass,
				Rationale: "jurisdiction " + req.Jurisdiction + " approved",
			}
		}
	}
	return CheckResult{
		Name:      c.Name(),
		Verdict:   VerdictFail,
		Rationale: "jurisdiction " + req.Jurisdiction + " not in approved set",
	}
}

// Package gate runs a fixed, ordered set of independent checks against a
// proposed action and produces a tri-state verdict per check plus an
// aggregate outcome.
//
// The evaluator is a pure decision function: it never writes to the ledger.
// On ambiguity the default is to withhold approval; an INDETERMINATE check
// escalates, it never silently approves.
package gate

import (
	"context"
	"time"
)

// Verdict is the tri-state result of a single check. There is no implicit
// fallback: anything that is not an explicit PASS blocks commit creation.
type Verdict string

const (
	VerdictPass          Verdict = "PASS"
	VerdictFail          Verdict = "FAIL"
	VerdictIndeterminate Verdict = "INDETERMINATE"
)

// Outcome is the aggregate consensus outcome across all checks.
type Outcome string

const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeEscalated Outcome = "ESCALATED"
)

// EvidenceItem references a piece of evidence attached by the caller.
type EvidenceItem struct {
	Ref         string `json:"ref"`
	Description string `json:"description,omitempty"`
}

// ActionRequest is the unit submitted for gating. It is ephemeral: it exists
// only during evaluation and is discarded afterwards. Every caller, human
// operator or automated agent alike, submits through this one type; there is
// no privileged bypass path.
type ActionRequest struct {
	SessionID    string         `json:"session_id"`
	Agent        string         `json:"agent"`
	Topic        string         `json:"topic"`
	Jurisdiction string         `json:"jurisdiction"`
	Path         string         `json:"path,omitempty"`
	Evidence     []EvidenceItem `json:"evidence,omitempty"`
	Votes        []Vote         `json:"votes,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// CheckResult is one check's verdict. Owned by the evaluation that produced
// it; never mutated after creation.
type CheckResult struct {
	Name        string  `json:"name"`
	Verdict     Verdict `json:"verdict"`
	Rationale   string  `json:"rationale"`
	EvidenceRef string  `json:"evidence_ref,omitempty"`
}

// GateVerdict aggregates all check results for one action request.
// Immutable once computed.
type GateVerdict struct {
	OverallPassed          bool          `json:"overall_passed"`
	RequiresReconciliation bool          `json:"requires_reconciliation"`
	ConsensusAction        string        `json:"consensus_action,omitempty"`
	ConsensusOutcome       Outcome       `json:"consensus_outcome"`
	Results                []CheckResult `json:"results"`
	EvaluatedAt            time.Time     `json:"evaluated_at"`
}

// Check is the capability every registered check implements. Inspect MUST
// NOT panic; all failures are expressed through the returned CheckResult.
type Check interface {
	// Name returns the stable check identifier.
	Name() string

	// Inspect evaluates the check against the request.
	Inspect(ctx context.Context, req *ActionRequest) CheckResult
}

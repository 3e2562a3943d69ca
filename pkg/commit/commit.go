// Package commit defines the durable governance record produced by a passing
// gate evaluation, and the write-once stores that hold it.
//
// A commit's identity is derived from its canonical content, so the same
// logical decision always carries the same commit_id and an altered record
// can never keep its original identity.
package commit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/gate"
)

// RecordType tags what kind of decision the commit captures.
type RecordType string

const (
	RecordDecision     RecordType = "governance_decision"
	RecordOverride     RecordType = "governance_override"
	RecordVerification RecordType = "verification_report"
)

var (
	// ErrGateRejection is returned when a REJECTED verdict blocks commit
	// creation. Rejections are terminal; no override can rescue them.
	ErrGateRejection = errors.New("gate rejection")

	// ErrGateEscalation is returned when an ESCALATED verdict blocks commit
	// creation because no authorized override accompanies the request.
	ErrGateEscalation = errors.New("gate escalation")
)

// GateSummary is the persisted projection of a gate verdict.
type GateSummary struct {
	OverallPassed          bool               `json:"overall_passed"`
	RequiresReconciliation bool               `json:"requires_reconciliation"`
	ConsensusAction        string             `json:"consensus_action,omitempty"`
	ConsensusOutcome       gate.Outcome       `json:"consensus_outcome"`
	Rationale              string             `json:"rationale,omitempty"`
	Checks                 []gate.CheckResult `json:"checks"`
}

// Override records an explicit human authorization that allows an ESCALATED
// verdict to commit anyway. Overrides are first-class records: they are
// anchored and verifiable like any other commit.
type Override struct {
	AuthorizedBy string    `json:"authorized_by"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// GovernanceCommit is the immutable record of one gated decision.
type GovernanceCommit struct {
	CommitID     string         `json:"commit_id"`
	SessionID    string         `json:"session_id"`
	RecordType   RecordType     `json:"record_type"`
	Topic        string         `json:"topic"`
	RequestedBy  string         `json:"requested_by"`
	RequestedAt  time.Time      `json:"requested_at"`
	Gate         GateSummary    `json:"gate"`
	Payload      map[string]any `json:"payload,omitempty"`
	SnapshotPath string         `json:"snapshot_path,omitempty"`
	Supersedes   string         `json:"supersedes,omitempty"`
	Override     *Override      `json:"override,omitempty"`
}

// BuildOption customizes a commit before its id is derived, so every option
// is covered by the content-derived identity.
type BuildOption func(*GovernanceCommit)

// WithRecordType overrides the record type.
func WithRecordType(rt RecordType) BuildOption {
	return func(c *GovernanceCommit) { c.RecordType = rt }
}

// WithSnapshotRef attaches a content-addressed snapshot reference.
func WithSnapshotRef(ref string) BuildOption {
	return func(c *GovernanceCommit) { c.SnapshotPath = ref }
}

// WithSupersedes marks an earlier commit as superseded. The earlier commit
// is untouched; supersession is expressed only by the newer record.
func WithSupersedes(commitID string) BuildOption {
	return func(c *GovernanceCommit) { c.Supersedes = commitID }
}

// Refusal reports why the verdict blocks commit creation, or nil when a
// commit may be built. REJECTED never commits. ESCALATED commits only when
// an override is present and already authorized by the caller. APPROVED
// commits unconditionally.
func Refusal(v *gate.GateVerdict, override *Override) error {
	if v.OverallPassed {
		return nil
	}
	switch v.ConsensusOutcome {
	case gate.OutcomeRejected:
		return fmt.Errorf("%w: %s", ErrGateRejection, summarizeFailures(v))
	case gate.OutcomeEscalated:
		if override == nil {
			return fmt.Errorf("%w: %s", ErrGateEscalation, summarizeFailures(v))
		}
		return nil
	default:
		return fmt.Errorf("%w: verdict did not pass", ErrGateRejection)
	}
}

// Build turns a request plus its verdict into a commit, or refuses per
// Refusal.
func Build(h *canonical.Hasher, req *gate.ActionRequest, v *gate.GateVerdict, override *Override, opts ...BuildOption) (*GovernanceCommit, error) {
	if err := Refusal(v, override); err != nil {
		return nil, err
	}

	recordType := RecordDecision
	if override != nil {
		recordType = RecordOverride
	}

	c := &GovernanceCommit{
		SessionID:   req.SessionID,
		RecordType:  recordType,
		Topic:       req.Topic,
		RequestedBy: req.Agent,
		RequestedAt: v.EvaluatedAt,
		Gate: GateSummary{
			OverallPassed:          v.OverallPassed,
			RequiresReconciliation: v.RequiresReconciliation,
			ConsensusAction:        v.ConsensusAction,
			ConsensusOutcome:       v.ConsensusOutcome,
			Rationale:              summarizeFailures(v),
			Checks:                 v.Results,
		},
		Payload:  req.Payload,
		Override: override,
	}
	for _, opt := range opts {
		opt(c)
	}

	id, err := deriveID(h, c)
	if err != nil {
		return nil, err
	}
	c.CommitID = id
	return c, nil
}

// CanonicalHash digests the full canonical JSON form of the commit, including
// its commit_id. This is the payload hash that gets chained.
func (c *GovernanceCommit) CanonicalHash(h *canonical.Hasher) (string, error) {
	return h.HashJSON(c)
}

// deriveID hashes the commit content with the id and request timestamp
// cleared, then folds the digest into a name-based UUID. Excluding the
// timestamp keeps the id stable across resubmissions of the same decision,
// so a duplicate lands on the write-once store as an immutability violation
// instead of minting a fresh record.
func deriveID(h *canonical.Hasher, c *GovernanceCommit) (string, error) {
	proj := *c
	proj.RequestedAt = time.Time{}
	contentHash, err := h.HashJSON(&proj)
	if err != nil {
		return "", fmt.Errorf("derive commit id: %w", err)
	}
	return "govcommit-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(contentHash)).String(), nil
}

func summarizeFailures(v *gate.GateVerdict) string {
	for _, r := range v.Results {
		if r.Verdict != gate.VerdictPass {
			return fmt.Sprintf("check %s: %s (%s)", r.Name, r.Verdict, r.Rationale)
		}
	}
	return "all checks passed"
}

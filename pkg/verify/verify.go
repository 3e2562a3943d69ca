// Package verify replays the anchor chain from genesis and reports every
// defect it finds. Verification is exhaustive: one broken link does not stop
// the walk, so a report names all tampered regions at once.
package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/veritaslabs/keel/pkg/anchor"
	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/commit"
)

// ErrTamperDetected is returned alongside an invalid report.
var ErrTamperDetected = errors.New("tamper detected")

// RunState tracks a verification run through its lifecycle.
type RunState string

const (
	StateInitiated      RunState = "INITIATED"
	StateWalking        RunState = "WALKING"
	StateClean          RunState = "CLEAN"
	StateTamperDetected RunState = "TAMPER_DETECTED"
	StateReportEmitted  RunState = "REPORT_EMITTED"
)

// Finding is one defect located during the walk.
type Finding struct {
	AnchorIndex int    `json:"anchor_index"`
	Kind        string `json:"kind"`
	Message     string `json:"message"`
}

// Report is the outcome of one verification run.
type Report struct {
	Valid              bool      `json:"valid"`
	TotalAnchors       int       `json:"total_anchors"`
	VerifiedAnchors    int       `json:"verified_anchors"`
	Errors             []Finding `json:"errors"`
	GovernanceCommitID string    `json:"governance_commit_id,omitempty"`
	TriggeredAt        time.Time `json:"triggered_at"`
	TriggeredBy        string    `json:"triggered_by,omitempty"`
}

// Verifier replays chains against their commit store.
type Verifier struct {
	hasher  *canonical.Hasher
	commits commit.Store
	clock   func() time.Time

	state RunState
}

// NewVerifier builds a verifier. The commit store may be nil, in which case
// payload recomputation is skipped and only structural checks run.
func NewVerifier(h *canonical.Hasher, commits commit.Store) *Verifier {
	return &Verifier{hasher: h, commits: commits, clock: time.Now, state: StateInitiated}
}

// WithClock overrides the report timestamp source for deterministic tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// State reports where the current or last run is in its lifecycle.
func (v *Verifier) State() RunState { return v.state }

func (v *Verifier) transition(s RunState) { v.state = s }

// Verify walks every anchor and enumerates all defects. The report is always
// produced; an invalid chain additionally returns ErrTamperDetected.
func (v *Verifier) Verify(ctx context.Context, records []anchor.Record, triggeredBy string) (*Report, error) {
	v.transition(StateWalking)

	report := &Report{
		TotalAnchors: len(records),
		Errors:       []Finding{},
		TriggeredAt:  v.clock().UTC(),
		TriggeredBy:  triggeredBy,
	}

	prev := anchor.Genesis
	for i, r := range records {
		if err := ctx.Err(); err != nil {
			v.transition(StateInitiated)
			return nil, fmt.Errorf("verification abandoned: %w", err)
		}

		defects := 0
		addFinding := func(kind, format string, args ...any) {
			report.Errors = append(report.Errors, Finding{
				AnchorIndex: i,
				Kind:        kind,
				Message:     fmt.Sprintf(format, args...),
			})
			defects++
		}

		for _, problem := range validateSchema(r) {
			addFinding("schema", "%s", problem)
		}
		if r.Index != i {
			addFinding("index", "recorded index %d at position %d", r.Index, i)
		}
		if r.PrevChainHash != prev {
			addFinding("linkage", "prev_chain_hash does not match tip of anchor %d", i-1)
		}
		if want := v.hasher.ChainHash(r.PrevChainHash, r.PayloadHash); r.ChainHash != want {
			addFinding("chain_hash", "chain_hash does not equal H(prev|payload)")
		}

		if v.commits != nil && r.RecordType != "" && r.PayloadRef != "" {
			c, err := v.commits.Get(ctx, r.PayloadRef)
			switch {
			case errors.Is(err, commit.ErrNotFound):
				addFinding("payload", "referenced commit %s is missing", r.PayloadRef)
			case err != nil:
				addFinding("payload", "commit %s unreadable: %v", r.PayloadRef, err)
			default:
				got, hashErr := c.CanonicalHash(v.hasher)
				if hashErr != nil {
					addFinding("payload", "commit %s cannot be canonicalized: %v", r.PayloadRef, hashErr)
				} else if got != r.PayloadHash {
					addFinding("payload", "commit %s content does not match payload_hash", r.PayloadRef)
				}
			}
		}

		if defects == 0 {
			report.VerifiedAnchors++
		}
		// The walk continues from the recorded hash so one broken link is
		// reported once, not once per descendant.
		prev = r.ChainHash
	}

	report.Valid = len(report.Errors) == 0
	if report.Valid {
		v.transition(StateClean)
	} else {
		v.transition(StateTamperDetected)
	}

	v.transition(StateReportEmitted)
	if !report.Valid {
		return report, fmt.Errorf("%w: %d finding(s) across %d anchor(s)", ErrTamperDetected, len(report.Errors), report.TotalAnchors)
	}
	return report, nil
}

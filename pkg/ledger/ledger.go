// Package ledger is the single entry point for governed writes. Every
// mutation flows through the same path: gate evaluation, commit creation,
// chain anchoring, then best-effort external witnessing. There is no second
// door; even the ledger's own verification reports are submitted through it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/veritaslabs/keel/pkg/anchor"
	"github.com/veritaslabs/keel/pkg/audit"
	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/commit"
	"github.com/veritaslabs/keel/pkg/gate"
	"github.com/veritaslabs/keel/pkg/observability"
	"github.com/veritaslabs/keel/pkg/policy"
	"github.com/veritaslabs/keel/pkg/snapshot"
	"github.com/veritaslabs/keel/pkg/verify"
	"github.com/veritaslabs/keel/pkg/witness"
)

// appendRetries bounds tip re-reads when the chain is shared with another
// writer and an optimistic append loses the race.
const appendRetries = 3

// NotifyFunc is called after a commit is anchored. Deliberately narrow:
// downstream consumers get the commit id and the consensus outcome, nothing
// else, and pull the rest from the ledger if they need it.
type NotifyFunc func(commitID string, outcome gate.Outcome)

// Options wires a Ledger. Hasher, Evaluator, Commits and Chain are required.
// Policy, when set, additionally gates overrides: the override's authorizer
// must be allowed the "override" action.
type Options struct {
	Hasher    *canonical.Hasher
	Evaluator *gate.Evaluator
	Commits   commit.Store
	Chain     *anchor.Chain
	Policy    *policy.Authorizer
	Snapshots snapshot.Store
	Witness   *witness.Submitter
	Audit     audit.Logger
	Metrics   *observability.Metrics
	Notify    NotifyFunc
}

// Ledger coordinates the gated write path.
type Ledger struct {
	mu sync.Mutex

	hasher    *canonical.Hasher
	evaluator *gate.Evaluator
	commits   commit.Store
	chain     *anchor.Chain
	policy    *policy.Authorizer
	snapshots snapshot.Store
	witness   *witness.Submitter
	audit     audit.Logger
	metrics   *observability.Metrics
	notify    NotifyFunc
}

// SubmitResult captures everything one accepted submission produced.
type SubmitResult struct {
	Commit  *commit.GovernanceCommit
	Anchor  anchor.Record
	Verdict *gate.GateVerdict
	Witness *witness.Receipt
}

// New validates the wiring and returns a ready ledger.
func New(opts Options) (*Ledger, error) {
	if opts.Hasher == nil || opts.Evaluator == nil || opts.Commits == nil || opts.Chain == nil {
		return nil, errors.New("ledger requires hasher, evaluator, commit store and chain")
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.Notify == nil {
		opts.Notify = func(string, gate.Outcome) {}
	}
	return &Ledger{
		hasher:    opts.Hasher,
		evaluator: opts.Evaluator,
		commits:   opts.Commits,
		chain:     opts.Chain,
		policy:    opts.Policy,
		snapshots: opts.Snapshots,
		witness:   opts.Witness,
		audit:     opts.Audit,
		metrics:   opts.Metrics,
		notify:    opts.Notify,
	}, nil
}

// Submit evaluates the request and, if it passes, commits and anchors it.
// Rejections and unresolved escalations leave no trace in the chain.
func (l *Ledger) Submit(ctx context.Context, req *gate.ActionRequest) (*SubmitResult, error) {
	return l.submit(ctx, req, nil)
}

// SubmitWithOverride is Submit for requests whose ESCALATED verdict has been
// explicitly overridden. The override itself must already be authorized;
// passing one does not weaken a REJECTED verdict.
func (l *Ledger) SubmitWithOverride(ctx context.Context, req *gate.ActionRequest, ov *commit.Override) (*SubmitResult, error) {
	if ov == nil {
		return nil, errors.New("override is required")
	}
	if l.policy != nil {
		dec := l.policy.Authorize(policy.Request{Action: "override", Agent: ov.AuthorizedBy, Jurisdiction: req.Jurisdiction})
		if !dec.Allow {
			return nil, fmt.Errorf("override by %s not authorized (%s)", ov.AuthorizedBy, strings.Join(dec.RuleTrace, ","))
		}
	}
	return l.submit(ctx, req, ov)
}

// SubmitSuperseding is Submit for a decision that replaces an earlier commit.
// The earlier commit must exist; it is referenced, never modified.
func (l *Ledger) SubmitSuperseding(ctx context.Context, req *gate.ActionRequest, supersededID string) (*SubmitResult, error) {
	if _, err := l.commits.Get(ctx, supersededID); err != nil {
		return nil, fmt.Errorf("superseded commit: %w", err)
	}
	return l.submit(ctx, req, nil, commit.WithSupersedes(supersededID))
}

func (l *Ledger) submit(ctx context.Context, req *gate.ActionRequest, ov *commit.Override, opts ...commit.BuildOption) (*SubmitResult, error) {
	verdict, err := l.evaluator.Evaluate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluate request: %w", err)
	}
	if l.metrics != nil {
		l.metrics.RecordVerdict(ctx, string(verdict.ConsensusOutcome))
	}

	// Refusal is checked before the snapshot write so a refused submission
	// leaves nothing durable behind, not even its payload.
	if err := commit.Refusal(verdict, ov); err != nil {
		l.audit.Record(audit.Event{
			Actor:   req.Agent,
			Action:  "ledger.submit",
			Subject: req.Topic,
			Outcome: string(verdict.ConsensusOutcome),
			Detail:  map[string]any{"session_id": req.SessionID},
		})
		return nil, err
	}

	if l.snapshots != nil && len(req.Payload) > 0 {
		doc, err := canonical.JCS(req.Payload)
		if err != nil {
			return nil, fmt.Errorf("canonicalize payload: %w", err)
		}
		ref, err := l.snapshots.Put(ctx, doc)
		if err != nil {
			return nil, fmt.Errorf("snapshot payload: %w", err)
		}
		opts = append(opts, commit.WithSnapshotRef(ref))
	}

	c, err := commit.Build(l.hasher, req, verdict, ov, opts...)
	if err != nil {
		return nil, err
	}

	result := &SubmitResult{Commit: c, Verdict: verdict}

	// Single-writer section: commit persistence and anchoring happen under
	// one lock so the anchor order matches the commit order.
	l.mu.Lock()
	err = func() error {
		if err := l.commits.Put(ctx, c); err != nil {
			return fmt.Errorf("persist commit: %w", err)
		}

		payloadHash, err := c.CanonicalHash(l.hasher)
		if err != nil {
			return fmt.Errorf("hash commit: %w", err)
		}

		for attempt := 0; ; attempt++ {
			rec, err := l.chain.Append(ctx, anchor.Proposal{
				RecordType:  string(c.RecordType),
				PayloadRef:  c.CommitID,
				PayloadHash: payloadHash,
				AssumedTip:  l.chain.Tip(),
			})
			if errors.Is(err, anchor.ErrChainDiscontinuity) && attempt < appendRetries {
				continue
			}
			if err != nil {
				return fmt.Errorf("anchor commit: %w", err)
			}
			result.Anchor = rec
			return nil
		}
	}()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.RecordAppend(ctx, string(c.RecordType))
	}

	if l.witness != nil {
		receipt, werr := l.witness.Enqueue(witness.Request{
			CommitID:    c.CommitID,
			AnchorIndex: result.Anchor.Index,
			ChainHash:   result.Anchor.ChainHash,
		})
		if werr != nil {
			// Witnessing is supplementary; the anchored commit stands.
			l.audit.Record(audit.Event{
				Actor:   req.Agent,
				Action:  "ledger.witness",
				Subject: c.CommitID,
				Outcome: "UNAVAILABLE",
				Detail:  map[string]any{"error": werr.Error()},
			})
		} else {
			result.Witness = &receipt
		}
	}

	l.audit.Record(audit.Event{
		Actor:   req.Agent,
		Action:  "ledger.submit",
		Subject: c.CommitID,
		Outcome: string(verdict.ConsensusOutcome),
		Detail: map[string]any{
			"session_id":   req.SessionID,
			"anchor_index": result.Anchor.Index,
			"chain_hash":   result.Anchor.ChainHash,
		},
	})
	l.notify(c.CommitID, verdict.ConsensusOutcome)
	return result, nil
}

// VerifyNow replays the whole chain and records the resulting report through
// the same gated submission path as any other write. The template request
// supplies the caller's identity, jurisdiction, evidence and votes; the
// ledger fills in the verification subject matter.
//
// The report is returned even when the chain is tampered; in that case the
// error wraps verify.ErrTamperDetected and the report submission still
// proceeds so the finding itself is on the record.
func (l *Ledger) VerifyNow(ctx context.Context, template *gate.ActionRequest) (*verify.Report, *SubmitResult, error) {
	verifier := verify.NewVerifier(l.hasher, l.commits)
	report, verr := verifier.Verify(ctx, l.chain.Records(), template.Agent)
	if verr != nil && !errors.Is(verr, verify.ErrTamperDetected) {
		return nil, nil, verr
	}
	if l.metrics != nil {
		l.metrics.RecordVerification(ctx, report.Valid)
	}

	reportDoc, err := canonical.JCS(report)
	if err != nil {
		return report, nil, fmt.Errorf("canonicalize report: %w", err)
	}
	reportHash := l.hasher.HashBytes(reportDoc)

	req := *template
	req.Topic = "chain verification report"
	req.Evidence = append(req.Evidence, gate.EvidenceItem{
		Ref:         string(l.hasher.Algorithm()) + ":" + reportHash,
		Description: "verification report digest",
	})
	req.Payload = map[string]any{"report": report}

	result, err := l.submit(ctx, &req, nil, commit.WithRecordType(commit.RecordVerification))
	if err != nil {
		return report, nil, err
	}
	report.GovernanceCommitID = result.Commit.CommitID

	return report, result, verr
}

// Summary reports the chain's current shape.
func (l *Ledger) Summary() anchor.Summary {
	return l.chain.Summary()
}

// Records returns the anchor chain in index order.
func (l *Ledger) Records() []anchor.Record {
	return l.chain.Records()
}

// Reconstruct materializes the anchored history as canonical JSON lines.
func (l *Ledger) Reconstruct(ctx context.Context) ([]byte, error) {
	return verify.Reconstruct(ctx, l.commits, l.chain.Records())
}

// Close flushes the witness queue and releases stores.
func (l *Ledger) Close() error {
	if l.witness != nil {
		l.witness.Close()
	}
	return l.commits.Close()
}

package commit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/gate"
)

func hasher(t *testing.T) *canonical.Hasher {
	t.Helper()
	h, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	return h
}

func approvedVerdict() *gate.GateVerdict {
	return &gate.GateVerdict{
		OverallPassed:    true,
		ConsensusAction:  "APPROVE_DEPLOY",
		ConsensusOutcome: gate.OutcomeApproved,
		Results: []gate.CheckResult{
			{Name: "ethics", Verdict: gate.VerdictPass, Rationale: "ok"},
			{Name: "legal", Verdict: gate.VerdictPass, Rationale: "ok"},
		},
		EvaluatedAt: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
}

func sampleRequest() *gate.ActionRequest {
	return &gate.ActionRequest{
		SessionID:    "sess-042",
		Agent:        "agent:alice",
		Topic:        "rotate signing keys",
		Jurisdiction: "EU",
	}
}

func TestBuildApproved(t *testing.T) {
	c, err := Build(hasher(t), sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)

	assert.Equal(t, RecordDecision, c.RecordType)
	assert.Equal(t, "sess-042", c.SessionID)
	assert.Equal(t, "agent:alice", c.RequestedBy)
	assert.True(t, c.Gate.OverallPassed)
	assert.Contains(t, c.CommitID, "govcommit-")
}

func TestBuildRejectedRefuses(t *testing.T) {
	v := approvedVerdict()
	v.OverallPassed = false
	v.ConsensusOutcome = gate.OutcomeRejected
	v.Results[1] = gate.CheckResult{Name: "legal", Verdict: gate.VerdictFail, Rationale: "jurisdiction XX"}

	_, err := Build(hasher(t), sampleRequest(), v, nil)
	require.ErrorIs(t, err, ErrGateRejection)
	assert.Contains(t, err.Error(), "legal")
}

func TestBuildRejectedIgnoresOverride(t *testing.T) {
	v := approvedVerdict()
	v.OverallPassed = false
	v.ConsensusOutcome = gate.OutcomeRejected

	ov := &Override{AuthorizedBy: "agent:chair", Reason: "emergency", At: time.Now().UTC()}
	_, err := Build(hasher(t), sampleRequest(), v, ov)
	require.ErrorIs(t, err, ErrGateRejection)
}

func TestBuildEscalatedNeedsOverride(t *testing.T) {
	v := approvedVerdict()
	v.OverallPassed = false
	v.ConsensusOutcome = gate.OutcomeEscalated
	v.RequiresReconciliation = true

	_, err := Build(hasher(t), sampleRequest(), v, nil)
	require.ErrorIs(t, err, ErrGateEscalation)

	ov := &Override{AuthorizedBy: "agent:chair", Reason: "board-approved exception", At: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
	c, err := Build(hasher(t), sampleRequest(), v, ov)
	require.NoError(t, err)
	assert.Equal(t, RecordOverride, c.RecordType)
	require.NotNil(t, c.Override)
	assert.Equal(t, "agent:chair", c.Override.AuthorizedBy)
}

func TestCommitIDIsContentDerived(t *testing.T) {
	h := hasher(t)

	a, err := Build(h, sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)
	b, err := Build(h, sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)
	assert.Equal(t, a.CommitID, b.CommitID)

	req := sampleRequest()
	req.Topic = "rotate signing keys (staging)"
	c, err := Build(h, req, approvedVerdict(), nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.CommitID, c.CommitID)
}

func TestCommitIDStableAcrossResubmission(t *testing.T) {
	ctx := context.Background()
	h := hasher(t)

	a, err := Build(h, sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)

	// The same decision evaluated again later keeps its identity.
	later := approvedVerdict()
	later.EvaluatedAt = later.EvaluatedAt.Add(time.Hour)
	b, err := Build(h, sampleRequest(), later, nil)
	require.NoError(t, err)

	assert.Equal(t, a.CommitID, b.CommitID)
	assert.NotEqual(t, a.RequestedAt, b.RequestedAt)

	// So the duplicate trips the write-once store.
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, a))
	require.ErrorIs(t, s.Put(ctx, b), ErrImmutabilityViolation)
}

func TestCanonicalHashStable(t *testing.T) {
	h := hasher(t)
	c, err := Build(h, sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)

	h1, err := c.CanonicalHash(h)
	require.NoError(t, err)
	h2, err := c.CanonicalHash(h)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestMemoryStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c, err := Build(hasher(t), sampleRequest(), approvedVerdict(), nil)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, c))

	err = s.Put(ctx, c)
	require.ErrorIs(t, err, ErrImmutabilityViolation)

	got, err := s.Get(ctx, c.CommitID)
	require.NoError(t, err)
	assert.Equal(t, c.CommitID, got.CommitID)

	_, err = s.Get(ctx, "govcommit-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

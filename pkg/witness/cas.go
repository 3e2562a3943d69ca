package witness

import (
	"context"
	"fmt"
	"time"

	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/snapshot"
)

// CASBackend witnesses anchors by depositing the canonical request document
// into a content-addressed store. The returned reference doubles as the
// existence proof: anyone holding the store can re-derive it from the anchor.
type CASBackend struct {
	Store  snapshot.Store
	DryRun bool

	hasher *canonical.Hasher
	clock  func() time.Time
}

// NewCASBackend builds a content-addressed witness backend.
func NewCASBackend(store snapshot.Store, dryRun bool, h *canonical.Hasher) *CASBackend {
	return &CASBackend{Store: store, DryRun: dryRun, hasher: h, clock: time.Now}
}

// WithClock overrides the receipt timestamp source for deterministic tests.
func (b *CASBackend) WithClock(clock func() time.Time) *CASBackend {
	b.clock = clock
	return b
}

func (b *CASBackend) Name() string { return "content_addressed" }

func (b *CASBackend) Submit(ctx context.Context, r Request) (Receipt, error) {
	fp, err := r.Fingerprint(b.hasher)
	if err != nil {
		return Receipt{}, fmt.Errorf("fingerprint request: %w", err)
	}

	receipt := Receipt{
		Backend:            b.Name(),
		DryRun:             b.DryRun,
		RequestFingerprint: fp,
		SubmittedAt:        b.clock().UTC(),
	}

	if b.DryRun {
		receipt.Status = StatusSuccessDryRun
		receipt.ExternalRef = "DRYRUN_CAS_" + fp[:32]
		return receipt, nil
	}

	doc, err := canonical.JCS(r)
	if err != nil {
		return Receipt{}, fmt.Errorf("canonicalize request: %w", err)
	}
	ref, err := b.Store.Put(ctx, doc)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: cas store: %v", ErrWitnessUnavailable, err)
	}

	receipt.Status = StatusSuccess
	receipt.ExternalRef = ref
	return receipt, nil
}

// Package witness obtains independent existence proofs for chain anchors
// from external backends. Witnessing is strictly supplementary: its receipts
// never become inputs to chain hashes, and a failed submission never blocks
// or rewrites a committed anchor.
package witness

import (
	"context"
	"errors"
	"time"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// ErrWitnessUnavailable is returned when a backend cannot be reached or
// refuses the submission. The anchor stays committed either way.
var ErrWitnessUnavailable = errors.New("witness unavailable")

// Status describes a receipt's lifecycle state.
type Status string

const (
	StatusSuccess       Status = "SUCCESS"
	StatusSuccessDryRun Status = "SUCCESS_DRYRUN"
	StatusPending       Status = "PENDING"
	StatusExhausted     Status = "EXHAUSTED"
)

// Request identifies the anchor to witness.
type Request struct {
	CommitID    string `json:"commit_id"`
	AnchorIndex int    `json:"anchor_index"`
	ChainHash   string `json:"chain_hash"`
}

// Fingerprint digests the canonical JSON form of the request. The same
// anchor always produces the same fingerprint, which makes resubmissions
// recognizable on the backend side.
func (r Request) Fingerprint(h *canonical.Hasher) (string, error) {
	return h.HashJSON(r)
}

// Receipt records one witnessing outcome. Receipts live beside the chain,
// never inside it.
type Receipt struct {
	Backend            string    `json:"backend"`
	Status             Status    `json:"status"`
	DryRun             bool      `json:"dry_run"`
	ExternalRef        string    `json:"external_ref,omitempty"`
	RequestFingerprint string    `json:"request_fingerprint"`
	SubmittedAt        time.Time `json:"submitted_at"`
	Err                string    `json:"error,omitempty"`
}

// Backend submits witness requests to one external system.
type Backend interface {
	// Name identifies the backend in receipts.
	Name() string

	// Submit witnesses one request. Unreachable or refusing backends fail
	// with an error wrapping ErrWitnessUnavailable.
	Submit(ctx context.Context, r Request) (Receipt, error)
}

package witness

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// TSABackend submits anchor fingerprints to an RFC 3161 style timestamping
// service. In dry-run mode no network call is made; the receipt carries a
// deterministic pseudo token derived from the fingerprint so downstream
// plumbing can be exercised without a live TSA.
type TSABackend struct {
	URL    string
	DryRun bool
	Client *http.Client

	hasher *canonical.Hasher
	clock  func() time.Time
}

// NewTSABackend builds a TSA backend with a 10 second request timeout.
func NewTSABackend(url string, dryRun bool, h *canonical.Hasher) *TSABackend {
	return &TSABackend{
		URL:    url,
		DryRun: dryRun,
		Client: &http.Client{Timeout: 10 * time.Second},
		hasher: h,
		clock:  time.Now,
	}
}

// WithClock overrides the receipt timestamp source for deterministic tests.
func (b *TSABackend) WithClock(clock func() time.Time) *TSABackend {
	b.clock = clock
	return b
}

func (b *TSABackend) Name() string { return "rfc3161_tsa" }

func (b *TSABackend) Submit(ctx context.Context, r Request) (Receipt, error) {
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
		receipt.ExternalRef = "DRYRUN_RFC3161_" + fp[:32]
		return receipt, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader([]byte(fp)))
	if err != nil {
		return Receipt{}, fmt.Errorf("build tsa request: %w", err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")

	resp, err := b.Client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: tsa %s: %v", ErrWitnessUnavailable, b.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Receipt{}, fmt.Errorf("%w: tsa %s returned %d", ErrWitnessUnavailable, b.URL, resp.StatusCode)
	}

	token, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: read tsa token: %v", ErrWitnessUnavailable, err)
	}

	receipt.Status = StatusSuccess
	receipt.ExternalRef = base64.StdEncoding.EncodeToString(token)
	return receipt, nil
}

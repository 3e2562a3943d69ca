package witness

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/snapshot"
)

func testHasher(t *testing.T) *canonical.Hasher {
	t.Helper()
	h, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	return h
}

func testRequest() Request {
	return Request{CommitID: "govcommit-abc", AnchorIndex: 3, ChainHash: "deadbeef"}
}

func TestFingerprintDeterministic(t *testing.T) {
	h := testHasher(t)

	a, err := testRequest().Fingerprint(h)
	require.NoError(t, err)
	b, err := testRequest().Fingerprint(h)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := testRequest()
	other.AnchorIndex = 4
	c, err := other.Fingerprint(h)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTSADryRun(t *testing.T) {
	h := testHasher(t)
	b := NewTSABackend("https://tsa.invalid/ts", true, h)

	r1, err := b.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	r2, err := b.Submit(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccessDryRun, r1.Status)
	assert.True(t, r1.DryRun)
	assert.Contains(t, r1.ExternalRef, "DRYRUN_RFC3161_")
	// Pseudo tokens are deterministic for the same anchor.
	assert.Equal(t, r1.ExternalRef, r2.ExternalRef)
}

func TestTSALiveSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/timestamp-query", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("tsa-token-bytes"))
	}))
	defer srv.Close()

	b := NewTSABackend(srv.URL, false, testHasher(t))
	receipt, err := b.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, receipt.Status)
	assert.NotEmpty(t, receipt.ExternalRef)
}

func TestTSAUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := NewTSABackend(srv.URL, false, testHasher(t))
	_, err := b.Submit(context.Background(), testRequest())
	require.ErrorIs(t, err, ErrWitnessUnavailable)
}

func TestCASBackend(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)
	store, err := snapshot.NewFileStore(t.TempDir(), h)
	require.NoError(t, err)

	b := NewCASBackend(store, false, h)
	receipt, err := b.Submit(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, receipt.Status)

	// The external ref resolves back to the canonical request document.
	doc, err := store.Get(ctx, receipt.ExternalRef)
	require.NoError(t, err)
	want, err := canonical.JCS(testRequest())
	require.NoError(t, err)
	assert.Equal(t, want, doc)
}

// flakyBackend fails a fixed number of times before succeeding.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (b *flakyBackend) Name() string { return "flaky" }

func (b *flakyBackend) Submit(_ context.Context, r Request) (Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.calls <= b.failures {
		return Receipt{}, ErrWitnessUnavailable
	}
	return Receipt{Backend: b.Name(), Status: StatusSuccess, SubmittedAt: time.Now().UTC()}, nil
}

func submitterConfig() SubmitterConfig {
	return SubmitterConfig{
		QueueSize:     4,
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		RatePerSecond: 1000,
	}
}

func TestSubmitterRetriesToSuccess(t *testing.T) {
	backend := &flakyBackend{failures: 2}
	receipts := make(chan Receipt, 1)

	s := NewSubmitter(backend, testHasher(t), submitterConfig(), func(r Receipt) { receipts <- r })
	s.Start()

	pending, err := s.Enqueue(testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, pending.Status)

	s.Close()

	got := <-receipts
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, 3, backend.calls)
}

func TestSubmitterExhaustsAfterBoundedAttempts(t *testing.T) {
	backend := &flakyBackend{failures: 100}
	receipts := make(chan Receipt, 1)

	s := NewSubmitter(backend, testHasher(t), submitterConfig(), func(r Receipt) { receipts <- r })
	s.Start()

	_, err := s.Enqueue(testRequest())
	require.NoError(t, err)
	s.Close()

	got := <-receipts
	assert.Equal(t, StatusExhausted, got.Status)
	assert.Contains(t, got.Err, "witness unavailable")
	assert.Equal(t, 3, backend.calls)
}

func TestSubmitterQueueFullFailsFast(t *testing.T) {
	// A backend that blocks until released keeps the queue occupied.
	release := make(chan struct{})
	backend := blockingBackend{release: release}

	cfg := submitterConfig()
	cfg.QueueSize = 1
	s := NewSubmitter(backend, testHasher(t), cfg, nil)
	s.Start()

	_, err := s.Enqueue(testRequest()) // picked up by the worker
	require.NoError(t, err)
	_, err = s.Enqueue(testRequest()) // sits in the queue
	if err == nil {
		_, err = s.Enqueue(testRequest()) // queue now full
	}
	require.ErrorIs(t, err, ErrWitnessUnavailable)

	close(release)
	s.Close()
}

type blockingBackend struct {
	release chan struct{}
}

func (b blockingBackend) Name() string { return "blocking" }

func (b blockingBackend) Submit(context.Context, Request) (Receipt, error) {
	<-b.release
	return Receipt{Status: StatusSuccess}, nil
}

func TestSubmitterEnqueueAfterCloseDegrades(t *testing.T) {
	s := NewSubmitter(&flakyBackend{}, testHasher(t), submitterConfig(), nil)
	s.Start()
	s.Close()

	_, err := s.Enqueue(testRequest())
	require.ErrorIs(t, err, ErrWitnessUnavailable)
	assert.Contains(t, err.Error(), "closed")
}

func TestBackoffDeterministic(t *testing.T) {
	s := NewSubmitter(&flakyBackend{}, testHasher(t), submitterConfig(), nil)

	d1 := s.backoff("fp", 2)
	d2 := s.backoff("fp", 2)
	assert.Equal(t, d1, d2)
	assert.GreaterOrEqual(t, d1, time.Duration(0))
}

package anchor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/keel/pkg/canonical"
)

func testHasher(t *testing.T) *canonical.Hasher {
	t.Helper()
	h, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	return h
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
}

// memStore is an in-memory Store for chain tests.
type memStore struct {
	mu      sync.Mutex
	records []Record
}

func (s *memStore) Append(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	return nil
}

func (s *memStore) Load(context.Context) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out, nil
}

func (s *memStore) Close() error { return nil }

func TestFirstAnchorUsesGenesis(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)
	c, err := Open(ctx, &memStore{}, h)
	require.NoError(t, err)
	c.WithClock(fixedClock)

	assert.Equal(t, Genesis, c.Tip())

	r, err := c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadRef: "govcommit-a", PayloadHash: "aaa"})
	require.NoError(t, err)

	assert.Equal(t, 0, r.Index)
	assert.Equal(t, Genesis, r.PrevChainHash)
	assert.Equal(t, h.ChainHash(Genesis, "aaa"), r.ChainHash)
	assert.Equal(t, SchemaVersion, r.SchemaVersion)
}

func TestLinkageInvariant(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)
	c, err := Open(ctx, &memStore{}, h)
	require.NoError(t, err)
	c.WithClock(fixedClock)

	hashes := []string{"aaa", "bbb", "ccc", "ddd"}
	for _, ph := range hashes {
		_, err := c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: ph})
		require.NoError(t, err)
	}

	records := c.Records()
	require.Len(t, records, 4)
	prev := Genesis
	for i, r := range records {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, prev, r.PrevChainHash)
		assert.Equal(t, h.ChainHash(prev, r.PayloadHash), r.ChainHash)
		prev = r.ChainHash
	}
	assert.Equal(t, prev, c.Tip())
}

func TestStaleTipIsDiscontinuity(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, &memStore{}, testHasher(t))
	require.NoError(t, err)

	tip := c.Tip()
	_, err = c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: "aaa", AssumedTip: tip})
	require.NoError(t, err)

	// Second writer still holds the old tip.
	_, err = c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: "bbb", AssumedTip: tip})
	require.ErrorIs(t, err, ErrChainDiscontinuity)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentAppendsExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, &memStore{}, testHasher(t))
	require.NoError(t, err)

	tip := c.Tip()
	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: "aaa", AssumedTip: tip})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrChainDiscontinuity)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, c.Len())
}

func TestFileStoreReload(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)
	path := filepath.Join(t.TempDir(), "anchors.jsonl")

	fs, err := NewFileStore(path)
	require.NoError(t, err)

	c, err := Open(ctx, fs, h)
	require.NoError(t, err)
	for _, ph := range []string{"aaa", "bbb", "ccc"} {
		_, err := c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: ph})
		require.NoError(t, err)
	}
	tip := c.Tip()

	reloaded, err := Open(ctx, fs, h)
	require.NoError(t, err)
	assert.Equal(t, 3, reloaded.Len())
	assert.Equal(t, tip, reloaded.Tip())
}

func TestOpenRejectsTamperedLog(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)
	path := filepath.Join(t.TempDir(), "anchors.jsonl")

	fs, err := NewFileStore(path)
	require.NoError(t, err)
	c, err := Open(ctx, fs, h)
	require.NoError(t, err)
	for _, ph := range []string{"aaa", "bbb"} {
		_, err := c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: ph})
		require.NoError(t, err)
	}

	// Flip the first anchor's payload hash on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var first Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	first.PayloadHash = "tampered"
	mutated, err := json.Marshal(first)
	require.NoError(t, err)
	lines[0] = string(mutated)
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o640))

	_, err = Open(ctx, fs, h)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain_hash mismatch")
}

func TestSQLiteStoreReload(t *testing.T) {
	ctx := context.Background()
	h := testHasher(t)

	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "anchors.db"))
	require.NoError(t, err)
	defer st.Close()

	c, err := Open(ctx, st, h)
	require.NoError(t, err)
	_, err = c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: "aaa"})
	require.NoError(t, err)

	reloaded, err := Open(ctx, st, h)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	assert.Equal(t, c.Tip(), reloaded.Tip())
}

func TestSummary(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, &memStore{}, testHasher(t))
	require.NoError(t, err)
	c.WithClock(fixedClock)

	s := c.Summary()
	assert.Equal(t, 0, s.Length)
	assert.Equal(t, Genesis, s.TipHash)

	_, err = c.Append(ctx, Proposal{RecordType: "governance_commit", PayloadHash: "aaa"})
	require.NoError(t, err)

	s = c.Summary()
	assert.Equal(t, 1, s.Length)
	assert.Equal(t, c.Tip(), s.TipHash)
	assert.Equal(t, map[string]int{"governance_commit": 1}, s.ByRecordType)
	assert.Equal(t, fixedClock(), s.FirstTimestamp)
	assert.Equal(t, fixedClock(), s.LastTimestamp)
}

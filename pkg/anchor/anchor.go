// Package anchor maintains the append-only hash chain that makes the ledger
// tamper-evident. Each anchor binds a payload digest to the digest of the
// previous anchor; altering any historical record breaks every link after it.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// Genesis is the sentinel prev_chain_hash of the first anchor.
const Genesis = "GENESIS"

// SchemaVersion stamps every anchor with the format it was written under.
const SchemaVersion = "1.0.0"

// ErrChainDiscontinuity is returned when an append's assumed tip no longer
// matches the actual tip. The caller must re-read the chain and retry; the
// chain itself is never left in a partial state.
var ErrChainDiscontinuity = errors.New("chain discontinuity")

// Record is one link of the chain.
type Record struct {
	SchemaVersion string    `json:"schema_version"`
	Index         int       `json:"index"`
	Timestamp     time.Time `json:"timestamp"`
	RecordType    string    `json:"record_type"`
	PayloadRef    string    `json:"payload_ref"`
	PayloadHash   string    `json:"payload_hash"`
	PrevChainHash string    `json:"prev_chain_hash"`
	ChainHash     string    `json:"chain_hash"`
}

// Proposal is the input to an append. AssumedTip carries the chain hash the
// caller observed before computing the payload; a stale value fails the
// append instead of silently forking history.
type Proposal struct {
	RecordType  string
	PayloadRef  string
	PayloadHash string
	AssumedTip  string
}

// Summary is a cheap read-only view of the chain's shape.
type Summary struct {
	Length         int            `json:"length"`
	TipHash        string         `json:"tip_hash"`
	ByRecordType   map[string]int `json:"by_record_type,omitempty"`
	FirstTimestamp time.Time      `json:"first_timestamp,omitempty"`
	LastTimestamp  time.Time      `json:"last_timestamp,omitempty"`
}

// Chain serializes appends over a Store. A single Chain instance owns writes
// to its store; concurrent callers are admitted one at a time and checked
// against the tip they assumed.
type Chain struct {
	mu      sync.Mutex
	hasher  *canonical.Hasher
	store   Store
	records []Record
	clock   func() time.Time
}

// Open loads every anchor from the store and verifies genesis, index
// continuity and hash linkage before accepting writes.
func Open(ctx context.Context, store Store, h *canonical.Hasher) (*Chain, error) {
	records, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load anchors: %w", err)
	}

	prev := Genesis
	for i, r := range records {
		if r.Index != i {
			return nil, fmt.Errorf("anchor %d: index mismatch (recorded %d)", i, r.Index)
		}
		if r.PrevChainHash != prev {
			return nil, fmt.Errorf("anchor %d: prev_chain_hash does not match tip of anchor %d", i, i-1)
		}
		if want := h.ChainHash(r.PrevChainHash, r.PayloadHash); r.ChainHash != want {
			return nil, fmt.Errorf("anchor %d: chain_hash mismatch", i)
		}
		prev = r.ChainHash
	}

	return &Chain{
		hasher:  h,
		store:   store,
		records: records,
		clock:   time.Now,
	}, nil
}

// WithClock overrides the timestamp source for deterministic testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Append creates the next anchor. If the proposal's AssumedTip is set and no
// longer the actual tip, the append fails with ErrChainDiscontinuity and
// nothing is written.
func (c *Chain) Append(ctx context.Context, p Proposal) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tip := c.tipLocked()
	if p.AssumedTip != "" && p.AssumedTip != tip {
		return Record{}, fmt.Errorf("%w: assumed tip %.12s, actual %.12s", ErrChainDiscontinuity, p.AssumedTip, tip)
	}

	r := Record{
		SchemaVersion: SchemaVersion,
		Index:         len(c.records),
		Timestamp:     c.clock().UTC(),
		RecordType:    p.RecordType,
		PayloadRef:    p.PayloadRef,
		PayloadHash:   p.PayloadHash,
		PrevChainHash: tip,
		ChainHash:     c.hasher.ChainHash(tip, p.PayloadHash),
	}

	if err := c.store.Append(ctx, r); err != nil {
		return Record{}, fmt.Errorf("persist anchor %d: %w", r.Index, err)
	}
	c.records = append(c.records, r)
	return r, nil
}

// Tip returns the chain hash of the latest anchor, or Genesis when empty.
func (c *Chain) Tip() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tipLocked()
}

func (c *Chain) tipLocked() string {
	if len(c.records) == 0 {
		return Genesis
	}
	return c.records[len(c.records)-1].ChainHash
}

// Len returns the number of anchors.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Records returns a copy of all anchors in index order.
func (c *Chain) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

// Summary reports the chain's length, tip and record-type distribution.
func (c *Chain) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Summary{Length: len(c.records), TipHash: c.tipLocked()}
	if len(c.records) > 0 {
		s.ByRecordType = make(map[string]int)
		for _, r := range c.records {
			s.ByRecordType[r.RecordType]++
		}
		s.FirstTimestamp = c.records[0].Timestamp
		s.LastTimestamp = c.records[len(c.records)-1].Timestamp
	}
	return s
}

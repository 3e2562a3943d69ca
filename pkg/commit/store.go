package commit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrImmutabilityViolation is returned on any attempt to write a commit
	// id that already exists. There is no update path, by construction.
	ErrImmutabilityViolation = errors.New("immutability violation")

	// ErrNotFound is returned when a commit id is unknown.
	ErrNotFound = errors.New("commit not found")
)

// Store persists governance commits. Implementations are insert-only.
type Store interface {
	// Put writes a commit. Fails with ErrImmutabilityViolation if the
	// commit id already exists.
	Put(ctx context.Context, c *GovernanceCommit) error

	// Get retrieves a commit by id.
	Get(ctx context.Context, id string) (*GovernanceCommit, error)

	// Close releases the store's resources.
	Close() error
}

// MemoryStore is an in-process write-once store, used in tests and for
// ephemeral sessions.
type MemoryStore struct {
	mu      sync.RWMutex
	commits map[string]*GovernanceCommit
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commits: make(map[string]*GovernanceCommit)}
}

func (s *MemoryStore) Put(_ context.Context, c *GovernanceCommit) error {
	if c.CommitID == "" {
		return errors.New("commit id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.commits[c.CommitID]; exists {
		return fmt.Errorf("%w: commit %s already recorded", ErrImmutabilityViolation, c.CommitID)
	}
	stored := *c
	s.commits[c.CommitID] = &stored
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*GovernanceCommit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commits[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Package snapshot stores content-addressed copies of governed artifacts.
// References have the form "<algorithm>:<hex digest>"; a reference resolves
// to the same bytes forever or not at all.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/veritaslabs/keel/pkg/canonical"
)

// ErrNotFound is returned when a reference has no stored content.
var ErrNotFound = errors.New("snapshot not found")

// Store is a write-once content-addressed blob store. There is deliberately
// no delete operation.
type Store interface {
	// Put stores content and returns its reference. Storing the same bytes
	// twice returns the same reference and is not an error.
	Put(ctx context.Context, content []byte) (string, error)

	// Get resolves a reference to its content.
	Get(ctx context.Context, ref string) ([]byte, error)

	// Exists reports whether a reference resolves.
	Exists(ctx context.Context, ref string) (bool, error)
}

// FileStore keeps snapshots under a root directory, fanned out by the first
// two digest characters. Writes go through a temp file plus rename so a
// reference never points at partially written content.
type FileStore struct {
	root   string
	hasher *canonical.Hasher
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string, h *canonical.Hasher) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot root: %w", err)
	}
	return &FileStore{root: root, hasher: h}, nil
}

func (s *FileStore) Put(_ context.Context, content []byte) (string, error) {
	digest := s.hasher.HashBytes(content)
	ref := s.ref(digest)
	path := s.path(digest)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snap-*")
	if err != nil {
		return "", fmt.Errorf("create snapshot temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalize snapshot: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := s.digestOf(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", ref, err)
	}
	// Verify on read; a corrupted blob must not masquerade as its reference.
	if s.hasher.HashBytes(data) != digest {
		return nil, fmt.Errorf("snapshot %s: content does not match reference", ref)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, ref string) (bool, error) {
	digest, err := s.digestOf(ref)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) ref(digest string) string {
	return string(s.hasher.Algorithm()) + ":" + digest
}

func (s *FileStore) digestOf(ref string) (string, error) {
	prefix := string(s.hasher.Algorithm()) + ":"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("malformed snapshot reference %q", ref)
	}
	return strings.TrimPrefix(ref, prefix), nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.root, digest[:2], digest)
}

package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/keel/pkg/canonical"
)

func fileStore(t *testing.T) *FileStore {
	t.Helper()
	h, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	s, err := NewFileStore(t.TempDir(), h)
	require.NoError(t, err)
	return s
}

func TestPutGetRoundtrip(t *testing.T) {
	ctx := context.Background()
	s := fileStore(t)

	content := []byte("charter revision 7\n")
	ref, err := s.Put(ctx, content)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := fileStore(t)

	ref1, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	ref2, err := s.Put(ctx, []byte("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestGetMissingRef(t *testing.T) {
	s := fileStore(t)

	_, err := s.Get(context.Background(), "sha256:"+strings.Repeat("0", 64))
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Exists(context.Background(), "sha256:"+strings.Repeat("0", 64))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMalformedRefRejected(t *testing.T) {
	s := fileStore(t)

	_, err := s.Get(context.Background(), "md5:abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed")
}

func TestCorruptedBlobDetectedOnRead(t *testing.T) {
	ctx := context.Background()
	h, err := canonical.NewHasher(canonical.SHA256)
	require.NoError(t, err)
	root := t.TempDir()
	s, err := NewFileStore(root, h)
	require.NoError(t, err)

	ref, err := s.Put(ctx, []byte("original"))
	require.NoError(t, err)

	digest := strings.TrimPrefix(ref, "sha256:")
	path := filepath.Join(root, digest[:2], digest)
	require.NoError(t, os.WriteFile(path, []byte("swapped"), 0o640))

	_, err = s.Get(ctx, ref)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match reference")
}

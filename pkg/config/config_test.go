package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.CommitStore)
	assert.Equal(t, "file", cfg.AnchorStore)
	assert.Equal(t, "sha256", cfg.HashAlgorithm)
	assert.Equal(t, "none", cfg.Witness.Backend)
	assert.True(t, cfg.Witness.DryRun)
}

func TestYAMLFile(t *testing.T) {
	raw := `
data_dir: /var/lib/keel
commit_store: memory
hash_algorithm: sha3-256
witness:
  backend: tsa
  dry_run: true
  max_attempts: 3
`
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/keel", cfg.DataDir)
	assert.Equal(t, "memory", cfg.CommitStore)
	assert.Equal(t, "sha3-256", cfg.HashAlgorithm)
	assert.Equal(t, "tsa", cfg.Witness.Backend)
	assert.Equal(t, 3, cfg.Witness.MaxAttempts)
}

func TestEnvOverridesFile(t *testing.T) {
	raw := "commit_store: sqlite\n"
	path := filepath.Join(t.TempDir(), "keel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	t.Setenv("KEEL_COMMIT_STORE", "memory")
	t.Setenv("KEEL_WITNESS_BACKEND", "cas")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.CommitStore)
	assert.Equal(t, "cas", cfg.Witness.Backend)
}

func TestValidation(t *testing.T) {
	t.Setenv("KEEL_COMMIT_STORE", "oracle")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit_store")
}

func TestPostgresRequiresDSN(t *testing.T) {
	t.Setenv("KEEL_COMMIT_STORE", "postgres")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
}

func TestLiveTSARequiresURL(t *testing.T) {
	t.Setenv("KEEL_WITNESS_BACKEND", "tsa")
	t.Setenv("KEEL_WITNESS_DRY_RUN", "false")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "url")
}

// Package config loads runtime settings from an optional YAML file with
// environment variable overrides. Environment always wins, so a deployment
// can pin a file and still adjust single knobs per host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WitnessConfig selects and tunes the external witness backend.
type WitnessConfig struct {
	// Backend is "tsa", "cas" or "none".
	Backend     string `yaml:"backend"`
	URL         string `yaml:"url"`
	DryRun      bool   `yaml:"dry_run"`
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelayMS int    `yaml:"base_delay_ms"`
}

// BaseDelay returns the configured retry base delay.
func (w WitnessConfig) BaseDelay() time.Duration {
	return time.Duration(w.BaseDelayMS) * time.Millisecond
}

// S3Config points the snapshot store at a bucket.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
}

// Config is the full runtime configuration.
type Config struct {
	// DataDir holds the anchor log, commit database and local snapshots.
	DataDir string `yaml:"data_dir"`

	// CommitStore is "sqlite", "postgres" or "memory".
	CommitStore string `yaml:"commit_store"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// AnchorStore is "file" or "sqlite".
	AnchorStore string `yaml:"anchor_store"`

	// SnapshotStore is "file" or "s3".
	SnapshotStore string `yaml:"snapshot_store"`

	// HashAlgorithm is "sha256" or "sha3-256".
	HashAlgorithm string `yaml:"hash_algorithm"`

	// PolicyPath points at the YAML ruleset; empty means baseline rules only.
	PolicyPath string `yaml:"policy_path"`

	Witness WitnessConfig `yaml:"witness"`
	S3      S3Config      `yaml:"s3"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Config {
	return Config{
		DataDir:       "./keel-data",
		CommitStore:   "sqlite",
		AnchorStore:   "file",
		SnapshotStore: "file",
		HashAlgorithm: "sha256",
		Witness: WitnessConfig{
			Backend:     "none",
			DryRun:      true,
			MaxAttempts: 5,
			BaseDelayMS: 500,
		},
	}
}

// Load reads the YAML file at path (skipped when empty or absent) and then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString("KEEL_DATA_DIR", &cfg.DataDir)
	envString("KEEL_COMMIT_STORE", &cfg.CommitStore)
	envString("KEEL_POSTGRES_DSN", &cfg.PostgresDSN)
	envString("KEEL_ANCHOR_STORE", &cfg.AnchorStore)
	envString("KEEL_SNAPSHOT_STORE", &cfg.SnapshotStore)
	envString("KEEL_HASH_ALGORITHM", &cfg.HashAlgorithm)
	envString("KEEL_POLICY_PATH", &cfg.PolicyPath)
	envString("KEEL_WITNESS_BACKEND", &cfg.Witness.Backend)
	envString("KEEL_WITNESS_URL", &cfg.Witness.URL)
	envBool("KEEL_WITNESS_DRY_RUN", &cfg.Witness.DryRun)
	envInt("KEEL_WITNESS_MAX_ATTEMPTS", &cfg.Witness.MaxAttempts)
	envString("KEEL_S3_BUCKET", &cfg.S3.Bucket)
	envString("KEEL_S3_PREFIX", &cfg.S3.Prefix)
}

func (c Config) validate() error {
	switch c.CommitStore {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown commit_store %q", c.CommitStore)
	}
	if c.CommitStore == "postgres" && c.PostgresDSN == "" {
		return fmt.Errorf("commit_store postgres requires postgres_dsn")
	}
	switch c.AnchorStore {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown anchor_store %q", c.AnchorStore)
	}
	switch c.SnapshotStore {
	case "file", "s3":
	default:
		return fmt.Errorf("unknown snapshot_store %q", c.SnapshotStore)
	}
	if c.SnapshotStore == "s3" && c.S3.Bucket == "" {
		return fmt.Errorf("snapshot_store s3 requires s3.bucket")
	}
	switch c.Witness.Backend {
	case "tsa", "cas", "none":
	default:
		return fmt.Errorf("unknown witness backend %q", c.Witness.Backend)
	}
	if c.Witness.Backend == "tsa" && !c.Witness.DryRun && c.Witness.URL == "" {
		return fmt.Errorf("witness backend tsa requires a url unless dry_run is set")
	}
	return nil
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

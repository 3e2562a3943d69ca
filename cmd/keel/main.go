// Command keel operates a tamper-evident governance ledger: gated
// submissions, chain verification, history reconstruction and summaries.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/veritaslabs/keel/pkg/anchor"
	"github.com/veritaslabs/keel/pkg/audit"
	"github.com/veritaslabs/keel/pkg/canonical"
	"github.com/veritaslabs/keel/pkg/commit"
	"github.com/veritaslabs/keel/pkg/config"
	"github.com/veritaslabs/keel/pkg/gate"
	"github.com/veritaslabs/keel/pkg/ledger"
	"github.com/veritaslabs/keel/pkg/observability"
	"github.com/veritaslabs/keel/pkg/policy"
	"github.com/veritaslabs/keel/pkg/snapshot"
	"github.com/veritaslabs/keel/pkg/witness"
)

const usage = `keel - tamper-evident governance ledger

Usage:
  keel submit   --session ID --agent NAME --topic TEXT [flags]
  keel verify   [--json] [--by NAME]
  keel reconstruct
  keel summary  [--json]

Global flags:
  --config PATH   configuration file (default: $KEEL_CONFIG or none)
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))

	var code int
	switch args[0] {
	case "submit":
		code = runSubmit(args[1:], stdout, stderr, logger)
	case "verify":
		code = runVerify(args[1:], stdout, stderr, logger)
	case "reconstruct":
		code = runReconstruct(args[1:], stdout, stderr, logger)
	case "summary":
		code = runSummary(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
		code = 2
	}
	return code
}

func configPath(fs *flag.FlagSet) *string {
	return fs.String("config", os.Getenv("KEEL_CONFIG"), "configuration file")
}

// env holds everything a command needs after wiring.
type env struct {
	cfg     config.Config
	hasher  *canonical.Hasher
	led     *ledger.Ledger
	commits commit.Store
	closer  func()
}

func setup(cfgPath string, stderr io.Writer, logger *slog.Logger) (*env, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	h, err := canonical.NewHasher(canonical.Algorithm(cfg.HashAlgorithm))
	if err != nil {
		return nil, err
	}

	var closers []func()

	commits, err := openCommitStore(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { commits.Close() })

	anchors, err := openAnchorStore(cfg)
	if err != nil {
		return nil, err
	}
	closers = append(closers, func() { anchors.Close() })

	ctx := context.Background()
	chain, err := anchor.Open(ctx, anchors, h)
	if err != nil {
		return nil, fmt.Errorf("open chain: %w", err)
	}

	snaps, err := openSnapshotStore(ctx, cfg, h)
	if err != nil {
		return nil, err
	}

	evaluator, auth, err := buildEvaluator(cfg)
	if err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return nil, err
	}

	var submitter *witness.Submitter
	if backend := buildWitnessBackend(cfg, snaps, h); backend != nil {
		subCfg := witness.DefaultSubmitterConfig()
		if cfg.Witness.MaxAttempts > 0 {
			subCfg.MaxAttempts = cfg.Witness.MaxAttempts
		}
		if cfg.Witness.BaseDelayMS > 0 {
			subCfg.BaseDelay = cfg.Witness.BaseDelay()
		}
		submitter = witness.NewSubmitter(backend, h, subCfg, func(r witness.Receipt) {
			metrics.RecordWitness(context.Background(), string(r.Status))
			logger.Info("witness receipt",
				"backend", r.Backend,
				"status", string(r.Status),
				"ref", r.ExternalRef)
		})
		submitter.Start()
	}

	led, err := ledger.New(ledger.Options{
		Hasher:    h,
		Evaluator: evaluator,
		Commits:   commits,
		Chain:     chain,
		Policy:    auth,
		Snapshots: snaps,
		Witness:   submitter,
		Audit:     audit.NewJSONLogger(stderr),
		Metrics:   metrics,
	})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:     cfg,
		hasher:  h,
		led:     led,
		commits: commits,
		closer: func() {
			if submitter != nil {
				submitter.Close()
			}
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func openCommitStore(cfg config.Config) (commit.Store, error) {
	switch cfg.CommitStore {
	case "memory":
		return commit.NewMemoryStore(), nil
	case "postgres":
		return commit.NewPostgresStore(cfg.PostgresDSN)
	default:
		return commit.NewSQLiteStore(filepath.Join(cfg.DataDir, "commits.db"))
	}
}

func openAnchorStore(cfg config.Config) (anchor.Store, error) {
	if cfg.AnchorStore == "sqlite" {
		return anchor.NewSQLiteStore(filepath.Join(cfg.DataDir, "anchors.db"))
	}
	return anchor.NewFileStore(filepath.Join(cfg.DataDir, "anchors.jsonl"))
}

func openSnapshotStore(ctx context.Context, cfg config.Config, h *canonical.Hasher) (snapshot.Store, error) {
	if cfg.SnapshotStore == "s3" {
		return snapshot.NewS3Store(ctx, cfg.S3.Bucket, cfg.S3.Prefix, h)
	}
	return snapshot.NewFileStore(filepath.Join(cfg.DataDir, "snapshots"), h)
}

func buildEvaluator(cfg config.Config) (*gate.Evaluator, *policy.Authorizer, error) {
	e := gate.NewEvaluator()
	e.Register(gate.EvidenceCheck{MinItems: 1})

	rs := policy.Ruleset{Deny: policy.DefaultDenyRules()}
	if cfg.PolicyPath != "" {
		loaded, err := policy.LoadRuleset(cfg.PolicyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy: %w", err)
		}
		rs = loaded
	}
	auth, err := policy.NewAuthorizer(rs)
	if err != nil {
		return nil, nil, fmt.Errorf("compile policy: %w", err)
	}
	e.Register(gate.PolicyCheck{CheckName: "ethics", Action: "commit", Authorizer: auth})
	e.Register(gate.PolicyCheck{CheckName: "security", Action: "commit", Authorizer: auth})
	e.Register(gate.ConsensusCheck{Threshold: gate.Threshold{Mode: gate.ThresholdMajority}})
	return e, auth, nil
}

func buildWitnessBackend(cfg config.Config, snaps snapshot.Store, h *canonical.Hasher) witness.Backend {
	switch cfg.Witness.Backend {
	case "tsa":
		return witness.NewTSABackend(cfg.Witness.URL, cfg.Witness.DryRun, h)
	case "cas":
		return witness.NewCASBackend(snaps, cfg.Witness.DryRun, h)
	default:
		return nil
	}
}

func runSubmit(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := configPath(fs)
	session := fs.String("session", "", "session identifier")
	agent := fs.String("agent", "", "submitting agent")
	topic := fs.String("topic", "", "decision topic")
	jurisdiction := fs.String("jurisdiction", "", "jurisdiction code")
	evidence := fs.String("evidence", "", "comma-separated evidence refs")
	votes := fs.String("votes", "", "comma-separated role=action votes")
	payload := fs.String("payload", "", "JSON payload to snapshot")
	overrideBy := fs.String("override-by", "", "authorizer for an escalation override")
	overrideReason := fs.String("override-reason", "", "reason for the override")
	supersedes := fs.String("supersedes", "", "commit id this decision replaces")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *session == "" || *agent == "" || *topic == "" {
		fmt.Fprintln(stderr, "submit requires --session, --agent and --topic")
		return 2
	}

	req := &gate.ActionRequest{
		SessionID:    *session,
		Agent:        *agent,
		Topic:        *topic,
		Jurisdiction: *jurisdiction,
	}
	for _, ref := range splitNonEmpty(*evidence) {
		req.Evidence = append(req.Evidence, gate.EvidenceItem{Ref: ref})
	}
	for _, v := range splitNonEmpty(*votes) {
		role, action, ok := strings.Cut(v, "=")
		if !ok {
			fmt.Fprintf(stderr, "malformed vote %q, want role=action\n", v)
			return 2
		}
		req.Votes = append(req.Votes, gate.Vote{Role: role, Action: action})
	}
	if *payload != "" {
		if err := json.Unmarshal([]byte(*payload), &req.Payload); err != nil {
			fmt.Fprintf(stderr, "malformed payload: %v\n", err)
			return 2
		}
	}

	e, err := setup(*cfgPath, stderr, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 2
	}
	defer e.closer()

	ctx := context.Background()
	var res *ledger.SubmitResult
	switch {
	case *overrideBy != "":
		res, err = e.led.SubmitWithOverride(ctx, req, &commit.Override{
			AuthorizedBy: *overrideBy,
			Reason:       *overrideReason,
			At:           time.Now().UTC(),
		})
	case *supersedes != "":
		res, err = e.led.SubmitSuperseding(ctx, req, *supersedes)
	default:
		res, err = e.led.Submit(ctx, req)
	}
	if err != nil {
		logger.Error("submission refused", "error", err)
		return 1
	}

	out := map[string]any{
		"commit_id":         res.Commit.CommitID,
		"record_type":       string(res.Commit.RecordType),
		"consensus_outcome": string(res.Verdict.ConsensusOutcome),
		"anchor_index":      res.Anchor.Index,
		"chain_hash":        res.Anchor.ChainHash,
	}
	if res.Witness != nil {
		out["witness_status"] = string(res.Witness.Status)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	enc.Encode(out)
	return 0
}

func runReconstruct(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("reconstruct", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := configPath(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := setup(*cfgPath, stderr, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 2
	}
	defer e.closer()

	out, err := e.led.Reconstruct(context.Background())
	if err != nil {
		logger.Error("reconstruction failed", "error", err)
		return 1
	}
	stdout.Write(out)
	return 0
}

func runSummary(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("summary", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := configPath(fs)
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	e, err := setup(*cfgPath, stderr, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 2
	}
	defer e.closer()

	s := e.led.Summary()
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(s)
		return 0
	}
	fmt.Fprintf(stdout, "anchors: %d\n", s.Length)
	fmt.Fprintf(stdout, "tip:     %s\n", s.TipHash)
	if !s.FirstTimestamp.IsZero() {
		fmt.Fprintf(stdout, "first:   %s\n", s.FirstTimestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "latest:  %s\n", s.LastTimestamp.Format(time.RFC3339))
	}
	types := make([]string, 0, len(s.ByRecordType))
	for rt := range s.ByRecordType {
		types = append(types, rt)
	}
	sort.Strings(types)
	for _, rt := range types {
		fmt.Fprintf(stdout, "  %s: %d\n", rt, s.ByRecordType[rt])
	}
	return 0
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/veritaslabs/keel/pkg/gate"
	"github.com/veritaslabs/keel/pkg/verify"
)

// runVerify walks the whole chain and reports. Verification is a read; it
// does not go through the gate. Exit codes: 0 clean, 1 tamper detected,
// 2 operational error.
func runVerify(args []string, stdout, stderr io.Writer, logger *slog.Logger) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := configPath(fs)
	asJSON := fs.Bool("json", false, "emit the full report as JSON")
	by := fs.String("by", "", "who triggered this verification")
	record := fs.Bool("record", false, "anchor the report on the chain via a gated submission")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := setup(*cfgPath, stderr, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 2
	}
	defer e.closer()

	ctx := context.Background()

	var report *verify.Report
	var verr error
	if *record {
		report, _, verr = e.led.VerifyNow(ctx, verifyTemplate(*by))
	} else {
		v := verify.NewVerifier(e.hasher, e.commits)
		report, verr = v.Verify(ctx, e.led.Records(), *by)
	}
	if verr != nil && !errors.Is(verr, verify.ErrTamperDetected) {
		logger.Error("verification failed", "error", verr)
		return 2
	}
	if report == nil {
		logger.Error("verification produced no report", "error", verr)
		return 2
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(report)
	} else {
		fmt.Fprintf(stdout, "anchors:  %d verified / %d total\n", report.VerifiedAnchors, report.TotalAnchors)
		if report.Valid {
			fmt.Fprintln(stdout, "result:   CLEAN")
		} else {
			fmt.Fprintln(stdout, "result:   TAMPER DETECTED")
			for _, f := range report.Errors {
				fmt.Fprintf(stdout, "  anchor %d [%s]: %s\n", f.AnchorIndex, f.Kind, f.Message)
			}
		}
	}

	if !report.Valid {
		return 1
	}
	return 0
}

// verifyTemplate shapes the gated submission that records a verification
// report on the chain. The agent's own attestation is the evidence; the
// report digest gets appended by the ledger.
func verifyTemplate(by string) *gate.ActionRequest {
	if by == "" {
		by = "agent:verifier"
	}
	return &gate.ActionRequest{
		SessionID: "verify",
		Agent:     by,
		Topic:     "chain verification",
		Votes:     []gate.Vote{{Role: "verifier", Action: "VERIFY_CHAIN_NOW"}},
	}
}

// Package observability exposes ledger activity counters through the
// OpenTelemetry metric API. With no meter provider installed the calls are
// no-ops, so instrumentation costs nothing in minimal deployments.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/veritaslabs/keel"

// Metrics holds the ledger's instruments.
type Metrics struct {
	gateVerdicts  metric.Int64Counter
	anchorAppends metric.Int64Counter
	witnessSubmit metric.Int64Counter
	verifyRuns    metric.Int64Counter
}

// NewMetrics registers the instruments against the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	gateVerdicts, err := meter.Int64Counter("keel.gate.verdicts",
		metric.WithDescription("Gate evaluations by consensus outcome"))
	if err != nil {
		return nil, fmt.Errorf("register gate counter: %w", err)
	}
	anchorAppends, err := meter.Int64Counter("keel.anchor.appends",
		metric.WithDescription("Anchors appended to the chain"))
	if err != nil {
		return nil, fmt.Errorf("register anchor counter: %w", err)
	}
	witnessSubmit, err := meter.Int64Counter("keel.witness.submissions",
		metric.WithDescription("Witness submissions by terminal status"))
	if err != nil {
		return nil, fmt.Errorf("register witness counter: %w", err)
	}
	verifyRuns, err := meter.Int64Counter("keel.verify.runs",
		metric.WithDescription("Chain verification runs by result"))
	if err != nil {
		return nil, fmt.Errorf("register verify counter: %w", err)
	}

	return &Metrics{
		gateVerdicts:  gateVerdicts,
		anchorAppends: anchorAppends,
		witnessSubmit: witnessSubmit,
		verifyRuns:    verifyRuns,
	}, nil
}

func (m *Metrics) RecordVerdict(ctx context.Context, outcome string) {
	m.gateVerdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordAppend(ctx context.Context, recordType string) {
	m.anchorAppends.Add(ctx, 1, metric.WithAttributes(attribute.String("record_type", recordType)))
}

func (m *Metrics) RecordWitness(ctx context.Context, status string) {
	m.witnessSubmit.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordVerification(ctx context.Context, valid bool) {
	m.verifyRuns.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

package gate

import (
	"context"
	"fmt"
	"time"
)

// Evaluator runs registered checks in registration order. The registry is
// configuration, not control flow: adding a check never touches Evaluate.
type Evaluator struct {
	checks  map[string]Check
	ordered []string
	clock   func() time.Time
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		checks: make(map[string]Check),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Register adds a check. Checks run in registration order; re-registering a
// name replaces the check but keeps its position.
func (e *Evaluator) Register(c Check) {
	name := c.Name()
	if _, exists := e.checks[name]; !exists {
		e.ordered = append(e.ordered, name)
	}
	e.checks[name] = c
}

// Checks returns the registered check names in execution order.
func (e *Evaluator) Checks() []string {
	out := make([]string, len(e.ordered))
	copy(out, e.ordered)
	return out
}

// Evaluate runs every check and aggregates. overall_passed is true only if
// every check returns PASS; any FAIL yields REJECTED; otherwise any
// INDETERMINATE yields ESCALATED. A cancelled context abandons evaluation
// with no ledger effect.
func (e *Evaluator) Evaluate(ctx context.Context, req *ActionRequest) (*GateVerdict, error) {
	if len(e.ordered) == 0 {
		return nil, fmt.Errorf("no checks registered")
	}

	results := make([]CheckResult, 0, len(e.ordered))
	for _, name := range e.ordered {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("evaluation abandoned: %w", err)
		}
		results = append(results, e.checks[name].Inspect(ctx, req))
	}

	verdict := &GateVerdict{
		Results:     results,
		EvaluatedAt: e.clock().UTC(),
	}

	failed, indeterminate := false, false
	for _, r := range results {
		switch r.Verdict {
		case VerdictFail:
			failed = true
		case VerdictIndeterminate:
			indeterminate = true
		}
	}

	switch {
	case failed:
		verdict.ConsensusOutcome = OutcomeRejected
	case indeterminate:
		verdict.ConsensusOutcome = OutcomeEscalated
	default:
		verdict.ConsensusOutcome = OutcomeApproved
		verdict.OverallPassed = true
	}
	verdict.RequiresReconciliation = verdict.ConsensusOutcome == OutcomeEscalated
	verdict.ConsensusAction = tallyConsensusAction(req.Votes)

	return verdict, nil
}

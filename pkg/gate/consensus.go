package gate

import (
	"context"
	"fmt"
	"sort"
)

// Vote is one role's independent position on the proposed action. Roles are
// tagged variants, not hardcoded logic: the consensus check only counts
// actions, it knows nothing about individual roles.
type Vote struct {
	Role   string `json:"role"`
	Action string `json:"action"`
}

// ThresholdMode selects how many agreeing votes constitute consensus.
type ThresholdMode string

const (
	ThresholdUnanimous ThresholdMode = "unanimous"
	ThresholdMajority  ThresholdMode = "majority"
	ThresholdCount     ThresholdMode = "count"
)

// Threshold configures the consensus requirement.
type Threshold struct {
	Mode ThresholdMode `yaml:"mode" json:"mode"`
	// N is the minimum agreeing votes when Mode is "count".
	N int `yaml:"n,omitempty" json:"n,omitempty"`
}

// tally counts non-abstaining vote actions and returns the leading action,
// its count, and the full distribution. Ties break lexicographically so the
// result is deterministic.
func tally(votes []Vote) (string, int, map[string]int) {
	freq := make(map[string]int)
	for _, v := range votes {
		if v.Action == "" || v.Action == "NO_ACTION" {
			continue
		}
		freq[v.Action]++
	}
	if len(freq) == 0 {
		return "", 0, freq
	}

	actions := make([]string, 0, len(freq))
	for a := range freq {
		actions = append(actions, a)
	}
	sort.Strings(actions)

	best, bestCount := "", 0
	for _, a := range actions {
		if freq[a] > bestCount {
			best, bestCount = a, freq[a]
		}
	}
	return best, bestCount, freq
}

func tallyConsensusAction(votes []Vote) string {
	action, _, _ := tally(votes)
	return action
}

// ConsensusCheck verifies that the voting roles converge on a single action
// under the configured threshold. No votes or a sub-threshold result is
// INDETERMINATE; consensus can be escalated, never assumed.
type ConsensusCheck struct {
	Threshold Threshold
}

func (c ConsensusCheck) Name() string { return "consensus" }

func (c ConsensusCheck) Inspect(_ context.Context, req *ActionRequest) CheckResult {
	action, count, _ := tally(req.Votes)
	total := 0
	for _, v := range req.Votes {
		if v.Action != "" && v.Action != "NO_ACTION" {
			total++
		}
	}

	if action == "" {
		return CheckResult{
			Name:      c.Name(),
			Verdict:   VerdictIndeterminate,
			Rationale: "no shared action among roles; no consensus available",
		}
	}

	required := 0
	switch c.Threshold.Mode {
	case ThresholdUnanimous:
		required = total
	case ThresholdCount:
		required = c.Threshold.N
	default: // majority
		required = total/2 + 1
	}

	if count >= required && required > 0 {
		return CheckResult{
			Name:      c.Name(),
			Verdict:   VerdictPass,
			Rationale: fmt.Sprintf("consensus on %s (%d/%d votes, threshold %d)", action, count, total, required),
		}
	}

	return CheckResult{
		Name:      c.Name(),
		Verdict:   VerdictIndeterminate,
		Rationale: fmt.Sprintf("sub-threshold consensus on %s (%d/%d votes, threshold %d)", action, count, total, required),
	}
}

package rollout

import (
	"math"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
)

// scoreSumScaled sums round(confidence_score × 10000) over proposals.
func scoreSumScaled(props []matching.Proposal) int64 {
	var sum int64
	for _, p := range props {
		sum += int64(math.Round(p.ConfidenceScore * 10000))
	}
	return sum
}

func cycleKeySet(props []matching.Proposal) []string {
	keys := make([]string, 0, len(props))
	for _, p := range props {
		keys = append(keys, p.CycleKey)
	}
	sort.Strings(keys)
	return keys
}

func overlap(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, k := range a {
		inA[k] = true
	}
	var both []string
	for _, k := range b {
		if inA[k] {
			both = append(both, k)
		}
	}
	sort.Strings(both)
	if both == nil {
		both = []string{}
	}
	return both
}

// buildDiff compares a baseline run against a candidate run. The record uses
// rotation-invariant cycle keys so both engines' proposals are comparable,
// and carries delta_score_sum_scaled = candidate − baseline.
func buildDiff(runID, recordedAt, baseEngine, candEngine string, base, cand matching.Result) map[string]any {
	baseKeys := cycleKeySet(base.Proposals)
	candKeys := cycleKeySet(cand.Proposals)
	return map[string]any{
		"run_id":                runID,
		"recorded_at":           recordedAt,
		"baseline_engine":       baseEngine,
		"candidate_engine":      candEngine,
		"baseline_cycles":       base.Stats.CandidateCycles,
		"candidate_cycles":      cand.Stats.CandidateCycles,
		"baseline_selected":     base.Stats.SelectedProposals,
		"candidate_selected":    cand.Stats.SelectedProposals,
		"baseline_cycle_keys":   baseKeys,
		"candidate_cycle_keys":  candKeys,
		"overlap_cycle_keys":    overlap(baseKeys, candKeys),
		"delta_score_sum_scaled": scoreSumScaled(cand.Proposals) - scoreSumScaled(base.Proposals),
	}
}

// appendPruned appends a diff record and prunes the history to max entries,
// dropping the oldest first.
func appendPruned(history []map[string]any, diff map[string]any, max int) []map[string]any {
	history = append(history, diff)
	if max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	return history
}

package matching

import (
	"math"
	"sort"
	"time"
)

// ReferenceEngine is the deterministic bounded cycle enumerator used as the
// primary (v1) implementation. It walks intents as directed give→want edges
// and enumerates simple intent cycles of length MinCycleLength to
// MaxCycleLength, selecting non-overlapping cycles greedily by value.
type ReferenceEngine struct {
	name string
}

// NewReferenceEngine names an engine instance ("v1", "v2", "v2-ts").
func NewReferenceEngine(name string) *ReferenceEngine {
	return &ReferenceEngine{name: name}
}

func (e *ReferenceEngine) Name() string { return e.name }

// Run enumerates cycles. It stops early with CycleEnumerationLimited when
// MaxEnumeratedCycles is hit and with CycleEnumerationTimedOut when the
// TimeoutMS budget is spent.
func (e *ReferenceEngine) Run(in Input) (Result, error) {
	start := time.Now()
	deadline := time.Duration(in.TimeoutMS) * time.Millisecond

	minLen := in.MinCycleLength
	if minLen < 2 {
		minLen = 2
	}
	maxLen := in.MaxCycleLength
	if maxLen < minLen {
		maxLen = minLen
	}

	// Deterministic intent ordering.
	intents := make([]Intent, len(in.Intents))
	copy(intents, in.Intents)
	sort.Slice(intents, func(i, j int) bool { return intents[i].IntentID < intents[j].IntentID })

	// give-asset adjacency: which intents can follow intent i (i wants what
	// they give).
	byGive := make(map[string][]int)
	for idx, it := range intents {
		byGive[it.GiveAsset] = append(byGive[it.GiveAsset], idx)
	}

	stats := Stats{IntentsActive: len(intents), Edges: len(in.Edges)}
	seen := make(map[string]bool)
	var candidates []Proposal

	timedOut := func() bool {
		return deadline > 0 && time.Since(start) > deadline
	}

	var walk func(path []int)
	walk = func(path []int) {
		if stats.CycleEnumerationLimited || stats.CycleEnumerationTimedOut {
			return
		}
		if timedOut() {
			stats.CycleEnumerationTimedOut = true
			return
		}
		last := intents[path[len(path)-1]]
		for _, next := range byGive[last.WantAsset] {
			if stats.CycleEnumerationLimited || stats.CycleEnumerationTimedOut {
				return
			}
			if next == path[0] {
				if len(path) >= minLen {
					stats.CandidateCycles++
					if in.MaxEnumeratedCycles > 0 && stats.CandidateCycles > in.MaxEnumeratedCycles {
						stats.CycleEnumerationLimited = true
						return
					}
					e.addCandidate(in, intents, path, seen, &candidates)
				}
				continue
			}
			if len(path) >= maxLen || contains(path, next) {
				continue
			}
			walk(append(path, next))
		}
	}

	for i := range intents {
		if stats.CycleEnumerationLimited || stats.CycleEnumerationTimedOut {
			break
		}
		walk([]int{i})
	}

	stats.CandidateProposals = len(candidates)

	// Deterministic selection: value descending, then cycle key; an intent
	// participates in at most one selected proposal.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ValueUSD != candidates[j].ValueUSD {
			return candidates[i].ValueUSD > candidates[j].ValueUSD
		}
		return candidates[i].CycleKey < candidates[j].CycleKey
	})

	used := make(map[string]bool)
	var selected []Proposal
	for _, c := range candidates {
		clash := false
		for _, id := range c.IntentIDs {
			if used[id] {
				clash = true
				break
			}
		}
		if clash {
			continue
		}
		for _, id := range c.IntentIDs {
			used[id] = true
		}
		selected = append(selected, c)
	}
	stats.SelectedProposals = len(selected)

	res := Result{Proposals: selected, Stats: stats}
	if in.IncludeDiagnostics {
		res.Diagnostics = map[string]any{
			"engine":           e.name,
			"candidate_cycles": stats.CandidateCycles,
		}
	}
	return res, nil
}

func (e *ReferenceEngine) addCandidate(in Input, intents []Intent, path []int, seen map[string]bool, out *[]Proposal) {
	ids := make([]string, len(path))
	value := 0.0
	for i, idx := range path {
		ids[i] = intents[idx].IntentID
		value += in.AssetValuesUSD[intents[idx].GiveAsset]
	}
	key := CycleKey(ids)
	if seen[key] {
		return
	}
	seen[key] = true

	// Confidence favors short cycles backed by priced assets.
	priced := 0
	for _, idx := range path {
		if _, ok := in.AssetValuesUSD[intents[idx].GiveAsset]; ok {
			priced++
		}
	}
	confidence := (float64(priced) / float64(len(path))) / float64(len(path)-1)
	confidence = math.Round(confidence*10000) / 10000

	*out = append(*out, Proposal{
		CycleKey:        key,
		IntentIDs:       ids,
		ValueUSD:        math.Round(value*100) / 100,
		ConfidenceScore: confidence,
	})
}

func contains(path []int, v int) bool {
	for _, p := range path {
		if p == v {
			return true
		}
	}
	return false
}

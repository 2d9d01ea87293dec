// Package matching declares the contract of the cycle-enumeration matcher
// the rollout controller orchestrates, plus a deterministic reference
// implementation. The inner graph algorithm is an external collaborator:
// engines are injected and only the contract below is relied upon.
package matching

// Intent is an active user intent: the actor gives one asset and wants
// another. Cycles over intents are the unit of matching.
type Intent struct {
	IntentID  string `json:"intent_id"`
	ActorID   string `json:"actor_id"`
	GiveAsset string `json:"give_asset"`
	WantAsset string `json:"want_asset"`
}

// Edge is an active edge intent between assets, supplementing the edges
// derived from intents.
type Edge struct {
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
}

// Input is the full engine input. Determinism for identical inputs is part
// of the contract.
type Input struct {
	Intents             []Intent           `json:"intents"`
	AssetValuesUSD      map[string]float64 `json:"asset_values_usd"`
	Edges               []Edge             `json:"edges"`
	NowISO              string             `json:"now_iso"`
	MinCycleLength      int                `json:"min_cycle_length"`
	MaxCycleLength      int                `json:"max_cycle_length"`
	MaxEnumeratedCycles int                `json:"max_enumerated_cycles"`
	TimeoutMS           int                `json:"timeout_ms"`
	IncludeDiagnostics  bool               `json:"include_diagnostics"`
}

// Proposal is one selected cycle.
type Proposal struct {
	CycleKey        string   `json:"cycle_key"`
	IntentIDs       []string `json:"intent_ids"`
	ValueUSD        float64  `json:"value_usd"`
	ConfidenceScore float64  `json:"confidence_score"`
}

// Stats summarizes one engine run.
type Stats struct {
	IntentsActive            int  `json:"intents_active"`
	Edges                    int  `json:"edges"`
	CandidateCycles          int  `json:"candidate_cycles"`
	CandidateProposals       int  `json:"candidate_proposals"`
	SelectedProposals        int  `json:"selected_proposals"`
	CycleEnumerationLimited  bool `json:"cycle_enumeration_limited"`
	CycleEnumerationTimedOut bool `json:"cycle_enumeration_timed_out"`
}

// Result is the engine output: proposals in deterministic order plus stats.
type Result struct {
	Proposals   []Proposal     `json:"proposals"`
	Stats       Stats          `json:"stats"`
	Diagnostics map[string]any `json:"diagnostics,omitempty"`
}

// Engine is a matcher implementation. Run must be pure: no state mutation,
// identical output for identical input.
type Engine interface {
	Name() string
	Run(in Input) (Result, error)
}

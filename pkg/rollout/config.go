// Package rollout orchestrates the primary/canary/shadow rollout of the
// candidate matching engine (v2) against the incumbent (v1), with a
// read-only alternate implementation (v2') used as a troubleshooting shadow.
// It owns engine selection, safety fallbacks, diff recording, and the
// rollback latch.
package rollout

// Thresholds are the canary trigger rates evaluated over the sampling
// window. They are configuration inputs, never hard-coded.
type Thresholds struct {
	ErrorRate         float64 `json:"error_rate"`
	TimeoutRate       float64 `json:"timeout_rate"`
	LimitedRate       float64 `json:"limited_rate"`
	NegativeDeltaRate float64 `json:"negative_delta_rate"`
}

// DefaultThresholds trip on a majority-bad window.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:         0.5,
		TimeoutRate:       0.5,
		LimitedRate:       0.8,
		NegativeDeltaRate: 0.8,
	}
}

// EngineBounds parameterize a v2 engine invocation.
type EngineBounds struct {
	MinCycleLength      int `json:"min_cycle_length"`
	MaxCycleLength      int `json:"max_cycle_length"`
	MaxEnumeratedCycles int `json:"max_enumerated_cycles"`
	TimeoutMS           int `json:"timeout_ms"`
}

// Config is the controller configuration. The v1 bounds are fixed by
// contract at cycle lengths 2..3.
type Config struct {
	ShadowEnabled     bool
	TSShadowEnabled   bool
	PrimaryEnabled    bool
	CanaryEnabled     bool
	RolloutBps        int
	CanarySalt        string
	RollbackWindow    int
	// MinWindowRuns is the smallest sample count the trigger conditions are
	// evaluated over; a single unlucky run cannot latch a rollback.
	MinWindowRuns int
	Thresholds    Thresholds
	FallbackOnTimeout bool
	FallbackOnLimited bool
	MaxProposals      int
	MaxShadowDiffs    int
	MaxTSShadowDiffs  int
	V2Bounds          EngineBounds
}

// DefaultConfig mirrors the conservative production posture: shadow on,
// canary off, primary off.
func DefaultConfig() Config {
	return Config{
		ShadowEnabled:     true,
		RolloutBps:        0,
		CanarySalt:        "keel-matching-v2",
		RollbackWindow:    5,
		MinWindowRuns:     2,
		Thresholds:        DefaultThresholds(),
		FallbackOnTimeout: true,
		FallbackOnLimited: true,
		MaxProposals:      50,
		MaxShadowDiffs:    100,
		MaxTSShadowDiffs:  100,
		V2Bounds: EngineBounds{
			MinCycleLength:      2,
			MaxCycleLength:      4,
			MaxEnumeratedCycles: 10000,
			TimeoutMS:           2000,
		},
	}
}

package rollout

// Sample is one canary observation feeding the rollback window.
type Sample struct {
	Error            bool `json:"error"`
	Timeout          bool `json:"timeout"`
	Limited          bool `json:"limited"`
	NonNegativeDelta bool `json:"non_negative_delta"`
}

// TenantState is the per-tenant controller state: the sampling window, the
// rollback latch, and the recorded diff histories.
type TenantState struct {
	Samples             []Sample         `json:"samples"`
	LatchActive         bool             `json:"latch_active"`
	TriggerReasonCode   string           `json:"trigger_reason_code,omitempty"`
	RollbackRunID       string           `json:"rollback_run_id,omitempty"`
	RollbackActivatedAt string           `json:"rollback_activated_at,omitempty"`
	ShadowDiffs         []map[string]any `json:"shadow_diffs"`
	TSShadowDiffs       []map[string]any `json:"ts_shadow_diffs"`
}

// NewTenantState returns empty controller state.
func NewTenantState() *TenantState {
	return &TenantState{}
}

// windowSummary aggregates the sampling window into rates.
type windowSummary struct {
	runs          int
	errorRate     float64
	timeoutRate   float64
	limitedRate   float64
	negDeltaRate  float64
}

func summarize(samples []Sample) windowSummary {
	s := windowSummary{runs: len(samples)}
	if s.runs == 0 {
		return s
	}
	var errs, timeouts, limited, neg int
	for _, smp := range samples {
		if smp.Error {
			errs++
		}
		if smp.Timeout {
			timeouts++
		}
		if smp.Limited {
			limited++
		}
		if !smp.NonNegativeDelta {
			neg++
		}
	}
	n := float64(s.runs)
	s.errorRate = float64(errs) / n
	s.timeoutRate = float64(timeouts) / n
	s.limitedRate = float64(limited) / n
	s.negDeltaRate = float64(neg) / n
	return s
}

// trigger returns the reason code of the first threshold the window trips,
// or "" when the window is healthy.
func (w windowSummary) trigger(th Thresholds) string {
	if w.runs == 0 {
		return ""
	}
	switch {
	case w.errorRate >= th.ErrorRate:
		return "canary_error_rate"
	case w.timeoutRate >= th.TimeoutRate:
		return "canary_timeout_rate"
	case w.limitedRate >= th.LimitedRate:
		return "canary_limited_rate"
	case w.negDeltaRate >= th.NegativeDeltaRate:
		return "canary_negative_delta_rate"
	}
	return ""
}

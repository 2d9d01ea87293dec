package rollout

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
)

// fakeEngine returns a canned result or error.
type fakeEngine struct {
	name string
	res  matching.Result
	err  error
}

func (f *fakeEngine) Name() string { return f.name }
func (f *fakeEngine) Run(matching.Input) (matching.Result, error) {
	return f.res, f.err
}

func resultWith(keys []string, score float64) matching.Result {
	props := make([]matching.Proposal, len(keys))
	for i, k := range keys {
		props[i] = matching.Proposal{CycleKey: k, IntentIDs: []string{k}, ConfidenceScore: score}
	}
	return matching.Result{
		Proposals: props,
		Stats:     matching.Stats{CandidateCycles: len(keys), SelectedProposals: len(keys)},
	}
}

func baseRequest(runID string) RunRequest {
	return RunRequest{
		RunID:          runID,
		ActorType:      "partner",
		ActorID:        "p1",
		IdempotencyKey: "k-" + runID,
		RequestedAt:    "2025-01-01T00:00:00Z",
		NowISO:         "2025-01-01T00:00:00.000Z",
	}
}

func TestBucketDeterministicAndBounded(t *testing.T) {
	a := Bucket("salt", "partner", "p1", "k1", "2025-01-01T00:00:00Z")
	b := Bucket("salt", "partner", "p1", "k1", "2025-01-01T00:00:00Z")
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0)
	assert.Less(t, a, 10000)
	assert.NotEqual(t, a, Bucket("other-salt", "partner", "p1", "k1", "2025-01-01T00:00:00Z"))
}

func TestShadowOnlyRecordsDiff(t *testing.T) {
	cfg := DefaultConfig()
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b", "c|d"}, 0.5)},
	})
	ts := NewTenantState()

	out, err := c.Execute(ts, baseRequest("run_1"))
	require.NoError(t, err)

	assert.Equal(t, "v1", out.PrimaryEngine)
	assert.False(t, out.V2Attempted)
	require.NotNil(t, out.ShadowDiff)
	assert.Len(t, ts.ShadowDiffs, 1)
	assert.Equal(t, []string{"a|b"}, out.ShadowDiff["overlap_cycle_keys"])
	assert.EqualValues(t, 5000, out.ShadowDiff["delta_score_sum_scaled"])
}

func TestCanarySelectionByBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CanaryEnabled = true
	cfg.RolloutBps = 10000 // everyone in
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	ts := NewTenantState()

	out, err := c.Execute(ts, baseRequest("run_1"))
	require.NoError(t, err)
	assert.True(t, out.CanarySelected)
	assert.Equal(t, "v2", out.PrimaryEngine)
	assert.Len(t, ts.Samples, 1)
	assert.True(t, ts.Samples[0].NonNegativeDelta)
}

func TestCanaryExcludedBucket(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CanaryEnabled = true
	cfg.RolloutBps = 0
	cfg.ShadowEnabled = false
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	ts := NewTenantState()

	out, err := c.Execute(ts, baseRequest("run_1"))
	require.NoError(t, err)
	assert.False(t, out.CanarySelected)
	assert.Equal(t, "rollout_excluded", out.SkippedReason)
	assert.Equal(t, "v1", out.PrimaryEngine)
	assert.Empty(t, ts.Samples)
}

// S6: forced canary errors summarize into a rollback trigger; the next run
// skips v2 with rollback_active and serves v1.
func TestRollbackLatchActivation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CanaryEnabled = true
	cfg.RolloutBps = 10000
	cfg.RollbackWindow = 5
	cfg.Thresholds = Thresholds{ErrorRate: 0.5, TimeoutRate: 1, LimitedRate: 1, NegativeDeltaRate: 1}
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	ts := NewTenantState()

	r1 := baseRequest("run_1")
	r1.ForceCanaryError = true
	out, err := c.Execute(ts, r1)
	require.NoError(t, err)
	assert.Equal(t, "v1", out.PrimaryEngine)
	assert.Equal(t, "canary_error", out.FallbackReasonCode)
	assert.False(t, ts.LatchActive, "a single sample is below the minimum window")

	r2 := baseRequest("run_2")
	r2.ForceCanaryError = true
	out2, err := c.Execute(ts, r2)
	require.NoError(t, err)
	assert.True(t, out2.RollbackActivated)
	assert.True(t, ts.LatchActive)
	assert.Equal(t, "canary_error_rate", ts.TriggerReasonCode)
	assert.Equal(t, "run_2", ts.RollbackRunID)

	out3, err := c.Execute(ts, baseRequest("run_3"))
	require.NoError(t, err)
	assert.Equal(t, "rollback_active", out3.SkippedReason)
	assert.Equal(t, "v1", out3.PrimaryEngine)
	assert.False(t, out3.V2Attempted)
	// P7: no shadow diff while the latch is active.
	assert.Nil(t, out3.ShadowDiff)
}

func TestRollbackResetRequiresPrimaryEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CanaryEnabled = true
	cfg.RolloutBps = 10000
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	ts := NewTenantState()
	ts.LatchActive = true
	ts.TriggerReasonCode = "canary_error_rate"
	ts.Samples = []Sample{{Error: true}}

	req := baseRequest("run_1")
	req.RollbackReset = true
	out, err := c.Execute(ts, req)
	require.NoError(t, err)
	assert.True(t, ts.LatchActive, "reset without primary_enabled is ignored")
	assert.Equal(t, "rollback_active", out.SkippedReason)

	cfg.PrimaryEnabled = true
	c = New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	out, err = c.Execute(ts, req)
	require.NoError(t, err)
	assert.False(t, ts.LatchActive)
	assert.Empty(t, ts.Samples)
	assert.Equal(t, "v2", out.PrimaryEngine)
}

func TestPrimaryModeFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrimaryEnabled = true
	cfg.ShadowEnabled = false

	t.Run("timeout", func(t *testing.T) {
		res := resultWith([]string{"a|b"}, 0.6)
		res.Stats.CycleEnumerationTimedOut = true
		c := New(cfg, Engines{
			V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
			V2: &fakeEngine{name: "v2", res: res},
		})
		out, err := c.Execute(NewTenantState(), baseRequest("run_1"))
		require.NoError(t, err)
		assert.Equal(t, "v1", out.PrimaryEngine)
		assert.Equal(t, "v2_timeout_safety", out.FallbackReasonCode)
	})

	t.Run("limited", func(t *testing.T) {
		res := resultWith([]string{"a|b"}, 0.6)
		res.Stats.CycleEnumerationLimited = true
		c := New(cfg, Engines{
			V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
			V2: &fakeEngine{name: "v2", res: res},
		})
		out, err := c.Execute(NewTenantState(), baseRequest("run_1"))
		require.NoError(t, err)
		assert.Equal(t, "v2_limited_safety", out.FallbackReasonCode)
	})

	t.Run("error", func(t *testing.T) {
		c := New(cfg, Engines{
			V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
			V2: &fakeEngine{name: "v2", err: errors.New("boom")},
		})
		out, err := c.Execute(NewTenantState(), baseRequest("run_1"))
		require.NoError(t, err)
		assert.Equal(t, "v1", out.PrimaryEngine)
		assert.Equal(t, "v2_error", out.FallbackReasonCode)
	})
}

func TestTSShadowDiffRecorded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TSShadowEnabled = true
	cfg.ShadowEnabled = false
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b", "c|d"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
		TS: &fakeEngine{name: "v2-ts", res: resultWith([]string{"a|b"}, 0.5)},
	})
	ts := NewTenantState()
	out, err := c.Execute(ts, baseRequest("run_1"))
	require.NoError(t, err)

	require.NotNil(t, out.TSShadowDiff)
	assert.Equal(t, "v1", out.TSShadowDiff["baseline_engine"])
	assert.Equal(t, "v2-ts", out.TSShadowDiff["candidate_engine"])
	assert.Len(t, ts.TSShadowDiffs, 1)
}

func TestDiffHistoryPruned(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxShadowDiffs = 2
	c := New(cfg, Engines{
		V1: &fakeEngine{name: "v1", res: resultWith([]string{"a|b"}, 0.5)},
		V2: &fakeEngine{name: "v2", res: resultWith([]string{"a|b"}, 0.6)},
	})
	ts := NewTenantState()
	for i := 0; i < 5; i++ {
		_, err := c.Execute(ts, baseRequest("run_"+string(rune('a'+i))))
		require.NoError(t, err)
	}
	assert.Len(t, ts.ShadowDiffs, 2)
	assert.Equal(t, "run_e", ts.ShadowDiffs[1]["run_id"])
}

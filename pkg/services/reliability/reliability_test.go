package reliability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quantaloop-Labs/keel/core/pkg/attest"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/config"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/state"
)

const testNow = "2025-08-01T12:00:00.000Z"

func testDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	signer := attest.NewEd25519SignerFromSeed(
		[]byte("0123456789abcdef0123456789abcdef"), "test-key")
	d, err := dispatch.New(dispatch.Options{
		Store:      state.NewStore(),
		Config:     &config.Config{},
		Clock:      chrono.FixedClock{ISO: testNow},
		Signer:     signer,
		Operations: Operations(),
	})
	require.NoError(t, err)
	return d
}

func partner(id string) contracts.Actor {
	return contracts.Actor{Type: contracts.ActorPartner, ID: id}
}

func send(t *testing.T, d *dispatch.Dispatcher, op, key string, body map[string]any) map[string]any {
	t.Helper()
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      contracts.OperationID(op),
		Actor:          partner("p1"),
		IdempotencyKey: key,
		Body:           body,
	})
	require.NotContains(t, env, "error", "operation %s", op)
	return env["result"].(map[string]any)["body"].(map[string]any)
}

func seedInputs(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	send(t, d, "reliability.recordMetric", "m1", map[string]any{
		"metric": map[string]any{"name": "export_latency", "slo_target": 0.999, "attainment": 0.95},
	})
	send(t, d, "reliability.recordMetric", "m2", map[string]any{
		"metric": map[string]any{"name": "dispatch_success", "slo_target": 0.999, "attainment": 0.9995},
	})
	send(t, d, "reliability.recordDrill", "d1", map[string]any{
		"drill": map[string]any{"drill_id": "drill_1", "outcome": "fail"},
	})
	send(t, d, "reliability.recordReplayCheck", "r1", map[string]any{
		"replay_check": map[string]any{"check_id": "chk_1", "status": "mismatch"},
	})
	send(t, d, "reliability.recordReplayCheck", "r2", map[string]any{
		"replay_check": map[string]any{"check_id": "chk_2", "status": "ok"},
	})
}

func suggest(t *testing.T, d *dispatch.Dispatcher, key string) map[string]any {
	t.Helper()
	body := send(t, d, "reliability.suggest", key, map[string]any{
		"from_iso": "2025-08-01T00:00:00Z",
		"to_iso":   "2025-08-02T00:00:00Z",
	})
	return body["plan"].(map[string]any)
}

func TestSuggestAggregatesAndRanks(t *testing.T) {
	d := testDispatcher(t)
	seedInputs(t, d)

	plan := suggest(t, d, "s1")
	summary := plan["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["slo_breaches"])
	assert.EqualValues(t, 1, summary["failed_drills"])
	assert.EqualValues(t, 1, summary["replay_mismatches"])

	actions := plan["actions"].([]any)
	require.Len(t, actions, 5)
	// Two actions score 3; the tie breaks alphabetically.
	first := actions[0].(map[string]any)
	second := actions[1].(map[string]any)
	assert.Equal(t, "quarantine_divergent_replays", first["action"])
	assert.Equal(t, "tighten_error_budget_policy", second["action"])
}

func TestSuggestDeterministicPlanID(t *testing.T) {
	d := testDispatcher(t)
	seedInputs(t, d)

	a := suggest(t, d, "s1")
	b := suggest(t, d, "s2")
	assert.Equal(t, a["plan_id"], b["plan_id"])
}

func TestSuggestEmptyWindow(t *testing.T) {
	d := testDispatcher(t)
	seedInputs(t, d)

	body := send(t, d, "reliability.suggest", "s1", map[string]any{
		"from_iso": "2025-09-01T00:00:00Z",
		"to_iso":   "2025-09-02T00:00:00Z",
	})
	plan := body["plan"].(map[string]any)
	assert.Empty(t, plan["actions"])
}

func TestSuggestRejectsBadWindow(t *testing.T) {
	d := testDispatcher(t)
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "reliability.suggest",
		Actor:          partner("p1"),
		IdempotencyKey: "s1",
		Body:           map[string]any{"from_iso": "2025-08-02T00:00:00Z", "to_iso": "2025-08-01T00:00:00Z"},
	})
	assert.Equal(t, "CONSTRAINT_VIOLATION", env["error"].(map[string]any)["code"])
}

func TestPlanVisibilityAndExport(t *testing.T) {
	d := testDispatcher(t)
	seedInputs(t, d)
	plan := suggest(t, d, "s1")
	planID := plan["plan_id"].(string)

	get := func(actor contracts.Actor) map[string]any {
		return d.Dispatch(context.Background(), &contracts.Request{
			Operation: "reliability.getPlan",
			Actor:     actor,
			Params:    map[string]any{"plan_id": planID},
		})
	}
	require.NotContains(t, get(partner("p1")), "error")
	assert.Equal(t, "FORBIDDEN", get(partner("p2"))["error"].(map[string]any)["code"])

	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation: "reliability.export",
		Actor:     partner("p1"),
		Query: map[string]any{
			"from_iso": "2025-08-01T00:00:00Z",
			"to_iso":   "2025-08-02T00:00:00Z",
		},
	})
	require.NotContains(t, env, "error")
	entries := env["body"].(map[string]any)["entries"].([]map[string]any)
	require.Len(t, entries, 1)
	assert.Equal(t, planID, entries[0]["plan_id"])
}

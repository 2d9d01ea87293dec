package marketplace

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
	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
	"github.com/Quantaloop-Labs/keel/core/pkg/rollout"
	"github.com/Quantaloop-Labs/keel/core/pkg/state"
)

const testNow = "2025-06-01T12:00:00.000Z"

func testDispatcher(t *testing.T, m config.MatchingV2) (*dispatch.Dispatcher, *config.Config) {
	t.Helper()
	svc := NewService(rollout.Engines{
		V1: matching.NewReferenceEngine("v1"),
		V2: matching.NewReferenceEngine("v2"),
		TS: matching.NewReferenceEngine("v2-ts"),
	})
	cfg := &config.Config{Matching: m}
	d, err := dispatch.New(dispatch.Options{
		Store:  state.NewStore(),
		Config: cfg,
		Clock:  chrono.FixedClock{ISO: testNow},
		Signer: attest.NewEd25519SignerFromSeed(
			[]byte("0123456789abcdef0123456789abcdef"), "test-key"),
		Operations: svc.Operations(),
	})
	require.NoError(t, err)
	return d, cfg
}

func user(id string) contracts.Actor {
	return contracts.Actor{Type: contracts.ActorUser, ID: id}
}

func submit(t *testing.T, d *dispatch.Dispatcher, intentID, give, want string) {
	t.Helper()
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.submitIntent",
		Actor:          user("u_" + intentID),
		IdempotencyKey: "submit_" + intentID,
		Body: map[string]any{
			"intent": map[string]any{
				"intent_id":  intentID,
				"give_asset": give,
				"want_asset": want,
			},
		},
	})
	require.NotContains(t, env, "error")
}

func run(t *testing.T, d *dispatch.Dispatcher, key string, body map[string]any) map[string]any {
	t.Helper()
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.runMatching",
		Actor:          user("u1"),
		IdempotencyKey: key,
		Body:           body,
	})
	require.NotContains(t, env, "error")
	return env["result"].(map[string]any)["body"].(map[string]any)
}

func proposalIDs(t *testing.T, d *dispatch.Dispatcher) []string {
	t.Helper()
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation: "marketplace.listProposals",
		Actor:     user("u1"),
	})
	require.NotContains(t, env, "error")
	docs := env["body"].(map[string]any)["proposals"].([]map[string]any)
	ids := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc["proposal_id"].(string)
	}
	return ids
}

func TestRunRequiresAssetValues(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{})
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.runMatching",
		Actor:          user("u1"),
		IdempotencyKey: "k1",
		Body:           map[string]any{},
	})
	errObj := env["error"].(map[string]any)
	assert.Equal(t, contracts.ReasonAssetValuesMissing,
		errObj["details"].(map[string]any)["reason_code"])
}

func TestRunMatchesTwoCycle(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{})
	submit(t, d, "i1", "A", "B")
	submit(t, d, "i2", "B", "A")

	body := run(t, d, "k1", map[string]any{
		"asset_values": map[string]any{"A": 100.0, "B": 50.0},
	})
	assert.Equal(t, "v1", body["primary_engine"])

	proposals := body["proposals"].([]any)
	require.Len(t, proposals, 1)
	doc := proposals[0].(map[string]any)
	assert.Equal(t, 150.0, doc["value_usd"])
	assert.ElementsMatch(t, []any{"i1", "i2"}, doc["intent_ids"].([]any))
}

func TestAssetValueMergeIsRightBiased(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{})

	// Stored value, then an intent-carried value, then the request value.
	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.setAssetValue",
		Actor:          user("u1"),
		IdempotencyKey: "sv1",
		Body:           map[string]any{"asset_id": "A", "value_usd": 10.0},
	})
	require.NotContains(t, env, "error")

	env = d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.submitIntent",
		Actor:          user("u1"),
		IdempotencyKey: "submit_i1",
		Body: map[string]any{
			"intent": map[string]any{
				"intent_id": "i1", "give_asset": "A", "want_asset": "B",
				"give_value_usd": 20.0,
			},
		},
	})
	require.NotContains(t, env, "error")
	submit(t, d, "i2", "B", "A")

	body := run(t, d, "k1", map[string]any{
		"asset_values": map[string]any{"A": 30.0, "B": 30.0},
	})
	proposals := body["proposals"].([]any)
	require.Len(t, proposals, 1)
	assert.Equal(t, 60.0, proposals[0].(map[string]any)["value_usd"])

	// Without a request override, the intent-carried value wins over the
	// stored one.
	body = run(t, d, "k2", map[string]any{
		"asset_values":     map[string]any{"B": 30.0},
		"replace_existing": true,
	})
	proposals = body["proposals"].([]any)
	require.Len(t, proposals, 1)
	assert.Equal(t, 50.0, proposals[0].(map[string]any)["value_usd"])
}

func TestProposalExpiryRespectsHolds(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{})
	submit(t, d, "i1", "A", "B")
	submit(t, d, "i2", "B", "A")
	submit(t, d, "i3", "C", "D")
	submit(t, d, "i4", "D", "C")

	values := map[string]any{"A": 10.0, "B": 10.0, "C": 10.0, "D": 10.0}
	body := run(t, d, "k1", map[string]any{
		"asset_values":        values,
		"proposal_expires_at": "2025-05-01T00:00:00.000Z",
	})
	first := body["proposals"].([]any)
	require.Len(t, first, 2)
	heldID := first[0].(map[string]any)["proposal_id"].(string)
	staleID := first[1].(map[string]any)["proposal_id"].(string)

	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.holdProposal",
		Actor:          user("u1"),
		IdempotencyKey: "h1",
		Body:           map[string]any{"proposal_id": heldID, "commit_id": "commit_1"},
	})
	require.NotContains(t, env, "error")

	body = run(t, d, "k2", map[string]any{"asset_values": values})
	require.Len(t, body["proposals"].([]any), 2)

	ids := proposalIDs(t, d)
	assert.Contains(t, ids, heldID)
	assert.NotContains(t, ids, staleID)
	assert.Len(t, ids, 3)
}

func TestReplaceExistingKeepsHeldProposals(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{})
	submit(t, d, "i1", "A", "B")
	submit(t, d, "i2", "B", "A")
	submit(t, d, "i3", "C", "D")
	submit(t, d, "i4", "D", "C")

	values := map[string]any{"A": 10.0, "B": 10.0, "C": 10.0, "D": 10.0}
	body := run(t, d, "k1", map[string]any{"asset_values": values})
	first := body["proposals"].([]any)
	require.Len(t, first, 2)
	heldID := first[1].(map[string]any)["proposal_id"].(string)

	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation:      "marketplace.holdProposal",
		Actor:          user("u1"),
		IdempotencyKey: "h1",
		Body:           map[string]any{"proposal_id": heldID, "commit_id": "commit_1"},
	})
	require.NotContains(t, env, "error")

	run(t, d, "k2", map[string]any{
		"asset_values":     values,
		"replace_existing": true,
	})

	ids := proposalIDs(t, d)
	assert.Contains(t, ids, heldID)
	assert.Len(t, ids, 3)
}

func TestCanaryErrorsLatchRollback(t *testing.T) {
	d, _ := testDispatcher(t, config.MatchingV2{
		ShadowEnabled: true,
		CanaryEnabled: true,
		RolloutBps:    10000,
	})
	submit(t, d, "i1", "A", "B")
	submit(t, d, "i2", "B", "A")
	values := map[string]any{"A": 10.0, "B": 10.0}

	body := run(t, d, "k1", map[string]any{
		"asset_values": values, "force_canary_error": true,
	})
	assert.Equal(t, true, body["canary_selected"])
	assert.Equal(t, "canary_error", body["fallback_reason_code"])
	assert.Equal(t, "v1", body["primary_engine"])
	assert.Equal(t, false, body["rollback_activated"])

	body = run(t, d, "k2", map[string]any{
		"asset_values": values, "force_canary_error": true,
	})
	assert.Equal(t, true, body["rollback_activated"])
	assert.Equal(t, true, body["latch_active"])

	// The latch holds: no v2 traffic, no shadow, primary stays v1.
	body = run(t, d, "k3", map[string]any{"asset_values": values})
	assert.Equal(t, "rollback_active", body["skipped_reason"])
	assert.Equal(t, "v1", body["primary_engine"])
	assert.Equal(t, true, body["latch_active"])
	assert.NotEmpty(t, body["trigger_reason_code"])

	export := func(query map[string]any) []map[string]any {
		query["from_iso"] = "2025-06-01T00:00:00Z"
		query["to_iso"] = "2025-06-02T00:00:00Z"
		env := d.Dispatch(context.Background(), &contracts.Request{
			Operation: "marketplace.export",
			Actor:     user("u1"),
			Query:     query,
		})
		require.NotContains(t, env, "error")
		return env["body"].(map[string]any)["entries"].([]map[string]any)
	}

	assert.Len(t, export(map[string]any{"record_type": "canary_decision"}), 2)
	assert.Empty(t, export(map[string]any{"record_type": "shadow_diff"}))
	assert.Len(t, export(map[string]any{"record_type": "run"}), 3)
}

func TestRollbackResetClearsLatch(t *testing.T) {
	d, cfg := testDispatcher(t, config.MatchingV2{
		CanaryEnabled: true,
		RolloutBps:    10000,
	})
	submit(t, d, "i1", "A", "B")
	submit(t, d, "i2", "B", "A")
	values := map[string]any{"A": 10.0, "B": 10.0}

	run(t, d, "k1", map[string]any{"asset_values": values, "force_canary_error": true})
	body := run(t, d, "k2", map[string]any{"asset_values": values, "force_canary_error": true})
	require.Equal(t, true, body["latch_active"])

	// Reset is honored only once the operator promotes v2 to primary.
	cfg.Matching.PrimaryEnabled = true
	body = run(t, d, "k3", map[string]any{"asset_values": values, "rollback_reset": true})
	assert.Equal(t, false, body["latch_active"])
	assert.Equal(t, "v2", body["primary_engine"])
}

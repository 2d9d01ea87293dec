package inclusionproof

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quantaloop-Labs/keel/core/pkg/attest"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/config"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/transparency"
	"github.com/Quantaloop-Labs/keel/core/pkg/state"
)

const testNow = "2025-06-01T08:00:00.000Z"

func newSigner() *attest.Ed25519Signer {
	return attest.NewEd25519SignerFromSeed(
		[]byte("0123456789abcdef0123456789abcdef"), "test-key")
}

func testDispatcher(t *testing.T) (*dispatch.Dispatcher, *attest.Ed25519Signer) {
	t.Helper()
	signer := newSigner()
	ops := append(Operations(), transparency.Operations()...)
	d, err := dispatch.New(dispatch.Options{
		Store:      state.NewStore(),
		Config:     &config.Config{},
		Clock:      chrono.FixedClock{ISO: testNow},
		Signer:     signer,
		Operations: ops,
	})
	require.NoError(t, err)
	return d, signer
}

func partner(id string) contracts.Actor {
	return contracts.Actor{Type: contracts.ActorPartner, ID: id}
}

func dispatchWrite(t *testing.T, d *dispatch.Dispatcher, op, key string, body map[string]any) map[string]any {
	t.Helper()
	return d.Dispatch(context.Background(), &contracts.Request{
		Operation:      contracts.OperationID(op),
		Actor:          partner("p1"),
		IdempotencyKey: key,
		Body:           body,
	})
}

func signedReceipt(t *testing.T, signer *attest.Ed25519Signer, receiptID string) map[string]any {
	t.Helper()
	payload := map[string]any{"receipt_id": receiptID, "amount_usd": 42.5}
	data, err := canonical.Marshal(payload)
	require.NoError(t, err)
	return map[string]any{
		"receipt_id": receiptID,
		"payload":    payload,
		"signature":  signer.Sign(data),
	}
}

// setupArtifacts records a snapshot and a publication referencing rcp_1.
func setupArtifacts(t *testing.T, d *dispatch.Dispatcher) {
	t.Helper()
	env := dispatchWrite(t, d, "custody.recordSnapshot", "snap1", map[string]any{
		"snapshot": map[string]any{
			"snapshot_id": "cs_1",
			"holdings": map[string]any{
				"steam:item_1": map[string]any{"quantity": 1},
				"steam:item_2": map[string]any{"quantity": 3},
			},
		},
	})
	require.NotContains(t, env, "error")

	env = dispatchWrite(t, d, "transparency.record", "pub1", map[string]any{
		"publication": map[string]any{
			"publication_id":     "pub_1",
			"root_hash":          "aaa1",
			"previous_root_hash": "",
			"artifact_refs":      []any{"receipt:rcp_1", "custody_snapshot:cs_1"},
		},
	})
	require.NotContains(t, env, "error")
}

func linkageBody(t *testing.T, signer *attest.Ed25519Signer, linkageID, receiptID string) map[string]any {
	t.Helper()
	return map[string]any{
		"linkage": map[string]any{
			"linkage_id":                  linkageID,
			"receipt":                     signedReceipt(t, signer, receiptID),
			"custody_snapshot_id":         "cs_1",
			"holding_id":                  "steam:item_1",
			"transparency_publication_id": "pub_1",
		},
	}
}

func TestRecordLinkage(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)

	env := dispatchWrite(t, d, "inclusionProof.record", "l1", linkageBody(t, signer, "lnk_1", "rcp_1"))
	require.NotContains(t, env, "error")
	linkage := env["result"].(map[string]any)["body"].(map[string]any)["linkage"].(map[string]any)
	assert.Equal(t, "", linkage["previous_linkage_hash"])
	assert.NotEmpty(t, linkage["linkage_hash"])
	assert.NotEmpty(t, linkage["inclusion_proof"])
}

func TestLinkageHashChains(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)

	// A second publication referencing rcp_2 so the second linkage passes.
	env := dispatchWrite(t, d, "transparency.record", "pub2", map[string]any{
		"publication": map[string]any{
			"publication_id":     "pub_2",
			"root_hash":          "bbb2",
			"previous_root_hash": "aaa1",
			"artifact_refs":      []any{"receipt:rcp_2", "custody_snapshot:cs_1"},
		},
	})
	require.NotContains(t, env, "error")

	env = dispatchWrite(t, d, "inclusionProof.record", "l1", linkageBody(t, signer, "lnk_1", "rcp_1"))
	require.NotContains(t, env, "error")
	first := env["result"].(map[string]any)["body"].(map[string]any)["linkage"].(map[string]any)

	second := linkageBody(t, signer, "lnk_2", "rcp_2")
	second["linkage"].(map[string]any)["transparency_publication_id"] = "pub_2"
	env = dispatchWrite(t, d, "inclusionProof.record", "l2", second)
	require.NotContains(t, env, "error")
	linkage := env["result"].(map[string]any)["body"].(map[string]any)["linkage"].(map[string]any)

	assert.Equal(t, first["linkage_hash"], linkage["previous_linkage_hash"])
	assert.NotEqual(t, first["linkage_hash"], linkage["linkage_hash"])
}

func TestRejectsBadReceiptSignature(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)

	body := linkageBody(t, signer, "lnk_1", "rcp_1")
	receipt := body["linkage"].(map[string]any)["receipt"].(map[string]any)
	receipt["payload"].(map[string]any)["amount_usd"] = 99.0

	env := dispatchWrite(t, d, "inclusionProof.record", "l1", body)
	errObj := env["error"].(map[string]any)
	assert.Equal(t, contracts.ReasonReceiptSignatureInvalid,
		errObj["details"].(map[string]any)["reason_code"])
}

func TestRejectsUnknownHolding(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)

	body := linkageBody(t, signer, "lnk_1", "rcp_1")
	body["linkage"].(map[string]any)["holding_id"] = "steam:missing"
	env := dispatchWrite(t, d, "inclusionProof.record", "l1", body)
	assert.Equal(t, "NOT_FOUND", env["error"].(map[string]any)["code"])
}

func TestRejectsMissingArtifactRef(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)

	// rcp_2 is not referenced by pub_1.
	env := dispatchWrite(t, d, "inclusionProof.record", "l1", linkageBody(t, signer, "lnk_1", "rcp_2"))
	errObj := env["error"].(map[string]any)
	assert.Equal(t, contracts.ReasonArtifactRefMissing,
		errObj["details"].(map[string]any)["reason_code"])
}

func TestExportLinkages(t *testing.T) {
	d, signer := testDispatcher(t)
	setupArtifacts(t, d)
	dispatchWrite(t, d, "inclusionProof.record", "l1", linkageBody(t, signer, "lnk_1", "rcp_1"))

	env := d.Dispatch(context.Background(), &contracts.Request{
		Operation: "inclusionProof.export",
		Actor:     partner("p1"),
		Query: map[string]any{
			"from_iso":   "2025-06-01T00:00:00Z",
			"to_iso":     "2025-06-02T00:00:00Z",
			"receipt_id": "rcp_1",
		},
	})
	require.NotContains(t, env, "error")
	body := env["body"].(map[string]any)
	linkages := body["linkages"].([]map[string]any)
	require.Len(t, linkages, 1)
	assert.Equal(t, "lnk_1", linkages[0]["linkage_id"])
	assert.NotNil(t, body["attestation"])
}

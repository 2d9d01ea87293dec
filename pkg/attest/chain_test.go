package attest

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
)

func testSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, []byte("keel-attest-test-seed"))
	return NewEd25519SignerFromSeed(seed, "key_test")
}

func entries(n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"i": i}
	}
	return out
}

func TestChainHashFold(t *testing.T) {
	es := entries(2)
	got, err := ChainHash(nil, es)
	require.NoError(t, err)

	h0 := canonical.MustHash(es[0])
	h1 := canonical.MustHash(es[1])
	want := canonical.HashStrings(canonical.HashStrings("", h0), h1)
	assert.Equal(t, want, got)
}

func TestChainHashContinuation(t *testing.T) {
	es := entries(4)
	whole, err := ChainHash(nil, es)
	require.NoError(t, err)

	first, err := ChainHash(nil, es[:2])
	require.NoError(t, err)
	second, err := ChainHash(&first, es[2:])
	require.NoError(t, err)
	assert.Equal(t, whole, second)
}

func TestAttestDeterministic(t *testing.T) {
	s := testSigner(t)
	es := entries(3)

	a1, err := Attest(s, nil, es)
	require.NoError(t, err)
	a2, err := Attest(s, nil, es)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, "key_test", a1.KeyID)
	assert.Nil(t, a1.PreviousChainHash)
}

func TestVerifyPage(t *testing.T) {
	s := testSigner(t)
	es := entries(3)
	att, err := Attest(s, nil, es)
	require.NoError(t, err)

	ok, err := VerifyPage(s, att, es)
	require.NoError(t, err)
	assert.True(t, ok)

	// Reordering entries breaks the fold.
	swapped := []map[string]any{es[1], es[0], es[2]}
	ok, err = VerifyPage(s, att, swapped)
	require.NoError(t, err)
	assert.False(t, ok)

	// A forged signature fails even when the chain matches.
	att.Signature = att.Signature[:len(att.Signature)-2] + "00"
	ok, err = VerifyPage(s, att, es)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMintCheckpoint(t *testing.T) {
	ctx := map[string]any{"limit": 2, "kind": "signals"}
	cp, err := MintCheckpoint("chainhash", "cursor-x", ctx, "2025-01-01T00:00:00.000Z")
	require.NoError(t, err)

	fp, err := ContextFingerprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, fp, cp.QueryContextFingerprint)
	assert.Equal(t, canonical.HashStrings("chainhash", "cursor-x", fp), cp.CheckpointHash)
	assert.Equal(t, "cursor-x", cp.NextCursor)
}

func TestContextFingerprintPureFunctionOfQuery(t *testing.T) {
	a, err := ContextFingerprint(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := ContextFingerprint(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// Property: removing or reordering any entry changes the chain hash.
func TestChainSensitivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("dropping the last entry changes the chain", prop.ForAll(
		func(vals []string) bool {
			if len(vals) == 0 {
				return true
			}
			es := make([]map[string]any, len(vals))
			for i, v := range vals {
				es[i] = map[string]any{"v": v, "i": i}
			}
			full, err1 := ChainHash(nil, es)
			trunc, err2 := ChainHash(nil, es[:len(es)-1])
			if err1 != nil || err2 != nil {
				return false
			}
			return full != trunc
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

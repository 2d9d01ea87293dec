package merkle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func holdings() map[string]any {
	return map[string]any{
		"steam:item_1": map[string]any{"quantity": 2, "valuation": 10.5},
		"steam:item_2": map[string]any{"quantity": 1, "valuation": 99.0},
		"steam:item_3": map[string]any{"quantity": 7, "valuation": 0.25},
	}
}

func TestBuildDeterministic(t *testing.T) {
	a, err := Build(holdings())
	require.NoError(t, err)
	b, err := Build(holdings())
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)
	assert.Len(t, a.Leaves, 3)
	assert.NotEmpty(t, a.Root)
}

func TestOddLeafDuplication(t *testing.T) {
	// Three leaves: the last leaf pairs with itself one level up.
	tree, err := Build(holdings())
	require.NoError(t, err)

	last := tree.Leaves[2].LeafHash
	n1 := nodeHash(tree.Leaves[0].LeafHash, tree.Leaves[1].LeafHash)
	n2 := nodeHash(last, last)
	assert.Equal(t, nodeHash(n1, n2), tree.Root)
}

func TestProveAndVerify(t *testing.T) {
	tree, err := Build(holdings())
	require.NoError(t, err)

	for path := range holdings() {
		proof, err := tree.Prove(path)
		require.NoError(t, err)
		assert.True(t, Verify(proof, tree.Root), "path %s", path)
	}

	_, err = tree.Prove("steam:missing")
	assert.Error(t, err)
}

func TestVerifyRejectsTampering(t *testing.T) {
	tree, err := Build(holdings())
	require.NoError(t, err)
	proof, err := tree.Prove("steam:item_1")
	require.NoError(t, err)

	bad := *proof
	bad.LeafHash = tree.Leaves[1].LeafHash
	assert.False(t, Verify(&bad, tree.Root))

	assert.False(t, Verify(proof, "deadbeef"))

	bad = *proof
	bad.ProofPath = bad.ProofPath[:len(bad.ProofPath)-1]
	assert.False(t, Verify(&bad, tree.Root))
}

func TestEmptyTree(t *testing.T) {
	tree, err := Build(map[string]any{})
	require.NoError(t, err)
	assert.Empty(t, tree.Root)
	assert.Empty(t, tree.Leaves)
}

func TestLeafValueChangesRoot(t *testing.T) {
	a, err := Build(holdings())
	require.NoError(t, err)

	data := holdings()
	data["steam:item_2"] = map[string]any{"quantity": 1, "valuation": 98.0}
	b, err := Build(data)
	require.NoError(t, err)
	assert.NotEqual(t, a.Root, b.Root)
}

package merkle

import "fmt"

// InclusionProof is the audit path from one leaf to the root.
type InclusionProof struct {
	LeafPath   string      `json:"leaf_path"`
	LeafHash   string      `json:"leaf_hash"`
	MerkleRoot string      `json:"merkle_root"`
	ProofPath  []ProofStep `json:"proof_path"`
}

// ProofStep names the sibling and which side it sits on.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Prove generates the inclusion proof for path.
func (t *Tree) Prove(path string) (*InclusionProof, error) {
	idx := -1
	for i, l := range t.Leaves {
		if l.Path == path {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("merkle: path %q is not a leaf", path)
	}

	proof := &InclusionProof{
		LeafPath:   path,
		LeafHash:   t.Leaves[idx].LeafHash,
		MerkleRoot: t.Root,
	}
	for _, row := range t.levels[:len(t.levels)-1] {
		sibling := idx ^ 1
		if sibling >= len(row) {
			// Odd row: the last node pairs with its duplicate.
			sibling = idx
		}
		side := "R"
		if sibling < idx {
			side = "L"
		}
		proof.ProofPath = append(proof.ProofPath, ProofStep{
			Side:        side,
			SiblingHash: row[sibling],
		})
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from the proof's audit path. A non-empty
// expectedRoot must additionally match the proof's own root claim.
func Verify(proof *InclusionProof, expectedRoot string) bool {
	if proof == nil {
		return false
	}
	if expectedRoot != "" && proof.MerkleRoot != expectedRoot {
		return false
	}
	current := proof.LeafHash
	for _, step := range proof.ProofPath {
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return current == proof.MerkleRoot
}

// Package merkle builds the custody snapshot tree and its inclusion proofs.
// Leaves are (path, canonical value) pairs; odd levels duplicate their last
// node. Leaf and node hashes carry distinct domain prefixes so a node hash
// can never be replayed as a leaf.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
)

const (
	leafPrefix = "keel:custody:leaf:v1"
	nodePrefix = "keel:custody:node:v1"
)

type Leaf struct {
	Path     string `json:"path"`
	LeafHash string `json:"leaf_hash"`
}

type Tree struct {
	Leaves []Leaf
	Root   string
	// levels[0] is the leaf hash row; the last level is [root].
	levels [][]string
}

// Build constructs the tree over a path-keyed value map. Paths are sorted
// lexicographically before hashing so the root is order-independent.
func Build(data map[string]any) (*Tree, error) {
	paths := make([]string, 0, len(data))
	for p := range data {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	leaves := make([]Leaf, len(paths))
	row := make([]string, len(paths))
	for i, path := range paths {
		canon, err := canonical.Marshal(data[path])
		if err != nil {
			return nil, fmt.Errorf("merkle: leaf %q: %w", path, err)
		}
		h := leafHash(path, canon)
		leaves[i] = Leaf{Path: path, LeafHash: h}
		row[i] = h
	}

	t := &Tree{Leaves: leaves}
	if len(row) == 0 {
		return t, nil
	}
	t.levels = append(t.levels, row)
	for len(row) > 1 {
		row = nextLevel(row)
		t.levels = append(t.levels, row)
	}
	t.Root = row[0]
	return t, nil
}

func nextLevel(row []string) []string {
	if len(row)%2 != 0 {
		row = append(row, row[len(row)-1])
	}
	next := make([]string, len(row)/2)
	for i := 0; i < len(row); i += 2 {
		next[i/2] = nodeHash(row[i], row[i+1])
	}
	return next
}

func leafHash(path string, canonicalValue []byte) string {
	var buf bytes.Buffer
	buf.WriteString(leafPrefix)
	buf.WriteByte(0)
	buf.WriteString(path)
	buf.WriteByte(0)
	buf.Write(canonicalValue)
	return sha256Hex(buf.Bytes())
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodePrefix)
	buf.WriteByte(0)
	buf.Write(hexBytes(left))
	buf.Write(hexBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}

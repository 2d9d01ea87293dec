package chrono

import (
	"fmt"

	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
)

// MintID renders a counter-minted identifier: <prefix>_<zero-padded counter>.
// Counters live on the state object and advance under the single writer.
func MintID(prefix string, counter uint64) string {
	return fmt.Sprintf("%s_%06d", prefix, counter)
}

// DeterministicID derives a stable identifier from canonical input:
// <prefix>_<first 16 hex of SHA-256(canonical(input))>.
func DeterministicID(prefix string, input any) (string, error) {
	h, err := canonical.Hash(input)
	if err != nil {
		return "", fmt.Errorf("chrono: deterministic id: %w", err)
	}
	return fmt.Sprintf("%s_%s", prefix, h[:16]), nil
}

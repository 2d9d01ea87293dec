package attest

import (
	"fmt"

	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// ChainHash folds the page entries into the rolling chain:
//
//	chain_i = H(chain_{i-1} ∥ H(canonical(entry_i)))
//
// prev is nil for the first page of a stream; the fold then starts from the
// empty string. An empty page hashes the start value alone so continuation
// stays well-defined.
func ChainHash(prev *string, entries []map[string]any) (string, error) {
	chain := ""
	if prev != nil {
		chain = *prev
	}
	if len(entries) == 0 {
		return canonical.HashStrings(chain), nil
	}
	for i, e := range entries {
		eh, err := canonical.Hash(e)
		if err != nil {
			return "", fmt.Errorf("attest: entry %d not canonically encodable: %w", i, err)
		}
		chain = canonical.HashStrings(chain, eh)
	}
	return chain, nil
}

// Attest signs a page: the chain hash is computed over the entries and the
// signature covers the chain hash bytes. Identical pages with an identical
// previous chain hash yield identical attestations.
func Attest(signer Signer, prev *string, entries []map[string]any) (*contracts.Attestation, error) {
	chain, err := ChainHash(prev, entries)
	if err != nil {
		return nil, err
	}
	return &contracts.Attestation{
		ChainHash:         chain,
		PreviousChainHash: prev,
		KeyID:             signer.KeyID(),
		Signature:         signer.Sign([]byte(chain)),
	}, nil
}

// VerifyPage recomputes the chain over entries and checks both the fold and
// the signature.
func VerifyPage(signer Signer, att *contracts.Attestation, entries []map[string]any) (bool, error) {
	chain, err := ChainHash(att.PreviousChainHash, entries)
	if err != nil {
		return false, err
	}
	if chain != att.ChainHash {
		return false, nil
	}
	return signer.Verify([]byte(chain), att.Signature), nil
}

// ContextFingerprint derives the stable fingerprint of a canonicalized query
// context. It is a pure function of the query.
func ContextFingerprint(queryContext map[string]any) (string, error) {
	fp, err := canonical.Hash(queryContext)
	if err != nil {
		return "", fmt.Errorf("attest: query context not canonically encodable: %w", err)
	}
	return fp, nil
}

// MintCheckpoint binds a page's attestation to its continuation cursor:
//
//	checkpoint_hash = H(attestation_chain_hash ∥ next_cursor ∥ context_fingerprint)
func MintCheckpoint(chainHash, nextCursor string, queryContext map[string]any, exportedAt string) (*contracts.Checkpoint, error) {
	fp, err := ContextFingerprint(queryContext)
	if err != nil {
		return nil, err
	}
	return &contracts.Checkpoint{
		CheckpointHash:          canonical.HashStrings(chainHash, nextCursor, fp),
		NextCursor:              nextCursor,
		AttestationChainHash:    chainHash,
		QueryContext:            queryContext,
		QueryContextFingerprint: fp,
		ExportedAt:              exportedAt,
	}, nil
}

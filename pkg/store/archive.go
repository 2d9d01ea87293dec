// Package store persists signed export pages outside the in-memory state
// object. The archive is write-once per (tenant, contract, seq); re-saving
// the same page is a no-op so export replays stay idempotent.
package store

import (
	"context"
	"errors"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// ErrNotFound is returned when no page matches the lookup.
var ErrNotFound = errors.New("store: page not found")

// Page is one archived export page with its attestation fields flattened
// for querying.
type Page struct {
	Tenant        string           `json:"tenant"`
	Contract      string           `json:"contract"`
	Seq           int64            `json:"seq"`
	ExportedAt    string           `json:"exported_at"`
	ChainHash     string           `json:"chain_hash"`
	PrevChainHash *string          `json:"prev_chain_hash"`
	KeyID         string           `json:"key_id"`
	Signature     string           `json:"signature"`
	NextCursor    *string          `json:"next_cursor"`
	Entries       []map[string]any `json:"entries"`
}

// Archive is the durable sink for signed export pages.
type Archive interface {
	SavePage(ctx context.Context, p Page) error
	GetPage(ctx context.Context, tenant, contract string, seq int64) (*Page, error)
	// ListPages returns pages for one (tenant, contract) stream in ascending
	// sequence order, at most limit of them.
	ListPages(ctx context.Context, tenant, contract string, limit int) ([]*Page, error)
	// LastChainHash returns the chain hash of the highest-sequence page, or
	// "" when the stream is empty.
	LastChainHash(ctx context.Context, tenant, contract string) (string, error)
}

// PageFromEnvelope flattens a signed export envelope into an archive page.
// The envelope must carry an attestation.
func PageFromEnvelope(tenant, contract string, seq int64, env *contracts.ExportEnvelope) (Page, error) {
	if env == nil || env.Attestation == nil {
		return Page{}, errors.New("store: envelope is missing its attestation")
	}
	return Page{
		Tenant:        tenant,
		Contract:      contract,
		Seq:           seq,
		ExportedAt:    env.ExportedAt,
		ChainHash:     env.Attestation.ChainHash,
		PrevChainHash: env.Attestation.PreviousChainHash,
		KeyID:         env.Attestation.KeyID,
		Signature:     env.Attestation.Signature,
		NextCursor:    env.NextCursor,
		Entries:       env.Entries,
	}, nil
}

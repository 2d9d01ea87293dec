// Package idempotency implements the per-scope write registry. A scope is
// (actor, operation, optional subscope, idempotency key); within a scope the
// payload hash is frozen on first success and every later call either replays
// the stored result or fails with a payload mismatch.
package idempotency

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// Record freezes the outcome of the first successful call in a scope.
// FrozenResult is a generic JSON value produced by a canonical round trip, so
// replays can never leak references to live state.
type Record struct {
	ScopeKey     string         `json:"scope_key"`
	PayloadHash  string         `json:"payload_hash"`
	FrozenResult map[string]any `json:"frozen_result"`
}

// ScopeKey derives the registry key:
// H(actor.type ∥ actor.id ∥ operation [∥ subscope] ∥ idempotency_key) over
// canonical JSON, so key derivation is byte-stable across implementations.
func ScopeKey(actor contracts.Actor, op contracts.OperationID, subscope, key string) string {
	parts := []any{string(actor.Type), actor.ID, string(op)}
	if subscope != "" {
		parts = append(parts, subscope)
	}
	parts = append(parts, key)
	return canonical.MustHash(parts)
}

// Registry is the scope map. It lives on the state object and is only touched
// under the single writer.
type Registry map[string]*Record

// Outcome of an Execute call.
type Outcome struct {
	Replayed bool
	Result   map[string]any
}

// Execute runs fn under the scope's idempotency contract:
//
//	no prior record            → run fn; on success freeze {hash, result}
//	prior record, equal hash   → return frozen result, replayed
//	prior record, other hash   → IDEMPOTENCY_KEY_REUSE_PAYLOAD_MISMATCH
//
// fn is never invoked on a replay or a mismatch. A failed fn leaves the
// registry untouched.
func (r Registry) Execute(scopeKey, payloadHash string, fn func() (map[string]any, *contracts.Error)) (*Outcome, *contracts.Error) {
	if prior, ok := r[scopeKey]; ok {
		if prior.PayloadHash != payloadHash {
			return nil, contracts.NewError(contracts.CodeIdempotencyMismatch,
				"idempotency key reused with a different payload").
				WithDetail("expected_payload_hash", prior.PayloadHash).
				WithDetail("received_payload_hash", payloadHash)
		}
		frozen := canonical.Clone(prior.FrozenResult).(map[string]any)
		return &Outcome{Replayed: true, Result: frozen}, nil
	}

	result, cerr := fn()
	if cerr != nil {
		return nil, cerr
	}

	frozen, err := canonical.ToMap(result)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"result is not canonically encodable: %v", err)
	}
	r[scopeKey] = &Record{
		ScopeKey:     scopeKey,
		PayloadHash:  payloadHash,
		FrozenResult: frozen,
	}
	return &Outcome{Replayed: false, Result: canonical.Clone(frozen).(map[string]any)}, nil
}

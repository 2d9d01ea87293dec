// Package export implements the uniform contract behind every `*.export`
// operation: filter → stable sort → cursor slice → page → attest →
// checkpoint → persist. All services share this engine; only the entry
// stream and the recognized filter keys differ.
package export

import (
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/attest"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// Item is one exportable entry. Cursor is the entry's stable cursor form
// (commonly "recorded_at|entry_id"); it must be collision-free within the
// tenant's stream.
type Item struct {
	Cursor     string
	ID         string
	RecordedAt string
	Entry      map[string]any
}

// CursorFor renders the common "recorded_at|entry_id" cursor form.
func CursorFor(recordedAt, id string) string {
	return recordedAt + "|" + id
}

// Params configures one export run.
type Params struct {
	Tenant   string
	Contract string
	// Query is the caller's raw query object. The engine owns the window,
	// paging, and continuation keys; services append their domain filter
	// keys to AllowedKeys and pre-filter Items by them.
	Query       map[string]any
	AllowedKeys []string
	Items       []Item

	DefaultLimit            int
	RetentionDays           int
	CheckpointRetentionDays int
	// EnforceCheckpoint makes checkpoint_after part of the continuation
	// contract (process-wide flag).
	EnforceCheckpoint bool

	Signer       attest.Signer
	ExportedAt   string
	EntriesField string
}

// engineKeys are the query keys every export recognizes.
var engineKeys = []string{
	"from_iso", "to_iso", "limit",
	"cursor_after", "attestation_after", "checkpoint_after",
	"now_iso", "exported_at_iso",
}

// anchor keys never contribute to the query context fingerprint: the
// fingerprint must be identical across every page of one logical export.
var anchorKeys = map[string]bool{
	"cursor_after":      true,
	"attestation_after": true,
	"checkpoint_after":  true,
	"now_iso":           true,
	"exported_at_iso":   true,
}

// Run executes the export against the tenant's checkpoint map. The map is
// mutated (checkpoint persisted, expired checkpoints pruned); the caller
// holds the write lock.
func Run(checkpoints map[string]contracts.Checkpoint, p Params) (*contracts.ExportEnvelope, *contracts.Error) {
	if cerr := validateKeys(p); cerr != nil {
		return nil, cerr
	}

	limit := p.DefaultLimit
	if limit <= 0 {
		limit = 50
	}
	if raw, ok := p.Query["limit"]; ok {
		n, ok := asInt(raw)
		if !ok || n <= 0 {
			return nil, contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
				"limit must be a positive integer")
		}
		limit = n
	}

	fromMS, toMS, cerr := parseWindow(p.Query)
	if cerr != nil {
		return nil, cerr
	}

	cutoffMS := int64(-1)
	if p.RetentionDays > 0 {
		exportedAt, err := chrono.Parse(p.ExportedAt)
		if err != nil {
			return nil, contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
				"exported_at %q is not a valid timestamp", p.ExportedAt)
		}
		cutoffMS = exportedAt.AddDate(0, 0, -p.RetentionDays).UnixMilli()
	}

	// Filter, disqualify unparseable timestamps, stable sort by
	// (recorded_at ms, id).
	type keyed struct {
		ms   int64
		item Item
	}
	filtered := make([]keyed, 0, len(p.Items))
	for _, it := range p.Items {
		ms, ok := chrono.EpochMS(it.RecordedAt)
		if !ok {
			continue
		}
		if cutoffMS >= 0 && ms < cutoffMS {
			continue
		}
		if fromMS != nil && ms < *fromMS {
			continue
		}
		if toMS != nil && ms > *toMS {
			continue
		}
		filtered = append(filtered, keyed{ms: ms, item: it})
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].ms != filtered[j].ms {
			return filtered[i].ms < filtered[j].ms
		}
		return filtered[i].item.ID < filtered[j].item.ID
	})

	queryContext := contextOf(p.Query)
	fingerprint, err := attest.ContextFingerprint(queryContext)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"query is not canonically encodable: %v", err)
	}

	// Continuation anchor.
	start := 0
	var prevChain *string
	cursorAfter, _ := p.Query["cursor_after"].(string)
	if cursorAfter != "" {
		pos := -1
		for i, k := range filtered {
			if k.item.Cursor == cursorAfter {
				pos = i
				break
			}
		}
		if pos < 0 {
			return nil, contracts.ConstraintViolation(contracts.ReasonCursorNotFound,
				"cursor_after %q not present in the filtered stream", cursorAfter)
		}
		start = pos + 1

		attAfter, _ := p.Query["attestation_after"].(string)
		cpAfter, _ := p.Query["checkpoint_after"].(string)
		if attAfter == "" || (p.EnforceCheckpoint && cpAfter == "") {
			return nil, contracts.ConstraintViolation(contracts.ReasonContinuationIncomplete,
				"cursor_after requires attestation_after and checkpoint_after")
		}
		if cpAfter != "" {
			stored, ok := checkpoints[cpAfter]
			if !ok {
				return nil, contracts.ConstraintViolation(contracts.ReasonCheckpointNotFound,
					"checkpoint_after %q not found", cpAfter)
			}
			if stored.NextCursor != cursorAfter {
				return nil, contracts.ConstraintViolation(contracts.ReasonCheckpointCursorMismatch,
					"cursor_after does not match the stored checkpoint").
					WithDetail("expected_cursor", stored.NextCursor)
			}
			if stored.AttestationChainHash != attAfter {
				return nil, contracts.ConstraintViolation(contracts.ReasonCheckpointAttestMismatch,
					"attestation_after does not match the stored checkpoint").
					WithDetail("expected_attestation_chain_hash", stored.AttestationChainHash)
			}
			if stored.QueryContextFingerprint != fingerprint {
				return nil, contracts.ConstraintViolation(contracts.ReasonCheckpointContextMismatch,
					"query context differs from the stored checkpoint").
					WithDetail("expected_query_context_fingerprint", stored.QueryContextFingerprint)
			}
		}
		prevChain = &attAfter
	}

	// Page.
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}
	page := filtered[start:end]
	entries := make([]map[string]any, len(page))
	for i, k := range page {
		entries[i] = k.item.Entry
	}
	var nextCursor *string
	if end < len(filtered) && len(page) > 0 {
		c := page[len(page)-1].item.Cursor
		nextCursor = &c
	}

	attn, aerr := attest.Attest(p.Signer, prevChain, entries)
	if aerr != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"page not attestable: %v", aerr)
	}

	env := &contracts.ExportEnvelope{
		ExportedAt: p.ExportedAt,
		Query:      queryContext,
		Summary: map[string]any{
			"tenant":         p.Tenant,
			"contract":       p.Contract,
			"page_size":      len(entries),
			"total_filtered": len(filtered),
		},
		Entries:       entries,
		EntriesField:  p.EntriesField,
		TotalFiltered: len(filtered),
		NextCursor:    nextCursor,
		Attestation:   attn,
	}

	if nextCursor != nil {
		cp, cperr := attest.MintCheckpoint(attn.ChainHash, *nextCursor, queryContext, p.ExportedAt)
		if cperr != nil {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"checkpoint not mintable: %v", cperr)
		}
		env.Checkpoint = cp
		checkpoints[cp.CheckpointHash] = *cp
	}

	pruneCheckpoints(checkpoints, p.ExportedAt, p.CheckpointRetentionDays)
	return env, nil
}

func validateKeys(p Params) *contracts.Error {
	allowed := make(map[string]bool, len(engineKeys)+len(p.AllowedKeys))
	for _, k := range engineKeys {
		allowed[k] = true
	}
	for _, k := range p.AllowedKeys {
		allowed[k] = true
	}
	for k := range p.Query {
		if !allowed[k] {
			return contracts.ConstraintViolation(contracts.ReasonUnknownQueryKey,
				"unknown query key %q", k)
		}
	}
	return nil
}

func parseWindow(query map[string]any) (fromMS, toMS *int64, cerr *contracts.Error) {
	if raw, ok := query["from_iso"].(string); ok && raw != "" {
		ms, ok := chrono.EpochMS(raw)
		if !ok {
			return nil, nil, contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
				"from_iso %q is not a valid timestamp", raw)
		}
		fromMS = &ms
	}
	if raw, ok := query["to_iso"].(string); ok && raw != "" {
		ms, ok := chrono.EpochMS(raw)
		if !ok {
			return nil, nil, contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
				"to_iso %q is not a valid timestamp", raw)
		}
		toMS = &ms
	}
	if fromMS != nil && toMS != nil && *toMS <= *fromMS {
		return nil, nil, contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
			"to_iso must be strictly after from_iso")
	}
	return fromMS, toMS, nil
}

// contextOf strips the continuation anchors from the query; what remains is
// the pure query context the fingerprint covers.
func contextOf(query map[string]any) map[string]any {
	ctx := make(map[string]any, len(query))
	for k, v := range query {
		if anchorKeys[k] {
			continue
		}
		ctx[k] = v
	}
	return ctx
}

func pruneCheckpoints(checkpoints map[string]contracts.Checkpoint, exportedAt string, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	now, err := chrono.Parse(exportedAt)
	if err != nil {
		return
	}
	cutoff := now.AddDate(0, 0, -retentionDays)
	for hash, cp := range checkpoints {
		at, err := chrono.Parse(cp.ExportedAt)
		if err != nil || at.Before(cutoff) {
			delete(checkpoints, hash)
		}
	}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == float64(int(t)) {
			return int(t), true
		}
	case interface{ Int64() (int64, error) }:
		n, err := t.Int64()
		if err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// ResolveExportedAt follows the fallback chain for the export timestamp:
// query.exported_at_iso → query.now_iso → auth.now_iso → configured fallback
// → the injected clock. Whichever source wins must parse strictly.
func ResolveExportedAt(query map[string]any, authNowISO, configuredNowISO string, clock chrono.Clock) (string, *contracts.Error) {
	candidates := []string{}
	if v, ok := query["exported_at_iso"].(string); ok && v != "" {
		candidates = append(candidates, v)
	}
	if v, ok := query["now_iso"].(string); ok && v != "" {
		candidates = append(candidates, v)
	}
	if authNowISO != "" {
		candidates = append(candidates, authNowISO)
	}
	if configuredNowISO != "" {
		candidates = append(candidates, configuredNowISO)
	}
	for _, c := range candidates {
		if t, err := chrono.Parse(c); err == nil {
			return chrono.FormatISO(t), nil
		}
		return "", contracts.ConstraintViolation(contracts.ReasonInvalidWindow,
			"timestamp %q is not a valid ISO-8601 instant", c)
	}
	return clock.NowISO(), nil
}

package export

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
)

// LedgerItems converts a stream's export ordering into engine items. The
// wire entry merges the payload fields under the entry's identity fields, so
// domain filters can address payload keys directly.
func LedgerItems(entries []*ledger.Entry) []Item {
	items := make([]Item, 0, len(entries))
	for _, e := range entries {
		view := make(map[string]any, len(e.Payload)+3)
		for k, v := range e.Payload {
			view[k] = v
		}
		view["entry_id"] = e.EntryID
		view["sequence_index"] = e.Sequence
		view["recorded_at"] = e.RecordedAt
		items = append(items, Item{
			Cursor:     CursorFor(e.RecordedAt, e.EntryID),
			ID:         e.EntryID,
			RecordedAt: e.RecordedAt,
			Entry:      view,
		})
	}
	return items
}

// FilterEquals drops items whose entry does not match every string filter
// the query sets among keys. Unset filters match everything.
func FilterEquals(items []Item, query map[string]any, keys ...string) []Item {
	out := items
	for _, key := range keys {
		want, ok := query[key].(string)
		if !ok || want == "" {
			continue
		}
		kept := make([]Item, 0, len(out))
		for _, it := range out {
			if got, _ := it.Entry[key].(string); got == want {
				kept = append(kept, it)
			}
		}
		out = kept
	}
	return out
}

// Body renders the envelope as a response body, honoring the contract's
// entry-list wire name.
func Body(env *contracts.ExportEnvelope) map[string]any {
	field := env.EntriesField
	if field == "" {
		field = "entries"
	}
	body := map[string]any{
		"exported_at":    env.ExportedAt,
		"query":          env.Query,
		"summary":        env.Summary,
		field:            env.Entries,
		"total_filtered": env.TotalFiltered,
		"next_cursor":    env.NextCursor,
	}
	if env.Attestation != nil {
		body["attestation"] = env.Attestation
	}
	if env.Checkpoint != nil {
		body["checkpoint"] = env.Checkpoint
	}
	return body
}

// RetentionCutoff returns the prune cutoff instant, or "" when retention is
// disabled.
func RetentionCutoff(exportedAtISO string, days int) string {
	if days <= 0 {
		return ""
	}
	t, err := chrono.Parse(exportedAtISO)
	if err != nil {
		return ""
	}
	return chrono.FormatISO(t.AddDate(0, 0, -days))
}

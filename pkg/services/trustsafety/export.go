package trustsafety

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
)

// exportEvents exports the signal and decision event stream. When the query
// sets redact_subject, subject ids are replaced by a stable digest before the
// page is attested, so the redacted form is what the signature covers.
func exportEvents(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.TrustSafety
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := eventStream(c)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query,
		"record_type", "category", "subject_id")
	if redact, _ := c.Req.Query["redact_subject"].(bool); redact {
		items = redactSubjects(items)
	}

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "trust_safety"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "trust_safety",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"record_type", "category", "subject_id", "redact_subject"},
		Items:                   items,
		RetentionDays:           window.RetentionDays,
		CheckpointRetentionDays: window.CheckpointRetentionDays,
		EnforceCheckpoint:       window.EnforceCheckpoint,
		Signer:                  c.Signer,
		ExportedAt:              exportedAt,
		EntriesField:            "entries",
	})
	if cerr != nil {
		return nil, cerr
	}
	stream.PruneBefore(export.RetentionCutoff(exportedAt, window.RetentionDays))
	return export.Body(env), nil
}

func redactSubjects(items []export.Item) []export.Item {
	out := make([]export.Item, len(items))
	for i, it := range items {
		entry := make(map[string]any, len(it.Entry))
		for k, v := range it.Entry {
			entry[k] = v
		}
		if id, ok := entry["subject_id"].(string); ok && id != "" {
			entry["subject_id"] = "redacted:" + canonical.HashStrings(id)[:16]
		}
		it.Entry = entry
		out[i] = it
	}
	return out
}

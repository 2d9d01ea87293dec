// Package transparency maintains per-partner publication chains. Each
// publication links to its predecessor by root hash and derives a chain hash
// over its canonical fields, so any removal or reorder is detectable.
package transparency

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
)

// PublicationsCollection is shared with the inclusion-proof service, which
// checks artifact references against recorded publications.
const PublicationsCollection = "transparency_publications"

const (
	headsCollection = "transparency_heads"
	ledgerKind      = "transparency_log"
)

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the transparency log operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "transparency.record", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordPublication},
		{ID: "transparency.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getPublication},
		{ID: "transparency.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportPublications},
	}
}

// ChainHash derives the publication chain hash from the canonical hash of
// the publication fields folded with the previous chain hash.
func ChainHash(fields map[string]any, prevChainHash string) (string, *contracts.Error) {
	fieldsHash, err := canonical.Hash(fields)
	if err != nil {
		return "", contracts.NewError(contracts.CodeConstraintViolation,
			"publication is not canonically encodable: %v", err)
	}
	return canonical.HashStrings(fieldsHash, prevChainHash), nil
}

func recordPublication(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["publication"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.publication is required")
	}
	publicationID, _ := raw["publication_id"].(string)
	rootHash, _ := raw["root_hash"].(string)
	if publicationID == "" || rootHash == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"publication_id and root_hash are required")
	}
	artifactRefs, _ := raw["artifact_refs"].([]any)
	if artifactRefs == nil {
		artifactRefs = []any{}
	}

	partnerKey := c.Req.Actor.Key()
	publications := c.State.Collection(PublicationsCollection)
	if existing, ok := publications.Get(publicationID); ok {
		return map[string]any{"publication": existing}, nil
	}

	// Chain continuity: previous_root_hash must equal the head's root_hash.
	heads := c.State.Collection(headsCollection)
	prevRoot := ""
	prevChain := ""
	if head, ok := heads.Get(partnerKey); ok {
		prevRoot = stringAt(head, "root_hash")
		prevChain = stringAt(head, "chain_hash")
	}
	previousRoot, _ := raw["previous_root_hash"].(string)
	if previousRoot != prevRoot {
		return nil, contracts.ConstraintViolation(contracts.ReasonChainDiscontinuity,
			"previous_root_hash does not match the partner chain head").
			WithDetail("expected_previous_root_hash", prevRoot)
	}

	fields := map[string]any{
		"publication_id":     publicationID,
		"partner":            partnerKey,
		"root_hash":          rootHash,
		"previous_root_hash": previousRoot,
		"artifact_refs":      artifactRefs,
		"published_at":       c.NowISO,
	}
	chainHash, cerr := ChainHash(fields, prevChain)
	if cerr != nil {
		return nil, cerr
	}

	doc := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["chain_hash"] = chainHash
	publications.Put(publicationID, doc)
	heads.Put(partnerKey, map[string]any{
		"publication_id": publicationID,
		"root_hash":      rootHash,
		"chain_hash":     chainHash,
	})

	c.State.Ledgers.Stream(c.Tenant, ledgerKind).Append("pub", c.NowISO, map[string]any{
		"publication_id":     publicationID,
		"root_hash":          rootHash,
		"previous_root_hash": previousRoot,
		"chain_hash":         chainHash,
	})
	return map[string]any{"publication": doc}, nil
}

func getPublication(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("publication_id")
	doc, ok := c.State.Collection(PublicationsCollection).Get(id)
	if !ok {
		return nil, contracts.NotFound("transparency_publication", id)
	}
	if stringAt(doc, "partner") != c.Req.Actor.Key() {
		return nil, contracts.Forbidden("transparency_publication_visibility",
			"publication %q belongs to another partner", id)
	}
	return map[string]any{"publication": doc}, nil
}

func exportPublications(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.TransparencyLog
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, ledgerKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "publication_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "transparency_log"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "transparency_log",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"publication_id"},
		Items:                   items,
		RetentionDays:           window.RetentionDays,
		CheckpointRetentionDays: window.CheckpointRetentionDays,
		EnforceCheckpoint:       window.EnforceCheckpoint,
		Signer:                  c.Signer,
		ExportedAt:              exportedAt,
		EntriesField:            "publications",
	})
	if cerr != nil {
		return nil, cerr
	}
	stream.PruneBefore(export.RetentionCutoff(exportedAt, window.RetentionDays))
	return export.Body(env), nil
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

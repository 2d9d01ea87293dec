// Package inclusionproof links settlement receipts to custody snapshots and
// transparency publications. Each linkage verifies the receipt signature,
// proves the holding's membership in the snapshot tree, checks the
// publication's artifact references, and extends the partner's linkage hash
// chain.
package inclusionproof

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
	"github.com/Quantaloop-Labs/keel/core/pkg/merkle"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/transparency"
)

const (
	snapshotsCollection = "custody_snapshots"
	linkagesCollection  = "inclusion_linkages"
	headsCollection     = "linkage_heads"
	ledgerKind          = "inclusion_proof"
)

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the custody and inclusion-proof operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "custody.recordSnapshot", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordSnapshot},
		{ID: "inclusionProof.record", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordLinkage},
		{ID: "inclusionProof.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getLinkage},
		{ID: "inclusionProof.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportLinkages},
	}
}

// recordSnapshot stores a custody snapshot and its merkle root over the
// holding map.
func recordSnapshot(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["snapshot"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.snapshot is required")
	}
	snapshotID, _ := raw["snapshot_id"].(string)
	holdings, _ := raw["holdings"].(map[string]any)
	if snapshotID == "" || len(holdings) == 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"snapshot_id and a non-empty holdings map are required")
	}

	col := c.State.Collection(snapshotsCollection)
	if existing, ok := col.Get(snapshotID); ok {
		return map[string]any{"snapshot": existing}, nil
	}

	tree, err := merkle.Build(holdings)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"holdings are not canonically encodable: %v", err)
	}
	doc := map[string]any{
		"snapshot_id": snapshotID,
		"partner":     c.Req.Actor.Key(),
		"holdings":    holdings,
		"merkle_root": tree.Root,
		"recorded_at": c.NowISO,
	}
	col.Put(snapshotID, doc)
	return map[string]any{"snapshot": doc}, nil
}

func recordLinkage(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["linkage"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.linkage is required")
	}
	linkageID, _ := raw["linkage_id"].(string)
	if linkageID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"linkage_id must be a non-empty string")
	}
	col := c.State.Collection(linkagesCollection)
	if existing, ok := col.Get(linkageID); ok {
		return map[string]any{"linkage": existing}, nil
	}

	// 1. Receipt signature over the canonical payload.
	receipt, _ := raw["receipt"].(map[string]any)
	receiptID, _ := receipt["receipt_id"].(string)
	payload, _ := receipt["payload"].(map[string]any)
	signature, _ := receipt["signature"].(string)
	payloadBytes, err := canonical.Marshal(payload)
	if err != nil || receiptID == "" || !c.Signer.Verify(payloadBytes, signature) {
		return nil, contracts.ConstraintViolation(contracts.ReasonReceiptSignatureInvalid,
			"receipt signature does not verify against the canonical payload")
	}

	// 2. Custody snapshot and holding existence.
	snapshotID, _ := raw["custody_snapshot_id"].(string)
	snapshot, ok := c.State.Collection(snapshotsCollection).Get(snapshotID)
	if !ok {
		return nil, contracts.NotFound("custody_snapshot", snapshotID)
	}
	holdingID, _ := raw["holding_id"].(string)
	holdings, _ := snapshot["holdings"].(map[string]any)
	if _, ok := holdings[holdingID]; !ok {
		return nil, contracts.NotFound("custody_holding", holdingID)
	}

	// 3. Rebuild the tree and prove the holding's membership.
	tree, err := merkle.Build(holdings)
	if err != nil {
		return nil, contracts.ConstraintViolation(contracts.ReasonInclusionProofInvalid,
			"custody snapshot is not canonically encodable: %v", err)
	}
	proof, err := tree.Prove(holdingID)
	if err != nil || !merkle.Verify(proof, stringAt(snapshot, "merkle_root")) {
		return nil, contracts.ConstraintViolation(contracts.ReasonInclusionProofInvalid,
			"inclusion proof for holding %q does not verify", holdingID)
	}

	// 4. The publication must reference both artifacts.
	publicationID, _ := raw["transparency_publication_id"].(string)
	publication, ok := c.State.Collection(transparency.PublicationsCollection).Get(publicationID)
	if !ok {
		return nil, contracts.NotFound("transparency_publication", publicationID)
	}
	for _, ref := range []string{"receipt:" + receiptID, "custody_snapshot:" + snapshotID} {
		if !hasArtifactRef(publication, ref) {
			return nil, contracts.ConstraintViolation(contracts.ReasonArtifactRefMissing,
				"transparency publication does not reference %q", ref)
		}
	}

	// 5. Extend the partner's linkage chain.
	partnerKey := c.Req.Actor.Key()
	heads := c.State.Collection(headsCollection)
	prevHash := ""
	if head, ok := heads.Get(partnerKey); ok {
		prevHash = stringAt(head, "linkage_hash")
	}
	fields := map[string]any{
		"linkage_id":                  linkageID,
		"partner":                     partnerKey,
		"receipt_id":                  receiptID,
		"custody_snapshot_id":         snapshotID,
		"holding_id":                  holdingID,
		"transparency_publication_id": publicationID,
		"merkle_root":                 tree.Root,
		"recorded_at":                 c.NowISO,
	}
	fieldsHash, err := canonical.Hash(fields)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"linkage is not canonically encodable: %v", err)
	}
	linkageHash := canonical.HashStrings(fieldsHash, prevHash)

	doc := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		doc[k] = v
	}
	doc["previous_linkage_hash"] = prevHash
	doc["linkage_hash"] = linkageHash
	doc["inclusion_proof"] = proofDoc(proof)
	col.Put(linkageID, doc)
	heads.Put(partnerKey, map[string]any{"linkage_hash": linkageHash})

	c.State.Ledgers.Stream(c.Tenant, ledgerKind).Append("lnk", c.NowISO, map[string]any{
		"linkage_id":            linkageID,
		"receipt_id":            receiptID,
		"custody_snapshot_id":   snapshotID,
		"previous_linkage_hash": prevHash,
		"linkage_hash":          linkageHash,
	})
	return map[string]any{"linkage": doc}, nil
}

func getLinkage(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("linkage_id")
	doc, ok := c.State.Collection(linkagesCollection).Get(id)
	if !ok {
		return nil, contracts.NotFound("inclusion_linkage", id)
	}
	if stringAt(doc, "partner") != c.Req.Actor.Key() {
		return nil, contracts.Forbidden("inclusion_linkage_visibility",
			"linkage %q belongs to another partner", id)
	}
	return map[string]any{"linkage": doc}, nil
}

func exportLinkages(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.InclusionProof
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, ledgerKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query,
		"receipt_id", "custody_snapshot_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "inclusion_proof"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "inclusion_proof",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"receipt_id", "custody_snapshot_id"},
		Items:                   items,
		RetentionDays:           window.RetentionDays,
		CheckpointRetentionDays: window.CheckpointRetentionDays,
		EnforceCheckpoint:       window.EnforceCheckpoint,
		Signer:                  c.Signer,
		ExportedAt:              exportedAt,
		EntriesField:            "linkages",
	})
	if cerr != nil {
		return nil, cerr
	}
	stream.PruneBefore(export.RetentionCutoff(exportedAt, window.RetentionDays))
	return export.Body(env), nil
}

func hasArtifactRef(publication map[string]any, ref string) bool {
	refs, _ := publication["artifact_refs"].([]any)
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func proofDoc(p *merkle.InclusionProof) map[string]any {
	steps := make([]any, len(p.ProofPath))
	for i, s := range p.ProofPath {
		steps[i] = map[string]any{"side": s.Side, "sibling_hash": s.SiblingHash}
	}
	return map[string]any{
		"leaf_path":   p.LeafPath,
		"leaf_hash":   p.LeafHash,
		"merkle_root": p.MerkleRoot,
		"proof_path":  steps,
	}
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

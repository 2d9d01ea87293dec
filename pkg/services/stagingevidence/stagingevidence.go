// Package stagingevidence stores partner staging evidence bundles. Bundles
// are unique per (partner, milestone, manifest hash), chain a checkpoint
// hash off their predecessor, and list with anchor-checked continuation.
package stagingevidence

import (
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
)

const (
	bundlesCollection = "staging_bundles"
	headsCollection   = "staging_heads"

	defaultPageSize = 20
)

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the staging evidence operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "stagingEvidence.record", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordBundle},
		{ID: "stagingEvidence.list", Kind: dispatch.Read, Policy: partnerOnly(), Handler: listBundles},
	}
}

func dedupeKey(partner, milestone, manifestHash string) string {
	return partner + "/" + milestone + "/" + manifestHash
}

func recordBundle(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["bundle"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.bundle is required")
	}
	bundleID, _ := raw["bundle_id"].(string)
	milestone, _ := raw["milestone"].(string)
	manifest, _ := raw["manifest"].(map[string]any)
	if bundleID == "" || milestone == "" || len(manifest) == 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"bundle_id, milestone, and a non-empty manifest are required")
	}

	manifestHash, err := canonical.Hash(manifest)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"manifest is not canonically encodable: %v", err)
	}

	partnerKey := c.Req.Actor.Key()
	bundles := c.State.Collection(bundlesCollection)
	if existing, ok := bundles.Get(bundleID); ok {
		return map[string]any{"bundle": existing}, nil
	}
	for _, doc := range bundles.All() {
		if stringAt(doc, "dedupe_key") == dedupeKey(partnerKey, milestone, manifestHash) {
			return nil, contracts.Conflict(contracts.ReasonBundleDuplicate,
				"a bundle for this milestone and manifest already exists").
				WithDetail("existing_bundle_id", doc["bundle_id"])
		}
	}

	heads := c.State.Collection(headsCollection)
	prevCheckpoint := ""
	if head, ok := heads.Get(partnerKey); ok {
		prevCheckpoint = stringAt(head, "checkpoint_hash")
	}
	sequence := c.State.NextCounter("staging_bundles/" + partnerKey)
	checkpointHash := canonical.HashStrings(manifestHash, prevCheckpoint)

	doc := map[string]any{
		"bundle_id":                bundleID,
		"partner":                  partnerKey,
		"milestone":                milestone,
		"manifest":                 manifest,
		"manifest_hash":            manifestHash,
		"dedupe_key":               dedupeKey(partnerKey, milestone, manifestHash),
		"sequence":                 sequence,
		"previous_checkpoint_hash": prevCheckpoint,
		"checkpoint_hash":          checkpointHash,
		"recorded_at":              c.NowISO,
	}
	bundles.Put(bundleID, doc)
	heads.Put(partnerKey, map[string]any{"checkpoint_hash": checkpointHash})
	return map[string]any{"bundle": doc}, nil
}

// listBundles pages the partner's bundles in sequence order. A continuation
// must present the checkpoint hash of the bundle it resumes after; a stale
// or foreign anchor is rejected.
func listBundles(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	partnerKey := c.Req.Actor.Key()
	mine := []map[string]any{}
	for _, doc := range c.State.Collection(bundlesCollection).All() {
		if stringAt(doc, "partner") == partnerKey {
			mine = append(mine, doc)
		}
	}
	sort.Slice(mine, func(i, j int) bool {
		return seqOf(mine[i]) < seqOf(mine[j])
	})

	start := 0
	after, _ := c.Req.Query["after_bundle_id"].(string)
	if after != "" {
		anchor, _ := c.Req.Query["anchor_checkpoint_hash"].(string)
		found := false
		for i, doc := range mine {
			if stringAt(doc, "bundle_id") == after {
				if stringAt(doc, "checkpoint_hash") != anchor {
					return nil, contracts.ConstraintViolation(contracts.ReasonBundleAnchorInvalid,
						"anchor_checkpoint_hash does not match bundle %q", after).
						WithDetail("expected_checkpoint_hash", doc["checkpoint_hash"])
				}
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, contracts.ConstraintViolation(contracts.ReasonBundleAnchorInvalid,
				"after_bundle_id %q is not in this partner's stream", after)
		}
	}

	limit := defaultPageSize
	if n, ok := c.Req.Query["limit"].(int); ok && n > 0 {
		limit = n
	}
	end := start + limit
	if end > len(mine) {
		end = len(mine)
	}
	page := mine[start:end]

	body := map[string]any{
		"bundles":        page,
		"total_filtered": len(mine),
	}
	if end < len(mine) {
		last := page[len(page)-1]
		body["next_after_bundle_id"] = last["bundle_id"]
		body["next_anchor_checkpoint_hash"] = last["checkpoint_hash"]
	}
	return body, nil
}

func seqOf(doc map[string]any) uint64 {
	switch v := doc["sequence"].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return 0
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

package liquiditysvc

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
)

const governanceCollection = "lp_governance"

// Segment tiers, ordered. Activation may step at most one tier up.
var segmentTiers = []string{"S0", "S1", "S2", "S3"}

const (
	govPendingReview = "pending_review"
	govActive        = "active"
	govRestricted    = "restricted"
	govOffboarded    = "offboarded"
)

var governanceTransitions = map[string][]string{
	govPendingReview: {govActive, govRestricted, govOffboarded},
	govActive:        {govRestricted, govOffboarded},
	govRestricted:    {govActive, govOffboarded},
}

func tierIndex(tier string) int {
	for i, t := range segmentTiers {
		if t == tier {
			return i
		}
	}
	return -1
}

// upsertGovernance creates or updates the provider's governance record.
// Status moves run through the transition machine; the rollout policy is
// versioned like liquidity policies.
func upsertGovernance(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	col := c.State.Collection(governanceCollection)
	doc, exists := col.Get(providerID)
	if !exists {
		doc = map[string]any{
			"provider_id":      providerID,
			"segment_tier":     segmentTiers[0],
			"status":           govPendingReview,
			"last_eligibility": nil,
		}
	}

	if tier, ok := c.Req.Body["segment_tier"].(string); ok {
		if tierIndex(tier) < 0 {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"segment_tier %q is not one of S0..S3", tier)
		}
		doc["segment_tier"] = tier
	}
	if status, ok := c.Req.Body["status"].(string); ok && status != stringAt(doc, "status") {
		if !governanceTransitionAllowed(stringAt(doc, "status"), status) {
			return nil, contracts.ConstraintViolation(contracts.ReasonGovernanceStatusTransition,
				"governance status may not move from %s to %s", stringAt(doc, "status"), status)
		}
		doc["status"] = status
	}
	if policy, ok := c.Req.Body["rollout_policy"].(map[string]any); ok {
		version := 1
		if prior, ok := doc["rollout_policy"].(map[string]any); ok {
			version = intAt(prior, "version") + 1
		}
		policy["version"] = version
		doc["rollout_policy"] = policy
	}
	doc["updated_at"] = c.NowISO
	col.Put(providerID, doc)
	return map[string]any{"governance": doc}, nil
}

func governanceTransitionAllowed(current, target string) bool {
	for _, next := range governanceTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// recordEligibility stores the latest eligibility verdict for the provider.
func recordEligibility(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	col := c.State.Collection(governanceCollection)
	doc, ok := col.Get(providerID)
	if !ok {
		return nil, contracts.NotFound("lp_governance", providerID)
	}

	verdict, _ := c.Req.Body["verdict"].(string)
	if verdict != "allow" && verdict != "deny" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"verdict must be allow or deny")
	}
	eligibility := map[string]any{
		"verdict":                        verdict,
		"unresolved_critical_violations": intAt(c.Req.Body, "unresolved_critical_violations"),
		"recorded_at":                    c.NowISO,
	}
	doc["last_eligibility"] = eligibility
	col.Put(providerID, doc)

	rolloutStream(c).Append("gov", c.NowISO, map[string]any{
		"event":       "eligibility_recorded",
		"provider_id": providerID,
		"verdict":     verdict,
	})
	return map[string]any{"governance": doc}, nil
}

// activateRollout promotes the provider onto a rollout tier. Activation
// requires a prior allow verdict with no unresolved critical violations, and
// the target tier may exceed the current one by at most one step.
func activateRollout(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	col := c.State.Collection(governanceCollection)
	doc, ok := col.Get(providerID)
	if !ok {
		return nil, contracts.NotFound("lp_governance", providerID)
	}

	target, _ := c.Req.Body["effective_segment_tier"].(string)
	targetIdx := tierIndex(target)
	if targetIdx < 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"effective_segment_tier %q is not one of S0..S3", target)
	}

	eligibility, _ := doc["last_eligibility"].(map[string]any)
	if eligibility == nil || stringAt(eligibility, "verdict") != "allow" {
		return nil, contracts.ConstraintViolation(contracts.ReasonGovernanceEligibilityMissing,
			"rollout activation requires a prior allow eligibility verdict")
	}
	if intAt(eligibility, "unresolved_critical_violations") > 0 {
		return nil, contracts.ConstraintViolation(contracts.ReasonGovernanceCriticalViolations,
			"rollout activation is blocked by unresolved critical violations")
	}
	if targetIdx > tierIndex(stringAt(doc, "segment_tier"))+1 {
		return nil, contracts.ConstraintViolation(contracts.ReasonGovernanceTierStep,
			"effective_segment_tier may exceed the current tier by at most one step")
	}
	if stringAt(doc, "status") != govPendingReview && stringAt(doc, "status") != govActive &&
		!governanceTransitionAllowed(stringAt(doc, "status"), govActive) {
		return nil, contracts.ConstraintViolation(contracts.ReasonGovernanceStatusTransition,
			"governance status %s does not permit activation", stringAt(doc, "status"))
	}

	doc["segment_tier"] = target
	doc["status"] = govActive
	doc["activated_at"] = c.NowISO
	col.Put(providerID, doc)

	rolloutStream(c).Append("gov", c.NowISO, map[string]any{
		"event":        "rollout_activated",
		"provider_id":  providerID,
		"segment_tier": target,
	})
	return map[string]any{"governance": doc}, nil
}

func exportGovernance(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.ProviderRollout
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := rolloutStream(c)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "provider_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "provider_rollout"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "provider_rollout",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"provider_id"},
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

func rolloutStream(c *dispatch.Ctx) *ledger.Stream {
	return c.State.Ledgers.Stream(c.Tenant, rolloutLedgerKind)
}

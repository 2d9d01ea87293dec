package liquiditysvc

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
	"github.com/Quantaloop-Labs/keel/core/pkg/liquidity"
)

func upsertPolicy(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	raw, ok := c.Req.Body["policy"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.policy is required")
	}
	parsed, cerr := liquidity.ParsePolicy(providerID, raw)
	if cerr != nil {
		return nil, cerr
	}

	col := c.State.Collection(policiesCollection)
	version := 1
	if prior, ok := col.Get(providerID); ok {
		version = intAt(prior, "version") + 1
	}
	parsed.Version = version
	parsed.UpdatedAt = c.NowISO
	parsed.UpdatedBy = c.Req.Actor.Key()

	doc, err := canonical.ToMap(parsed)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"policy is not canonically encodable: %v", err)
	}
	col.Put(providerID, doc)

	auditStream(c.State.Ledgers, c.Tenant).Append("aud", c.NowISO, map[string]any{
		"event":          "policy_upserted",
		"provider_id":    providerID,
		"policy_version": version,
	})
	return map[string]any{"policy": doc}, nil
}

func getPolicy(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)
	doc, ok := c.State.Collection(policiesCollection).Get(providerID)
	if !ok {
		return nil, contracts.NotFound("liquidity_policy", providerID)
	}
	return map[string]any{"policy": doc}, nil
}

func evaluatePolicy(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	policyDoc, ok := c.State.Collection(policiesCollection).Get(providerID)
	if !ok {
		return nil, contracts.NotFound("liquidity_policy", providerID)
	}
	policy, cerr := policyFromDoc(providerID, policyDoc)
	if cerr != nil {
		return nil, cerr
	}

	raw, ok := c.Req.Body["evaluation"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.evaluation is required")
	}
	// When the caller omits running totals, fill them from the accumulators
	// before validation.
	day, _ := dayOf(c.NowISO)
	counterparty, _ := raw["counterparty_actor_id"].(string)
	if _, present := raw["daily_value_usd"]; !present {
		raw["daily_value_usd"] = c.State.Accumulators[liquidity.DailyAccumulatorKey(providerID, day)]
	}
	if _, present := raw["counterparty_exposure_usd"]; !present {
		raw["counterparty_exposure_usd"] = c.State.Accumulators[liquidity.CounterpartyAccumulatorKey(providerID, counterparty, day)]
	}

	in, cerr := liquidity.ParseEvaluationInput(raw, c.NowISO)
	if cerr != nil {
		return nil, cerr
	}

	ev, cerr := liquidity.Evaluate(policy, in)
	if cerr != nil {
		return nil, cerr
	}

	if ev.Verdict == "allow" {
		c.State.Accumulators[liquidity.DailyAccumulatorKey(providerID, ev.DayBucket)] = ev.ProjectedDailyValueUSD
		c.State.Accumulators[liquidity.CounterpartyAccumulatorKey(providerID, in.CounterpartyActorID, ev.DayBucket)] = ev.ProjectedCounterpartyExposureUSD
	}

	evDoc, err := canonical.ToMap(ev)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"evaluation is not canonically encodable: %v", err)
	}
	auditStream(c.State.Ledgers, c.Tenant).Append("aud", c.NowISO, map[string]any{
		"event":       "policy_evaluated",
		"provider_id": providerID,
		"evaluation":  evDoc,
	})
	return map[string]any{"evaluation": evDoc}, nil
}

func exportPolicyAudit(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.PolicyAudit
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := auditStream(c.State.Ledgers, c.Tenant)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "provider_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "liquidity_policy_audit"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "liquidity_policy_audit",
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

// policyFromDoc rebuilds the typed policy from its stored generic form.
func policyFromDoc(providerID string, doc map[string]any) (*liquidity.Policy, *contracts.Error) {
	body := map[string]any{
		"precedence":                    doc["precedence"],
		"max_spread_bps":                doc["max_spread_bps"],
		"max_daily_value_usd":           doc["max_daily_value_usd"],
		"max_counterparty_exposure_usd": doc["max_counterparty_exposure_usd"],
		"min_price_confidence_bps":      doc["min_price_confidence_bps"],
		"blocked_asset_liquidity_tiers": doc["blocked_asset_liquidity_tiers"],
		"high_volatility_mode":          doc["high_volatility_mode"],
		"policy_mode":                   doc["policy_mode"],
	}
	p, cerr := liquidity.ParsePolicy(providerID, body)
	if cerr != nil {
		return nil, cerr
	}
	p.Version = intAt(doc, "version")
	return p, nil
}

func auditStream(ledgers ledger.Ledgers, tenant string) *ledger.Stream {
	return ledgers.Stream(tenant, auditLedgerKind)
}

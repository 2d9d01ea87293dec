// Package steamadapter holds the adapter contract for the external Steam
// marketplace and the preflight that gates settlement batches against it.
package steamadapter

import (
	"github.com/Masterminds/semver/v3"

	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
)

const contractsCollection = "steam_contracts"

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the steam adapter operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "steamAdapter.upsertContract", Kind: dispatch.Write, Policy: partnerOnly(), Handler: upsertContract},
		{ID: "steamAdapter.getContract", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getContract},
		{ID: "steamAdapter.preflight", Kind: dispatch.Read, Policy: partnerOnly(), Handler: preflight},
	}
}

// upsertContract stores the partner's adapter contract. The version must be
// valid semver and must increase over the stored contract.
func upsertContract(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["contract"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.contract is required")
	}
	versionStr, _ := raw["version"].(string)
	version, err := semver.NewVersion(versionStr)
	if err != nil {
		return nil, contracts.ConstraintViolation(contracts.ReasonSteamContractVersion,
			"contract version %q is not valid semver", versionStr)
	}

	modes, _ := raw["settlement_modes"].([]any)
	if len(modes) == 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"contract must list at least one settlement mode")
	}
	maxBatch := intOf(raw["max_batch_size"])
	if maxBatch <= 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"max_batch_size must be a positive integer")
	}
	dryRunRequired, _ := raw["dry_run_required"].(bool)

	partnerKey := c.Req.Actor.Key()
	col := c.State.Collection(contractsCollection)
	if prior, ok := col.Get(partnerKey); ok {
		priorVersion, err := semver.NewVersion(stringAt(prior, "version"))
		if err == nil && !version.GreaterThan(priorVersion) {
			return nil, contracts.ConstraintViolation(contracts.ReasonSteamContractVersion,
				"contract version %s does not exceed the stored %s", version, priorVersion)
		}
	}

	doc := map[string]any{
		"partner":          partnerKey,
		"version":          version.String(),
		"settlement_modes": modes,
		"max_batch_size":   maxBatch,
		"dry_run_required": dryRunRequired,
		"updated_at":       c.NowISO,
	}
	col.Put(partnerKey, doc)
	return map[string]any{"contract": doc}, nil
}

func getContract(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, ok := c.State.Collection(contractsCollection).Get(c.Req.Actor.Key())
	if !ok {
		return nil, contracts.NotFound("steam_adapter_contract", c.Req.Actor.Key())
	}
	return map[string]any{"contract": doc}, nil
}

// preflight checks a proposed settlement batch against the stored contract.
// All violations are reported together so callers can fix a batch in one
// round trip.
func preflight(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, ok := c.State.Collection(contractsCollection).Get(c.Req.Actor.Key())
	if !ok {
		return nil, contracts.NotFound("steam_adapter_contract", c.Req.Actor.Key())
	}

	mode, _ := c.Req.Query["settlement_mode"].(string)
	batchSize := intOf(c.Req.Query["batch_size"])
	dryRun, _ := c.Req.Query["dry_run"].(bool)

	reasons := []string{}
	if !containsMode(doc, mode) {
		reasons = append(reasons, contracts.ReasonSteamSettlementUnsupported)
	}
	if required, _ := doc["dry_run_required"].(bool); required && !dryRun {
		reasons = append(reasons, contracts.ReasonSteamDryRunRequired)
	}
	if batchSize > intOf(doc["max_batch_size"]) {
		reasons = append(reasons, contracts.ReasonSteamBatchSizeExceeded)
	}

	reasonDocs := make([]any, len(reasons))
	for i, r := range reasons {
		reasonDocs[i] = r
	}
	return map[string]any{
		"ok":               len(reasons) == 0,
		"reason_codes":     reasonDocs,
		"contract_version": doc["version"],
	}, nil
}

func containsMode(doc map[string]any, mode string) bool {
	modes, _ := doc["settlement_modes"].([]any)
	for _, m := range modes {
		if m == mode {
			return true
		}
	}
	return false
}

func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

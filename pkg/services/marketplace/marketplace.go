// Package marketplace exposes intent submission and matching runs. A run
// merges asset values, manages proposal lifecycle, and drives the rollout
// controller; proposals referenced by downstream records are never deleted.
package marketplace

import (
	"strconv"

	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/config"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
	"github.com/Quantaloop-Labs/keel/core/pkg/matching"
	"github.com/Quantaloop-Labs/keel/core/pkg/rollout"
)

const (
	IntentsCollection      = "mk_intents"
	assetValuesCollection  = "mk_asset_values"
	ProposalsCollection    = "mk_proposals"
	commitsCollection      = "mk_commits"
	TimelinesCollection    = "mk_timelines"
	ReceiptsCollection     = "mk_receipts"
	reservationsCollection = "mk_reservations"

	runsKind = "matching_runs"
)

func anyActor() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser, contracts.ActorPartner}}
}

// Service binds the three injected matcher engines.
type Service struct {
	engines rollout.Engines
}

// NewService wires the matcher engines. The reference engine serves all
// three roles in tests and single-binary deployments.
func NewService(engines rollout.Engines) *Service {
	return &Service{engines: engines}
}

// Operations returns the marketplace operation table.
func (s *Service) Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "marketplace.submitIntent", Kind: dispatch.Write, Policy: anyActor(), Handler: submitIntent},
		{ID: "marketplace.setAssetValue", Kind: dispatch.Write, Policy: anyActor(), Handler: setAssetValue},
		{ID: "marketplace.runMatching", Kind: dispatch.Write, Policy: anyActor(), Handler: s.runMatching},
		{ID: "marketplace.holdProposal", Kind: dispatch.Write, Policy: anyActor(), Handler: holdProposal},
		{ID: "marketplace.listProposals", Kind: dispatch.Read, Policy: anyActor(), Handler: listProposals},
		{ID: "marketplace.export", Kind: dispatch.Export, Policy: anyActor(), Handler: exportRuns},
	}
}

func submitIntent(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["intent"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.intent is required")
	}
	intentID, _ := raw["intent_id"].(string)
	give, _ := raw["give_asset"].(string)
	want, _ := raw["want_asset"].(string)
	if intentID == "" || give == "" || want == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"intent requires intent_id, give_asset, and want_asset")
	}
	doc := map[string]any{
		"intent_id":  intentID,
		"actor_id":   c.Req.Actor.ID,
		"give_asset": give,
		"want_asset": want,
		"created_at": c.NowISO,
	}
	if v, ok := numberOf(raw["give_value_usd"]); ok {
		doc["give_value_usd"] = v
	}
	c.State.Collection(IntentsCollection).Put(intentID, doc)
	return map[string]any{"intent": doc}, nil
}

func setAssetValue(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	assetID, _ := c.Req.Body["asset_id"].(string)
	value, ok := numberOf(c.Req.Body["value_usd"])
	if assetID == "" || !ok || value < 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"asset_id and a non-negative value_usd are required")
	}
	doc := map[string]any{"asset_id": assetID, "value_usd": value, "updated_at": c.NowISO}
	c.State.Collection(assetValuesCollection).Put(assetID, doc)
	return map[string]any{"asset_value": doc}, nil
}

func (s *Service) runMatching(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	// Merged asset values, right-biased: stored, then intent-derived, then
	// request-supplied.
	values := map[string]float64{}
	for _, doc := range c.State.Collection(assetValuesCollection).All() {
		if v, ok := numberOf(doc["value_usd"]); ok {
			values[stringAt(doc, "asset_id")] = v
		}
	}
	// The venue is shared: every open intent participates regardless of who
	// triggers the run.
	intents := []matching.Intent{}
	for _, doc := range c.State.Collection(IntentsCollection).All() {
		intents = append(intents, matching.Intent{
			IntentID:  stringAt(doc, "intent_id"),
			ActorID:   stringAt(doc, "actor_id"),
			GiveAsset: stringAt(doc, "give_asset"),
			WantAsset: stringAt(doc, "want_asset"),
		})
		if v, ok := numberOf(doc["give_value_usd"]); ok {
			values[stringAt(doc, "give_asset")] = v
		}
	}
	if reqValues, ok := c.Req.Body["asset_values"].(map[string]any); ok {
		for asset, raw := range reqValues {
			if v, ok := numberOf(raw); ok {
				values[asset] = v
			}
		}
	}
	if len(values) == 0 {
		return nil, contracts.ConstraintViolation(contracts.ReasonAssetValuesMissing,
			"no asset values available from store, intents, or request")
	}

	proposals := c.State.Collection(ProposalsCollection)

	// Expire stale proposals; anything a downstream record holds stays.
	for _, doc := range proposals.All() {
		expired, err := chrono.Before(stringAt(doc, "expires_at"), c.NowISO)
		if err == nil && expired && !proposalInUse(c, stringAt(doc, "proposal_id")) {
			proposals.Delete(stringAt(doc, "proposal_id"))
		}
	}
	if replace, _ := c.Req.Body["replace_existing"].(bool); replace {
		for _, doc := range proposals.All() {
			if !proposalInUse(c, stringAt(doc, "proposal_id")) {
				proposals.Delete(stringAt(doc, "proposal_id"))
			}
		}
	}

	runID := chrono.MintID("run", c.State.NextCounter("matching_runs/"+c.Tenant))
	requestedAt, _ := c.Req.Body["requested_at"].(string)
	if requestedAt == "" {
		requestedAt = c.NowISO
	}

	ctrl := rollout.New(rolloutConfig(c.Config.Matching), s.engines)
	outcome, err := ctrl.Execute(c.State.RolloutState(c.Tenant), rollout.RunRequest{
		RunID:          runID,
		ActorType:      string(c.Req.Actor.Type),
		ActorID:        c.Req.Actor.ID,
		IdempotencyKey: c.Req.IdempotencyKey,
		RequestedAt:    requestedAt,
		NowISO:         c.NowISO,
		Input: matching.Input{
			Intents:        intents,
			AssetValuesUSD: values,
			NowISO:         c.NowISO,
		},
		ForceBucketV2:    boolAt(c.Req.Body, "force_bucket_v2"),
		ForceCanaryError: boolAt(c.Req.Body, "force_canary_error"),
		ForceTimeout:     boolAt(c.Req.Body, "force_timeout"),
		ForceLimited:     boolAt(c.Req.Body, "force_limited"),
		RollbackReset:    boolAt(c.Req.Body, "rollback_reset"),
	})
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"matching run failed: %v", err)
	}

	maxProposals := c.Config.Matching.MaxProposals
	if maxProposals <= 0 {
		maxProposals = rollout.DefaultConfig().MaxProposals
	}
	selected := outcome.Primary.Proposals
	if len(selected) > maxProposals {
		selected = selected[:maxProposals]
	}

	expiresAt, _ := c.Req.Body["proposal_expires_at"].(string)
	if expiresAt == "" {
		if t, err := chrono.Parse(c.NowISO); err == nil {
			expiresAt = chrono.FormatISO(t.AddDate(0, 0, 1))
		}
	}
	persisted := make([]any, 0, len(selected))
	for i, p := range selected {
		proposalID := runID + "-" + strconv.Itoa(i+1)
		intentIDs := make([]any, len(p.IntentIDs))
		for j, id := range p.IntentIDs {
			intentIDs[j] = id
		}
		doc := map[string]any{
			"proposal_id":      proposalID,
			"run_id":           runID,
			"source":           "marketplace",
			"cycle_key":        p.CycleKey,
			"intent_ids":       intentIDs,
			"value_usd":        p.ValueUSD,
			"confidence_score": p.ConfidenceScore,
			"expires_at":       expiresAt,
		}
		proposals.Put(proposalID, doc)
		persisted = append(persisted, doc)
	}

	c.State.Ledgers.Stream(c.Tenant, runsKind).Append("run", c.NowISO, map[string]any{
		"record_type":          "run",
		"run_id":               runID,
		"primary_engine":       outcome.PrimaryEngine,
		"selected_proposals":   len(persisted),
		"bucket":               outcome.Bucket,
		"canary_selected":      outcome.CanarySelected,
		"skipped_reason":       outcome.SkippedReason,
		"fallback_reason_code": outcome.FallbackReasonCode,
		"rollback_activated":   outcome.RollbackActivated,
		"latch_active":         outcome.LatchActive,
	})
	if outcome.ShadowDiff != nil {
		c.State.Ledgers.Stream(c.Tenant, runsKind).Append("run", c.NowISO, map[string]any{
			"record_type": "shadow_diff", "run_id": runID, "diff": outcome.ShadowDiff,
		})
	}
	if outcome.TSShadowDiff != nil {
		c.State.Ledgers.Stream(c.Tenant, runsKind).Append("run", c.NowISO, map[string]any{
			"record_type": "ts_shadow_diff", "run_id": runID, "diff": outcome.TSShadowDiff,
		})
	}
	if outcome.CanarySelected {
		c.State.Ledgers.Stream(c.Tenant, runsKind).Append("run", c.NowISO, map[string]any{
			"record_type":         "canary_decision",
			"run_id":              runID,
			"bucket":              outcome.Bucket,
			"rollback_activated":  outcome.RollbackActivated,
			"trigger_reason_code": outcome.TriggerReasonCode,
		})
	}

	return map[string]any{
		"run_id":               runID,
		"primary_engine":       outcome.PrimaryEngine,
		"proposals":            persisted,
		"bucket":               outcome.Bucket,
		"canary_selected":      outcome.CanarySelected,
		"skipped_reason":       outcome.SkippedReason,
		"fallback_reason_code": outcome.FallbackReasonCode,
		"rollback_activated":   outcome.RollbackActivated,
		"latch_active":         outcome.LatchActive,
		"trigger_reason_code":  outcome.TriggerReasonCode,
		"stats":                outcome.Primary.Stats,
	}, nil
}

// holdProposal records a downstream commit referencing a proposal, which
// blocks its expiry and replacement.
func holdProposal(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	proposalID, _ := c.Req.Body["proposal_id"].(string)
	commitID, _ := c.Req.Body["commit_id"].(string)
	if proposalID == "" || commitID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"proposal_id and commit_id are required")
	}
	if _, ok := c.State.Collection(ProposalsCollection).Get(proposalID); !ok {
		return nil, contracts.NotFound("marketplace_proposal", proposalID)
	}
	doc := map[string]any{
		"commit_id":   commitID,
		"proposal_id": proposalID,
		"actor":       c.Req.Actor.Key(),
		"created_at":  c.NowISO,
	}
	c.State.Collection(commitsCollection).Put(commitID, doc)
	return map[string]any{"commit": doc}, nil
}

func listProposals(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	return map[string]any{"proposals": c.State.Collection(ProposalsCollection).All()}, nil
}

func exportRuns(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.Metrics
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, runsKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "run_id", "record_type")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "matching_runs"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "matching_runs",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"run_id", "record_type"},
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

// proposalInUse consults the downstream reference maps; any hit pins the
// proposal.
func proposalInUse(c *dispatch.Ctx, proposalID string) bool {
	for _, kind := range []string{commitsCollection, TimelinesCollection, ReceiptsCollection, reservationsCollection} {
		for _, doc := range c.State.Collection(kind).All() {
			if stringAt(doc, "proposal_id") == proposalID {
				return true
			}
		}
	}
	return false
}

func rolloutConfig(m config.MatchingV2) rollout.Config {
	cfg := rollout.DefaultConfig()
	cfg.ShadowEnabled = m.ShadowEnabled
	cfg.TSShadowEnabled = m.TSShadowEnabled
	cfg.PrimaryEnabled = m.PrimaryEnabled
	cfg.CanaryEnabled = m.CanaryEnabled
	cfg.RolloutBps = m.RolloutBps
	if m.RollbackWindowRuns > 0 {
		cfg.RollbackWindow = m.RollbackWindowRuns
	}
	if m.MinCycleLength > 0 {
		cfg.V2Bounds.MinCycleLength = m.MinCycleLength
	}
	if m.MaxCycleLength > 0 {
		cfg.V2Bounds.MaxCycleLength = m.MaxCycleLength
	}
	if m.MaxEnumeratedCycles > 0 {
		cfg.V2Bounds.MaxEnumeratedCycles = m.MaxEnumeratedCycles
	}
	if m.TimeoutMS > 0 {
		cfg.V2Bounds.TimeoutMS = m.TimeoutMS
	}
	if m.MaxProposals > 0 {
		cfg.MaxProposals = m.MaxProposals
	}
	return cfg
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func boolAt(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

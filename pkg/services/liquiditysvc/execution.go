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

const (
	modesCollection    = "execution_modes"
	requestsCollection = "execution_requests"
)

const (
	reqPending  = "pending"
	reqApproved = "approved"
	reqRejected = "rejected"
)

// setExecutionMode stores the provider's execution posture.
func setExecutionMode(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	mode, _ := c.Req.Body["mode"].(string)
	switch mode {
	case liquidity.ModeSimulation, liquidity.ModeOperatorAssisted, liquidity.ModeConstrainedAuto, liquidity.ModeManual:
	default:
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"mode %q is not a recognized execution mode", mode)
	}
	restricted, _ := c.Req.Body["restricted_adapter_context"].(bool)

	doc := map[string]any{
		"provider_id":                providerID,
		"mode":                       mode,
		"restricted_adapter_context": restricted,
		"updated_at":                 c.NowISO,
		"updated_by":                 c.Req.Actor.Key(),
	}
	if op, ok := c.Req.Body["override_policy"].(map[string]any); ok {
		doc["override_policy"] = op
	}
	c.State.Collection(modesCollection).Put(providerID, doc)
	return map[string]any{"execution_mode": doc}, nil
}

// recordExecutionRequest registers a pending execution request after the
// platform gates.
func recordExecutionRequest(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	raw, ok := c.Req.Body["execution_request"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.execution_request is required")
	}
	requestID, _ := raw["request_id"].(string)
	if requestID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request_id must be a non-empty string")
	}

	if blocked, _ := raw["platform_policy_blocked"].(bool); blocked {
		return nil, contracts.Conflict(contracts.ReasonExecutionPolicyBlocked,
			"execution requests blocked by platform policy cannot be recorded")
	}
	if auto, _ := raw["auto_execute"].(bool); auto {
		return nil, contracts.ConstraintViolation(contracts.ReasonExecutionAutoForbidden,
			"auto_execute requests cannot be recorded")
	}

	modeDoc, _ := c.State.Collection(modesCollection).Get(providerID)
	if cerr := guardConstrainedAuto(c, modeDoc); cerr != nil {
		return nil, cerr
	}

	requests := c.State.Collection(requestsCollection)
	key := holdingKey(providerID, requestID)
	if _, exists := requests.Get(key); exists {
		return nil, contracts.Conflict(contracts.ReasonExecutionDuplicate,
			"execution request %q already exists", requestID)
	}

	reasonCodes, _ := raw["reason_codes"].([]any)
	if reasonCodes == nil {
		reasonCodes = []any{}
	}
	doc := map[string]any{
		"request_id":    requestID,
		"provider_id":   providerID,
		"status":        reqPending,
		"action_type":   raw["action_type"],
		"risk_class":    raw["risk_class"],
		"reason_codes":  reasonCodes,
		"mode_snapshot": modeDoc,
		"recorded_at":   c.NowISO,
	}
	requests.Put(key, doc)

	executionStream(c).Append("exe", c.NowISO, map[string]any{
		"event":       "request_recorded",
		"provider_id": providerID,
		"request_id":  requestID,
	})
	return map[string]any{"execution_request": doc}, nil
}

// guardConstrainedAuto enforces the override and integration gate for
// constrained_auto providers operating in a restricted adapter context.
func guardConstrainedAuto(c *dispatch.Ctx, modeDoc map[string]any) *contracts.Error {
	if modeDoc == nil {
		return nil
	}
	mode := stringAt(modeDoc, "mode")
	restricted, _ := modeDoc["restricted_adapter_context"].(bool)
	if mode != liquidity.ModeConstrainedAuto || !restricted {
		return nil
	}

	if !c.Config.IntegrationEnabled {
		return contracts.ConstraintViolation(contracts.ReasonIntegrationGateClosed,
			"platform integration gate is closed")
	}
	override, _ := modeDoc["override_policy"].(map[string]any)
	if override == nil || stringAt(override, "status") != "approved" {
		return contracts.ConstraintViolation(contracts.ReasonExecutionOverrideRequired,
			"an approved override is required in a restricted adapter context")
	}
	if expires := stringAt(override, "expires_at"); expires != "" {
		expired, err := chrono.Before(expires, c.NowISO)
		if err != nil || expired {
			return contracts.ConstraintViolation(contracts.ReasonExecutionOverrideExpired,
				"the execution override has expired")
		}
	}
	return nil
}

// decideExecutionRequest resolves a pending request. Decisions are terminal;
// replaying an identical decision is idempotent, a different one conflicts.
func decideExecutionRequest(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	requestID, _ := c.Req.Body["request_id"].(string)
	decision, _ := c.Req.Body["decision"].(string)
	if decision != reqApproved && decision != reqRejected {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"decision must be approved or rejected")
	}

	requests := c.State.Collection(requestsCollection)
	doc, ok := requests.Get(holdingKey(providerID, requestID))
	if !ok {
		return nil, contracts.NotFound("execution_request", requestID)
	}

	decisionPayload := map[string]any{
		"decision":       decision,
		"operator_actor": c.Req.Actor.Key(),
	}
	decisionHash, err := canonical.Hash(decisionPayload)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"decision is not canonically encodable: %v", err)
	}

	switch stringAt(doc, "status") {
	case reqPending:
	case reqApproved, reqRejected:
		if doc["decision_hash"] == decisionHash {
			return map[string]any{"execution_request": doc}, nil
		}
		return nil, contracts.Conflict(contracts.ReasonExecutionTerminal,
			"execution request %q is already decided", requestID)
	}

	doc["status"] = decision
	doc["operator_actor"] = c.Req.Actor.Key()
	doc["decided_at"] = c.NowISO
	doc["decision_correlation_id"] = "corr_execution_" + requestID
	doc["decision_hash"] = decisionHash

	executionStream(c).Append("exe", c.NowISO, map[string]any{
		"event":       "request_decided",
		"provider_id": providerID,
		"request_id":  requestID,
		"decision":    decision,
	})
	return map[string]any{"execution_request": doc}, nil
}

func exportExecution(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.Execution
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, executionLedgerKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "provider_id", "request_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "liquidity_execution"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "liquidity_execution",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"provider_id", "request_id"},
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

func executionStream(c *dispatch.Ctx) *ledger.Stream {
	return c.State.Ledgers.Stream(c.Tenant, executionLedgerKind)
}

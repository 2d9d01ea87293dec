// Package liquiditysvc exposes the provider-scoped liquidity operations:
// the provider registry, versioned policies with their evaluator and signed
// audit export, inventory snapshots and reservations, and the execution
// mode/request state machines.
package liquiditysvc

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
)

const (
	providersCollection = "liquidity_providers"
	policiesCollection  = "liquidity_policies"

	auditLedgerKind     = "policy_audit"
	executionLedgerKind = "execution_events"
	rolloutLedgerKind   = "rollout_events"
)

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// providerSubscope keys idempotency scopes by provider so two providers can
// share an operation name under one partner.
func providerSubscope(req *contracts.Request) string {
	return req.Param("provider_id")
}

// Operations returns the full liquidity operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "liquidityProvider.register", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: registerProvider},
		{ID: "liquidityProvider.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getProvider},

		{ID: "liquidityPolicy.upsert", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: upsertPolicy},
		{ID: "liquidityPolicy.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getPolicy},
		{ID: "liquidityPolicy.evaluate", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: evaluatePolicy},
		{ID: "liquidityPolicy.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportPolicyAudit},

		{ID: "liquidityInventory.snapshot", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: snapshotInventory},
		{ID: "liquidityInventory.reserve", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: reserveInventory},
		{ID: "liquidityInventory.transition", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: transitionReservation},
		{ID: "liquidityInventory.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getInventory},

		{ID: "liquidityExecution.setMode", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: setExecutionMode},
		{ID: "liquidityExecution.record", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: recordExecutionRequest},
		{ID: "liquidityExecution.decide", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: decideExecutionRequest},
		{ID: "liquidityExecution.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportExecution},

		{ID: "partnerLpGovernance.upsert", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: upsertGovernance},
		{ID: "partnerLpGovernance.recordEligibility", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: recordEligibility},
		{ID: "partnerLpGovernance.activateRollout", Kind: dispatch.Write, Policy: partnerOnly(), Subscope: providerSubscope, Handler: activateRollout},
		{ID: "partnerLpGovernance.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportGovernance},
	}
}

func registerProvider(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("provider_id")
	if id == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"provider_id is required")
	}
	col := c.State.Collection(providersCollection)
	if existing, ok := col.Get(id); ok {
		owner := ownerOf(existing)
		if cerr := authz.RequireOwner(c.Req.Actor, owner); cerr != nil {
			return nil, cerr
		}
		return map[string]any{"provider": existing}, nil
	}
	doc := map[string]any{
		"provider_id": id,
		"owner_actor": map[string]any{"type": string(c.Req.Actor.Type), "id": c.Req.Actor.ID},
		"registered_at": c.NowISO,
	}
	col.Put(id, doc)
	return map[string]any{"provider": doc}, nil
}

func getProvider(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	return map[string]any{"provider": doc}, nil
}

// ownedProvider loads the provider named by params.provider_id and enforces
// owner tenancy.
func ownedProvider(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("provider_id")
	doc, ok := c.State.Collection(providersCollection).Get(id)
	if !ok {
		return nil, contracts.NotFound("liquidity_provider", id)
	}
	if cerr := authz.RequireOwner(c.Req.Actor, ownerOf(doc)); cerr != nil {
		return nil, cerr
	}
	return doc, nil
}

func ownerOf(doc map[string]any) contracts.Actor {
	owner, _ := doc["owner_actor"].(map[string]any)
	t, _ := owner["type"].(string)
	id, _ := owner["id"].(string)
	return contracts.Actor{Type: contracts.ActorType(t), ID: id}
}

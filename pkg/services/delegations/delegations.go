// Package delegations implements user-issued grants to agents: create with
// conflict detection on diverging parameters, owner-scoped reads, and
// idempotent revocation.
package delegations

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
)

const collection = "delegations"

// Operations returns the delegation operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{
			ID:      "delegations.create",
			Kind:    dispatch.Write,
			Policy:  authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser}},
			Handler: create,
		},
		{
			ID:      "delegations.get",
			Kind:    dispatch.Read,
			Policy:  authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser}},
			Handler: get,
		},
		{
			ID:      "delegations.revoke",
			Kind:    dispatch.Write,
			Policy:  authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser}},
			Handler: revoke,
		},
	}
}

// CorrelationID derives the stable delegation correlation id.
func CorrelationID(delegationID string) string {
	return "corr_delegation_" + delegationID
}

func create(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["delegation"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.delegation is required")
	}

	id, _ := raw["delegation_id"].(string)
	if id == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"delegation_id must be a non-empty string")
	}

	agentRaw, _ := raw["principal_agent"].(map[string]any)
	agentType, _ := agentRaw["type"].(string)
	agentID, _ := agentRaw["id"].(string)
	agent := contracts.Actor{Type: contracts.ActorType(agentType), ID: agentID}
	if !agent.Valid() {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"principal_agent must be a valid actor")
	}

	scopes, cerr := stringList(raw["scopes"])
	if cerr != nil {
		return nil, cerr
	}

	expiresAt, _ := raw["expires_at"].(string)
	if _, err := chrono.Parse(expiresAt); err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"expires_at %q is not a valid timestamp", expiresAt)
	}

	issuedAt := c.NowISO
	if occurred, ok := c.Req.Body["occurred_at"].(string); ok && occurred != "" {
		t, err := chrono.Parse(occurred)
		if err != nil {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"occurred_at %q is not a valid timestamp", occurred)
		}
		issuedAt = chrono.FormatISO(t)
	}

	policy, _ := raw["policy"].(map[string]any)
	if policy == nil {
		policy = map[string]any{}
	}

	params := map[string]any{
		"delegation_id":   id,
		"subject_actor":   map[string]any{"type": string(c.Req.Actor.Type), "id": c.Req.Actor.ID},
		"principal_agent": map[string]any{"type": string(agent.Type), "id": agent.ID},
		"scopes":          scopes,
		"policy":          policy,
		"expires_at":      expiresAt,
	}
	paramsHash, err := canonical.Hash(params)
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"delegation parameters are not canonically encodable: %v", err)
	}

	col := c.State.Collection(collection)
	if existing, ok := col.Get(id); ok {
		if existing["params_hash"] != paramsHash {
			return nil, contracts.Conflict(contracts.ReasonDelegationParamsDiverge,
				"delegation %q already exists with different parameters", id)
		}
		// Same id, same parameters: an idempotent read of the original.
		return responseBody(existing), nil
	}

	doc := map[string]any{
		"delegation_id":   id,
		"subject_actor":   params["subject_actor"],
		"principal_agent": params["principal_agent"],
		"scopes":          scopes,
		"policy":          policy,
		"issued_at":       issuedAt,
		"expires_at":      expiresAt,
		"revoked_at":      nil,
		"params_hash":     paramsHash,
	}
	col.Put(id, doc)
	return responseBody(doc), nil
}

func get(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, cerr := ownedDelegation(c)
	if cerr != nil {
		return nil, cerr
	}
	return responseBody(doc), nil
}

func revoke(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, cerr := ownedDelegation(c)
	if cerr != nil {
		return nil, cerr
	}
	// revoked_at is written once; later revokes read it back unchanged.
	if doc["revoked_at"] == nil {
		doc["revoked_at"] = c.NowISO
	}
	return responseBody(doc), nil
}

func ownedDelegation(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("delegation_id")
	if id == "" {
		if raw, ok := c.Req.Body["delegation_id"].(string); ok {
			id = raw
		}
	}
	doc, ok := c.State.Collection(collection).Get(id)
	if !ok {
		return nil, contracts.NotFound("delegation", id)
	}
	subject, _ := doc["subject_actor"].(map[string]any)
	owner := contracts.Actor{
		Type: contracts.ActorType(stringAt(subject, "type")),
		ID:   stringAt(subject, "id"),
	}
	if cerr := ownerGuard(c.Req.Actor, owner); cerr != nil {
		return nil, cerr
	}
	return doc, nil
}

func ownerGuard(actor, owner contracts.Actor) *contracts.Error {
	if !actor.Equal(owner) {
		return contracts.Forbidden("delegation_subject_mismatch",
			"delegation belongs to a different user")
	}
	return nil
}

func responseBody(doc map[string]any) map[string]any {
	id, _ := doc["delegation_id"].(string)
	view := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "params_hash" {
			continue
		}
		view[k] = v
	}
	return map[string]any{
		"correlation_id": CorrelationID(id),
		"delegation":     view,
	}
}

func stringList(raw any) ([]any, *contracts.Error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"scopes must be a list of strings")
	}
	for _, it := range items {
		if _, ok := it.(string); !ok {
			return nil, contracts.NewError(contracts.CodeConstraintViolation,
				"scopes must be a list of strings")
		}
	}
	return items, nil
}

func stringAt(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// Package authz maps (operation, actor, auth) to allow or deny. Policies are
// declared per operation id; an optional CEL condition evaluates over the
// actor and auth facts for anything the static shape checks cannot express.
package authz

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// Policy declares who may call one operation.
type Policy struct {
	Operation contracts.OperationID
	// ActorTypes lists the permitted actor types; empty permits any valid
	// actor.
	ActorTypes []contracts.ActorType
	// RequireAuthSubject, when set, demands auth.subject == actor.id.
	RequireAuthSubject bool
	// Condition is an optional CEL expression over actor_type, actor_id,
	// auth_subject, and auth_scope. It must evaluate to a bool.
	Condition string
}

type compiledPolicy struct {
	policy  Policy
	program cel.Program
}

// Gate is the authorization decision point.
type Gate struct {
	policies map[contracts.OperationID]*compiledPolicy
}

// NewGate compiles the policy table. Invalid CEL conditions fail construction
// rather than deny at runtime.
func NewGate(policies []Policy) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor_type", cel.StringType),
		cel.Variable("actor_id", cel.StringType),
		cel.Variable("auth_subject", cel.StringType),
		cel.Variable("auth_scope", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("authz: cel env: %w", err)
	}

	g := &Gate{policies: make(map[contracts.OperationID]*compiledPolicy, len(policies))}
	for _, p := range policies {
		cp := &compiledPolicy{policy: p}
		if p.Condition != "" {
			ast, iss := env.Compile(p.Condition)
			if iss != nil && iss.Err() != nil {
				return nil, fmt.Errorf("authz: condition for %s: %w", p.Operation, iss.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, fmt.Errorf("authz: program for %s: %w", p.Operation, err)
			}
			cp.program = prg
		}
		g.policies[p.Operation] = cp
	}
	return g, nil
}

// Authorize returns nil when the actor may invoke the operation.
func (g *Gate) Authorize(op contracts.OperationID, actor contracts.Actor, auth contracts.Auth) *contracts.Error {
	cp, ok := g.policies[op]
	if !ok {
		return contracts.Forbidden("operation_not_registered", "operation %q is not registered", op)
	}
	if !actor.Valid() {
		return contracts.Forbidden("actor_invalid", "actor must have a known type and non-empty id")
	}
	if len(cp.policy.ActorTypes) > 0 {
		allowed := false
		for _, t := range cp.policy.ActorTypes {
			if actor.Type == t {
				allowed = true
				break
			}
		}
		if !allowed {
			return contracts.Forbidden("actor_type_not_permitted",
				"actor type %q may not invoke %s", actor.Type, op)
		}
	}
	if cp.policy.RequireAuthSubject && auth.Subject != actor.ID {
		return contracts.Forbidden("auth_subject_mismatch",
			"auth subject does not match actor id")
	}
	if cp.program != nil {
		out, _, err := cp.program.Eval(map[string]any{
			"actor_type":   string(actor.Type),
			"actor_id":     actor.ID,
			"auth_subject": auth.Subject,
			"auth_scope":   auth.Scope,
		})
		if err != nil {
			return contracts.Forbidden("condition_error", "authorization condition failed: %v", err)
		}
		allowed, ok := out.Value().(bool)
		if !ok || !allowed {
			return contracts.Forbidden("condition_denied", "authorization condition denied %s", op)
		}
	}
	return nil
}

// RequireOwner enforces provider tenancy: the calling actor must be the
// provider's owner. Services call this after Authorize for provider-scoped
// operations.
func RequireOwner(actor, owner contracts.Actor) *contracts.Error {
	if !actor.Equal(owner) {
		return contracts.Forbidden(contracts.ReasonProviderActorMismatch,
			"actor is not the owner of this liquidity provider")
	}
	return nil
}

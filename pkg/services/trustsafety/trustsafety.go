// Package trustsafety records abuse signals and the decisions that cite
// them, with per-actor visibility and a redactable signed export.
package trustsafety

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/ledger"
)

const (
	signalsCollection   = "ts_signals"
	decisionsCollection = "ts_decisions"
	ledgerKind          = "trust_safety"
)

// The category set is closed; unknown categories are rejected.
var signalCategories = map[string]bool{
	"fraud_payment":           true,
	"fraud_listing":           true,
	"fraud_chargeback":        true,
	"fraud_collusion":         true,
	"ato_login":               true,
	"ato_credential_stuffing": true,
	"ato_session_hijack":      true,
	"ato_recovery_abuse":      true,
}

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

func anyActor() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser, contracts.ActorPartner}}
}

// Operations returns the trust and safety operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "trustSafety.recordSignal", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordSignal},
		{ID: "trustSafety.recordDecision", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordDecision},
		{ID: "trustSafety.getSignal", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getSignal},
		{ID: "trustSafety.listDecisions", Kind: dispatch.Read, Policy: anyActor(), Handler: listDecisions},
		{ID: "trustSafety.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportEvents},
	}
}

func recordSignal(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["signal"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.signal is required")
	}
	signalID, _ := raw["signal_id"].(string)
	if signalID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"signal_id must be a non-empty string")
	}
	category, _ := raw["category"].(string)
	if !signalCategories[category] {
		return nil, contracts.ConstraintViolation(contracts.ReasonSignalCategoryUnknown,
			"signal category %q is not recognized", category)
	}
	subject, cerr := subjectActor(raw)
	if cerr != nil {
		return nil, cerr
	}

	col := c.State.Collection(signalsCollection)
	if existing, ok := col.Get(signalID); ok {
		return map[string]any{"signal": existing}, nil
	}
	doc := map[string]any{
		"signal_id":     signalID,
		"category":      category,
		"subject_actor": map[string]any{"type": string(subject.Type), "id": subject.ID},
		"severity":      raw["severity"],
		"recorded_by":   c.Req.Actor.Key(),
		"recorded_at":   c.NowISO,
	}
	col.Put(signalID, doc)

	eventStream(c).Append("tss", c.NowISO, map[string]any{
		"record_type":   "signal",
		"signal_id":     signalID,
		"category":      category,
		"subject_type":  string(subject.Type),
		"subject_id":    subject.ID,
	})
	return map[string]any{"signal": doc}, nil
}

// recordDecision stores a decision citing one or more signals. Every cited
// signal's subject must equal the decision subject.
func recordDecision(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["decision"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.decision is required")
	}
	decisionID, _ := raw["decision_id"].(string)
	if decisionID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"decision_id must be a non-empty string")
	}
	subject, cerr := subjectActor(raw)
	if cerr != nil {
		return nil, cerr
	}
	rawIDs, _ := raw["signal_ids"].([]any)
	if len(rawIDs) == 0 {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"a decision must cite at least one signal")
	}

	signals := c.State.Collection(signalsCollection)
	signalIDs := make([]any, 0, len(rawIDs))
	for _, rawID := range rawIDs {
		id, _ := rawID.(string)
		sig, ok := signals.Get(id)
		if !ok {
			return nil, contracts.NotFound("trust_safety_signal", id)
		}
		sigSubject, _ := sig["subject_actor"].(map[string]any)
		if sigSubject["type"] != string(subject.Type) || sigSubject["id"] != subject.ID {
			return nil, contracts.ConstraintViolation(contracts.ReasonSignalSubjectMismatch,
				"signal %q subject does not match the decision subject", id)
		}
		signalIDs = append(signalIDs, id)
	}

	col := c.State.Collection(decisionsCollection)
	if existing, ok := col.Get(decisionID); ok {
		return map[string]any{"decision": existing}, nil
	}
	doc := map[string]any{
		"decision_id":   decisionID,
		"subject_actor": map[string]any{"type": string(subject.Type), "id": subject.ID},
		"signal_ids":    signalIDs,
		"action":        raw["action"],
		"recorded_by":   c.Req.Actor.Key(),
		"recorded_at":   c.NowISO,
	}
	col.Put(decisionID, doc)

	eventStream(c).Append("tsd", c.NowISO, map[string]any{
		"record_type":  "decision",
		"decision_id":  decisionID,
		"subject_type": string(subject.Type),
		"subject_id":   subject.ID,
	})
	return map[string]any{"decision": doc}, nil
}

func getSignal(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("signal_id")
	doc, ok := c.State.Collection(signalsCollection).Get(id)
	if !ok {
		return nil, contracts.NotFound("trust_safety_signal", id)
	}
	if stringAt(doc, "recorded_by") != c.Req.Actor.Key() {
		return nil, contracts.Forbidden("trust_safety_signal_visibility",
			"signal %q is not visible to this actor", id)
	}
	return map[string]any{"signal": doc}, nil
}

// listDecisions applies the visibility rules: a user sees decisions whose
// subject is that user; a partner sees decisions it recorded or whose
// subject is that partner.
func listDecisions(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	visible := []map[string]any{}
	for _, doc := range c.State.Collection(decisionsCollection).All() {
		if decisionVisible(doc, c.Req.Actor) {
			visible = append(visible, doc)
		}
	}
	return map[string]any{"decisions": visible}, nil
}

func decisionVisible(doc map[string]any, actor contracts.Actor) bool {
	subject, _ := doc["subject_actor"].(map[string]any)
	subjectMatch := subject["type"] == string(actor.Type) && subject["id"] == actor.ID
	switch actor.Type {
	case contracts.ActorUser:
		return subjectMatch
	case contracts.ActorPartner:
		return subjectMatch || stringAt(doc, "recorded_by") == actor.Key()
	}
	return false
}

func subjectActor(raw map[string]any) (contracts.Actor, *contracts.Error) {
	subject, _ := raw["subject_actor"].(map[string]any)
	t, _ := subject["type"].(string)
	id, _ := subject["id"].(string)
	actor := contracts.Actor{Type: contracts.ActorType(t), ID: id}
	if !actor.Valid() {
		return contracts.Actor{}, contracts.NewError(contracts.CodeConstraintViolation,
			"subject_actor must carry a valid type and id")
	}
	return actor, nil
}

func eventStream(c *dispatch.Ctx) *ledger.Stream {
	return c.State.Ledgers.Stream(c.Tenant, ledgerKind)
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

// Package compensation manages cross-adapter compensation cases. A case
// opens only against a signed receipt that demands compensation, then moves
// open -> approved|rejected -> resolved.
package compensation

import (
	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/canonical"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
)

const (
	casesCollection = "compensation_cases"
	ledgerKind      = "compensation"
)

const (
	caseOpen     = "open"
	caseApproved = "approved"
	caseRejected = "rejected"
	caseResolved = "resolved"
)

var caseTransitions = map[string][]string{
	caseOpen:     {caseApproved, caseRejected},
	caseApproved: {caseResolved},
	caseRejected: {caseResolved},
}

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the compensation case operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "compensation.create", Kind: dispatch.Write, Policy: partnerOnly(), Handler: createCase},
		{ID: "compensation.transition", Kind: dispatch.Write, Policy: partnerOnly(), Handler: transitionCase},
		{ID: "compensation.get", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getCase},
		{ID: "compensation.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportCases},
	}
}

func createCase(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["case"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.case is required")
	}
	caseID, _ := raw["case_id"].(string)
	if caseID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"case_id must be a non-empty string")
	}

	receipt, _ := raw["receipt"].(map[string]any)
	payload, _ := receipt["payload"].(map[string]any)
	signature, _ := receipt["signature"].(string)
	payloadBytes, err := canonical.Marshal(payload)
	if err != nil || !c.Signer.Verify(payloadBytes, signature) {
		return nil, contracts.ConstraintViolation(contracts.ReasonCompensationReceiptInvalid,
			"receipt signature does not verify against the canonical payload")
	}
	if required, _ := payload["compensation_required"].(bool); !required {
		return nil, contracts.ConstraintViolation(contracts.ReasonCompensationNotRequired,
			"the cited receipt does not require compensation")
	}

	col := c.State.Collection(casesCollection)
	if existing, ok := col.Get(caseID); ok {
		return map[string]any{"case": existing}, nil
	}
	doc := map[string]any{
		"case_id":    caseID,
		"partner":    c.Req.Actor.Key(),
		"receipt_id": payload["receipt_id"],
		"amount_usd": payload["amount_usd"],
		"status":     caseOpen,
		"opened_at":  c.NowISO,
		"updated_at": c.NowISO,
	}
	col.Put(caseID, doc)

	c.State.Ledgers.Stream(c.Tenant, ledgerKind).Append("cmp", c.NowISO, map[string]any{
		"event":   "case_opened",
		"case_id": caseID,
	})
	return map[string]any{"case": doc}, nil
}

func transitionCase(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	caseID, _ := c.Req.Body["case_id"].(string)
	target, _ := c.Req.Body["status"].(string)

	doc, cerr := ownedCase(c, caseID)
	if cerr != nil {
		return nil, cerr
	}
	current, _ := doc["status"].(string)
	if !transitionAllowed(current, target) {
		return nil, contracts.ConstraintViolation(contracts.ReasonCompensationInvalidTransition,
			"case %q may not move from %s to %s", caseID, current, target)
	}
	doc["status"] = target
	doc["updated_at"] = c.NowISO

	c.State.Ledgers.Stream(c.Tenant, ledgerKind).Append("cmp", c.NowISO, map[string]any{
		"event":   "case_transitioned",
		"case_id": caseID,
		"status":  target,
	})
	return map[string]any{"case": doc}, nil
}

func getCase(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, cerr := ownedCase(c, c.Req.Param("case_id"))
	if cerr != nil {
		return nil, cerr
	}
	return map[string]any{"case": doc}, nil
}

func ownedCase(c *dispatch.Ctx, caseID string) (map[string]any, *contracts.Error) {
	doc, ok := c.State.Collection(casesCollection).Get(caseID)
	if !ok {
		return nil, contracts.NotFound("compensation_case", caseID)
	}
	if partner, _ := doc["partner"].(string); partner != c.Req.Actor.Key() {
		return nil, contracts.Forbidden("compensation_case_visibility",
			"case %q belongs to another partner", caseID)
	}
	return doc, nil
}

func transitionAllowed(current, target string) bool {
	for _, next := range caseTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

func exportCases(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.Execution
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, ledgerKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "case_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "compensation"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "compensation",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"case_id"},
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

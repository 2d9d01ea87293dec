// Package reliability aggregates SLO metrics, incident drills, and replay
// checks into a deterministic, ranked remediation plan.
package reliability

import (
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/chrono"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/export"
)

const (
	plansCollection = "remediation_plans"
	inputsKind      = "reliability_inputs"
	plansKind       = "reliability_plans"
)

func partnerOnly() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorPartner}}
}

// Operations returns the reliability remediation operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "reliability.recordMetric", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordMetric},
		{ID: "reliability.recordDrill", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordDrill},
		{ID: "reliability.recordReplayCheck", Kind: dispatch.Write, Policy: partnerOnly(), Handler: recordReplayCheck},
		{ID: "reliability.suggest", Kind: dispatch.Write, Policy: partnerOnly(), Handler: suggestPlan},
		{ID: "reliability.getPlan", Kind: dispatch.Read, Policy: partnerOnly(), Handler: getPlan},
		{ID: "reliability.export", Kind: dispatch.Export, Policy: partnerOnly(), Handler: exportPlans},
	}
}

func recordMetric(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["metric"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.metric is required")
	}
	name, _ := raw["name"].(string)
	target, okT := numberAt(raw, "slo_target")
	attainment, okA := numberAt(raw, "attainment")
	if name == "" || !okT || !okA {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"metric requires name, slo_target, and attainment")
	}
	entry := c.State.Ledgers.Stream(c.Tenant, inputsKind).Append("rin", c.NowISO, map[string]any{
		"input_type": "slo_metric",
		"name":       name,
		"slo_target": target,
		"attainment": attainment,
		"breached":   attainment < target,
	})
	return map[string]any{"entry_id": entry.EntryID}, nil
}

func recordDrill(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["drill"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.drill is required")
	}
	drillID, _ := raw["drill_id"].(string)
	outcome, _ := raw["outcome"].(string)
	if drillID == "" || (outcome != "pass" && outcome != "fail") {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"drill requires drill_id and an outcome of pass or fail")
	}
	entry := c.State.Ledgers.Stream(c.Tenant, inputsKind).Append("rin", c.NowISO, map[string]any{
		"input_type": "incident_drill",
		"drill_id":   drillID,
		"outcome":    outcome,
	})
	return map[string]any{"entry_id": entry.EntryID}, nil
}

func recordReplayCheck(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["replay_check"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.replay_check is required")
	}
	checkID, _ := raw["check_id"].(string)
	status, _ := raw["status"].(string)
	if checkID == "" || (status != "ok" && status != "mismatch") {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"replay_check requires check_id and a status of ok or mismatch")
	}
	entry := c.State.Ledgers.Stream(c.Tenant, inputsKind).Append("rin", c.NowISO, map[string]any{
		"input_type": "replay_check",
		"check_id":   checkID,
		"status":     status,
	})
	return map[string]any{"entry_id": entry.EntryID}, nil
}

// Action catalog. Scores weight the underlying signal; ties break on the
// action name so the ranking is total.
var actionCatalog = []struct {
	signal string
	action string
	weight int
}{
	{"slo_breaches", "tighten_error_budget_policy", 3},
	{"slo_breaches", "review_alert_thresholds", 1},
	{"failed_drills", "schedule_incident_drill_retro", 2},
	{"replay_mismatches", "quarantine_divergent_replays", 3},
	{"replay_mismatches", "audit_canonicalization_paths", 2},
}

// suggestPlan aggregates inputs in [from_iso, to_iso) and writes a ranked
// remediation plan. The plan id is deterministic over the signal summary, so
// identical windows with identical inputs produce the same plan.
func suggestPlan(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	fromISO, _ := c.Req.Body["from_iso"].(string)
	toISO, _ := c.Req.Body["to_iso"].(string)
	fromMS, okF := chrono.EpochMS(fromISO)
	toMS, okT := chrono.EpochMS(toISO)
	if !okF || !okT || toMS <= fromMS {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"suggest requires a valid from_iso/to_iso window")
	}

	summary := map[string]int{"slo_breaches": 0, "failed_drills": 0, "replay_mismatches": 0}
	for _, e := range c.State.Ledgers.Stream(c.Tenant, inputsKind).Sorted() {
		ms, ok := chrono.EpochMS(e.RecordedAt)
		if !ok || ms < fromMS || ms >= toMS {
			continue
		}
		switch e.Payload["input_type"] {
		case "slo_metric":
			if breached, _ := e.Payload["breached"].(bool); breached {
				summary["slo_breaches"]++
			}
		case "incident_drill":
			if e.Payload["outcome"] == "fail" {
				summary["failed_drills"]++
			}
		case "replay_check":
			if e.Payload["status"] == "mismatch" {
				summary["replay_mismatches"]++
			}
		}
	}

	type ranked struct {
		Action string `json:"action"`
		Signal string `json:"signal"`
		Score  int    `json:"score"`
	}
	actions := []ranked{}
	for _, cat := range actionCatalog {
		if n := summary[cat.signal]; n > 0 {
			actions = append(actions, ranked{Action: cat.action, Signal: cat.signal, Score: n * cat.weight})
		}
	}
	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Score != actions[j].Score {
			return actions[i].Score > actions[j].Score
		}
		return actions[i].Action < actions[j].Action
	})

	planID, err := chrono.DeterministicID("plan", map[string]any{
		"partner": c.Req.Actor.Key(),
		"window":  []string{fromISO, toISO},
		"summary": summary,
	})
	if err != nil {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"plan summary is not canonically encodable: %v", err)
	}

	actionDocs := make([]any, len(actions))
	for i, a := range actions {
		actionDocs[i] = map[string]any{"action": a.Action, "signal": a.Signal, "score": a.Score}
	}
	doc := map[string]any{
		"plan_id":      planID,
		"partner":      c.Req.Actor.Key(),
		"from_iso":     fromISO,
		"to_iso":       toISO,
		"summary":      map[string]any{"slo_breaches": summary["slo_breaches"], "failed_drills": summary["failed_drills"], "replay_mismatches": summary["replay_mismatches"]},
		"actions":      actionDocs,
		"generated_at": c.NowISO,
	}
	c.State.Collection(plansCollection).Put(planID, doc)
	c.State.Ledgers.Stream(c.Tenant, plansKind).Append("pln", c.NowISO, map[string]any{
		"plan_id":      planID,
		"action_count": len(actionDocs),
	})
	return map[string]any{"plan": doc}, nil
}

func getPlan(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	id := c.Req.Param("plan_id")
	doc, ok := c.State.Collection(plansCollection).Get(id)
	if !ok {
		return nil, contracts.NotFound("remediation_plan", id)
	}
	if s, _ := doc["partner"].(string); s != c.Req.Actor.Key() {
		return nil, contracts.Forbidden("remediation_plan_visibility",
			"plan %q belongs to another partner", id)
	}
	return map[string]any{"plan": doc}, nil
}

func exportPlans(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	window := c.Config.Metrics
	exportedAt, cerr := export.ResolveExportedAt(c.Req.Query, c.Req.Auth.NowISO, c.Config.AuthzNowISO, chrono.FixedClock{ISO: c.NowISO})
	if cerr != nil {
		return nil, cerr
	}

	stream := c.State.Ledgers.Stream(c.Tenant, plansKind)
	items := export.FilterEquals(export.LedgerItems(stream.Sorted()), c.Req.Query, "plan_id")

	env, cerr := export.Run(c.State.CheckpointMap(c.Tenant, "metrics"), export.Params{
		Tenant:                  c.Tenant,
		Contract:                "metrics",
		Query:                   c.Req.Query,
		AllowedKeys:             []string{"plan_id"},
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

func numberAt(doc map[string]any, key string) (float64, bool) {
	switch v := doc[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

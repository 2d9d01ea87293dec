// Package projections serves read-only product views over intents,
// proposals, timelines, and receipts, plus per-actor notification
// preferences. Nothing here mutates domain records.
package projections

import (
	"regexp"
	"sort"

	"github.com/Quantaloop-Labs/keel/core/pkg/authz"
	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
	"github.com/Quantaloop-Labs/keel/core/pkg/services/marketplace"
)

const preferencesCollection = "notification_preferences"

// notificationCategories is the closed set of per-category opt-ins.
var notificationCategories = []string{
	"matching",
	"settlement",
	"governance",
	"trust_safety",
	"reliability",
}

var quietHoursPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

func anyActor() authz.Policy {
	return authz.Policy{ActorTypes: []contracts.ActorType{contracts.ActorUser, contracts.ActorPartner}}
}

// Operations returns the projection and preference operation table.
func Operations() []dispatch.Operation {
	return []dispatch.Operation{
		{ID: "projections.activity", Kind: dispatch.Read, Policy: anyActor(), Handler: activity},
		{ID: "projections.summary", Kind: dispatch.Read, Policy: anyActor(), Handler: summary},
		{ID: "preferences.set", Kind: dispatch.Write, Policy: anyActor(), Handler: setPreferences},
		{ID: "preferences.get", Kind: dispatch.Read, Policy: anyActor(), Handler: getPreferences},
		{ID: "preferences.check", Kind: dispatch.Read, Policy: anyActor(), Handler: checkDelivery},
	}
}

// activity returns every record the actor may see, grouped by kind.
// Partners see the whole tenant; users see records they participate in.
func activity(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	intents := visibleDocs(c, marketplace.IntentsCollection)
	return map[string]any{
		"intents":   intents,
		"proposals": visibleProposals(c, intentIDSet(intents)),
		"timelines": visibleDocs(c, marketplace.TimelinesCollection),
		"receipts":  visibleDocs(c, marketplace.ReceiptsCollection),
	}, nil
}

// summary derives headline counts and the total receipt value from the same
// visibility-filtered sets the activity view uses.
func summary(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	intents := visibleDocs(c, marketplace.IntentsCollection)
	proposals := visibleProposals(c, intentIDSet(intents))
	receipts := visibleDocs(c, marketplace.ReceiptsCollection)

	totalUSD := 0.0
	for _, doc := range receipts {
		if v, ok := doc["amount_usd"].(float64); ok {
			totalUSD += v
		}
	}
	return map[string]any{
		"open_intents":       len(intents),
		"active_proposals":   len(proposals),
		"timelines":          len(visibleDocs(c, marketplace.TimelinesCollection)),
		"receipts":           len(receipts),
		"receipts_total_usd": totalUSD,
	}, nil
}

func setPreferences(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	raw, ok := c.Req.Body["preferences"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.preferences is required")
	}

	doc := map[string]any{
		"actor":      c.Req.Actor.Key(),
		"updated_at": c.NowISO,
	}
	if quiet, ok := raw["quiet_hours"].(map[string]any); ok {
		start, _ := quiet["start"].(string)
		end, _ := quiet["end"].(string)
		if !quietHoursPattern.MatchString(start) || !quietHoursPattern.MatchString(end) {
			return nil, contracts.ConstraintViolation(contracts.ReasonQuietHoursInvalid,
				"quiet hours must be HH:MM values in 24-hour time")
		}
		if start == end {
			return nil, contracts.ConstraintViolation(contracts.ReasonQuietHoursInvalid,
				"quiet hours window must not be empty")
		}
		doc["quiet_hours"] = map[string]any{"start": start, "end": end}
	}

	categories := map[string]any{}
	if rawCats, ok := raw["categories"].(map[string]any); ok {
		for name, v := range rawCats {
			if !knownCategory(name) {
				return nil, contracts.ConstraintViolation(contracts.ReasonNotificationCategoryUnknown,
					"unknown notification category %q", name)
			}
			enabled, _ := v.(bool)
			categories[name] = enabled
		}
	}
	doc["categories"] = categories

	c.State.Collection(preferencesCollection).Put(c.Req.Actor.Key(), doc)
	return map[string]any{"preferences": doc}, nil
}

func getPreferences(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	doc, ok := c.State.Collection(preferencesCollection).Get(c.Req.Actor.Key())
	if !ok {
		// Absent preferences mean every category is on and no quiet hours.
		doc = map[string]any{
			"actor":      c.Req.Actor.Key(),
			"categories": map[string]any{},
		}
	}
	return map[string]any{"preferences": doc}, nil
}

// checkDelivery reports whether a notification in the given category would
// be delivered to the actor at the given local time.
func checkDelivery(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	category, _ := c.Req.Query["category"].(string)
	if !knownCategory(category) {
		return nil, contracts.ConstraintViolation(contracts.ReasonNotificationCategoryUnknown,
			"unknown notification category %q", category)
	}
	localTime, _ := c.Req.Query["local_time"].(string)
	if !quietHoursPattern.MatchString(localTime) {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"local_time must be an HH:MM value in 24-hour time")
	}

	doc, _ := c.State.Collection(preferencesCollection).Get(c.Req.Actor.Key())

	// Opt-ins default to enabled until the actor says otherwise.
	if doc != nil {
		if cats, ok := doc["categories"].(map[string]any); ok {
			if enabled, set := cats[category].(bool); set && !enabled {
				return map[string]any{"deliver": false, "reason": "category_opt_out"}, nil
			}
		}
		if quiet, ok := doc["quiet_hours"].(map[string]any); ok {
			start, _ := quiet["start"].(string)
			end, _ := quiet["end"].(string)
			if inQuietWindow(localTime, start, end) {
				return map[string]any{"deliver": false, "reason": "quiet_hours"}, nil
			}
		}
	}
	return map[string]any{"deliver": true, "reason": ""}, nil
}

// inQuietWindow treats [start, end) as a half-open window; start > end is an
// overnight window wrapping midnight. HH:MM strings compare lexically.
func inQuietWindow(at, start, end string) bool {
	if start < end {
		return at >= start && at < end
	}
	return at >= start || at < end
}

func knownCategory(name string) bool {
	for _, c := range notificationCategories {
		if c == name {
			return true
		}
	}
	return false
}

func visibleDocs(c *dispatch.Ctx, kind string) []map[string]any {
	out := []map[string]any{}
	for _, doc := range c.State.Collection(kind).All() {
		if c.Req.Actor.Type == contracts.ActorPartner || participantOf(doc, c.Req.Actor.ID) {
			out = append(out, doc)
		}
	}
	return out
}

// visibleProposals shows a user only proposals that include one of the
// user's own intents.
func visibleProposals(c *dispatch.Ctx, ownIntents map[string]bool) []map[string]any {
	out := []map[string]any{}
	for _, doc := range c.State.Collection(marketplace.ProposalsCollection).All() {
		if c.Req.Actor.Type == contracts.ActorPartner {
			out = append(out, doc)
			continue
		}
		ids, _ := doc["intent_ids"].([]any)
		for _, id := range ids {
			if s, _ := id.(string); ownIntents[s] {
				out = append(out, doc)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := out[i]["proposal_id"].(string)
		b, _ := out[j]["proposal_id"].(string)
		return a < b
	})
	return out
}

func participantOf(doc map[string]any, actorID string) bool {
	if id, _ := doc["actor_id"].(string); id == actorID {
		return true
	}
	if ids, ok := doc["participant_ids"].([]any); ok {
		for _, id := range ids {
			if s, _ := id.(string); s == actorID {
				return true
			}
		}
	}
	return false
}

func intentIDSet(intents []map[string]any) map[string]bool {
	out := make(map[string]bool, len(intents))
	for _, doc := range intents {
		if id, _ := doc["intent_id"].(string); id != "" {
			out[id] = true
		}
	}
	return out
}

package liquiditysvc

import (
	"strings"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
	"github.com/Quantaloop-Labs/keel/core/pkg/dispatch"
)

const (
	holdingsCollection     = "inventory_holdings"
	reservationsCollection = "inventory_reservations"
)

// Reservation statuses. Active means the holding is committed.
const (
	resReserved     = "reserved"
	resInSettlement = "in_settlement"
	resReleased     = "released"
	resRefunded     = "refunded"
	resWithdrawn    = "withdrawn"
)

var reservationTransitions = map[string][]string{
	resReserved:     {resInSettlement, resReleased, resRefunded, resWithdrawn},
	resInSettlement: {resReleased, resRefunded, resWithdrawn},
}

func activeReservation(status string) bool {
	return status == resReserved || status == resInSettlement
}

func holdingKey(providerID, holdingID string) string {
	return providerID + "/" + holdingID
}

// snapshotInventory stores the latest holding snapshot; the newest snapshot
// wins unconditionally.
func snapshotInventory(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	raw, ok := c.Req.Body["holding"].(map[string]any)
	if !ok {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"request.holding is required")
	}
	holdingID, _ := raw["holding_id"].(string)
	if !strings.Contains(holdingID, ":") {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"holding_id must take the platform:asset_id form")
	}

	doc := map[string]any{
		"holding_id":  holdingID,
		"provider_id": providerID,
		"platform":    holdingID[:strings.Index(holdingID, ":")],
		"quantity":    raw["quantity"],
		"valuation":   raw["valuation"],
		"snapshot_at": c.NowISO,
	}
	c.State.Collection(holdingsCollection).Put(holdingKey(providerID, holdingID), doc)
	return map[string]any{"holding": doc}, nil
}

// reserveInventory attempts a reservation. Conflicts are engine successes
// whose outcome reports the failure, so callers can batch reserves.
func reserveInventory(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	holdingID, _ := c.Req.Body["holding_id"].(string)
	reservationID, _ := c.Req.Body["reservation_id"].(string)
	if holdingID == "" || reservationID == "" {
		return nil, contracts.NewError(contracts.CodeConstraintViolation,
			"holding_id and reservation_id are required")
	}
	if _, ok := c.State.Collection(holdingsCollection).Get(holdingKey(providerID, holdingID)); !ok {
		return nil, contracts.NotFound("inventory_holding", holdingID).
			WithDetail("reason_code", contracts.ReasonHoldingUnknown)
	}

	reservations := c.State.Collection(reservationsCollection)

	// At most one active reservation per holding.
	for _, doc := range reservations.All() {
		if doc["provider_id"] == providerID && doc["holding_id"] == holdingID &&
			activeReservation(stringAt(doc, "status")) && doc["reservation_id"] != reservationID {
			return map[string]any{
				"outcome": map[string]any{
					"ok":          false,
					"reason_code": contracts.ReasonReservationConflict,
					"active_reservation_id": doc["reservation_id"],
				},
			}, nil
		}
	}

	key := holdingKey(providerID, reservationID)
	if existing, ok := reservations.Get(key); ok {
		return map[string]any{
			"outcome":     map[string]any{"ok": true},
			"reservation": existing,
		}, nil
	}

	doc := map[string]any{
		"reservation_id": reservationID,
		"provider_id":    providerID,
		"holding_id":     holdingID,
		"status":         resReserved,
		"reserved_at":    c.NowISO,
		"updated_at":     c.NowISO,
	}
	reservations.Put(key, doc)
	return map[string]any{
		"outcome":     map[string]any{"ok": true},
		"reservation": doc,
	}, nil
}

func transitionReservation(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	reservationID, _ := c.Req.Body["reservation_id"].(string)
	target, _ := c.Req.Body["status"].(string)

	reservations := c.State.Collection(reservationsCollection)
	doc, ok := reservations.Get(holdingKey(providerID, reservationID))
	if !ok {
		return nil, contracts.NotFound("inventory_reservation", reservationID)
	}

	current := stringAt(doc, "status")
	if !transitionAllowed(current, target) {
		return nil, contracts.ConstraintViolation(contracts.ReasonReservationBadState,
			"reservation %q may not move from %s to %s", reservationID, current, target)
	}
	doc["status"] = target
	doc["updated_at"] = c.NowISO
	return map[string]any{"reservation": doc}, nil
}

func transitionAllowed(current, target string) bool {
	for _, next := range reservationTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

func getInventory(c *dispatch.Ctx) (map[string]any, *contracts.Error) {
	provider, cerr := ownedProvider(c)
	if cerr != nil {
		return nil, cerr
	}
	providerID := provider["provider_id"].(string)

	holdings := []map[string]any{}
	for _, doc := range c.State.Collection(holdingsCollection).All() {
		if doc["provider_id"] == providerID {
			holdings = append(holdings, doc)
		}
	}
	reservations := []map[string]any{}
	active := 0
	for _, doc := range c.State.Collection(reservationsCollection).All() {
		if doc["provider_id"] == providerID {
			reservations = append(reservations, doc)
			if activeReservation(stringAt(doc, "status")) {
				active++
			}
		}
	}
	return map[string]any{
		"holdings":            holdings,
		"reservations":        reservations,
		"active_reservations": active,
	}, nil
}

func stringAt(doc map[string]any, key string) string {
	s, _ := doc[key].(string)
	return s
}

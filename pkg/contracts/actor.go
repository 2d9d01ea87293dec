// Package contracts defines the wire-level types shared by every Keel
// operation: actors, error envelopes, reason codes, attestations, and
// export checkpoints.
package contracts

import "fmt"

// ActorType classifies the principal making a call.
type ActorType string

const (
	ActorUser    ActorType = "user"
	ActorPartner ActorType = "partner"
	ActorAgent   ActorType = "agent"
)

// Actor identifies the principal of a request.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
}

// Valid reports whether the actor has a recognized type and a non-empty id.
func (a Actor) Valid() bool {
	switch a.Type {
	case ActorUser, ActorPartner, ActorAgent:
		return a.ID != ""
	}
	return false
}

// Key returns the stable "type:id" form used in scope keys and tenancy maps.
func (a Actor) Key() string {
	return fmt.Sprintf("%s:%s", a.Type, a.ID)
}

// Equal compares two actors by type and id.
func (a Actor) Equal(b Actor) bool {
	return a.Type == b.Type && a.ID == b.ID
}

// OperationID is the dotted operation name the authorization gate keys on,
// e.g. "delegations.create" or "liquidityPolicy.export".
type OperationID string

// Auth carries the caller-supplied authentication facts. Token parsing is
// outside the core; the gate only consumes the already-resolved fields.
type Auth struct {
	Subject string `json:"subject,omitempty"`
	Scope   string `json:"scope,omitempty"`
	NowISO  string `json:"now_iso,omitempty"`
}

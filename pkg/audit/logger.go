// Package audit records every dispatched operation as a structured JSON line
// and can bundle a tenant's ledger streams into a checksummed evidence pack.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Quantaloop-Labs/keel/core/pkg/contracts"
)

// EventType categorizes an audit event.
type EventType string

const (
	EventRead     EventType = "READ"
	EventMutation EventType = "MUTATION"
	EventExport   EventType = "EXPORT"
	EventDenied   EventType = "DENIED"
)

// Event is one structured audit record.
type Event struct {
	ID            string         `json:"id"`
	Tenant        string         `json:"tenant"`
	ActorType     string         `json:"actor_type"`
	ActorID       string         `json:"actor_id"`
	Type          EventType      `json:"type"`
	Operation     string         `json:"operation"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(eventType EventType, op contracts.OperationID, actor contracts.Actor, tenant, correlationID string, metadata map[string]any)
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger writes to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter injects the sink; tests pass a buffer.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(eventType EventType, op contracts.OperationID, actor contracts.Actor, tenant, correlationID string, metadata map[string]any) {
	event := Event{
		ID:            uuid.New().String(),
		Tenant:        tenant,
		ActorType:     string(actor.Type),
		ActorID:       actor.ID,
		Type:          eventType,
		Operation:     string(op),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Metadata:      metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, err := json.Marshal(event)
	if err != nil {
		return
	}
	// AUDIT: prefix keeps the stream greppable in mixed stdout logs.
	_, _ = l.writer.Write(append([]byte("AUDIT: "), append(b, '\n')...))
}

// Discard drops every event; used where audit output is not wanted.
func Discard() Logger {
	return discard{}
}

type discard struct{}

func (discard) Record(EventType, contracts.OperationID, contracts.Actor, string, string, map[string]any) {
}

// Package audit records the execution trail. Recording never blocks the
// scheduler: events are buffered and written by a drain goroutine, and write
// failures surface as warnings instead of failing executions.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"hybridexec/internal/types"
)

// EventType classifies audit events.
type EventType string

const (
	EventSubmitted    EventType = "execution.submitted"
	EventArbitration  EventType = "execution.arbitration"
	EventPlacement    EventType = "execution.placement"
	EventFallback     EventType = "execution.fallback"
	EventPolicyDenied EventType = "policy.denied"
	EventTerminal     EventType = "execution.terminal"
	EventSafeMode     EventType = "system.safe_mode"
	EventSignal       EventType = "system.signal"
)

// Event is one audit record. Exactly one EventTerminal is written per
// request.
type Event struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	Type      EventType         `json:"type"`
	RequestID string            `json:"request_id,omitempty"`
	Tier      types.Tier        `json:"tier"`
	Placement types.Placement   `json:"placement,omitempty"`
	Outcome   types.Outcome     `json:"outcome,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// NewEvent stamps an id and time.
func NewEvent(typ EventType, requestID string, tier types.Tier) Event {
	return Event{
		ID:        uuid.NewString(),
		Time:      time.Now().UTC(),
		Type:      typ,
		RequestID: requestID,
		Tier:      tier,
	}
}

// With returns a copy of e with an extra field.
func (e Event) With(key, value string) Event {
	fields := make(map[string]string, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Sink persists events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies the immutable facts appended to an exchange's log.
type EventType string

const (
	EventThreadCreated      EventType = "thread_created"
	EventStatusChanged      EventType = "status_changed"
	EventMessageAdded       EventType = "message_added"
	EventExecutorRegistered EventType = "executor_registered"
)

// Event is one immutable record in the exchange log. Payload is a tagged
// union keyed by Type; use DecodePayload to obtain the typed value.
type Event struct {
	ID         string          `json:"event_id"`
	TS         time.Time       `json:"ts"`
	ExchangeID string          `json:"exchange_id"`
	ThreadRef  *string         `json:"thread_ref"`
	Type       EventType       `json:"event_type"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

// ThreadCreatedPayload starts a thread. The ref lives on the event itself.
type ThreadCreatedPayload struct {
	Intent     string `json:"intent"`
	Priority   string `json:"priority,omitempty"`
	Context    string `json:"context,omitempty"`
	WantsPhoto bool   `json:"wants_photo,omitempty"`
}

// StatusChangedPayload moves a thread through its lifecycle. ExecutorID is
// present only on the transition that claims the thread.
type StatusChangedPayload struct {
	Status     string `json:"status"`
	ExecutorID string `json:"executor_id,omitempty"`
}

// MessageAddedPayload appends one message to a thread.
type MessageAddedPayload struct {
	From    string        `json:"from"`
	Channel *string       `json:"channel,omitempty"`
	Content []ContentItem `json:"content"`
}

// ExecutorRegisteredPayload records a new responding party joining the
// exchange. The credential digest is stored on the executor record, not in
// the log.
type ExecutorRegisteredPayload struct {
	ExecutorID string `json:"executor_id"`
	Name       string `json:"name,omitempty"`
}

// DecodePayload returns the typed payload for the event, validating shape
// against the event type. Unknown event types are an error.
func (e Event) DecodePayload() (any, error) {
	switch e.Type {
	case EventThreadCreated:
		var p ThreadCreatedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case EventStatusChanged:
		var p StatusChangedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		if p.Status == "" {
			return nil, fmt.Errorf("decode %s payload: status is required", e.Type)
		}
		return p, nil
	case EventMessageAdded:
		var p MessageAddedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		return p, nil
	case EventExecutorRegistered:
		var p ExecutorRegisteredPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
		}
		if p.ExecutorID == "" {
			return nil, fmt.Errorf("decode %s payload: executor_id is required", e.Type)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// MarshalPayload encodes a typed payload for storage on an Event.
func MarshalPayload(p any) (json.RawMessage, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return data, nil
}

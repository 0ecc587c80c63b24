package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRelayStarted   EventType = "relay.started"
	EventRelayCompleted EventType = "relay.completed"
	EventRelayFailed    EventType = "relay.failed"
	EventRelayContent   EventType = "relay.content"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RelayPayload is attached to relay lifecycle events.
type RelayPayload struct {
	Provider string    `json:"provider"`
	Mode     Mode      `json:"mode"`
	Code     ErrorCode `json:"code,omitempty"`
	Chars    int       `json:"chars,omitempty"`
}

// EventHandler is called for each published event.
type EventHandler func(ctx context.Context, event Event)

// EventBus publishes and subscribes to events.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
	SubscribeAll(handler EventHandler) func()
	Close()
}

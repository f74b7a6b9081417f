// Package events carries execution lifecycle notifications from the engine
// to live consumers: the SSE stream and MCP notifications.
package events

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Topic is the single stream all execution events flow through. Consumers
// narrow it with a Filter rather than per-execution topics.
const Topic = "drover.executions"

// Metadata keys set on every published message, so subscriptions can filter
// without decoding payloads.
const (
	MetadataExecutionID = "execution_id"
	MetadataEventType   = "event_type"
)

// Event is the envelope published for every execution and step transition.
// It mirrors the persisted history entry, so live consumers and the history
// endpoint tell the same story.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New builds an event envelope with a fresh ULID and a UTC timestamp.
func New(eventType, executionID string) Event {
	return Event{
		ID:          watermill.NewULID(),
		Type:        eventType,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// Filter specifies which events a subscription wants. The zero value
// receives everything.
type Filter struct {
	ExecutionID string
	Types       []string
}

func (f Filter) matches(executionID, eventType string) bool {
	if f.ExecutionID != "" && f.ExecutionID != executionID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == eventType {
			return true
		}
	}
	return false
}

// Publisher is the engine-facing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Subscriber is the consumer-facing half. Subscribe returns a receive-only
// channel that closes when the subscription ends, plus a cancel function
// that ends it.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan Event, func(), error)
}

// Bus is the full pub/sub surface.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

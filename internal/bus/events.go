package bus

import "time"

// EventType identifies a class of memory-system event.
type EventType string

const (
	// EventItemAdmitted fires when an item enters working memory.
	EventItemAdmitted EventType = "item.admitted"

	// EventItemEvicted fires when capacity pressure forces an item out.
	EventItemEvicted EventType = "item.evicted"

	// EventMemoryOverflow fires when a scope's working memory crosses the
	// overflow threshold. The scheduler treats this as a consolidation trigger.
	EventMemoryOverflow EventType = "memory.overflow"

	// EventConsolidationStarted fires when a consolidation cycle begins.
	EventConsolidationStarted EventType = "consolidation.started"

	// EventConsolidationSkipped fires when a trigger arrives while a cycle
	// is already running for the same scope.
	EventConsolidationSkipped EventType = "consolidation.skipped"

	// EventConsolidationCompleted fires when a cycle exhausts its candidates.
	EventConsolidationCompleted EventType = "consolidation.completed"

	// EventItemRouted fires after a routing decision is recorded.
	EventItemRouted EventType = "item.routed"
)

// Event is a single occurrence published on the bus.
type Event struct {
	Type      EventType      `json:"type"`
	Scope     string         `json:"scope"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(eventType EventType, scope string, payload map[string]any) Event {
	return Event{
		Type:      eventType,
		Scope:     scope,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

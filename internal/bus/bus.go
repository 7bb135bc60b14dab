// Package bus provides an internal event bus for component communication.
package bus

import (
	"sync"
)

// EventType identifies different event types.
type EventType string

// Event types for the dialog pipeline.
const (
	// Turn events
	EventTypeTurnStarted  EventType = "turn.started"
	EventTypeTurnFinished EventType = "turn.finished"
	EventTypeTurnFailed   EventType = "turn.failed"

	// Reply events
	EventTypeReplyReceived EventType = "reply.received"

	// Character events
	EventTypeStateChanged EventType = "character.state_changed"

	// Speech events
	EventTypeSynthesisStarted  EventType = "speech.synthesis_started"
	EventTypeSynthesisFailed   EventType = "speech.synthesis_failed"
	EventTypePlaybackStarted   EventType = "speech.playback_started"
	EventTypePlaybackFinished  EventType = "speech.playback_finished"

	// History events
	EventTypeHistoryCleared EventType = "history.cleared"
)

// Event represents a bus event.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler is a function that handles events.
type Handler func(Event)

// Bus is a simple pub/sub event bus. Publish dispatches in subscription
// order on the caller's goroutine, so observers see state transitions in
// the order the orchestrator commanded them.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe adds a handler for an event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeMultiple adds a handler for multiple event types.
func (b *Bus) SubscribeMultiple(eventTypes []EventType, handler Handler) {
	for _, et := range eventTypes {
		b.Subscribe(et, handler)
	}
}

// Publish sends an event to all subscribed handlers, in order.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// PublishAsync sends an event without blocking the caller. Handlers run on
// their own goroutines; ordering across events is not guaranteed.
func (b *Bus) PublishAsync(event Event) {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Clear removes all handlers.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
}

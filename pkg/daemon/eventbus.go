// Package daemon: event bus for broadcasting operator events to SSE clients.
package daemon

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types for the operator event stream.
const (
	EventStatus    = "status"     // Status/housekeeping info
	EventTenant    = "tenant"     // Tenant lifecycle change
	EventResponse  = "response"   // A response was delivered
	EventCommand   = "command"    // Owner command handled
	EventRestart   = "restart"    // Tenant worker restarted after a crash
	EventAIFailure = "ai_failure" // AI backend gave up after retries
	EventAlert     = "alert"      // Operator attention required
	EventError     = "error"      // Error notification
)

// Event is a single event broadcast to operator clients.
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Level   string `json:"level,omitempty"` // "info", "warn", "error"
	TS      string `json:"ts"`
}

// MarshalEvent serializes an event to JSON with timestamp.
func (e Event) MarshalEvent() []byte {
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	b, _ := json.Marshal(e)
	return b
}

// LevelFor returns the severity shown for an event type.
func LevelFor(typ string) string {
	switch typ {
	case EventAlert, EventError, EventAIFailure:
		return "error"
	case EventRestart:
		return "warn"
	}
	return "info"
}

// subscriber is a connected client receiving events via SSE.
type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// EventBus fans out events to all connected operator clients.
// Thread-safe. Subscribers that fall behind miss events.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}

	// Ring buffer for recent events (so new connections get context)
	recent    []Event
	recentMu  sync.RWMutex
	maxRecent int
}

// NewEventBus creates a new event bus keeping the last maxRecent events.
func NewEventBus(maxRecent int) *EventBus {
	if maxRecent <= 0 {
		maxRecent = 200
	}
	return &EventBus{
		subscribers: make(map[*subscriber]struct{}),
		maxRecent:   maxRecent,
	}
}

// Publish sends an event to all connected subscribers.
// Non-blocking: slow subscribers miss the event.
func (eb *EventBus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = time.Now().Format(time.RFC3339)
	}
	if e.Level == "" {
		e.Level = LevelFor(e.Type)
	}

	eb.recentMu.Lock()
	eb.recent = append(eb.recent, e)
	if len(eb.recent) > eb.maxRecent {
		eb.recent = eb.recent[len(eb.recent)-eb.maxRecent:]
	}
	eb.recentMu.Unlock()

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for sub := range eb.subscribers {
		select {
		case sub.ch <- e:
		default:
			// too slow; the recent buffer covers reconnects
		}
	}
}

// Subscribe creates a new subscriber. Returns a channel of events and a
// done channel to signal unsubscription. Caller MUST call Unsubscribe when done.
func (eb *EventBus) Subscribe() (<-chan Event, chan struct{}) {
	sub := &subscriber{
		ch:   make(chan Event, 64),
		done: make(chan struct{}),
	}

	eb.mu.Lock()
	eb.subscribers[sub] = struct{}{}
	eb.mu.Unlock()

	return sub.ch, sub.done
}

// Unsubscribe removes a subscriber.
func (eb *EventBus) Unsubscribe(done chan struct{}) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for sub := range eb.subscribers {
		if sub.done == done {
			close(sub.ch)
			delete(eb.subscribers, sub)
			return
		}
	}
}

// Recent returns the last N events from the ring buffer.
func (eb *EventBus) Recent(n int) []Event {
	eb.recentMu.RLock()
	defer eb.recentMu.RUnlock()

	if n <= 0 || n > len(eb.recent) {
		n = len(eb.recent)
	}
	result := make([]Event, n)
	copy(result, eb.recent[len(eb.recent)-n:])
	return result
}

// SubscriberCount returns the number of connected subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Package progress implements the in-process publish/subscribe bus that
// decouples the build pipeline from live progress viewers. The bus is a
// plain registry object constructed once at startup and passed to whichever
// component needs publish or subscribe access; nothing here is persisted and
// events are not replayed to late subscribers.
package progress

import (
	"sync"
	"time"

	"buildloft/internal/logging"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind distinguishes phase transitions from informational messages and
// the one-off connection acknowledgment.
type EventKind string

const (
	KindPhase     EventKind = "phase"
	KindMessage   EventKind = "message"
	KindConnected EventKind = "connected"
)

// Event is the transient unit broadcast for a project.
type Event struct {
	ProjectID string    `json:"project_id"`
	Kind      EventKind `json:"kind"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler receives events for a subscribed project.
type Handler func(Event)

// Bus fans events out to subscribers keyed by project id. Safe for
// concurrent subscribe, unsubscribe, and publish.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]Handler // project id -> subscriber id -> handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[string]Handler)}
}

// Subscribe registers fn for events on projectID and returns an unsubscribe
// function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(projectID string, fn Handler) func() {
	id := uuid.New().String()

	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[string]Handler)
	}
	b.subs[projectID][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if handlers, ok := b.subs[projectID]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(b.subs, projectID)
			}
		}
	}
}

// Publish delivers event to all current subscribers of event.ProjectID,
// synchronously and in registration-independent order. A panicking handler
// is isolated so it cannot break the publisher or other subscribers.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.ProjectID]))
	for _, fn := range b.subs[event.ProjectID] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		b.deliver(fn, event)
	}
}

func (b *Bus) deliver(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.L().Warn("progress subscriber panicked",
				zap.String("project_id", event.ProjectID),
				zap.Any("panic", r))
		}
	}()
	fn(event)
}

// SubscriberCount returns the number of live subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

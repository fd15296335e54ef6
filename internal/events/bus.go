package events

import (
	"sync"
	"time"
)

// NotificationType identifies an internal progress notification
type NotificationType string

const (
	// Gateway progress
	NotificationEventReceived  NotificationType = "event_received"
	NotificationEventProcessed NotificationType = "event_processed"
	NotificationEventFailed    NotificationType = "event_failed"

	// Coordinator pipeline progress
	NotificationAnalysisStarted   NotificationType = "analysis_started"
	NotificationAgentsCompleted   NotificationType = "agents_completed"
	NotificationConflictsDetected NotificationType = "conflicts_detected"
	NotificationScenariosRanked   NotificationType = "scenarios_ranked"
	NotificationAnalysisCompleted NotificationType = "analysis_completed"

	// Audit chain
	NotificationChainAppended NotificationType = "chain_appended"

	// Session lifecycle
	NotificationSessionCreated    NotificationType = "session_created"
	NotificationSessionTerminated NotificationType = "session_terminated"
	NotificationSessionExpired    NotificationType = "session_expired"

	// State machine
	NotificationStateChanged NotificationType = "state_changed"

	// Infrastructure status
	NotificationFeedStatusChanged NotificationType = "feed_status_changed"
	NotificationBackupCompleted   NotificationType = "backup_completed"
)

// AllNotificationTypes lists every notification type for stream subscribers.
var AllNotificationTypes = []NotificationType{
	NotificationEventReceived,
	NotificationEventProcessed,
	NotificationEventFailed,
	NotificationAnalysisStarted,
	NotificationAgentsCompleted,
	NotificationConflictsDetected,
	NotificationScenariosRanked,
	NotificationAnalysisCompleted,
	NotificationChainAppended,
	NotificationSessionCreated,
	NotificationSessionTerminated,
	NotificationSessionExpired,
	NotificationStateChanged,
	NotificationFeedStatusChanged,
	NotificationBackupCompleted,
}

// Notification is a progress message published on the bus
type Notification struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      NotificationType `json:"type"`
	Module    string           `json:"module"`
	Data      map[string]any   `json:"data,omitempty"`
}

// Handler receives notifications of a subscribed type
type Handler func(*Notification)

type subscription struct {
	id      int
	handler Handler
}

// Bus is a synchronous in-process pub/sub for progress notifications.
// Handlers run on the emitter's goroutine in registration order; handlers
// that need to block should hand off to their own channel.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[NotificationType][]subscription
}

// NewBus creates an empty notification bus
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[NotificationType][]subscription),
	}
}

// Subscribe registers a handler for a notification type and returns a
// subscription id usable with Unsubscribe
func (b *Bus) Subscribe(t NotificationType, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[t] = append(b.handlers[t], subscription{id: b.nextID, handler: fn})
	return b.nextID
}

// Unsubscribe removes a previously registered handler
func (b *Bus) Unsubscribe(t NotificationType, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.handlers[t]
	for i := range subs {
		if subs[i].id == id {
			b.handlers[t] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit publishes a notification to all handlers registered for its type
func (b *Bus) Emit(t NotificationType, module string, data map[string]any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.handlers[t]))
	copy(subs, b.handlers[t])
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	n := &Notification{
		Timestamp: time.Now().UTC(),
		Type:      t,
		Module:    module,
		Data:      data,
	}
	for _, sub := range subs {
		sub.handler(n)
	}
}

// SubscriberCount returns the number of handlers registered for a type
func (b *Bus) SubscriberCount(t NotificationType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[t])
}

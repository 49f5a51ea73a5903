// Package eventbus provides an in-memory publish/subscribe event bus with
// panic isolation and concurrent-safe access. In the Daemon,
// TranscriptWatcher and ApprovalBridge emit onto the Daemon's bus and
// internal/daemon relays each event to the Server over its push link. In
// the Server, ModeArbiter emits onto the Server's bus and internal/hub.Hub
// subscribes once and routes each mode event to the session's CLI
// connection, keeping those packages decoupled from the connection
// registry.
package eventbus

import "sync"

// EventType identifies the kind of event being emitted.
type EventType string

const (
	EventMessageNew        EventType = "message.new"
	EventProjectUpdated    EventType = "project.updated"
	EventSessionUpdated    EventType = "session.updated"
	EventMetricsUpdate     EventType = "metrics.update"
	EventRemoteConnect     EventType = "mode.remote_connect"
	EventRemoteDisconnect  EventType = "mode.remote_disconnect"
	EventSessionConfirmed  EventType = "match.session_confirmed"
	EventExitRemoteAllowed EventType = "mode.exit_remote_allowed"
	EventExitRemoteDenied  EventType = "mode.exit_remote_denied"
	EventApprovalRequest   EventType = "approval.request"
	EventApprovalTimeout   EventType = "approval.timeout"
	EventApprovalExpired   EventType = "approval.expired"
	EventSDKError          EventType = "sdk.error"
	EventHeartbeat         EventType = "heartbeat"
)

// Event is a single message emitted on the bus. Channel carries the
// sessionId an event pertains to (empty for process-wide events such as
// EventHeartbeat).
type Event struct {
	Type    EventType
	Channel string
	Data    interface{}
}

// Handler is a callback invoked when an event is emitted.
type Handler func(Event)

// EventBus is a concurrent-safe, in-memory publish/subscribe dispatcher.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]Handler
	nextID      int
}

// New creates a ready-to-use EventBus.
func New() *EventBus {
	return &EventBus{
		subscribers: make(map[int]Handler),
	}
}

// Subscribe registers a handler that will be called for every emitted event.
// It returns an unsubscribe function that removes the handler.
func (b *EventBus) Subscribe(handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = handler
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, id)
		b.mu.Unlock()
	}
}

// Emit dispatches an event to all current subscribers. Each handler is called
// synchronously in an arbitrary order. A panicking handler is recovered so
// that remaining handlers still execute.
func (b *EventBus) Emit(event Event) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		snapshot = append(snapshot, h)
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		func() {
			defer func() { recover() }()
			h(event)
		}()
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Package approval round-trips tool-permission prompts from the Daemon to
// a designated mobile client under a deadline. At most one response
// completes a request; late responses surface as expired instead of being
// silently dropped.
package approval

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/logging"
)

// Request is one pending tool-permission prompt.
type Request struct {
	RequestID       string
	SessionID       string
	ToolName        string
	Input           json.RawMessage
	ToolUseID       string
	Description     string
	IssuedAt        time.Time
	Deadline        time.Time
	TargetMobileID  string
	resolved        bool
}

// Notifier optionally nudges a mobile client that is not currently
// connected over WebSocket. A nil
// Notifier disables the feature; the HTTP/WS round-trip stays authoritative
// either way.
type Notifier interface {
	NotifyApprovalRequest(clientID string, req Request) error
}

// Bridge is the ApprovalBridge.
type Bridge struct {
	bus      *eventbus.EventBus
	notifier Notifier
	log      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	req   Request
	timer *time.Timer
}

// New returns a Bridge. notifier may be nil.
func New(bus *eventbus.EventBus, notifier Notifier) *Bridge {
	return &Bridge{
		bus:      bus,
		notifier: notifier,
		log:      logging.ForComponent(logging.CompApproval),
		pending:  make(map[string]*pendingEntry),
	}
}

// Issue registers a new Request, emits approval-request to the target
// mobile client, and arms the deadline timer.
// connected reports whether targetMobileID currently has an open WS
// connection; when false and a Notifier is configured, a push nudge is
// attempted as a best-effort addition to (never a substitute for) the
// authoritative round trip.
func (b *Bridge) Issue(req Request, connected bool) {
	b.mu.Lock()
	entry := &pendingEntry{req: req}
	entry.timer = time.AfterFunc(time.Until(req.Deadline), func() {
		b.timeout(req.RequestID)
	})
	b.pending[req.RequestID] = entry
	b.mu.Unlock()

	b.bus.Emit(eventbus.Event{
		Type:    eventbus.EventApprovalRequest,
		Channel: req.SessionID,
		Data:    req,
	})

	if !connected && b.notifier != nil {
		if err := b.notifier.NotifyApprovalRequest(req.TargetMobileID, req); err != nil {
			b.log.Warn("push_notify_failed", slog.String("request_id", req.RequestID), slog.String("error", err.Error()))
		}
	}
}

// Respond resolves requestID with the client's decision. At most one
// response completes a request; a late response
// (after timeout already fired) is rejected and reported as expired.
func (b *Bridge) Respond(requestID string, approved bool, reason string) (Request, bool) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		b.bus.Emit(eventbus.Event{
			Type: eventbus.EventApprovalExpired,
			Data: requestID,
		})
		return Request{}, false
	}
	entry.timer.Stop()
	delete(b.pending, requestID)
	entry.req.resolved = true
	b.mu.Unlock()

	return entry.req, true
}

// timeout fires when no response arrived before the deadline; the request
// is deleted first, then both sides are notified, so a racing response
// can never resolve an already-timed-out request.
func (b *Bridge) timeout(requestID string) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	b.bus.Emit(eventbus.Event{
		Type:    eventbus.EventApprovalTimeout,
		Channel: entry.req.SessionID,
		Data:    requestID,
	})
}

// Pending reports whether requestID is still awaiting a decision.
func (b *Bridge) Pending(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[requestID]
	return ok
}

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/match"
	"github.com/vimo-ai/vlaude/internal/mode"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// DaemonControl is the Server's outbound surface to the Daemon: HTTP POSTs for everything the Server initiates. Narrow so hub
// tests can fake it without a live Daemon.
type DaemonControl interface {
	SendMessage(ctx context.Context, sessionID, text, realPath, clientID string) error
	CheckLoading(ctx context.Context, sessionID, realPath string) (bool, error)
	AcquireWatch(ctx context.Context, sessionID, realPath string) error
	ReleaseWatch(ctx context.Context, sessionID string) error
	WatchNewSession(ctx context.Context, realPath, clientID string) error
	FindNewSession(ctx context.Context, realPath string) (sessionID string, found bool, err error)
	ResumePush(ctx context.Context, sessionID string) error
	ApprovalResponse(ctx context.Context, requestID string, approved bool, reason string) (accepted bool, err error)
}

// Notifier optionally nudges an offline mobile client out-of-band (the Web
// Push path). A nil Notifier disables the feature.
type Notifier interface {
	NotifyApprovalRequest(clientID string, req wire.ApprovalRequestPayload) error
}

// Hub is the Server's connection registry, session occupancy tracker, and
// fan-out router. It owns the clients, occupancy, and subscriber maps
// behind one mutex with short critical sections; nothing that can block
// runs while it is held.
type Hub struct {
	daemon   DaemonControl
	matcher  *match.Matcher
	arbiter  *mode.Arbiter
	bus      *eventbus.EventBus
	notifier Notifier
	log      *slog.Logger
	unsub    func()

	mu        sync.Mutex
	clients   map[string]*ClientConnection
	occupancy map[string]*SessionOccupancy
	subs      map[string]*subscription
	watchReqs map[string]string // realPath -> clientID that asked watch-new-session
	nextID    int
}

// New wires a Hub to its collaborators and subscribes it to bus so that
// events emitted by the ModeArbiter reach the right connections. notifier
// may be nil.
func New(daemon DaemonControl, matcher *match.Matcher, arbiter *mode.Arbiter, bus *eventbus.EventBus, notifier Notifier) *Hub {
	h := &Hub{
		daemon:    daemon,
		matcher:   matcher,
		arbiter:   arbiter,
		bus:       bus,
		notifier:  notifier,
		log:       logging.ForComponent(logging.CompHub),
		clients:   make(map[string]*ClientConnection),
		occupancy: make(map[string]*SessionOccupancy),
		subs:      make(map[string]*subscription),
		watchReqs: make(map[string]string),
	}
	h.unsub = bus.Subscribe(h.routeBusEvent)
	return h
}

// Close detaches the Hub from the bus and closes every connection.
func (h *Hub) Close() {
	h.unsub()
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	clear(h.clients)
	clear(h.occupancy)
	clear(h.subs)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// Register adds a connection and returns its clientID. authSubject comes
// from the verified bearer token or client certificate; daemon connections
// arrive with ClientDaemon from the trusted-CIDR path.
func (h *Hub) Register(conn Conn, clientType ClientType, authSubject string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := fmt.Sprintf("client-%d", h.nextID)
	h.clients[id] = &ClientConnection{
		ID:          id,
		Type:        clientType,
		AuthSubject: authSubject,
		conn:        conn,
	}
	return id
}

// Unregister handles a disconnect: removes the connection
// from occupancy, nudges the ModeArbiter if the departing client was the
// last mobile, and releases every watcher it subscribed to.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	if _, ok := h.clients[clientID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, clientID)

	var lastMobileSessions []string
	for sid, occ := range h.occupancy {
		if occ.CLIClientID == clientID {
			occ.CLIClientID = ""
		}
		if occ.MobileIDs[clientID] {
			delete(occ.MobileIDs, clientID)
			if len(occ.MobileIDs) == 0 && occ.CLIClientID != "" {
				lastMobileSessions = append(lastMobileSessions, sid)
			}
		}
		if occ.Empty() {
			delete(h.occupancy, sid)
			h.arbiter.Forget(sid)
		}
	}

	var released []string
	for sid, sub := range h.subs {
		if sub.ids[clientID] {
			delete(sub.ids, clientID)
			if len(sub.ids) == 0 {
				delete(h.subs, sid)
				released = append(released, sid)
			}
		}
	}

	for rp, owner := range h.watchReqs {
		if owner == clientID {
			delete(h.watchReqs, rp)
		}
	}
	h.mu.Unlock()

	for _, sid := range lastMobileSessions {
		h.arbiter.LastMobileLeft(sid)
	}
	for _, sid := range released {
		if err := h.daemon.ReleaseWatch(context.Background(), sid); err != nil {
			h.log.Warn("release_watch_failed", slog.String("session_id", sid), slog.String("error", err.Error()))
		}
	}
}

// HandleFrame dispatches one inbound frame from a CLI or mobile connection.
func (h *Hub) HandleFrame(ctx context.Context, clientID string, f wire.Frame) error {
	switch f.Event {
	case wire.EventJoin:
		var p wire.JoinPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleJoin(clientID, p)
	case wire.EventLeave:
		var p wire.LeavePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.handleLeave(clientID, p.SessionID)
		return nil
	case wire.EventSessionSubscribe:
		var p wire.SessionSubscribePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleSubscribe(ctx, clientID, p)
	case wire.EventSessionUnsubscribe:
		var p wire.SessionUnsubscribePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.handleUnsubscribe(ctx, clientID, p.SessionID)
		return nil
	case wire.EventMessageSend:
		var p wire.MessageSendPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleMessageSend(ctx, clientID, p)
	case wire.EventCLIReportUUID:
		var p wire.ReportUUIDPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.handleReportUUID(clientID, p)
		return nil
	case wire.EventCLIRequestExitLocal:
		var p wire.RequestExitRemotePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.arbiter.RequestExitRemote(p.SessionID)
		return nil
	case wire.EventCLIResumeLocal:
		var p wire.ResumeLocalPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.arbiter.CLIResumeLocal(p.SessionID)
		if err := h.daemon.ResumePush(ctx, p.SessionID); err != nil {
			h.log.Warn("resume_push_failed", slog.String("session_id", p.SessionID), slog.String("error", err.Error()))
		}
		return nil
	case wire.EventWatchNewSession:
		var p wire.WatchNewSessionPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleWatchNewSession(ctx, clientID, p.RealPath)
	case wire.EventFindNewSession:
		var p wire.WatchNewSessionPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleFindNewSession(ctx, clientID, p.RealPath)
	case wire.EventApprovalResponse:
		var p wire.ApprovalResponsePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		return h.handleApprovalResponse(ctx, p)
	default:
		return fmt.Errorf("hub: unknown event %q", f.Event)
	}
}

// handleJoin records occupancy. A mobile joining a session
// already occupied by a CLI flips the mode to REMOTE via the arbiter, which
// emits remote-connect to that CLI synchronously before this handler
// returns — that synchronous emit is what guarantees remote-connect is
// delivered ahead of any subsequent mobile-originated message.
func (h *Hub) handleJoin(clientID string, p wire.JoinPayload) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("hub: unknown client %q", clientID)
	}
	c.SessionID = p.SessionID
	c.RealPath = p.RealPath

	occ, ok := h.occupancy[p.SessionID]
	if !ok {
		occ = newOccupancy()
		h.occupancy[p.SessionID] = occ
	}

	var mobileJoined, cliSeesMobiles bool
	switch p.ClientType {
	case wire.ClientCLI:
		if occ.CLIClientID != "" && occ.CLIClientID != clientID {
			h.log.Warn("cli_slot_replaced",
				slog.String("session_id", p.SessionID),
				slog.String("old", occ.CLIClientID),
				slog.String("new", clientID))
		}
		occ.CLIClientID = clientID
		cliSeesMobiles = len(occ.MobileIDs) > 0
	case wire.ClientMobile:
		occ.MobileIDs[clientID] = true
		mobileJoined = true
	default:
		h.mu.Unlock()
		return fmt.Errorf("hub: join with unknown clientType %q", p.ClientType)
	}
	h.mu.Unlock()

	// Both directions re-emit remote-connect: a mobile joining an occupied
	// session, and a CLI joining a session that already has mobiles. The
	// latter nudges a CLI that slipped into LOCAL during a brief outage.
	if mobileJoined || cliSeesMobiles {
		h.arbiter.MobileJoined(p.SessionID, p.RealPath)
	}
	return nil
}

// handleLeave removes clientID from sessionID's occupancy without tearing
// down the connection, used by the CLI's internal-resume rejoin.
func (h *Hub) handleLeave(clientID, sessionID string) {
	h.mu.Lock()
	occ, ok := h.occupancy[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	var lastMobile bool
	if occ.CLIClientID == clientID {
		occ.CLIClientID = ""
	}
	if occ.MobileIDs[clientID] {
		delete(occ.MobileIDs, clientID)
		lastMobile = len(occ.MobileIDs) == 0 && occ.CLIClientID != ""
	}
	if occ.Empty() {
		delete(h.occupancy, sessionID)
		h.arbiter.Forget(sessionID)
	}
	h.mu.Unlock()

	if lastMobile {
		h.arbiter.LastMobileLeft(sessionID)
	}
}

// handleSubscribe registers a subscriber, acquiring the Daemon-side watcher
// on the zero-to-one transition.
func (h *Hub) handleSubscribe(ctx context.Context, clientID string, p wire.SessionSubscribePayload) error {
	h.mu.Lock()
	sub, ok := h.subs[p.SessionID]
	if !ok {
		sub = newSubscription(p.RealPath)
		h.subs[p.SessionID] = sub
	}
	first := len(sub.ids) == 0
	sub.ids[clientID] = true
	h.mu.Unlock()

	if first {
		if err := h.daemon.AcquireWatch(ctx, p.SessionID, p.RealPath); err != nil {
			h.mu.Lock()
			if sub, ok := h.subs[p.SessionID]; ok {
				delete(sub.ids, clientID)
				if len(sub.ids) == 0 {
					delete(h.subs, p.SessionID)
				}
			}
			h.mu.Unlock()
			return fmt.Errorf("hub: acquire watch for %s: %w", p.SessionID, err)
		}
	}
	return nil
}

func (h *Hub) handleUnsubscribe(ctx context.Context, clientID, sessionID string) {
	h.mu.Lock()
	sub, ok := h.subs[sessionID]
	var last bool
	if ok && sub.ids[clientID] {
		delete(sub.ids, clientID)
		if len(sub.ids) == 0 {
			delete(h.subs, sessionID)
			last = true
		}
	}
	h.mu.Unlock()

	if last {
		if err := h.daemon.ReleaseWatch(ctx, sessionID); err != nil {
			h.log.Warn("release_watch_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		}
	}
}

// handleMessageSend forwards a mobile client's text to the Daemon. Sending
// before joining the session is a protocol violation: the client gets an
// error frame and no state changes.
func (h *Hub) handleMessageSend(ctx context.Context, clientID string, p wire.MessageSendPayload) error {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	occ := h.occupancy[p.SessionID]
	joined := ok && occ != nil && occ.MobileIDs[clientID]
	realPath := ""
	if c != nil {
		realPath = c.RealPath
	}
	h.mu.Unlock()

	if !joined {
		h.sendTo(clientID, wire.EventError, wire.ErrorPayload{Success: false, Message: "请先加入会话"})
		return nil
	}
	if err := h.daemon.SendMessage(ctx, p.SessionID, p.Text, realPath, clientID); err != nil {
		return fmt.Errorf("hub: send message for %s: %w", p.SessionID, err)
	}
	return nil
}

// handleReportUUID feeds the CLI's observation into the UUIDMatcher
// and delivers the confirmation when this
// report completes the intersection.
func (h *Hub) handleReportUUID(clientID string, p wire.ReportUUIDPayload) {
	if confirmed, ok := h.matcher.ReportCLIUUID(p.RealPath, clientID, p.UUID); ok {
		h.sendTo(clientID, wire.EventSessionConfirmed, wire.SessionConfirmedPayload{SessionID: confirmed})
	}
}

func (h *Hub) handleWatchNewSession(ctx context.Context, clientID, realPath string) error {
	h.mu.Lock()
	h.watchReqs[realPath] = clientID
	h.mu.Unlock()

	if err := h.daemon.WatchNewSession(ctx, realPath, clientID); err != nil {
		return fmt.Errorf("hub: watch new session at %s: %w", realPath, err)
	}
	h.sendTo(clientID, wire.EventWatchStarted, wire.NewSessionResultPayload{RealPath: realPath})
	return nil
}

func (h *Hub) handleFindNewSession(ctx context.Context, clientID, realPath string) error {
	sessionID, found, err := h.daemon.FindNewSession(ctx, realPath)
	if err != nil {
		return fmt.Errorf("hub: find new session at %s: %w", realPath, err)
	}
	if found {
		h.sendTo(clientID, wire.EventNewSessionFound, wire.NewSessionResultPayload{SessionID: sessionID, RealPath: realPath})
	} else {
		h.sendTo(clientID, wire.EventNewSessionNotFound, wire.NewSessionResultPayload{RealPath: realPath})
	}
	return nil
}

// handleApprovalResponse forwards a mobile decision to the Daemon. A
// decision the Daemon no longer holds a pending request for surfaces as
// approval-expired to all clients — broadcast, because the Hub does not
// track which client sent the late response.
func (h *Hub) handleApprovalResponse(ctx context.Context, p wire.ApprovalResponsePayload) error {
	accepted, err := h.daemon.ApprovalResponse(ctx, p.RequestID, p.Approved, p.Reason)
	if err != nil {
		return fmt.Errorf("hub: forward approval response %s: %w", p.RequestID, err)
	}
	if !accepted {
		h.broadcast(wire.EventApprovalExpired, wire.ApprovalExpiredPayload{
			RequestID: p.RequestID,
			Message:   "approval request already expired",
		})
	}
	return nil
}

// --- Daemon push handling ---

// HandleDaemonFrame dispatches one inbound frame from the Daemon's
// outbound WebSocket connection.
func (h *Hub) HandleDaemonFrame(f wire.Frame) error {
	switch f.Event {
	case wire.EventMessageNew:
		var p wire.MessageNewPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.fanOut(p.SessionID, wire.EventMessageNew, p)
		return nil
	case wire.EventStatuslineMetrics:
		var p wire.MetricsUpdatePayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.fanOut(p.SessionID, wire.EventStatuslineMetrics, p)
		return nil
	case wire.EventProjectUpdated:
		var p wire.ProjectUpdatedPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.broadcast(wire.EventProjectUpdated, p)
		return nil
	case wire.EventSessionUpdated:
		var p wire.SessionUpdatedPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.fanOut(p.SessionID, wire.EventSessionUpdated, p)
		return nil
	case wire.EventNewSessionCreated:
		var p wire.NewSessionResultPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.handleNewSessionCreated(p)
		return nil
	case wire.EventApprovalRequest:
		var p wire.DaemonApprovalRequestPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.handleDaemonApprovalRequest(p)
		return nil
	case wire.EventApprovalTimeout:
		var p wire.ApprovalTimeoutPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.broadcast(wire.EventApprovalTimeout, p)
		return nil
	case wire.EventSDKError:
		var p wire.SDKErrorPayload
		if err := f.Decode(&p); err != nil {
			return err
		}
		h.fanOut(p.SessionID, wire.EventSDKError, p)
		return nil
	default:
		return fmt.Errorf("hub: unknown daemon event %q", f.Event)
	}
}

// handleNewSessionCreated feeds the Daemon's observation into the
// UUIDMatcher, notifies the CLI that asked
// watch-new-session, and delivers sessionConfirmed when the intersection
// completes.
func (h *Hub) handleNewSessionCreated(p wire.NewSessionResultPayload) {
	// The matcher deletes its state on confirmation, so the reporting CLI's
	// identity must be read before feeding the observation in.
	cliID, hasCLI := h.matcher.CLIClientID(p.RealPath)
	confirmed, ok := h.matcher.ReportDaemonSession(p.RealPath, p.SessionID)

	h.mu.Lock()
	watcherID, watched := h.watchReqs[p.RealPath]
	if watched {
		delete(h.watchReqs, p.RealPath)
	}
	h.mu.Unlock()

	if watched {
		h.sendTo(watcherID, wire.EventNewSessionCreated, p)
	}
	if ok && hasCLI {
		h.sendTo(cliID, wire.EventSessionConfirmed, wire.SessionConfirmedPayload{SessionID: confirmed})
	}
}

// handleDaemonApprovalRequest routes an approval prompt to its target
// mobile client, falling back to every mobile on the session when the
// target is gone, with an optional push nudge when no WS delivery
// happened at all.
func (h *Hub) handleDaemonApprovalRequest(p wire.DaemonApprovalRequestPayload) {
	h.mu.Lock()
	_, targetOnline := h.clients[p.TargetClientID]
	var fallback []string
	if !targetOnline {
		if occ, ok := h.occupancy[p.SessionID]; ok {
			for id := range occ.MobileIDs {
				fallback = append(fallback, id)
			}
		}
	}
	h.mu.Unlock()

	if targetOnline {
		h.sendTo(p.TargetClientID, wire.EventApprovalRequest, p.ApprovalRequestPayload)
		return
	}
	for _, id := range fallback {
		h.sendTo(id, wire.EventApprovalRequest, p.ApprovalRequestPayload)
	}
	if len(fallback) == 0 && h.notifier != nil {
		if err := h.notifier.NotifyApprovalRequest(p.TargetClientID, p.ApprovalRequestPayload); err != nil {
			h.log.Warn("push_notify_failed", slog.String("request_id", p.RequestID), slog.String("error", err.Error()))
		}
	}
}

// --- bus routing ---

// routeBusEvent forwards ModeArbiter emissions to the session's CLI
// connection. Events are emitted synchronously by the arbiter, so delivery
// order to the CLI follows the order of the triggering handlers.
func (h *Hub) routeBusEvent(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventRemoteConnect:
		h.sendToCLI(e.Channel, wire.EventRemoteConnect, wire.SessionRefPayload{SessionID: e.Channel})
	case eventbus.EventRemoteDisconnect:
		h.sendToCLI(e.Channel, wire.EventRemoteDisconnect, wire.SessionRefPayload{SessionID: e.Channel})
	case eventbus.EventExitRemoteAllowed:
		h.sendToCLI(e.Channel, wire.EventExitRemoteAllowed, wire.SessionRefPayload{SessionID: e.Channel})
	case eventbus.EventExitRemoteDenied:
		reason := "loading"
		if m, ok := e.Data.(map[string]string); ok && m["reason"] != "" {
			reason = m["reason"]
		}
		h.sendToCLI(e.Channel, wire.EventExitRemoteDenied, wire.ExitRemoteDeniedPayload{SessionID: e.Channel, Reason: reason})
	}
}

// --- delivery primitives ---

// fanOut delivers an event once to every current subscriber of sessionID.
func (h *Hub) fanOut(sessionID, event string, payload any) {
	h.mu.Lock()
	var conns []Conn
	if sub, ok := h.subs[sessionID]; ok {
		for id := range sub.ids {
			if c, ok := h.clients[id]; ok {
				conns = append(conns, c.conn)
			}
		}
	}
	h.mu.Unlock()

	f, err := wire.Encode(event, payload)
	if err != nil {
		h.log.Error("encode_failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	for _, c := range conns {
		// Fire-and-forget: a failing connection is cleaned up by its own
		// read loop on the next error.
		_ = c.WriteFrame(f)
	}
}

func (h *Hub) broadcast(event string, payload any) {
	h.mu.Lock()
	conns := make([]Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	f, err := wire.Encode(event, payload)
	if err != nil {
		h.log.Error("encode_failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	for _, c := range conns {
		_ = c.WriteFrame(f)
	}
}

func (h *Hub) sendTo(clientID, event string, payload any) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	f, err := wire.Encode(event, payload)
	if err != nil {
		h.log.Error("encode_failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	_ = c.conn.WriteFrame(f)
}

func (h *Hub) sendToCLI(sessionID, event string, payload any) {
	h.mu.Lock()
	var cliID string
	if occ, ok := h.occupancy[sessionID]; ok {
		cliID = occ.CLIClientID
	}
	h.mu.Unlock()
	if cliID == "" {
		return
	}
	h.sendTo(cliID, event, payload)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Occupancy returns a snapshot of sessionID's occupancy record, for tests
// and diagnostics.
func (h *Hub) Occupancy(sessionID string) (cliID string, mobileIDs []string, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	occ, ok := h.occupancy[sessionID]
	if !ok {
		return "", nil, false
	}
	for id := range occ.MobileIDs {
		mobileIDs = append(mobileIDs, id)
	}
	return occ.CLIClientID, mobileIDs, true
}

// SubscriberCount returns how many clients currently subscribe to sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[sessionID]; ok {
		return len(sub.ids)
	}
	return 0
}

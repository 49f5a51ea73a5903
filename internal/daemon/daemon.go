// Package daemon is the per-host sidecar owning the on-disk session
// store: it serves the Server's inbound HTTP control surface, watches
// transcripts, detects new sessions, and pushes everything back to the
// Server over one outbound WebSocket. The Daemon's own listener is
// internal-only; requests must come from an allowlisted address, and no
// bearer token is required.
package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/vimo-ai/vlaude/internal/approval"
	"github.com/vimo-ai/vlaude/internal/config"
	"github.com/vimo-ai/vlaude/internal/daemonlink"
	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/store"
	"github.com/vimo-ai/vlaude/internal/store/pathmap"
	"github.com/vimo-ai/vlaude/internal/transcript"
	"github.com/vimo-ai/vlaude/internal/watch"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// Deliverer hands a mobile-originated text to the assistant instance the
// Daemon owns for that session. The default implementation execs the
// assistant binary in resume mode; tests substitute a fake.
type Deliverer interface {
	Deliver(ctx context.Context, sessionID, realPath, text string) error
}

// Daemon wires the store-facing components together and serves the
// Server's control surface.
type Daemon struct {
	cfg      *config.DaemonConfig
	pathMap  *pathmap.PathMap
	store    *store.Store
	watcher  *watch.Watcher
	detector *watch.Detector
	bridge   *approval.Bridge
	bus      *eventbus.EventBus
	link     *daemonlink.PushLink
	deliver  Deliverer
	log      *slog.Logger

	trustedNets []*net.IPNet

	mu          sync.Mutex
	lastClients map[string]string // sessionID -> most recent requesting mobile clientID
	unsub       func()
}

// New builds a Daemon from its configuration. deliver may be nil, in which
// case the exec-based assistant deliverer is used.
func New(cfg *config.DaemonConfig, deliver Deliverer) (*Daemon, error) {
	pm := pathmap.New(cfg.StoreRoot)
	if err := pm.Preload(); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	d := &Daemon{
		cfg:         cfg,
		pathMap:     pm,
		store:       store.New(pm),
		watcher:     watch.New(pm, bus),
		detector:    watch.NewDetector(pm),
		bridge:      approval.New(bus, nil),
		bus:         bus,
		link:        daemonlink.NewPushLink(cfg.ServerWSURL),
		deliver:     deliver,
		log:         logging.ForComponent(logging.CompDaemon),
		lastClients: make(map[string]string),
	}
	if d.deliver == nil {
		d.deliver = &execDeliverer{assistantPath: cfg.AssistantPath}
	}

	for _, cidr := range cfg.TrustedCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, err
		}
		d.trustedNets = append(d.trustedNets, n)
	}

	d.unsub = bus.Subscribe(d.forward)
	return d, nil
}

// Run pumps the outbound push link until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.link.Run(ctx)
}

// Close detaches the Daemon from its bus.
func (d *Daemon) Close() {
	d.unsub()
}

// Bridge exposes the ApprovalBridge so the SDK layer driving the assistant
// can issue permission prompts.
func (d *Daemon) Bridge() *approval.Bridge {
	return d.bridge
}

// IssueApproval registers a tool-permission prompt and pushes it to the
// Server, targeted at the most recent mobile requester on the session.
func (d *Daemon) IssueApproval(requestID, sessionID, toolName string, input json.RawMessage, toolUseID, description string, deadline time.Time) {
	d.mu.Lock()
	target := d.lastClients[sessionID]
	d.mu.Unlock()

	d.bridge.Issue(approval.Request{
		RequestID:      requestID,
		SessionID:      sessionID,
		ToolName:       toolName,
		Input:          input,
		ToolUseID:      toolUseID,
		Description:    description,
		IssuedAt:       time.Now(),
		Deadline:       deadline,
		TargetMobileID: target,
	}, d.link.Connected())
}

// forward translates bus events from the watcher and approval bridge into
// wire frames on the push link.
func (d *Daemon) forward(e eventbus.Event) {
	switch e.Type {
	case eventbus.EventMessageNew:
		entry, ok := e.Data.(*transcript.Entry)
		if !ok {
			return
		}
		d.link.Send(wire.EventMessageNew, wire.MessageNewPayload{
			SessionID: e.Channel,
			Message:   entry.Raw,
		})
	case eventbus.EventMetricsUpdate:
		m, ok := e.Data.(watch.Metrics)
		if !ok {
			return
		}
		d.link.Send(wire.EventStatuslineMetrics, wire.MetricsUpdatePayload{
			SessionID:         m.SessionID,
			Connected:         true,
			InputTokens:       m.InputTokens,
			OutputTokens:      m.OutputTokens,
			ContextLength:     int(m.ContextLength),
			ContextPercentage: m.ContextPercentage,
			Timestamp:         time.Now(),
		})
	case eventbus.EventApprovalRequest:
		req, ok := e.Data.(approval.Request)
		if !ok {
			return
		}
		d.link.Send(wire.EventApprovalRequest, wire.DaemonApprovalRequestPayload{
			ApprovalRequestPayload: wire.ApprovalRequestPayload{
				RequestID:   req.RequestID,
				SessionID:   req.SessionID,
				ToolName:    req.ToolName,
				Input:       req.Input,
				ToolUseID:   req.ToolUseID,
				Description: req.Description,
			},
			TargetClientID: req.TargetMobileID,
		})
	case eventbus.EventApprovalTimeout:
		requestID, ok := e.Data.(string)
		if !ok {
			return
		}
		d.link.Send(wire.EventApprovalTimeout, wire.ApprovalTimeoutPayload{
			RequestID: requestID,
			Message:   "no response before deadline",
		})
	case eventbus.EventApprovalExpired:
		requestID, ok := e.Data.(string)
		if !ok {
			return
		}
		d.link.Send(wire.EventApprovalExpired, wire.ApprovalExpiredPayload{
			RequestID: requestID,
			Message:   "approval request already expired",
		})
	case eventbus.EventSDKError:
		detail, ok := e.Data.(wire.SDKErrorDetail)
		if !ok {
			return
		}
		d.link.Send(wire.EventSDKError, wire.SDKErrorPayload{SessionID: e.Channel, Error: detail})
	}
}

// Handler returns the Daemon's HTTP control surface.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/send-message", d.guard(d.handleSendMessage))
	mux.HandleFunc("/sessions/check-loading", d.guard(d.handleCheckLoading))
	mux.HandleFunc("/sessions/watch", d.guard(d.handleWatch))
	mux.HandleFunc("/sessions/unwatch", d.guard(d.handleUnwatch))
	mux.HandleFunc("/sessions/watch-new", d.guard(d.handleWatchNew))
	mux.HandleFunc("/sessions/find-new", d.guard(d.handleFindNew))
	mux.HandleFunc("/sessions/resume-push", d.guard(d.handleResumePush))
	mux.HandleFunc("/approvals/response", d.guard(d.handleApprovalResponse))
	return mux
}

// guard enforces POST + the trusted-IP allowlist on every control route.
func (d *Daemon) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		if !d.isTrusted(r.RemoteAddr) {
			writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
			return
		}
		next(w, r)
	}
}

func (d *Daemon) isTrusted(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range d.trustedNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// handleSendMessage delivers a mobile-originated input: pause watcher
// push for the session, hand the text to the owned assistant, resume when
// the reply completes. The pause suppresses the user-echo line; the reply
// is flushed to subscribers on resume.
func (d *Daemon) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req wire.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Text == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId and text are required")
		return
	}

	d.mu.Lock()
	d.lastClients[req.SessionID] = req.ClientID
	d.mu.Unlock()

	d.watcher.Pause(req.SessionID)
	go func() {
		defer d.watcher.Resume(req.SessionID)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := d.deliver.Deliver(ctx, req.SessionID, req.RealPath, req.Text); err != nil {
			d.log.Error("deliver_failed",
				slog.String("session_id", req.SessionID),
				slog.String("error", err.Error()))
			d.bus.Emit(eventbus.Event{
				Type:    eventbus.EventSDKError,
				Channel: req.SessionID,
				Data:    wire.SDKErrorDetail{Type: "delivery_failed", Message: err.Error()},
			})
		}
	}()

	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

func (d *Daemon) handleCheckLoading(w http.ResponseWriter, r *http.Request) {
	var req wire.CheckLoadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	loading, err := d.store.IsLoading(req.SessionID, req.RealPath)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.CheckLoadingResponse{Loading: loading})
}

func (d *Daemon) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req wire.WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	d.watcher.Acquire(req.SessionID, req.RealPath)
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

func (d *Daemon) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	var req wire.WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	d.watcher.Release(req.SessionID)
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

// handleWatchNew arms a single-fire NewSessionDetector and pushes
// new-session-created to the Server when it fires.
func (d *Daemon) handleWatchNew(w http.ResponseWriter, r *http.Request) {
	var req wire.WatchNewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	err := d.detector.Watch(req.ClientID, req.RealPath, func(sessionID, realPath string) {
		d.link.Send(wire.EventNewSessionCreated, wire.NewSessionResultPayload{
			SessionID: sessionID,
			RealPath:  realPath,
		})
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

// handleFindNew answers find-new-session: the most recently updated session
// under realPath whose transcript is younger than a minute, if any.
func (d *Daemon) handleFindNew(w http.ResponseWriter, r *http.Request) {
	var req wire.WatchNewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	sessions, err := d.store.ListSessions(req.RealPath, 1)
	if err != nil || len(sessions) == 0 {
		writeJSON(w, http.StatusOK, wire.FindNewResponse{Found: false})
		return
	}
	if time.Since(sessions[0].LastUpdated) > time.Minute {
		writeJSON(w, http.StatusOK, wire.FindNewResponse{Found: false})
		return
	}
	writeJSON(w, http.StatusOK, wire.FindNewResponse{SessionID: sessions[0].SessionID, Found: true})
}

func (d *Daemon) handleResumePush(w http.ResponseWriter, r *http.Request) {
	var req wire.WatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	d.watcher.Resume(req.SessionID)
	writeJSON(w, http.StatusOK, wire.APIEnvelope{Success: true})
}

// handleApprovalResponse resolves a pending approval. Accepted=false means
// the request had already timed out (or is unknown); on seeing it the
// Server broadcasts approval-expired to its clients.
func (d *Daemon) handleApprovalResponse(w http.ResponseWriter, r *http.Request) {
	var req wire.ApprovalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body")
		return
	}
	_, accepted := d.bridge.Respond(req.RequestID, req.Approved, req.Reason)
	writeJSON(w, http.StatusOK, wire.ApprovalDecisionResponse{Accepted: accepted})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, wire.APIError{Success: false, Code: code, Message: message})
}

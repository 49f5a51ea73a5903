package hub

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vimo-ai/vlaude/internal/authn"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/wire"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The mobile client connects cross-origin; identity is established by
	// bearer token or client certificate, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the Conn interface. gorilla
// connections do not allow concurrent writers, and frames arrive from both
// the fan-out path and the heartbeat ticker, so writes are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSHandler serves the Server's single WebSocket endpoint. Trusted-CIDR
// sources (the Daemon, localhost) bypass bearer verification and are
// registered as daemon-internal connections; everyone else must present a
// valid JWT (query parameter or Authorization header) or a verified client
// certificate.
type WSHandler struct {
	Hub      *Hub
	Verifier *authn.Verifier
	Tokens   *authn.TokenStore
	BaseCtx  context.Context
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientType, subject, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	hubLog := logging.ForComponent(logging.CompHub)

	wc := &wsConn{conn: conn}
	clientID := h.Hub.Register(wc, clientType, subject)
	hubLog.Info("client_connected",
		slog.String("client_id", clientID),
		slog.String("client_type", string(clientType)))
	defer func() {
		h.Hub.Unregister(clientID)
		hubLog.Info("client_disconnected", slog.String("client_id", clientID))
	}()

	// Welcome frame so the client knows the connection is ready.
	_ = wc.WriteFrame(wire.Frame{Event: wire.EventConnected})

	// Heartbeat goroutine keeps the connection alive and flushes out stale
	// clients.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.BaseCtx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if err := wc.WriteFrame(wire.Frame{Event: wire.EventHeartbeat}); err != nil {
					return
				}
			}
		}
	}()

	for {
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				hubLog.Warn("ws_closed_unexpectedly",
					slog.String("client_id", clientID),
					slog.String("error", err.Error()))
			}
			return
		}

		var handleErr error
		if clientType == ClientDaemon {
			handleErr = h.Hub.HandleDaemonFrame(f)
		} else {
			handleErr = h.Hub.HandleFrame(h.BaseCtx, clientID, f)
		}
		if handleErr != nil {
			hubLog.Debug("frame_error",
				slog.String("client_id", clientID),
				slog.String("event", f.Event),
				slog.String("error", handleErr.Error()))
			_ = wc.WriteFrame(mustFrame(wire.EventError, wire.ErrorPayload{Success: false, Message: handleErr.Error()}))
		}
	}
}

// authenticate resolves the connection's identity in precedence order:
// trusted CIDR (daemon-internal, no token required), verified client
// certificate, then bearer token.
func (h *WSHandler) authenticate(r *http.Request) (ClientType, string, bool) {
	clientType := ClientMobile
	if r.URL.Query().Get("clientType") == string(ClientCLI) {
		clientType = ClientCLI
	}

	// Trusted sources are exempt from bearer verification. A
	// trusted connection that does not declare a clientType is the Daemon's
	// push link; a local CLI declares itself and keeps its own type.
	if h.Verifier.IsTrustedAddr(r.RemoteAddr) {
		if r.URL.Query().Get("clientType") == "" {
			return ClientDaemon, "daemon-internal", true
		}
		return clientType, "trusted-local", true
	}

	if subject, ok := authn.VerifyPeerCert(r.TLS); ok {
		return clientType, subject, true
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return "", "", false
	}
	subject, err := h.Verifier.VerifyBearerWithStore(token, h.Tokens)
	if err != nil {
		return "", "", false
	}
	return clientType, subject, true
}

func mustFrame(event string, payload any) wire.Frame {
	f, err := wire.Encode(event, payload)
	if err != nil {
		return wire.Frame{Event: event}
	}
	return f
}

// Package cli implements the wrapper process that launches the assistant,
// negotiates session identity with the Server, and swaps between an
// interactive LOCAL mode and a passive REMOTE mode. The assistant runs on
// a pty; a second, auxiliary pipe carries the UUIDs its launcher reports.
package cli

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// maxBackoff caps the control-socket reconnect delay.
const maxBackoff = 5 * time.Second

// Control is the CLI's WebSocket control channel to the Server. It
// reconnects forever with capped exponential backoff; frames sent while
// disconnected are dropped (the CLI re-joins on reconnect, so control
// state is re-established rather than replayed).
type Control struct {
	url string
	log *slog.Logger

	// Frames carries every server frame to the driver's mode loop.
	Frames chan wire.Frame

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	onConnect func()
}

// NewControl returns a Control for the Server at url (the bearer token, if
// any, is already part of the URL's query string).
func NewControl(url string) *Control {
	return &Control{
		url:    url,
		log:    logging.ForComponent(logging.CompCLI),
		Frames: make(chan wire.Frame, 64),
	}
}

// OnConnect registers a callback invoked after every successful (re)dial,
// used by the driver to re-join its session.
func (c *Control) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// Connected reports whether the control socket is currently open; the
// status-file heartbeat pauses while it is not.
func (c *Control) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Send writes one frame, dropping it if the socket is down.
func (c *Control) Send(event string, payload any) {
	f, err := wire.Encode(event, payload)
	if err != nil {
		c.log.Error("encode_failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Debug("send_dropped_disconnected", slog.String("event", event))
		return
	}
	if err := conn.WriteJSON(f); err != nil {
		c.log.Warn("send_failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Run dials and pumps the control socket until ctx is cancelled.
func (c *Control) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warn("dial_failed", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 250 * time.Millisecond

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		onConnect := c.onConnect
		c.mu.Unlock()
		if onConnect != nil {
			onConnect()
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()
	}
}

func (c *Control) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		var f wire.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.log.Warn("control_closed", slog.String("error", err.Error()))
			return
		}
		if f.Event == wire.EventHeartbeat || f.Event == wire.EventConnected {
			continue
		}
		select {
		case c.Frames <- f:
		default:
			c.log.Warn("frame_dropped_backpressure", slog.String("event", f.Event))
		}
	}
}

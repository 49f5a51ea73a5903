package daemonlink

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// maxBackoff caps the reconnect delay.
const maxBackoff = 5 * time.Second

// PushLink is the Daemon's outbound WebSocket to the Server, used for all
// Daemon->Server pushes. Frames queued while the link is down are buffered
// up to the channel capacity and flushed on reconnect; beyond that further
// pushes are dropped as they arrive — subscribers resynchronize through the REST
// surface, so a dropped push is not a correctness problem.
type PushLink struct {
	url string
	log *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	sendCh chan wire.Frame
}

// NewPushLink returns a PushLink that will dial url once Run is called.
func NewPushLink(url string) *PushLink {
	return &PushLink{
		url:    url,
		log:    logging.ForComponent(logging.CompDaemonLink),
		sendCh: make(chan wire.Frame, 256),
	}
}

// Send queues a frame for delivery, dropping it if the buffer is full.
func (l *PushLink) Send(event string, payload any) {
	f, err := wire.Encode(event, payload)
	if err != nil {
		l.log.Error("encode_failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}
	select {
	case l.sendCh <- f:
	default:
		l.log.Warn("push_buffer_full", slog.String("event", event))
	}
}

// Run dials the Server and pumps queued frames until ctx is cancelled,
// redialing forever with exponential backoff on any failure.
func (l *PushLink) Run(ctx context.Context) {
	backoff := 250 * time.Millisecond
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			l.log.Warn("dial_failed", slog.String("url", l.url), slog.String("error", err.Error()))
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
		l.log.Info("connected", slog.String("url", l.url))

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.pump(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}
}

// pump writes queued frames and drains inbound control traffic (the
// Server's heartbeat frames) until either direction fails.
func (l *PushLink) pump(ctx context.Context, conn *websocket.Conn) {
	readErr := make(chan error, 1)
	go func() {
		for {
			var f wire.Frame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case err := <-readErr:
			l.log.Warn("link_closed", slog.String("error", err.Error()))
			return
		case f := <-l.sendCh:
			if err := conn.WriteJSON(f); err != nil {
				l.log.Warn("write_failed", slog.String("event", f.Event), slog.String("error", err.Error()))
				return
			}
		}
	}
}

// Connected reports whether the link currently holds an open connection.
func (l *PushLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

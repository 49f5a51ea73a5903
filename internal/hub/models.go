// Package hub implements the Server's WebSocket connection registry,
// per-session occupancy tracking, and subscription-based fan-out. One
// endpoint serves both trust domains: the Daemon's push link arrives from
// an allowlisted address, everything else authenticates as a CLI or
// mobile client.
package hub

import "github.com/vimo-ai/vlaude/internal/wire"

// ClientType identifies which kind of endpoint owns a connection.
type ClientType string

const (
	ClientCLI    ClientType = "cli"
	ClientMobile ClientType = "mobile"
	ClientDaemon ClientType = "daemon-internal"
)

// Conn is the minimal surface Hub needs from a transport connection,
// narrow enough to fake in tests without standing up a real WebSocket.
type Conn interface {
	WriteFrame(f wire.Frame) error
	Close() error
}

// ClientConnection is the record of one live connection.
type ClientConnection struct {
	ID          string
	Type        ClientType
	SessionID   string
	RealPath    string
	AuthSubject string

	conn Conn
}

// SessionOccupancy is the per-session record: at most one CLI slot and a
// set of mobile subscriber IDs.
type SessionOccupancy struct {
	CLIClientID string
	MobileIDs   map[string]bool
}

func newOccupancy() *SessionOccupancy {
	return &SessionOccupancy{MobileIDs: make(map[string]bool)}
}

// Empty reports whether neither a CLI nor any mobile client occupies the
// session.
func (o *SessionOccupancy) Empty() bool {
	return o.CLIClientID == "" && len(o.MobileIDs) == 0
}

// subscription holds the realPath a session belongs to (needed to
// acquire/release the watcher) plus the set of subscribing connection IDs.
type subscription struct {
	realPath string
	ids      map[string]bool
}

func newSubscription(realPath string) *subscription {
	return &subscription{realPath: realPath, ids: make(map[string]bool)}
}

// Package match implements the identity protocol correlating a
// CLI-reported UUID stream with the Daemon's newly-seen-session reports.
// Neither observation alone is authoritative; the first UUID present in
// both sets confirms the session.
package match

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vimo-ai/vlaude/internal/logging"
)

// state is the per-project match state, keyed by realPath.
type state struct {
	uuidsReportedByCLI map[string]bool
	sessionIDsSeen     map[string]bool
	cliClientID        string
}

// Matcher is the UUIDMatcher.
type Matcher struct {
	mu  sync.Mutex
	byPath map[string]*state
	log *slog.Logger
}

// New returns a ready-to-use Matcher.
func New() *Matcher {
	return &Matcher{
		byPath: make(map[string]*state),
		log:    logging.ForComponent(logging.CompMatch),
	}
}

// ReportCLIUUID records a UUID generated for realPath by cliClientID.
// Malformed UUIDs are rejected before being admitted to the set. Returns
// the confirmed sessionId if this observation completes the intersection,
// else "".
func (m *Matcher) ReportCLIUUID(realPath, cliClientID, rawUUID string) (confirmed string, ok bool) {
	id, err := uuid.Parse(rawUUID)
	if err != nil {
		m.log.Warn("malformed_cli_uuid", slog.String("real_path", realPath), slog.String("raw", rawUUID))
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensureLocked(realPath)
	s.cliClientID = cliClientID
	s.uuidsReportedByCLI[id.String()] = true
	return m.tryConfirmLocked(realPath, s)
}

// ReportDaemonSession records a newly-seen session transcript for
// realPath. Returns the confirmed sessionId if this observation completes
// the intersection.
func (m *Matcher) ReportDaemonSession(realPath, sessionID string) (confirmed string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.ensureLocked(realPath)
	s.sessionIDsSeen[sessionID] = true
	return m.tryConfirmLocked(realPath, s)
}

// CLIClientID returns the client that most recently reported UUIDs for
// realPath, used to address the sessionConfirmed event.
func (m *Matcher) CLIClientID(realPath string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byPath[realPath]
	if !ok {
		return "", false
	}
	return s.cliClientID, true
}

func (m *Matcher) ensureLocked(realPath string) *state {
	s, ok := m.byPath[realPath]
	if !ok {
		s = &state{
			uuidsReportedByCLI: make(map[string]bool),
			sessionIDsSeen:     make(map[string]bool),
		}
		m.byPath[realPath] = s
	}
	return s
}

// tryConfirmLocked intersects the two sets; the first UUID present in both
// is the confirmed sessionId. On confirmation the state is deleted.
func (m *Matcher) tryConfirmLocked(realPath string, s *state) (string, bool) {
	for id := range s.uuidsReportedByCLI {
		if s.sessionIDsSeen[id] {
			delete(m.byPath, realPath)
			return id, true
		}
	}
	return "", false
}

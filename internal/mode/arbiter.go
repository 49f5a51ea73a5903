// Package mode implements the per-session local/remote state machine. A
// mutex-guarded map of sessionId -> State carries the mode; side effects
// are emitted on the shared event bus so the connection layer stays
// decoupled from the transition logic.
package mode

import (
	"log/slog"
	"sync"

	"github.com/vimo-ai/vlaude/internal/eventbus"
	"github.com/vimo-ai/vlaude/internal/logging"
)

// State is a session's current drive mode.
type State string

const (
	Local         State = "local"
	Remote        State = "remote"
	Transitioning State = "transitioning"
)

// Event names the transition triggers.
type Event string

const (
	EventMobileJoined        Event = "mobile_joined"
	EventLastMobileLeft      Event = "last_mobile_left"
	EventCLIRequestExit      Event = "cli_request_exit"
	EventCLIResumeLocal      Event = "cli_resume_local"
)

// LoadingProbe answers whether sessionId's assistant is still generating,
// backed by Store.IsLoading over DaemonLink in the Server process.
type LoadingProbe func(sessionID, realPath string) (bool, error)

// Arbiter is the ModeArbiter.
type Arbiter struct {
	bus     *eventbus.EventBus
	loading LoadingProbe
	log     *slog.Logger

	mu    sync.Mutex
	state map[string]State
	paths map[string]string // sessionID -> realPath, for loading probes
}

// New returns an Arbiter that emits side effects onto bus and answers the
// graceful-exit loading probe via loading.
func New(bus *eventbus.EventBus, loading LoadingProbe) *Arbiter {
	return &Arbiter{
		bus:     bus,
		loading: loading,
		log:     logging.ForComponent(logging.CompMode),
		state:   make(map[string]State),
		paths:   make(map[string]string),
	}
}

// State returns the current mode for sessionID, defaulting to Local for an
// unseen session (a CLI with no mobile ever having joined).
func (a *Arbiter) State(sessionID string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.state[sessionID]; ok {
		return s
	}
	return Local
}

// MobileJoined handles "mobile joins session": LOCAL ->
// REMOTE, emitting remote-connect to the CLI. If the session was already
// REMOTE (a reconnect), remote-connect is re-emitted so a CLI that slipped
// back into LOCAL during a brief outage is nudged back.
func (a *Arbiter) MobileJoined(sessionID, realPath string) {
	a.mu.Lock()
	a.state[sessionID] = Remote
	a.paths[sessionID] = realPath
	a.mu.Unlock()

	a.bus.Emit(eventbus.Event{Type: eventbus.EventRemoteConnect, Channel: sessionID, Data: nil})
}

// LastMobileLeft handles "last mobile leaves". From
// LOCAL it is a no-op; from REMOTE it transitions back to LOCAL and emits
// remote-disconnect so the CLI respawns in resume mode.
func (a *Arbiter) LastMobileLeft(sessionID string) {
	a.mu.Lock()
	prev := a.state[sessionID]
	if prev == Remote {
		a.state[sessionID] = Local
	}
	a.mu.Unlock()

	if prev == Remote {
		a.bus.Emit(eventbus.Event{Type: eventbus.EventRemoteDisconnect, Channel: sessionID, Data: nil})
	}
}

// RequestExitRemote handles cli:requestExitRemote.
// It asks the Daemon (via the injected LoadingProbe) whether the session is
// still generating; "loading" denies the exit and the session stays REMOTE,
// "not loading" allows it and transitions to LOCAL.
func (a *Arbiter) RequestExitRemote(sessionID string) {
	a.mu.Lock()
	realPath := a.paths[sessionID]
	a.mu.Unlock()

	loading, err := a.loading(sessionID, realPath)
	if err != nil {
		a.log.Warn("exit_remote_probe_failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
		a.bus.Emit(eventbus.Event{
			Type:    eventbus.EventExitRemoteDenied,
			Channel: sessionID,
			Data:    map[string]string{"reason": "probe_failed"},
		})
		return
	}

	if loading {
		a.bus.Emit(eventbus.Event{
			Type:    eventbus.EventExitRemoteDenied,
			Channel: sessionID,
			Data:    map[string]string{"reason": "loading"},
		})
		return
	}

	a.mu.Lock()
	a.state[sessionID] = Local
	a.mu.Unlock()
	a.bus.Emit(eventbus.Event{Type: eventbus.EventExitRemoteAllowed, Channel: sessionID, Data: nil})
}

// CLIResumeLocal handles cli:resumeLocal: stays LOCAL,
// the side effect being the Server asking the Daemon to resume pushing
// watcher events (handled by the caller unpausing the TranscriptWatcher).
func (a *Arbiter) CLIResumeLocal(sessionID string) {
	a.mu.Lock()
	a.state[sessionID] = Local
	a.mu.Unlock()
}

// Forget removes all state for sessionID (used when its occupancy record is
// torn down entirely).
func (a *Arbiter) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.state, sessionID)
	delete(a.paths, sessionID)
	a.mu.Unlock()
}

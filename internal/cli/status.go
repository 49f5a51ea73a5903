package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vimo-ai/vlaude/internal/logging"
)

// sideChannelDir is the per-project directory of filesystem side-channels
// shared with the out-of-process status-line renderer.
const sideChannelDir = ".vlaude"

// switchSignalFile is written by the status-line when it observes the
// assistant internally switching sessions; the CLI consumes and deletes it.
const switchSignalFile = "session-switch.signal"

// StatusFile is the JSON body of session-<sid>.status.
type StatusFile struct {
	SessionID string    `json:"sessionId"`
	Connected bool      `json:"connected"`
	Mode      string    `json:"mode"`
	Timestamp time.Time `json:"timestamp"`
}

// SwitchSignal is the JSON body of session-switch.signal.
type SwitchSignal struct {
	PreviousSessionID string    `json:"previousSessionId"`
	CurrentSessionID  string    `json:"currentSessionId"`
	Timestamp         time.Time `json:"timestamp"`
}

// StatusWriter heartbeats the session status file every interval while the
// control socket is connected; the heartbeat pauses on disconnect and
// resumes on reconnect. The file is written only by the CLI
// owning the session; readers treat a status older than 5 s as stale.
type StatusWriter struct {
	dir       string
	interval  time.Duration
	connected func() bool
	snapshot  func() (sessionID, mode string)
	log       *slog.Logger
}

// NewStatusWriter returns a StatusWriter for the project at realPath.
func NewStatusWriter(realPath string, interval time.Duration, connected func() bool, snapshot func() (string, string)) *StatusWriter {
	return &StatusWriter{
		dir:       filepath.Join(realPath, sideChannelDir),
		interval:  interval,
		connected: connected,
		snapshot:  snapshot,
		log:       logging.ForComponent(logging.CompCLI),
	}
}

// Run writes the status file on every tick until ctx is cancelled, then
// writes one final disconnected record.
func (s *StatusWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.write(false)
			return
		case <-ticker.C:
			if !s.connected() {
				continue
			}
			s.write(true)
		}
	}
}

func (s *StatusWriter) write(connected bool) {
	sessionID, mode := s.snapshot()
	if sessionID == "" {
		return
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.Warn("status_dir_failed", slog.String("error", err.Error()))
		return
	}

	body, err := json.Marshal(StatusFile{
		SessionID: sessionID,
		Connected: connected,
		Mode:      mode,
		Timestamp: time.Now(),
	})
	if err != nil {
		return
	}
	path := filepath.Join(s.dir, "session-"+sessionID+".status")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		s.log.Warn("status_write_failed", slog.String("path", path), slog.String("error", err.Error()))
	}
}

// WatchSwitchSignals watches the project's side-channel directory and
// emits each session-switch signal after consuming (deleting) its file. A
// signal already on disk at watch start is delivered immediately.
func WatchSwitchSignals(ctx context.Context, realPath string) (<-chan SwitchSignal, error) {
	dir := filepath.Join(realPath, sideChannelDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	log := logging.ForComponent(logging.CompCLI)
	ch := make(chan SwitchSignal, 4)
	signalPath := filepath.Join(dir, switchSignalFile)

	go func() {
		defer close(ch)
		defer fsw.Close()

		if sig, ok := consumeSignal(signalPath); ok {
			ch <- sig
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != switchSignalFile {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if sig, ok := consumeSignal(signalPath); ok {
					select {
					case ch <- sig:
					case <-ctx.Done():
						return
					}
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn("switch_signal_watch_error", slog.String("error", err.Error()))
			}
		}
	}()

	return ch, nil
}

// consumeSignal reads and deletes the signal file; a partially-written or
// unparseable file is left in place for the next event to retry.
func consumeSignal(path string) (SwitchSignal, bool) {
	body, err := os.ReadFile(path)
	if err != nil {
		return SwitchSignal{}, false
	}
	var sig SwitchSignal
	if err := json.Unmarshal(body, &sig); err != nil {
		return SwitchSignal{}, false
	}
	_ = os.Remove(path)
	return sig, true
}

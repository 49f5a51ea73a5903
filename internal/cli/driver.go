package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/vimo-ai/vlaude/internal/config"
	"github.com/vimo-ai/vlaude/internal/logging"
	"github.com/vimo-ai/vlaude/internal/wire"
)

// iterationResult is how one mode iteration ends: "switch"
// flips the mode and continues the loop, "exit" terminates the wrapper.
type iterationResult int

const (
	resultSwitch iterationResult = iota
	resultExit
)

// ErrForceExit is returned when the user Ctrl-C's out of REMOTE mode.
var ErrForceExit = errors.New("cli: force exit")

// Driver runs the CLI wrapper's main loop.
type Driver struct {
	cfg     *config.CLIConfig
	control *Control
	status  *StatusWriter
	log     *slog.Logger

	realPath string

	mu        sync.Mutex
	sessionID string
	mode      string
}

// NewDriver builds a Driver for the project at realPath. sessionID is empty
// for a fresh session, or a known UUID for resume.
func NewDriver(cfg *config.CLIConfig, control *Control, realPath, sessionID string) *Driver {
	d := &Driver{
		cfg:       cfg,
		control:   control,
		log:       logging.ForComponent(logging.CompCLI),
		realPath:  realPath,
		sessionID: sessionID,
		mode:      "local",
	}
	d.status = NewStatusWriter(realPath, cfg.StatusInterval(), control.Connected, d.Snapshot)
	return d
}

// Snapshot returns the current session ID and mode for the status file.
func (d *Driver) Snapshot() (sessionID, mode string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessionID, d.mode
}

func (d *Driver) setSession(sessionID string) {
	d.mu.Lock()
	d.sessionID = sessionID
	d.mu.Unlock()
}

func (d *Driver) setMode(mode string) {
	d.mu.Lock()
	d.mode = mode
	d.mu.Unlock()
}

// Run executes the LOCAL/REMOTE loop until the assistant exits, the user
// force-exits, or ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	d.control.OnConnect(func() {
		if sid, _ := d.Snapshot(); sid != "" {
			d.control.Send(wire.EventJoin, wire.JoinPayload{
				SessionID:  sid,
				ClientType: wire.ClientCLI,
				RealPath:   d.realPath,
			})
		}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go d.control.Run(ctx)
	go d.status.Run(ctx)
	go d.watchSessionSwitch(ctx)

	local := true
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var (
			result iterationResult
			err    error
		)
		if local {
			d.setMode("local")
			result, err = d.runLocal(ctx)
		} else {
			d.setMode("remote")
			result, err = d.runRemote(ctx)
		}
		if err != nil {
			return err
		}
		if result == resultExit {
			return nil
		}
		local = !local
	}
}

// runLocal is one LOCAL iteration: spawn the
// assistant, stream UUIDs until the session is confirmed, and hand off to
// REMOTE when a mobile connects.
func (d *Driver) runLocal(ctx context.Context) (iterationResult, error) {
	sessionID, _ := d.Snapshot()

	if sessionID == "" {
		// Arm the Daemon-side detector before the assistant can write its
		// first transcript line, so both identity observations cover the
		// new session.
		d.control.Send(wire.EventWatchNewSession, wire.WatchNewSessionPayload{RealPath: d.realPath})
	}

	onUUID := func(u string) {
		d.control.Send(wire.EventCLIReportUUID, wire.ReportUUIDPayload{UUID: u, RealPath: d.realPath})
	}

	c, err := spawn(d.cfg.AssistantPath, d.cfg.AssistantArgs, d.realPath, sessionID, onUUID, d.log)
	if err != nil {
		return resultExit, err
	}

	// Switch-handler: consume control frames until the child exits. A
	// remote-connect terminates the child and flags the handoff.
	var switchFlag bool
	frameCtx, stopFrames := context.WithCancel(ctx)
	framesDone := make(chan struct{})
	go func() {
		defer close(framesDone)
		for {
			select {
			case <-frameCtx.Done():
				return
			case f := <-d.control.Frames:
				switch f.Event {
				case wire.EventSessionConfirmed:
					var p wire.SessionConfirmedPayload
					if f.Decode(&p) == nil && p.SessionID != "" {
						d.log.Info("session_confirmed", slog.String("session_id", p.SessionID))
						d.setSession(p.SessionID)
						d.control.Send(wire.EventJoin, wire.JoinPayload{
							SessionID:  p.SessionID,
							ClientType: wire.ClientCLI,
							RealPath:   d.realPath,
						})
					}
				case wire.EventRemoteConnect:
					switchFlag = true
					c.terminate()
				}
			}
		}
	}()

	waitErr := c.wait()
	stopFrames()
	<-framesDone

	if switchFlag {
		return resultSwitch, nil
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return resultExit, fmt.Errorf("cli: assistant exited: %w", waitErr)
		}
		return resultExit, fmt.Errorf("cli: assistant wait: %w", waitErr)
	}
	return resultExit, nil
}

// watchSessionSwitch consumes the status-line's session-switch signal file
// and rejoins the new session on the control socket.
func (d *Driver) watchSessionSwitch(ctx context.Context) {
	ch, err := WatchSwitchSignals(ctx, d.realPath)
	if err != nil {
		d.log.Warn("switch_signal_watch_failed", slog.String("error", err.Error()))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-ch:
			if !ok {
				return
			}
			prev, _ := d.Snapshot()
			if sig.CurrentSessionID == "" || sig.CurrentSessionID == prev {
				continue
			}
			d.log.Info("internal_resume_detected",
				slog.String("previous", sig.PreviousSessionID),
				slog.String("current", sig.CurrentSessionID))
			if prev != "" {
				d.control.Send(wire.EventLeave, wire.LeavePayload{SessionID: prev})
			}
			d.setSession(sig.CurrentSessionID)
			d.control.Send(wire.EventJoin, wire.JoinPayload{
				SessionID:  sig.CurrentSessionID,
				ClientType: wire.ClientCLI,
				RealPath:   d.realPath,
			})
		}
	}
}

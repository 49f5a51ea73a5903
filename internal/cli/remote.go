package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vimo-ai/vlaude/internal/wire"
)

var (
	remoteTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	remoteDimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	remoteDeniedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
)

// frameMsg injects a control-socket frame into the bubbletea loop.
type frameMsg struct {
	frame wire.Frame
}

// remoteModel is the passive REMOTE-mode screen: a
// waiting display with q/ESC requesting a graceful exit and Ctrl-C forcing
// one. bubbletea owns raw stdin for the duration, replacing the hand-rolled
// key handling the state machine would otherwise need.
type remoteModel struct {
	driver  *Driver
	spin    spinner.Model
	notice  string
	metrics *wire.MetricsUpdatePayload

	result iterationResult
	force  bool
}

func newRemoteModel(d *Driver) remoteModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return remoteModel{driver: d, spin: sp, result: resultExit}
}

func (m remoteModel) Init() tea.Cmd {
	return m.spin.Tick
}

func (m remoteModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc":
			sid, _ := m.driver.Snapshot()
			m.driver.control.Send(wire.EventCLIRequestExitLocal, wire.RequestExitRemotePayload{SessionID: sid})
			m.notice = "exit requested..."
			return m, nil
		case "ctrl+c":
			m.force = true
			return m, tea.Quit
		}
	case frameMsg:
		switch msg.frame.Event {
		case wire.EventExitRemoteAllowed, wire.EventRemoteDisconnect:
			m.result = resultSwitch
			return m, tea.Quit
		case wire.EventExitRemoteDenied:
			var p wire.ExitRemoteDeniedPayload
			if msg.frame.Decode(&p) == nil {
				m.notice = fmt.Sprintf("still %s, staying remote", p.Reason)
			}
			return m, nil
		case wire.EventStatuslineMetrics:
			var p wire.MetricsUpdatePayload
			if msg.frame.Decode(&p) == nil {
				m.metrics = &p
			}
			return m, nil
		}
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m remoteModel) View() string {
	sid, _ := m.driver.Snapshot()
	lines := fmt.Sprintf("%s %s\n\n%s\n",
		m.spin.View(),
		remoteTitleStyle.Render("session driven remotely"),
		remoteDimStyle.Render("session "+sid))
	if m.metrics != nil {
		lines += remoteDimStyle.Render(fmt.Sprintf("in %d / out %d tokens, context %d\n",
			m.metrics.InputTokens, m.metrics.OutputTokens, m.metrics.ContextLength))
	}
	if m.notice != "" {
		lines += remoteDeniedStyle.Render(m.notice) + "\n"
	}
	lines += "\n" + remoteDimStyle.Render("q/esc: take back locally   ctrl+c: quit")
	return lines
}

// runRemote is one REMOTE iteration: the bubbletea program blocks until the
// handoff back to LOCAL is granted, the last mobile disconnects, or the
// user force-exits.
func (d *Driver) runRemote(ctx context.Context) (iterationResult, error) {
	p := tea.NewProgram(newRemoteModel(d), tea.WithAltScreen(), tea.WithContext(ctx))

	// Forward control frames into the program for the lifetime of this
	// iteration.
	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go func() {
		for {
			select {
			case <-forwardCtx.Done():
				return
			case f := <-d.control.Frames:
				p.Send(frameMsg{frame: f})
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		if ctx.Err() != nil {
			return resultExit, ctx.Err()
		}
		return resultExit, fmt.Errorf("cli: remote screen: %w", err)
	}

	m, ok := final.(remoteModel)
	if !ok {
		return resultExit, nil
	}
	if m.force {
		return resultExit, ErrForceExit
	}
	return m.result, nil
}

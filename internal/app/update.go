package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"charchat/internal/chat"
	"charchat/internal/messages"
)

// Update handles all application messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true

		// Reserve space for header (1), input (1), status bar (1), padding (2)
		chatHeight := msg.Height - 5
		if chatHeight < 5 {
			chatHeight = 5
		}
		if m.viewport.Width == 0 {
			m.viewport = newViewport(msg.Width, chatHeight)
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = chatHeight
		}
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.releaseSubscriptions()
			return m, tea.Quit

		case "pgup":
			return m, m.loadOlderCmd()

		case "enter":
			value := strings.TrimSpace(m.input.Value())
			if value == "" {
				break
			}
			if strings.HasPrefix(value, "/") {
				m.input.SetValue("")
				return m.runCommand(value)
			}
			if m.engine.Pipeline.Sending(m.engine.App.ActiveSession()) {
				m.notice = "still waiting for the previous reply"
				return m, nil
			}
			m.input.SetValue("")
			return m.send(value)
		}

	case messages.SessionsLoadedMsg:
		if sessions := m.engine.Sessions.Sessions(); len(sessions) > 0 && m.engine.Sessions.Active() == nil {
			m.engine.Sessions.Select(&sessions[0])
			return m, m.loadOlderCmd()
		}
		return m, nil

	case messages.HistoryLoadedMsg:
		m.refreshViewport()
		return m, nil

	case messages.PartialFrameMsg:
		// Frames only matter while a send is pending for the active
		// session; anything else is a leftover from an abandoned session.
		if m.state == StateSending {
			frame := msg.Frame
			m.partial = &frame
			m.refreshViewport()
		}
		return m, nil

	case messages.SendDoneMsg:
		m.state = StateIdle
		m.partial = nil
		m.lastErr = nil
		m.refreshViewport()
		return m, m.input.Focus()

	case messages.RegenDoneMsg:
		m.state = StateIdle
		m.partial = nil
		m.refreshViewport()
		return m, m.input.Focus()

	case messages.SendErrMsg:
		m.state = StateError
		m.partial = nil
		m.lastErr = msg.Err
		m.refreshViewport()
		return m, m.input.Focus()

	case messages.SessionLabeledMsg:
		m.notice = fmt.Sprintf("session titled %q", msg.Name)
		return m, nil

	case messages.ErrMsg:
		m.notice = msg.Err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.spin, cmd = m.spin.Update(msg)
	cmds = append(cmds, cmd)

	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// send dispatches one message through the pipeline.
func (m Model) send(content string) (tea.Model, tea.Cmd) {
	m.state = StateSending
	m.lastErr = nil
	m.notice = ""
	m.lastSent = content
	m.refreshViewport()
	return m, tea.Batch(m.spin.Tick, m.sendCmd(content))
}

// runCommand executes a slash command.
func (m Model) runCommand(value string) (tea.Model, tea.Cmd) {
	parts := strings.SplitN(value, " ", 2)
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch parts[0] {
	case "/help":
		m.notice = "/sessions /open <n> /new /rename <name> /delete /retry /regen /older /quit"
		return m, nil

	case "/quit":
		m.releaseSubscriptions()
		return m, tea.Quit

	case "/sessions":
		return m, m.loadSessionsCmd()

	case "/open":
		n, err := strconv.Atoi(arg)
		sessions := m.engine.Sessions.Sessions()
		if err != nil || n < 1 || n > len(sessions) {
			m.notice = fmt.Sprintf("usage: /open <1..%d>", len(sessions))
			return m, nil
		}
		m.engine.Sessions.Select(&sessions[n-1])
		m.partial = nil
		m.lastErr = nil
		m.refreshViewport()
		return m, m.loadOlderCmd()

	case "/new":
		sess := m.engine.Sessions.CreateTransient(false, nil, nil)
		m.engine.Sessions.Select(sess)
		m.partial = nil
		m.lastErr = nil
		m.refreshViewport()
		return m, nil

	case "/rename":
		if arg == "" {
			m.notice = "usage: /rename <name>"
			return m, nil
		}
		id := m.engine.App.ActiveSession()
		if id == "" {
			m.notice = "no active session"
			return m, nil
		}
		return m, func() tea.Msg {
			if err := m.engine.Sessions.Rename(context.Background(), id, arg); err != nil {
				return messages.ErrMsg{Err: err}
			}
			return messages.SessionLabeledMsg{SessionID: id, Name: arg}
		}

	case "/delete":
		id := m.engine.App.ActiveSession()
		if id == "" {
			m.notice = "no active session"
			return m, nil
		}
		return m, func() tea.Msg {
			if _, err := m.engine.Sessions.Delete(context.Background(), id); err != nil {
				return messages.ErrMsg{Err: err}
			}
			return messages.SessionsLoadedMsg{}
		}

	case "/retry":
		if m.lastErr == nil || m.lastSent == "" {
			m.notice = "nothing to retry"
			return m, nil
		}
		if !m.lastErr.Kind.Retryable() {
			m.notice = m.lastErr.Message
			return m, nil
		}
		return m.send(m.lastSent)

	case "/regen":
		m.state = StateSending
		m.refreshViewport()
		return m, tea.Batch(m.spin.Tick, m.regenCmd())

	case "/older":
		return m, m.loadOlderCmd()

	default:
		m.notice = "unknown command, try /help"
		return m, nil
	}
}

func (m *Model) releaseSubscriptions() {
	if m.frameSub != nil {
		m.frameSub.Cancel()
	}
	if m.labelSub != nil {
		m.labelSub.Cancel()
	}
}

// Commands

func (m Model) loadSessionsCmd() tea.Cmd {
	return func() tea.Msg {
		n, err := m.engine.Sessions.ListSessions(context.Background())
		if err != nil {
			return messages.ErrMsg{Err: err}
		}
		return messages.SessionsLoadedMsg{Count: n}
	}
}

func (m Model) loadOlderCmd() tea.Cmd {
	return func() tea.Msg {
		n, err := m.engine.History.LoadOlder(context.Background())
		if err != nil {
			return messages.ErrMsg{Err: err}
		}
		return messages.HistoryLoadedMsg{Count: n}
	}
}

func (m Model) sendCmd(content string) tea.Cmd {
	return func() tea.Msg {
		reply, err := m.engine.Pipeline.Send(context.Background(), content, nil)
		if err != nil {
			var cerr *chat.Error
			if !errors.As(err, &cerr) {
				return messages.ErrMsg{Err: err}
			}
			return messages.SendErrMsg{Err: cerr}
		}
		return messages.SendDoneMsg{Reply: reply}
	}
}

func (m Model) regenCmd() tea.Cmd {
	return func() tea.Msg {
		reply, err := m.engine.Pipeline.Regenerate(context.Background())
		if err != nil {
			var cerr *chat.Error
			if !errors.As(err, &cerr) {
				return messages.ErrMsg{Err: err}
			}
			return messages.SendErrMsg{Err: cerr}
		}
		return messages.RegenDoneMsg{Reply: reply}
	}
}

// Package app is the terminal front-end driving the chat engine: a message
// viewport, an input line, and slash commands for session management.
package app

import (
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"charchat/internal/chat"
	"charchat/internal/messages"
	"charchat/internal/realtime"
)

// State is the UI-facing state of the active session.
type State int

const (
	StateIdle State = iota
	StateSending
	StateError
)

// SharedState holds the program reference needed by push-channel callbacks.
type SharedState struct {
	mu      sync.Mutex
	program *tea.Program
}

// SetProgram sets the program reference.
func (s *SharedState) SetProgram(p *tea.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.program = p
}

// GetProgram gets the program reference.
func (s *SharedState) GetProgram() *tea.Program {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.program
}

// Engine bundles the chat engine pieces the UI drives.
type Engine struct {
	App      *chat.AppContext
	Sessions *chat.SessionStore
	History  *chat.HistoryStore
	Pipeline *chat.Pipeline
	Listener *realtime.Listener

	CharacterName string
}

// Model is the main application model.
type Model struct {
	engine *Engine
	shared *SharedState

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model

	state    State
	partial  *chat.PartialFrame
	lastErr  *chat.Error
	lastSent string
	notice   string

	frameSub *realtime.Subscription
	labelSub *realtime.Subscription

	width  int
	height int
	ready  bool
}

// New creates the application model.
func New(engine *Engine) Model {
	input := textinput.New()
	input.Placeholder = "Say something… (/help for commands)"
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return Model{
		engine: engine,
		shared: &SharedState{},
		input:  input,
		spin:   spin,
		state:  StateIdle,
	}
}

// SetProgram wires the tea.Program for push-channel callbacks and registers
// the realtime subscriptions. Call before Run.
func (m *Model) SetProgram(p *tea.Program) {
	m.shared.SetProgram(p)

	m.frameSub = m.engine.Listener.OnFrame(func(frame chat.PartialFrame) {
		if prog := m.shared.GetProgram(); prog != nil {
			prog.Send(messages.PartialFrameMsg{Frame: frame})
		}
	})
	m.labelSub = m.engine.Listener.OnSessionLabel(func(sessionID, name string) {
		m.engine.Sessions.ApplyAutoLabel(sessionID, name)
		if prog := m.shared.GetProgram(); prog != nil {
			prog.Send(messages.SessionLabeledMsg{SessionID: sessionID, Name: name})
		}
	})
}

// Init initializes the application.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spin.Tick,
		m.loadSessionsCmd(),
	)
}

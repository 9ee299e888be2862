package app

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"charchat/internal/chat"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	userLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	charLabelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("213"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func newViewport(width, height int) viewport.Model {
	vp := viewport.New(width, height)
	vp.SetContent("")
	return vp
}

// View renders the application.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var b strings.Builder

	title := m.engine.CharacterName
	if sess := m.engine.Sessions.Active(); sess != nil {
		title = fmt.Sprintf("%s · %s", m.engine.CharacterName, sess.Name)
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(m.viewport.View())
	b.WriteString("\n\n")

	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(m.statusLine())

	return b.String()
}

func (m Model) statusLine() string {
	switch {
	case m.lastErr != nil:
		line := errorStyle.Render(m.lastErr.Message)
		if m.lastErr.Kind.Retryable() {
			line += noticeStyle.Render("  (/retry to resend)")
		}
		return line
	case m.engine.Pipeline.SendingVisible(m.engine.App.ActiveSession()):
		return pendingStyle.Render(m.spin.View() + m.engine.CharacterName + " is typing...")
	case m.notice != "":
		return noticeStyle.Render(m.notice)
	default:
		return noticeStyle.Render("enter to send, pgup for older messages, /help for commands")
	}
}

// refreshViewport re-renders the transcript into the viewport and scrolls to
// the bottom.
func (m *Model) refreshViewport() {
	if m.viewport.Width == 0 {
		return
	}

	var b strings.Builder
	for _, msg := range m.engine.History.Messages() {
		b.WriteString(m.renderMessage(&msg))
		b.WriteString("\n")
	}

	if m.partial != nil && m.state == StateSending {
		b.WriteString(charLabelStyle.Render(m.engine.CharacterName))
		b.WriteString("\n")
		b.WriteString(pendingStyle.Render(m.partial.Text()))
		b.WriteString("\n")
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessage(msg *chat.Message) string {
	var b strings.Builder

	if msg.IsUser() {
		b.WriteString(userLabelStyle.Render("You"))
		b.WriteString("\n")
		b.WriteString(msg.Content)
		if msg.IsOptimistic {
			b.WriteString(metaStyle.Render("  (sending)"))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(charLabelStyle.Render(m.engine.CharacterName))
	if msg.Regenerated {
		b.WriteString(metaStyle.Render("  (regenerated)"))
	}
	b.WriteString("\n")
	b.WriteString(m.renderMarkdown(msg.Content))
	return b.String()
}

// renderMarkdown renders assistant content with glamour, falling back to the
// raw text on failure.
func (m *Model) renderMarkdown(content string) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(m.viewport.Width-2),
	)
	if err != nil {
		return content + "\n"
	}
	out, err := r.Render(content)
	if err != nil {
		return content + "\n"
	}
	return strings.TrimRight(out, "\n") + "\n"
}

// Package messages defines the bubbletea messages exchanged between the
// engine goroutines and the UI model.
package messages

import "charchat/internal/chat"

// SessionsLoadedMsg reports a fetched page of sessions.
type SessionsLoadedMsg struct {
	Count int
}

// HistoryLoadedMsg reports a fetched page of older messages.
type HistoryLoadedMsg struct {
	Count int
}

// SendDoneMsg carries the confirmed assistant reply.
type SendDoneMsg struct {
	Reply *chat.Message
}

// SendErrMsg carries a classified send failure. The optimistic user message
// stays in the list; Err.Kind decides whether a retry is offered.
type SendErrMsg struct {
	Err *chat.Error
}

// RegenDoneMsg carries the regenerated assistant message.
type RegenDoneMsg struct {
	Reply *chat.Message
}

// PartialFrameMsg carries the latest partial-response frame from the push
// channel. Each frame replaces the previous one wholesale.
type PartialFrameMsg struct {
	Frame chat.PartialFrame
}

// SessionLabeledMsg reports an out-of-band session auto-title event.
type SessionLabeledMsg struct {
	SessionID string
	Name      string
}

// ErrMsg carries a non-send error (pagination, rename, delete).
type ErrMsg struct {
	Err error
}

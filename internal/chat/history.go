package chat

import (
	"context"
	"fmt"
	"sync"

	"charchat/internal/logging"
)

// HistoryStore owns the ordered message list for the active session.
// Messages are kept in ascending created-at order: older pages are prepended
// at the head, new sends appended at the tail, and committed entries are
// never reordered.
type HistoryStore struct {
	mu      sync.Mutex
	backend Backend
	app     *AppContext
	log     *logging.Logger

	characterID string
	sessionID   string
	messages    []Message
	cursor      PageCursor
	loading     bool
}

// NewHistoryStore creates a history store scoped to no session. Select a
// session through the SessionStore before loading.
func NewHistoryStore(app *AppContext, backend Backend, pageSize int, log *logging.Logger) *HistoryStore {
	if log == nil {
		log = logging.Nop()
	}
	return &HistoryStore{
		backend: backend,
		app:     app,
		log:     log,
		cursor:  NewPageCursor(pageSize),
	}
}

// Reset rescopes the store to a different session, clearing the message list
// and pagination state. For a freshly created transient session there is no
// server history, so the cursor latches immediately and no fetch will be
// issued.
func (h *HistoryStore) Reset(characterID, sessionID string, freshTransient bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.characterID = characterID
	h.sessionID = sessionID
	h.messages = nil
	h.cursor = NewPageCursor(h.cursor.PageSize)
	h.loading = false
	if freshTransient {
		h.cursor.ReachedEnd = true
	}
	h.log.Debug("history reset", "session_id", sessionID, "transient", freshTransient)
}

// LoadOlder fetches the next page of older messages and prepends it.
// Returns the number of messages added. It is a no-op while a previous load
// for the session is outstanding, and once the cursor has reached the end.
func (h *HistoryStore) LoadOlder(ctx context.Context) (int, error) {
	h.mu.Lock()
	if h.sessionID == "" {
		h.mu.Unlock()
		return 0, fmt.Errorf("no active session")
	}
	if h.loading || h.cursor.ReachedEnd {
		h.mu.Unlock()
		return 0, nil
	}
	h.loading = true
	q := HistoryQuery{
		CharacterID: h.characterID,
		SessionID:   h.sessionID,
		Page:        h.cursor.Page,
		PageSize:    h.cursor.PageSize,
	}
	h.mu.Unlock()

	page, err := h.backend.ListMessages(ctx, q)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.loading = false

	// A session switch while the fetch was in flight rescoped the store;
	// the stale page must not leak into the new session's list.
	if h.sessionID != q.SessionID {
		return 0, nil
	}
	if err != nil {
		return 0, ClassifyErr(err, h.app.Identity().Authenticated)
	}

	// The server returns newest-first; reverse to ascending and prepend.
	older := make([]Message, len(page))
	for i, m := range page {
		older[len(page)-1-i] = m
	}
	h.messages = append(older, h.messages...)
	h.cursor.Observe(len(page))

	h.log.Debug("history page loaded",
		"session_id", q.SessionID, "page", q.Page, "count", len(page),
		"reached_end", h.cursor.ReachedEnd)
	return len(page), nil
}

// AppendLocal inserts a message at the tail. Used for optimistic sends and
// for confirmed assistant replies.
func (h *HistoryStore) AppendLocal(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

// AppendIn inserts a message at the tail if the store is still scoped to
// sessionID. Returns false when the session changed while the caller's
// request was in flight; the message is dropped so a reply for an abandoned
// session never leaks into the new session's list.
func (h *HistoryStore) AppendIn(sessionID string, msg Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID != sessionID {
		return false
	}
	h.messages = append(h.messages, msg)
	return true
}

// ReplaceIn applies patch to the message with the given id if the store is
// still scoped to sessionID. Identity and position are preserved.
func (h *HistoryStore) ReplaceIn(sessionID, id string, patch func(*Message)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessionID != sessionID {
		return false
	}
	for i := range h.messages {
		if h.messages[i].ID == id {
			patch(&h.messages[i])
			h.messages[i].ID = id
			return true
		}
	}
	return false
}

// Replace applies patch to the message with the given id, preserving its
// identity and position. Returns false if no such message exists.
func (h *HistoryStore) Replace(id string, patch func(*Message)) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.messages {
		if h.messages[i].ID == id {
			patch(&h.messages[i])
			h.messages[i].ID = id
			return true
		}
	}
	return false
}

// Remove deletes the message with the given id from the local list. The
// authoritative server record is untouched.
func (h *HistoryStore) Remove(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.messages {
		if h.messages[i].ID == id {
			h.messages = append(h.messages[:i], h.messages[i+1:]...)
			return true
		}
	}
	return false
}

// Messages returns a copy of the ordered message list.
func (h *HistoryStore) Messages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of messages currently held.
func (h *HistoryStore) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// Cursor returns the current pagination state.
func (h *HistoryStore) Cursor() PageCursor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// SessionID returns the id of the session the store is scoped to.
func (h *HistoryStore) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

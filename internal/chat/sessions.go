package chat

import (
	"context"
	"sync"

	"charchat/internal/logging"
)

// SessionStore owns the set of known sessions for the active character and
// the active-session reference. Selecting a session rescopes the
// HistoryStore; the message list never straddles two sessions.
type SessionStore struct {
	mu      sync.Mutex
	backend Backend
	app     *AppContext
	history *HistoryStore
	log     *logging.Logger

	characterID string
	sessions    []Session
	cursor      PageCursor
	loading     bool
	active      *Session
}

// NewSessionStore creates a session store bound to the given history store.
func NewSessionStore(app *AppContext, backend Backend, history *HistoryStore, pageSize int, log *logging.Logger) *SessionStore {
	if log == nil {
		log = logging.Nop()
	}
	return &SessionStore{
		backend: backend,
		app:     app,
		history: history,
		log:     log,
		cursor:  NewPageCursor(pageSize),
	}
}

// SetCharacter rescopes the store to a character, dropping all local session
// state. Called by the character-selection collaborator.
func (s *SessionStore) SetCharacter(characterID string) {
	s.mu.Lock()
	s.characterID = characterID
	s.sessions = nil
	s.cursor = NewPageCursor(s.cursor.PageSize)
	s.loading = false
	s.active = nil
	s.mu.Unlock()

	s.app.SetActiveCharacter(characterID)
	s.history.Reset(characterID, "", false)
}

// ListSessions fetches the next page of sessions, ordered by last use, and
// appends it to the local list. A failed fetch leaves prior state untouched.
// Returns the number of sessions added; no-op while a load is outstanding or
// after the cursor reached the end.
func (s *SessionStore) ListSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.loading || s.cursor.ReachedEnd {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	q := SessionQuery{
		CharacterID: s.characterID,
		Page:        s.cursor.Page,
		PageSize:    s.cursor.PageSize,
	}
	s.mu.Unlock()

	page, err := s.backend.ListSessions(ctx, q)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false

	if s.characterID != q.CharacterID {
		return 0, nil
	}
	if err != nil {
		return 0, ClassifyErr(err, s.app.Identity().Authenticated)
	}

	s.sessions = append(s.sessions, page...)
	s.cursor.Observe(len(page))
	s.log.Debug("sessions page loaded",
		"character_id", q.CharacterID, "page", q.Page, "count", len(page),
		"reached_end", s.cursor.ReachedEnd)
	return len(page), nil
}

// CreateTransient synthesizes a session with a fresh id that the server has
// not seen yet, so the user can start chatting before the first message is
// acknowledged. It does not contact the server and does not appear in the
// visible list until promoted.
func (s *SessionStore) CreateTransient(storyMode bool, story *string, tweaks *Tweaks) *Session {
	sess := &Session{
		ID:          NewID(),
		CharacterID: s.app.ActiveCharacter(),
		CreatedBy:   s.app.Identity().ID,
		Name:        "New chat",
		StoryMode:   storyMode,
		Story:       story,
		Tweaks:      tweaks,
		IsTransient: true,
	}
	s.log.Debug("transient session created", "session_id", sess.ID)
	return sess
}

// Select makes the given session active and rescopes message history to it.
// Selecting the already-active session is a no-op. A transient session has
// no server history, so no history fetch will be issued for it.
func (s *SessionStore) Select(sess *Session) {
	s.mu.Lock()
	if s.active != nil && s.active.ID == sess.ID {
		s.mu.Unlock()
		return
	}
	cp := *sess
	s.active = &cp
	characterID := s.characterID
	s.mu.Unlock()

	s.app.setActiveSession(sess.ID)
	s.history.Reset(characterID, sess.ID, sess.IsTransient)
	s.log.Debug("session selected", "session_id", sess.ID, "transient", sess.IsTransient)
}

// Active returns a copy of the active session, or nil if none.
func (s *SessionStore) Active() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	cp := *s.active
	return &cp
}

// PromoteTransient marks the session as persisted and prepends it to the
// visible list, whether or not it is still the active one. Idempotent: a
// session already materialized in the list is not duplicated.
func (s *SessionStore) PromoteTransient(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A character switch dropped all local session state; the promoted
	// session belongs to the old scope.
	if sess.CharacterID != s.characterID {
		return
	}

	if s.active != nil && s.active.ID == sess.ID {
		s.active.IsTransient = false
	}
	for i := range s.sessions {
		if s.sessions[i].ID == sess.ID {
			s.sessions[i].IsTransient = false
			return
		}
	}
	cp := *sess
	cp.IsTransient = false
	s.sessions = append([]Session{cp}, s.sessions...)
	s.log.Debug("transient session promoted", "session_id", sess.ID)
}

// Rename updates a session's name on the server and locally. A failed
// request leaves local state untouched.
func (s *SessionStore) Rename(ctx context.Context, sessionID, name string) error {
	if err := s.backend.RenameSession(ctx, sessionID, name); err != nil {
		return ClassifyErr(err, s.app.Identity().Authenticated)
	}
	s.applyName(sessionID, name)
	return nil
}

// ApplyAutoLabel updates only the name of the matching session, in response
// to an out-of-band auto-labeling event. It never activates the session or
// touches message state.
func (s *SessionStore) ApplyAutoLabel(sessionID, newName string) {
	s.applyName(sessionID, newName)
	s.log.Debug("session auto-labeled", "session_id", sessionID, "name", newName)
}

func (s *SessionStore) applyName(sessionID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil && s.active.ID == sessionID {
		s.active.Name = name
	}
	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			s.sessions[i].Name = name
			return
		}
	}
}

// Delete removes a session on the server and locally. If the deleted session
// was active, the active reference is cleared and wasActive is true so the
// caller can navigate out of the deleted session's view.
func (s *SessionStore) Delete(ctx context.Context, sessionID string) (wasActive bool, err error) {
	if err := s.backend.DeleteSession(ctx, sessionID); err != nil {
		return false, ClassifyErr(err, s.app.Identity().Authenticated)
	}

	s.mu.Lock()
	for i := range s.sessions {
		if s.sessions[i].ID == sessionID {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	wasActive = s.active != nil && s.active.ID == sessionID
	if wasActive {
		s.active = nil
	}
	characterID := s.characterID
	s.mu.Unlock()

	if wasActive {
		s.app.setActiveSession("")
		s.history.Reset(characterID, "", false)
	}
	s.log.Debug("session deleted", "session_id", sessionID, "was_active", wasActive)
	return wasActive, nil
}

// Sessions returns a copy of the visible session list.
func (s *SessionStore) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, len(s.sessions))
	copy(out, s.sessions)
	return out
}

// Cursor returns the current pagination state.
func (s *SessionStore) Cursor() PageCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Package chat implements the client-side engine for a character-chat
// backend: session and message state, the send/regenerate pipeline, and the
// error taxonomy around it. Network access goes through the Backend
// interface; the HTTP implementation lives in internal/api.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Tweaks holds per-session generation preferences.
type Tweaks struct {
	Length     *string `json:"length,omitempty"`
	Creativity *string `json:"creativity,omitempty"`
}

// Session is a named conversation thread between a user and a character.
type Session struct {
	ID            string    `json:"id"`
	CharacterID   string    `json:"character_id"`
	CreatedBy     string    `json:"created_by"`
	Name          string    `json:"name"`
	StoryMode     bool      `json:"story_mode"`
	Story         *string   `json:"story,omitempty"`
	Tweaks        *Tweaks   `json:"tweaks,omitempty"`
	MessagesCount int       `json:"messages_count,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`

	// IsTransient marks a client-generated session the server has not yet
	// acknowledged as persisted. Never sent on the wire.
	IsTransient bool `json:"-"`
}

// Message is a single turn in a session.
type Message struct {
	ID             string    `json:"id"`
	CharacterID    string    `json:"character_id"`
	Content        string    `json:"content"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	CreatedBy      string    `json:"created_by"`
	Name           string    `json:"name,omitempty"`
	Comments       string    `json:"comments,omitempty"`
	Contradictions string    `json:"contradictions,omitempty"`
	KnowledgeHint  string    `json:"knowledge_hint,omitempty"`
	ProcessingTime string    `json:"processing_time,omitempty"`
	Generated      bool      `json:"generated"`
	Regenerated    bool      `json:"regenerated"`

	// IsOptimistic marks a message inserted locally before server
	// confirmation. Never sent on the wire.
	IsOptimistic bool `json:"-"`
}

// IsUser returns true if this is a user message.
func (m *Message) IsUser() bool {
	return m.Role == RoleUser
}

// IsAssistant returns true if this is an assistant message.
func (m *Message) IsAssistant() bool {
	return m.Role == RoleAssistant
}

// PartialFrame is the latest known partial state of the in-flight assistant
// message. Each push event replaces the previous frame wholesale; the frame
// is discarded once the authoritative message arrives.
type PartialFrame struct {
	Response       *string `json:"response"`
	Comments       *string `json:"comments"`
	Contradictions *string `json:"contradictions"`
}

// Text returns the partial response text, or empty if none yet.
func (f *PartialFrame) Text() string {
	if f == nil || f.Response == nil {
		return ""
	}
	return *f.Response
}

// Knowledge is a background knowledge entry attached to a character.
// Message.KnowledgeHint references entries of this list.
type Knowledge struct {
	ID          string    `json:"id"`
	CharacterID string    `json:"character_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// PageCursor is pagination bookkeeping for one paginated list. ReachedEnd
// latches once a fetched page comes back empty or short, and is only reset
// by an explicit scope change (new session, new character).
type PageCursor struct {
	Page       int
	PageSize   int
	ReachedEnd bool
}

// NewPageCursor returns a cursor positioned at the first page.
func NewPageCursor(pageSize int) PageCursor {
	return PageCursor{Page: 1, PageSize: pageSize}
}

// Observe updates the cursor after a page of n items was fetched.
func (c *PageCursor) Observe(n int) {
	if n == 0 || n < c.PageSize {
		c.ReachedEnd = true
	}
	c.Page++
}

// NewID generates a client-side unique identifier. Messages and transient
// sessions are created with client ids so the optimistic copy and the
// server-confirmed copy share identity.
func NewID() string {
	return uuid.NewString()
}

package chat

import "context"

// SendRequest carries one message send to the backend.
type SendRequest struct {
	CharacterID string  `json:"character_id"`
	Content     string  `json:"content"`
	UserName    *string `json:"user_name,omitempty"`
	Role        string  `json:"role"`
	SessionID   string  `json:"session_id"`
	StoryMode   bool    `json:"story_mode"`
	Story       *string `json:"story,omitempty"`
	ID          *string `json:"id,omitempty"`
	Tweaks      *Tweaks `json:"tweaks,omitempty"`
	APIKey      *string `json:"api_key,omitempty"`
}

// RegenerateRequest asks the backend to discard and recompute the last
// assistant message of a session.
type RegenerateRequest struct {
	CharacterID string  `json:"character_id"`
	SessionID   string  `json:"session_id"`
	APIKey      *string `json:"api_key,omitempty"`
}

// HistoryQuery selects one page of a session's messages, newest first.
type HistoryQuery struct {
	CharacterID string
	SessionID   string
	Page        int
	PageSize    int
}

// SessionQuery selects one page of a character's sessions, last-used first.
type SessionQuery struct {
	CharacterID string
	Page        int
	PageSize    int
}

// KnowledgeQuery selects one page of a character's knowledge entries.
type KnowledgeQuery struct {
	CharacterID string
	Page        int
	PageSize    int
}

// Backend is the server boundary the engine talks through. The HTTP
// implementation lives in internal/api; tests substitute fakes.
type Backend interface {
	SendMessage(ctx context.Context, req *SendRequest) (*Message, error)
	RegenerateMessage(ctx context.Context, req *RegenerateRequest) (*Message, error)
	ListMessages(ctx context.Context, q HistoryQuery) ([]Message, error)
	ListSessions(ctx context.Context, q SessionQuery) ([]Session, error)
	RenameSession(ctx context.Context, sessionID, name string) error
	DeleteSession(ctx context.Context, sessionID string) error
	ListKnowledge(ctx context.Context, q KnowledgeQuery) ([]Knowledge, error)
}

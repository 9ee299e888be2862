package api

import "charchat/internal/chat"

// MessagesResponse is the envelope of the message-history endpoint.
// Data is ordered newest-first; the history store reverses it.
type MessagesResponse struct {
	Data []chat.Message `json:"data"`
}

// SessionsResponse is the envelope of the session-list endpoint.
type SessionsResponse struct {
	Data []chat.Session `json:"data"`
}

// KnowledgeResponse is the envelope of the knowledge-list endpoint.
type KnowledgeResponse struct {
	Data []chat.Knowledge `json:"data"`
}

// RenameSessionRequest is the body of the session rename endpoint.
type RenameSessionRequest struct {
	Name string `json:"name"`
}

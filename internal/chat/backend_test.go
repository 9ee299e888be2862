package chat_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"charchat/internal/chat"
)

// fakeBackend is a scriptable Backend for store and pipeline tests. Each
// method delegates to the corresponding func field when set and counts calls.
type fakeBackend struct {
	mu sync.Mutex

	sendFn       func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error)
	regenerateFn func(ctx context.Context, req *chat.RegenerateRequest) (*chat.Message, error)
	messagesFn   func(ctx context.Context, q chat.HistoryQuery) ([]chat.Message, error)
	sessionsFn   func(ctx context.Context, q chat.SessionQuery) ([]chat.Session, error)
	renameFn     func(ctx context.Context, sessionID, name string) error
	deleteFn     func(ctx context.Context, sessionID string) error
	knowledgeFn  func(ctx context.Context, q chat.KnowledgeQuery) ([]chat.Knowledge, error)

	sendCalls     int
	messagesCalls int
	sessionsCalls int

	sendRequests []chat.SendRequest
}

func (f *fakeBackend) SendMessage(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
	f.mu.Lock()
	f.sendCalls++
	f.sendRequests = append(f.sendRequests, *req)
	fn := f.sendFn
	f.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("SendMessage not scripted")
	}
	return fn(ctx, req)
}

func (f *fakeBackend) RegenerateMessage(ctx context.Context, req *chat.RegenerateRequest) (*chat.Message, error) {
	if f.regenerateFn == nil {
		return nil, fmt.Errorf("RegenerateMessage not scripted")
	}
	return f.regenerateFn(ctx, req)
}

func (f *fakeBackend) ListMessages(ctx context.Context, q chat.HistoryQuery) ([]chat.Message, error) {
	f.mu.Lock()
	f.messagesCalls++
	fn := f.messagesFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, q)
}

func (f *fakeBackend) ListSessions(ctx context.Context, q chat.SessionQuery) ([]chat.Session, error) {
	f.mu.Lock()
	f.sessionsCalls++
	fn := f.sessionsFn
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, q)
}

func (f *fakeBackend) RenameSession(ctx context.Context, sessionID, name string) error {
	if f.renameFn == nil {
		return nil
	}
	return f.renameFn(ctx, sessionID, name)
}

func (f *fakeBackend) DeleteSession(ctx context.Context, sessionID string) error {
	if f.deleteFn == nil {
		return nil
	}
	return f.deleteFn(ctx, sessionID)
}

func (f *fakeBackend) ListKnowledge(ctx context.Context, q chat.KnowledgeQuery) ([]chat.Knowledge, error) {
	if f.knowledgeFn == nil {
		return nil, nil
	}
	return f.knowledgeFn(ctx, q)
}

func (f *fakeBackend) sentRequests() []chat.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.SendRequest, len(f.sendRequests))
	copy(out, f.sendRequests)
	return out
}

func (f *fakeBackend) messagesCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messagesCalls
}

func (f *fakeBackend) sessionsCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionsCalls
}

// engine bundles a fully wired store set over a fake backend.
type engine struct {
	backend  *fakeBackend
	app      *chat.AppContext
	history  *chat.HistoryStore
	sessions *chat.SessionStore
	pipeline *chat.Pipeline
}

func newEngine(t *testing.T, backend *fakeBackend, identity chat.Identity) *engine {
	t.Helper()
	app := chat.NewAppContext(identity)
	history := chat.NewHistoryStore(app, backend, 3, nil)
	sessions := chat.NewSessionStore(app, backend, history, 3, nil)
	pipeline := chat.NewPipeline(app, backend, sessions, history, nil,
		chat.WithSmoothing(0, 0))
	sessions.SetCharacter("char-1")
	return &engine{
		backend:  backend,
		app:      app,
		history:  history,
		sessions: sessions,
		pipeline: pipeline,
	}
}

func testIdentity() chat.Identity {
	return chat.Identity{ID: "user-1", Name: "Alice", Authenticated: true}
}

func assistantMsg(id, content string) chat.Message {
	return chat.Message{
		ID:          id,
		CharacterID: "char-1",
		Content:     content,
		Role:        chat.RoleAssistant,
		Generated:   true,
	}
}

func userMsg(id, content string) chat.Message {
	return chat.Message{
		ID:          id,
		CharacterID: "char-1",
		Content:     content,
		Role:        chat.RoleUser,
		CreatedBy:   "user-1",
	}
}

// Package mock implements an in-process character-chat backend for
// development and tests: the REST surface the engine talks to, plus the
// websocket push channel streaming partial responses.
package mock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"charchat/internal/chat"
	"charchat/internal/logging"
	"charchat/internal/realtime"
)

// Server is the mock backend. Zero value is not usable; use NewServer.
type Server struct {
	log *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*chat.Session
	messages map[string][]chat.Message // session id -> ascending order
	labeled  map[string]bool
	rooms    map[string][]*wsClient // user id -> connections

	// ForceStatus makes every mutating endpoint fail with the given HTTP
	// status. Zero means normal operation.
	ForceStatus int

	// FrameInterval is the delay between streamed partial frames.
	FrameInterval time.Duration

	upgrader websocket.Upgrader
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(env realtime.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewServer creates a mock backend.
func NewServer(log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		log:           log,
		sessions:      make(map[string]*chat.Session),
		messages:      make(map[string][]chat.Message),
		labeled:       make(map[string]bool),
		rooms:         make(map[string][]*wsClient),
		FrameInterval: 40 * time.Millisecond,
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// Handler returns the HTTP handler for the mock backend.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/message", s.handleSend)
	mux.HandleFunc("/chat/regenerate", s.handleRegenerate)
	mux.HandleFunc("/chat/messages", s.handleMessages)
	mux.HandleFunc("/chat/sessions", s.handleSessions)
	mux.HandleFunc("/chat/sessions/", s.handleSession)
	mux.HandleFunc("/chat/knowledge", s.handleKnowledge)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start serves the mock backend on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	fmt.Printf("Mock character backend on http://localhost%s\n", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) failing(w http.ResponseWriter) bool {
	if s.ForceStatus != 0 {
		http.Error(w, "forced failure", s.ForceStatus)
		return true
	}
	return false
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.failing(w) {
		return
	}

	var req chat.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	userID := s.ensureSession(&req, now)

	msgID := chat.NewID()
	if req.ID != nil {
		msgID = *req.ID
	}
	userMsg := chat.Message{
		ID:          msgID,
		CharacterID: req.CharacterID,
		Content:     req.Content,
		Role:        chat.RoleUser,
		CreatedAt:   now,
		CreatedBy:   userID,
	}

	replyText := s.composeReply(req.Content)
	s.streamFrames(userID, replyText)

	reply := chat.Message{
		ID:             chat.NewID(),
		CharacterID:    req.CharacterID,
		Content:        replyText,
		Role:           chat.RoleAssistant,
		CreatedAt:      time.Now(),
		CreatedBy:      req.CharacterID,
		Generated:      true,
		ProcessingTime: "0.4s",
	}

	s.mu.Lock()
	s.messages[req.SessionID] = append(s.messages[req.SessionID], userMsg, reply)
	if sess := s.sessions[req.SessionID]; sess != nil {
		sess.MessagesCount = len(s.messages[req.SessionID])
		sess.LastUsed = reply.CreatedAt
	}
	firstExchange := !s.labeled[req.SessionID]
	s.labeled[req.SessionID] = true
	s.mu.Unlock()

	if firstExchange {
		s.autoLabel(userID, req.SessionID, req.Content)
	}

	writeJSON(w, reply)
}

// ensureSession materializes the client-generated session on first contact
// and returns the user id owning it.
func (s *Server) ensureSession(req *chat.SendRequest, now time.Time) string {
	userID := "anonymous"
	if req.UserName != nil {
		userID = *req.UserName
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[req.SessionID]; !ok {
		s.sessions[req.SessionID] = &chat.Session{
			ID:          req.SessionID,
			CharacterID: req.CharacterID,
			CreatedBy:   userID,
			Name:        "New chat",
			StoryMode:   req.StoryMode,
			Story:       req.Story,
			Tweaks:      req.Tweaks,
			LastUsed:    now,
		}
	}
	return userID
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.failing(w) {
		return
	}

	var req chat.RegenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	msgs := s.messages[req.SessionID]
	if len(msgs) == 0 || msgs[len(msgs)-1].Role != chat.RoleAssistant {
		s.mu.Unlock()
		http.Error(w, "nothing to regenerate", http.StatusBadRequest)
		return
	}
	last := &msgs[len(msgs)-1]
	last.Content = "Let me put that differently. " + last.Content
	last.Regenerated = true
	out := *last
	s.mu.Unlock()

	writeJSON(w, out)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	page, pageSize := pageParams(r)

	s.mu.RLock()
	msgs := s.messages[sessionID]
	// Newest first, as the real backend sorts with sort=-1.
	desc := make([]chat.Message, len(msgs))
	for i, m := range msgs {
		desc[len(msgs)-1-i] = m
	}
	s.mu.RUnlock()

	writeJSON(w, map[string]any{"data": paginate(desc, page, pageSize)})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	characterID := r.URL.Query().Get("character_id")
	page, pageSize := pageParams(r)

	s.mu.RLock()
	list := make([]chat.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.CharacterID == characterID {
			list = append(list, *sess)
		}
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].LastUsed.After(list[j].LastUsed)
	})

	writeJSON(w, map[string]any{"data": paginate(list, page, pageSize)})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/chat/sessions/")
	if sessionID == "" {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if s.failing(w) {
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		sess, ok := s.sessions[sessionID]
		if ok {
			sess.Name = req.Name
		}
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})

	case http.MethodDelete:
		s.mu.Lock()
		_, ok := s.sessions[sessionID]
		delete(s.sessions, sessionID)
		delete(s.messages, sessionID)
		s.mu.Unlock()
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	characterID := r.URL.Query().Get("character_id")
	page, pageSize := pageParams(r)

	entries := []chat.Knowledge{
		{ID: "k1", CharacterID: characterID, Content: "Grew up in a lighthouse on a rocky northern coast.", CreatedAt: time.Now().Add(-48 * time.Hour)},
		{ID: "k2", CharacterID: characterID, Content: "Collects maps of places that no longer exist.", CreatedAt: time.Now().Add(-24 * time.Hour)},
		{ID: "k3", CharacterID: characterID, Content: "Afraid of deep water despite loving the sea.", CreatedAt: time.Now().Add(-2 * time.Hour)},
	}

	writeJSON(w, map[string]any{"data": paginate(entries, page, pageSize)})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}
	var userID string

	defer func() {
		if userID != "" {
			s.leaveRoom(userID, client)
		}
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case realtime.TypeJoinRoom:
			var room struct {
				UserID string `json:"user_id"`
			}
			if err := json.Unmarshal(env.Payload, &room); err != nil {
				continue
			}
			userID = room.UserID
			s.joinRoom(userID, client)

		case realtime.TypeLeaveRoom:
			if userID != "" {
				s.leaveRoom(userID, client)
				userID = ""
			}

		case realtime.TypeHeartbeat:
			client.send(realtime.Envelope{Type: realtime.TypePong, Timestamp: time.Now().UnixMilli()})
		}
	}
}

func (s *Server) joinRoom(userID string, c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[userID] = append(s.rooms[userID], c)
	s.log.Debug("joined room", "user_id", userID)
}

func (s *Server) leaveRoom(userID string, c *wsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clients := s.rooms[userID]
	for i, cc := range clients {
		if cc == c {
			s.rooms[userID] = append(clients[:i], clients[i+1:]...)
			break
		}
	}
}

// streamFrames pushes accumulating partial frames for the reply to every
// connection in the user's room, the way the real backend streams tokens.
func (s *Server) streamFrames(userID, reply string) {
	s.mu.RLock()
	clients := append([]*wsClient(nil), s.rooms[userID]...)
	s.mu.RUnlock()
	if len(clients) == 0 {
		return
	}

	words := strings.Fields(reply)
	step := len(words)/4 + 1
	for i := step; i < len(words)+step; i += step {
		if i > len(words) {
			i = len(words)
		}
		partial := strings.Join(words[:i], " ")
		env := realtime.Envelope{
			Type:      realtime.TypeRealtimeResponse,
			Payload:   mustMarshal(chat.PartialFrame{Response: &partial}),
			Timestamp: time.Now().UnixMilli(),
		}
		for _, c := range clients {
			c.send(env)
		}
		if i == len(words) {
			break
		}
		time.Sleep(s.FrameInterval)
	}
}

// autoLabel emits a session-auto-labeled event titled from the first user
// message, emulating the backend's asynchronous titling job.
func (s *Server) autoLabel(userID, sessionID, firstMessage string) {
	name := firstMessage
	if len(name) > 32 {
		name = name[:32] + "…"
	}

	s.mu.Lock()
	if sess := s.sessions[sessionID]; sess != nil {
		sess.Name = name
	}
	clients := append([]*wsClient(nil), s.rooms[userID]...)
	s.mu.Unlock()

	env := realtime.Envelope{
		Type:      realtime.TypeSessionAutoLabeled,
		Payload:   mustMarshal(realtime.AutoLabel{ID: sessionID, NewName: name}),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, c := range clients {
		c.send(env)
	}
}

// composeReply produces a canned in-character response.
func (s *Server) composeReply(userMessage string) string {
	lower := strings.ToLower(userMessage)

	switch {
	case strings.Contains(lower, "hello"), strings.Contains(lower, "hi"):
		return "Well met, traveler. The fire is warm and the night is long. Sit, and tell me what brings you to my door."
	case strings.Contains(lower, "story"):
		return "A story, then. Long before the maps were drawn, there was a harbor that only appeared at low tide, and I was its last keeper."
	case strings.Contains(lower, "?"):
		return "A fair question. I have seen many answers to it over the years, and none of them agreed with each other. That tells you something in itself."
	default:
		return "I hear you. Go on. There is more to this than you are letting on, I can tell."
	}
}

func pageParams(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("page_size"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return page, pageSize
}

func paginate[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// Package realtime maintains the persistent push channel to the chat
// backend: partial-response frames while a reply is being generated, and
// out-of-band session metadata updates.
package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"charchat/internal/chat"
	"charchat/internal/logging"
)

// Wire message types.
const (
	TypeJoinRoom  = "join-room"
	TypeLeaveRoom = "leave-room"
	TypeHeartbeat = "heartbeat"
	TypePong      = "pong"

	// Server -> client
	TypeRealtimeResponse   = "realtime-response"
	TypeSessionAutoLabeled = "session-auto-labeled"
)

const heartbeatInterval = 30 * time.Second

// Envelope is the frame exchanged over the push channel.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type roomPayload struct {
	UserID string `json:"user_id"`
}

// AutoLabel is the payload of a session-auto-labeled event.
type AutoLabel struct {
	ID      string `json:"id"`
	NewName string `json:"new_name"`
}

// FrameHandler receives each partial-response frame. Frames arrive in order
// and each one replaces the previous state wholesale.
type FrameHandler func(frame chat.PartialFrame)

// LabelHandler receives session auto-label events.
type LabelHandler func(sessionID, newName string)

// Subscription is a handle to a registered handler. Cancel releases it
// deterministically; a cancelled subscription receives no further events.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel releases the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Listener is the process-wide push-channel client. It joins a room keyed by
// the user id on connect and leaves it on Close. It is shared read-only by
// its subscribers.
type Listener struct {
	url    string
	userID string
	log    *logging.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	sendChan  chan []byte
	done      chan struct{}
	running   bool
	nextID    int
	frameSubs map[int]FrameHandler
	labelSubs map[int]LabelHandler
}

// NewListener creates a listener for the given backend URL and user id.
// serverURL is the HTTP base URL; the websocket endpoint is derived from it.
func NewListener(serverURL, userID string, log *logging.Logger) *Listener {
	if log == nil {
		log = logging.Nop()
	}
	wsURL := strings.Replace(serverURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/") + "/ws"

	return &Listener{
		url:       wsURL,
		userID:    userID,
		log:       log,
		frameSubs: make(map[int]FrameHandler),
		labelSubs: make(map[int]LabelHandler),
	}
}

// Connect dials the push channel, joins the identity room, and starts the
// read/write pumps.
func (l *Listener) Connect() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("listener already connected")
	}
	l.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.Dial(l.url, nil)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.sendChan = make(chan []byte, 256)
	l.done = make(chan struct{})
	l.running = true
	l.mu.Unlock()

	go l.readPump()
	go l.writePump()

	if err := l.emit(TypeJoinRoom, roomPayload{UserID: l.userID}); err != nil {
		l.Close()
		return err
	}

	l.log.Info("push channel connected", "user_id", l.userID)
	return nil
}

// Close leaves the identity room and tears the connection down. Subscribers
// stay registered and resume on the next Connect.
func (l *Listener) Close() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	sendChan := l.sendChan
	done := l.done
	l.mu.Unlock()

	// The farewell goes through the write pump, the connection's single
	// writer; the pump drains it before emitting the close frame.
	leave, _ := json.Marshal(Envelope{
		Type:      TypeLeaveRoom,
		Payload:   mustMarshal(roomPayload{UserID: l.userID}),
		Timestamp: time.Now().UnixMilli(),
	})
	select {
	case sendChan <- leave:
	default:
	}
	close(done)
	l.log.Info("push channel closed", "user_id", l.userID)
}

// Connected reports whether the channel is up.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// OnFrame registers a handler for partial-response frames.
func (l *Listener) OnFrame(h FrameHandler) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.frameSubs[id] = h
	return &Subscription{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.frameSubs, id)
	}}
}

// OnSessionLabel registers a handler for session auto-label events.
func (l *Listener) OnSessionLabel(h LabelHandler) *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.labelSubs[id] = h
	return &Subscription{cancel: func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.labelSubs, id)
	}}
}

// emit queues an envelope for sending.
func (l *Listener) emit(msgType string, payload any) error {
	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   mustMarshal(payload),
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	select {
	case l.sendChan <- data:
		return nil
	case <-l.done:
		return fmt.Errorf("push channel closed")
	default:
		return fmt.Errorf("push channel send buffer full")
	}
}

func (l *Listener) readPump() {
	defer l.Close()

	for {
		select {
		case <-l.done:
			return
		default:
		}

		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				l.log.Warn("push channel read error", "error", err.Error())
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.log.Warn("push channel bad frame", "error", err.Error())
			continue
		}
		l.dispatch(&env)
	}
}

func (l *Listener) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		l.Close()
		l.conn.Close()
	}()

	for {
		select {
		case <-l.done:
			// Drain queued frames (the leave-room farewell among them),
			// then say goodbye.
			for {
				select {
				case data := <-l.sendChan:
					l.conn.WriteMessage(websocket.TextMessage, data)
				default:
					l.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case data := <-l.sendChan:
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.log.Warn("push channel write error", "error", err.Error())
				return
			}

		case <-ticker.C:
			hb, _ := json.Marshal(Envelope{Type: TypeHeartbeat, Timestamp: time.Now().UnixMilli()})
			if err := l.conn.WriteMessage(websocket.TextMessage, hb); err != nil {
				l.log.Warn("push channel heartbeat error", "error", err.Error())
				return
			}
		}
	}
}

// dispatch fans an envelope out to the registered handlers. Delivery is
// serialized by the single read pump, so handlers observe frames in arrival
// order.
func (l *Listener) dispatch(env *Envelope) {
	switch env.Type {
	case TypeRealtimeResponse:
		var frame chat.PartialFrame
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			l.log.Warn("bad partial frame", "error", err.Error())
			return
		}
		for _, h := range l.frameHandlers() {
			h(frame)
		}

	case TypeSessionAutoLabeled:
		var label AutoLabel
		if err := json.Unmarshal(env.Payload, &label); err != nil {
			l.log.Warn("bad auto-label event", "error", err.Error())
			return
		}
		for _, h := range l.labelHandlers() {
			h(label.ID, label.NewName)
		}

	case TypePong, TypeHeartbeat:
		// keepalive traffic

	default:
		l.log.Debug("unhandled push event", "type", env.Type)
	}
}

func (l *Listener) frameHandlers() []FrameHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]FrameHandler, 0, len(l.frameSubs))
	for _, h := range l.frameSubs {
		out = append(out, h)
	}
	return out
}

func (l *Listener) labelHandlers() []LabelHandler {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LabelHandler, 0, len(l.labelSubs))
	for _, h := range l.labelSubs {
		out = append(out, h)
	}
	return out
}

func mustMarshal(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

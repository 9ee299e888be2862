package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"charchat/internal/logging"
)

// SendState is the lifecycle of one send or regenerate operation.
type SendState int

const (
	StateIdle SendState = iota
	StateComposing
	StateSending
	StateSucceeded
	StateFailed
)

// String returns the state name.
func (s SendState) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateSending:
		return "sending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// ErrSendInFlight is returned when a send or regenerate is attempted while
// another one is outstanding for the same session. There is no queueing;
// retry is an explicit caller action.
var ErrSendInFlight = errors.New("a send is already in flight for this session")

// ErrNoActiveSession is returned by Regenerate when no session is active.
var ErrNoActiveSession = errors.New("no active session")

// ErrNotRegenerable is returned when the session tail is not a user message
// followed by a completed assistant message.
var ErrNotRegenerable = errors.New("last exchange is not regenerable")

// SendOptions configures the transient session created when a send arrives
// with no active session. Ignored otherwise.
type SendOptions struct {
	StoryMode bool
	Story     *string
	Tweaks    *Tweaks
}

// Pipeline orchestrates optimistic message insertion, the network round
// trip, response reconciliation, and regeneration. At most one send or
// regenerate is outstanding per session; sends on different sessions are
// independent.
type Pipeline struct {
	mu       sync.Mutex
	app      *AppContext
	backend  Backend
	sessions *SessionStore
	history  *HistoryStore
	log      *logging.Logger
	apiKey   *string

	inFlight  map[string]bool
	storySent map[string]bool
	states    map[string]SendState
	visible   map[string]*pendingFlag

	// Smoothing around the user-visible pending flag, to avoid flicker on
	// sub-threshold-latency responses. No effect on data ordering.
	showDelay  time.Duration
	minVisible time.Duration
}

// PipelineOption configures the pipeline.
type PipelineOption func(*Pipeline)

// WithAPIKey attaches a model-provider API key to send and regenerate
// requests.
func WithAPIKey(key string) PipelineOption {
	return func(p *Pipeline) {
		p.apiKey = &key
	}
}

// WithSmoothing sets the delay before the visible pending flag turns on and
// the minimum time it stays on.
func WithSmoothing(showDelay, minVisible time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.showDelay = showDelay
		p.minVisible = minVisible
	}
}

// NewPipeline creates a send/regenerate pipeline over the given stores.
func NewPipeline(app *AppContext, backend Backend, sessions *SessionStore, history *HistoryStore, log *logging.Logger, opts ...PipelineOption) *Pipeline {
	if log == nil {
		log = logging.Nop()
	}
	p := &Pipeline{
		app:        app,
		backend:    backend,
		sessions:   sessions,
		history:    history,
		log:        log,
		inFlight:   make(map[string]bool),
		storySent:  make(map[string]bool),
		states:     make(map[string]SendState),
		visible:    make(map[string]*pendingFlag),
		showDelay:  200 * time.Millisecond,
		minVisible: 350 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Compose marks the active session as having a draft in progress.
func (p *Pipeline) Compose() {
	if id := p.app.ActiveSession(); id != "" {
		p.setState(id, StateComposing)
	}
}

// Send performs one optimistic message send. If no session is active, a
// transient session is created from opts and selected first. On success the
// optimistic user message is reconciled in place and the assistant reply is
// appended and returned. On failure the optimistic message is retained, no
// assistant reply is appended, and the returned error is a classified
// *Error; retrying means calling Send again with the same content.
func (p *Pipeline) Send(ctx context.Context, content string, opts *SendOptions) (*Message, error) {
	sess := p.sessions.Active()
	if sess == nil {
		if opts == nil {
			opts = &SendOptions{}
		}
		sess = p.sessions.CreateTransient(opts.StoryMode, opts.Story, opts.Tweaks)
		p.sessions.Select(sess)
	}

	if !p.acquire(sess.ID) {
		return nil, ErrSendInFlight
	}
	defer p.release(sess.ID)

	identity := p.app.Identity()
	optimistic := Message{
		ID:           NewID(),
		CharacterID:  sess.CharacterID,
		Content:      content,
		Role:         RoleUser,
		CreatedAt:    time.Now(),
		CreatedBy:    identity.ID,
		Name:         identity.Name,
		IsOptimistic: true,
	}
	p.history.AppendLocal(optimistic)
	p.setState(sess.ID, StateSending)
	p.startPending(sess.ID)
	defer p.stopPending(sess.ID)

	req := &SendRequest{
		CharacterID: sess.CharacterID,
		Content:     content,
		Role:        RoleUser,
		SessionID:   sess.ID,
		ID:          &optimistic.ID,
		APIKey:      p.apiKey,
	}
	if identity.Name != "" {
		req.UserName = &identity.Name
	}

	// The story-mode payload rides along on the first turn of a transient
	// session. Pending state is cleared only once that turn succeeds, so a
	// failed first send retries with the story still attached.
	p.mu.Lock()
	attachStory := sess.IsTransient && !p.storySent[sess.ID]
	p.mu.Unlock()
	if attachStory {
		req.StoryMode = sess.StoryMode
		req.Story = sess.Story
		req.Tweaks = sess.Tweaks
	}

	reply, err := p.backend.SendMessage(ctx, req)
	if err != nil {
		p.setState(sess.ID, StateFailed)
		cerr := ClassifyErr(err, identity.Authenticated)
		p.log.Warn("send failed",
			"session_id", sess.ID, "kind", cerr.Kind.String(), "status", cerr.Status)
		return nil, cerr
	}
	if attachStory {
		p.mu.Lock()
		p.storySent[sess.ID] = true
		p.mu.Unlock()
	}

	// The user may have switched sessions while the request was in flight;
	// reconciliation is scoped so the reply is dropped rather than leaking
	// into the new session's list.
	p.history.ReplaceIn(sess.ID, optimistic.ID, func(m *Message) {
		m.IsOptimistic = false
	})
	p.history.AppendIn(sess.ID, *reply)
	if sess.IsTransient {
		p.sessions.PromoteTransient(sess)
	}
	p.setState(sess.ID, StateSucceeded)
	p.log.Debug("send succeeded", "session_id", sess.ID, "reply_id", reply.ID)
	return reply, nil
}

// Regenerate asks the server to discard and recompute the last assistant
// message, then replaces its content and metadata in place. It may only be
// invoked when the most recent two messages are a user message followed by a
// completed assistant message.
func (p *Pipeline) Regenerate(ctx context.Context) (*Message, error) {
	sess := p.sessions.Active()
	if sess == nil {
		return nil, ErrNoActiveSession
	}

	msgs := p.history.Messages()
	if len(msgs) < 2 {
		return nil, ErrNotRegenerable
	}
	last, prev := msgs[len(msgs)-1], msgs[len(msgs)-2]
	if !prev.IsUser() || !last.IsAssistant() || last.IsOptimistic {
		return nil, ErrNotRegenerable
	}

	if !p.acquire(sess.ID) {
		return nil, ErrSendInFlight
	}
	defer p.release(sess.ID)

	p.setState(sess.ID, StateSending)
	p.startPending(sess.ID)
	defer p.stopPending(sess.ID)

	reply, err := p.backend.RegenerateMessage(ctx, &RegenerateRequest{
		CharacterID: sess.CharacterID,
		SessionID:   sess.ID,
		APIKey:      p.apiKey,
	})
	if err != nil {
		p.setState(sess.ID, StateFailed)
		cerr := ClassifyErr(err, p.app.Identity().Authenticated)
		p.log.Warn("regenerate failed",
			"session_id", sess.ID, "kind", cerr.Kind.String(), "status", cerr.Status)
		return nil, cerr
	}

	p.history.ReplaceIn(sess.ID, last.ID, func(m *Message) {
		m.Content = reply.Content
		m.Comments = reply.Comments
		m.Contradictions = reply.Contradictions
		m.KnowledgeHint = reply.KnowledgeHint
		m.ProcessingTime = reply.ProcessingTime
		m.Regenerated = true
	})
	p.setState(sess.ID, StateSucceeded)
	p.log.Debug("regenerate succeeded", "session_id", sess.ID, "message_id", last.ID)

	out := *reply
	out.ID = last.ID
	out.Regenerated = true
	return &out, nil
}

// Sending reports whether a send or regenerate is outstanding for the
// session. This is the gate callers must respect; SendingVisible is the
// smoothed flag for display.
func (p *Pipeline) Sending(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight[sessionID]
}

// SendingVisible reports the smoothed pending flag for the session.
func (p *Pipeline) SendingVisible(sessionID string) bool {
	p.mu.Lock()
	f := p.visible[sessionID]
	p.mu.Unlock()
	if f == nil {
		return false
	}
	return f.isVisible()
}

// State returns the last recorded send state for the session.
func (p *Pipeline) State(sessionID string) SendState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[sessionID]
}

func (p *Pipeline) setState(sessionID string, st SendState) {
	p.mu.Lock()
	p.states[sessionID] = st
	p.mu.Unlock()
}

func (p *Pipeline) acquire(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight[sessionID] {
		return false
	}
	p.inFlight[sessionID] = true
	return true
}

func (p *Pipeline) release(sessionID string) {
	p.mu.Lock()
	delete(p.inFlight, sessionID)
	p.mu.Unlock()
}

func (p *Pipeline) startPending(sessionID string) {
	p.mu.Lock()
	f := p.visible[sessionID]
	if f == nil {
		f = &pendingFlag{}
		p.visible[sessionID] = f
	}
	p.mu.Unlock()
	f.start(p.showDelay)
}

func (p *Pipeline) stopPending(sessionID string) {
	p.mu.Lock()
	f := p.visible[sessionID]
	p.mu.Unlock()
	if f != nil {
		f.stop(p.minVisible)
	}
}

// pendingFlag smooths a boolean indicator: turning on is delayed so fast
// responses never flash it, and once shown it is held for a minimum time.
type pendingFlag struct {
	mu      sync.Mutex
	visible bool
	shownAt time.Time
	timer   *time.Timer
}

func (f *pendingFlag) start(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if delay <= 0 {
		f.visible = true
		f.shownAt = time.Now()
		return
	}
	f.timer = time.AfterFunc(delay, func() {
		f.mu.Lock()
		f.visible = true
		f.shownAt = time.Now()
		f.mu.Unlock()
	})
}

func (f *pendingFlag) stop(minVisible time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if !f.visible {
		return
	}
	held := time.Since(f.shownAt)
	if held >= minVisible {
		f.visible = false
		return
	}
	f.timer = time.AfterFunc(minVisible-held, func() {
		f.mu.Lock()
		f.visible = false
		f.mu.Unlock()
	})
}

func (f *pendingFlag) isVisible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

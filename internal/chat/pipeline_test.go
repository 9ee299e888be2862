package chat_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"charchat/internal/chat"
)

// echoSend scripts a backend that confirms the user message and replies.
func echoSend(reply string) func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
	return func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		return &chat.Message{
			ID:          chat.NewID(),
			CharacterID: req.CharacterID,
			Content:     reply,
			Role:        chat.RoleAssistant,
			Generated:   true,
			CreatedAt:   time.Now(),
		}, nil
	}
}

func TestSendReconcilesOptimisticMessage(t *testing.T) {
	backend := &fakeBackend{}
	var duringSend []chat.Message

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")

	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		duringSend = e.history.Messages()
		return echoSend("hello there")(ctx, req)
	}

	reply, err := e.pipeline.Send(context.Background(), "hi", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The optimistic copy was visible while the request was in flight.
	if len(duringSend) != 1 || !duringSend[0].IsOptimistic || duringSend[0].Content != "hi" {
		t.Fatalf("unexpected in-flight history: %+v", duringSend)
	}

	got := e.history.Messages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != duringSend[0].ID {
		t.Fatal("confirmed user message lost the optimistic identity")
	}
	if got[0].IsOptimistic {
		t.Fatal("user message still optimistic after confirmation")
	}
	if got[1].ID != reply.ID || got[1].Content != "hello there" {
		t.Fatalf("reply not appended: %+v", got[1])
	}
	if e.pipeline.State("sess-1") != chat.StateSucceeded {
		t.Fatalf("state is %v", e.pipeline.State("sess-1"))
	}

	// The client-generated id rode along on the wire.
	reqs := backend.sentRequests()
	if len(reqs) != 1 || reqs[0].ID == nil || *reqs[0].ID != duringSend[0].ID {
		t.Fatal("send request did not carry the optimistic id")
	}
	if reqs[0].UserName == nil || *reqs[0].UserName != "Alice" {
		t.Fatal("send request did not carry the user name")
	}
}

func TestSendFailureRetainsOptimisticAndAllowsRetry(t *testing.T) {
	backend := &fakeBackend{}
	fail := true
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		if fail {
			return nil, &chat.StatusError{Code: 500, Body: "provider down"}
		}
		return echoSend("recovered")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")

	_, err := e.pipeline.Send(context.Background(), "hi", nil)
	var cerr *chat.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected a classified error, got %v", err)
	}
	if cerr.Kind != chat.UpstreamFailure || !cerr.Kind.Retryable() {
		t.Fatalf("expected a retryable upstream failure, got %v", cerr)
	}

	got := e.history.Messages()
	if len(got) != 1 || !got[0].IsOptimistic {
		t.Fatalf("optimistic message not retained: %+v", got)
	}
	if e.pipeline.State("sess-1") != chat.StateFailed {
		t.Fatalf("state is %v", e.pipeline.State("sess-1"))
	}
	if e.pipeline.Sending("sess-1") {
		t.Fatal("gate not released after failure")
	}

	// Retry is an explicit new Send with the same content.
	fail = false
	if _, err := e.pipeline.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if e.pipeline.State("sess-1") != chat.StateSucceeded {
		t.Fatalf("state after retry is %v", e.pipeline.State("sess-1"))
	}
}

func TestSendBootstrapsTransientSession(t *testing.T) {
	backend := &fakeBackend{}
	backend.sendFn = echoSend("ok")

	e := newEngine(t, backend, testIdentity())

	story := "A rainy evening in the city."
	opts := &chat.SendOptions{StoryMode: true, Story: &story}
	if _, err := e.pipeline.Send(context.Background(), "first", opts); err != nil {
		t.Fatalf("Send: %v", err)
	}

	active := e.sessions.Active()
	if active == nil {
		t.Fatal("no session bootstrapped")
	}
	if active.IsTransient {
		t.Fatal("session not promoted after the first successful send")
	}
	list := e.sessions.Sessions()
	if len(list) != 1 || list[0].ID != active.ID {
		t.Fatalf("promoted session missing from the visible list: %+v", list)
	}

	if _, err := e.pipeline.Send(context.Background(), "second", nil); err != nil {
		t.Fatalf("second Send: %v", err)
	}

	reqs := backend.sentRequests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	// The story payload rides along exactly once, on the first turn.
	if !reqs[0].StoryMode || reqs[0].Story == nil || *reqs[0].Story != story {
		t.Fatalf("first request missing the story payload: %+v", reqs[0])
	}
	if reqs[1].StoryMode || reqs[1].Story != nil {
		t.Fatalf("story payload repeated on the second turn: %+v", reqs[1])
	}
	if reqs[0].SessionID != active.ID || reqs[1].SessionID != active.ID {
		t.Fatal("requests did not share the client-generated session id")
	}
}

func TestSendGateRejectsConcurrentSend(t *testing.T) {
	backend := &fakeBackend{}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		close(entered)
		<-release
		return echoSend("slow")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")

	done := make(chan error, 1)
	go func() {
		_, err := e.pipeline.Send(context.Background(), "first", nil)
		done <- err
	}()

	<-entered
	if !e.pipeline.Sending("sess-1") {
		t.Fatal("gate not held during the in-flight send")
	}
	_, err := e.pipeline.Send(context.Background(), "second", nil)
	if !errors.Is(err, chat.ErrSendInFlight) {
		t.Fatalf("expected ErrSendInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first send: %v", err)
	}
	if e.pipeline.Sending("sess-1") {
		t.Fatal("gate not released after completion")
	}
}

func TestSendClassifiesForbiddenByAuthFlag(t *testing.T) {
	cases := []struct {
		name          string
		authenticated bool
		want          chat.ErrorKind
	}{
		{"anonymous", false, chat.AuthenticationRequired},
		{"signed-in", true, chat.QuotaExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &fakeBackend{}
			backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
				return nil, &chat.StatusError{Code: 403, Body: "forbidden"}
			}

			identity := testIdentity()
			identity.Authenticated = tc.authenticated
			e := newEngine(t, backend, identity)
			selectPersisted(e, "sess-1")

			_, err := e.pipeline.Send(context.Background(), "hi", nil)
			var cerr *chat.Error
			if !errors.As(err, &cerr) {
				t.Fatalf("expected a classified error, got %v", err)
			}
			if cerr.Kind != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, cerr.Kind)
			}
		})
	}
}

func TestSendCarriesAPIKey(t *testing.T) {
	backend := &fakeBackend{}
	backend.sendFn = echoSend("ok")

	app := chat.NewAppContext(testIdentity())
	history := chat.NewHistoryStore(app, backend, 3, nil)
	sessions := chat.NewSessionStore(app, backend, history, 3, nil)
	pipeline := chat.NewPipeline(app, backend, sessions, history, nil,
		chat.WithSmoothing(0, 0), chat.WithAPIKey("sk-test"))
	sessions.SetCharacter("char-1")
	sessions.Select(&chat.Session{ID: "sess-1", CharacterID: "char-1"})

	if _, err := pipeline.Send(context.Background(), "hi", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	reqs := backend.sentRequests()
	if len(reqs) != 1 || reqs[0].APIKey == nil || *reqs[0].APIKey != "sk-test" {
		t.Fatal("api key not attached to the request")
	}
}

func TestRegeneratePreconditions(t *testing.T) {
	backend := &fakeBackend{}
	e := newEngine(t, backend, testIdentity())

	if _, err := e.pipeline.Regenerate(context.Background()); !errors.Is(err, chat.ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	selectPersisted(e, "sess-1")
	if _, err := e.pipeline.Regenerate(context.Background()); !errors.Is(err, chat.ErrNotRegenerable) {
		t.Fatalf("empty history: expected ErrNotRegenerable, got %v", err)
	}

	e.history.AppendLocal(userMsg("u1", "hi"))
	if _, err := e.pipeline.Regenerate(context.Background()); !errors.Is(err, chat.ErrNotRegenerable) {
		t.Fatalf("single user message: expected ErrNotRegenerable, got %v", err)
	}

	e.history.AppendLocal(userMsg("u2", "still there?"))
	if _, err := e.pipeline.Regenerate(context.Background()); !errors.Is(err, chat.ErrNotRegenerable) {
		t.Fatalf("user tail: expected ErrNotRegenerable, got %v", err)
	}
}

func TestRegenerateReplacesInPlace(t *testing.T) {
	backend := &fakeBackend{}
	backend.regenerateFn = func(ctx context.Context, req *chat.RegenerateRequest) (*chat.Message, error) {
		return &chat.Message{
			ID:          chat.NewID(),
			CharacterID: req.CharacterID,
			Content:     "a different take",
			Comments:    "softer tone",
			Role:        chat.RoleAssistant,
			Generated:   true,
		}, nil
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")
	e.history.AppendLocal(userMsg("u1", "tell me a story"))
	e.history.AppendLocal(assistantMsg("a1", "original reply"))

	reply, err := e.pipeline.Regenerate(context.Background())
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if reply.ID != "a1" {
		t.Fatalf("returned message lost the original identity: %q", reply.ID)
	}
	if !reply.Regenerated {
		t.Fatal("returned message not marked regenerated")
	}

	got := e.history.Messages()
	if len(got) != 2 {
		t.Fatalf("regenerate changed the message count: %d", len(got))
	}
	last := got[1]
	if last.ID != "a1" || last.Content != "a different take" || !last.Regenerated {
		t.Fatalf("in-place replacement wrong: %+v", last)
	}
	if last.Comments != "softer tone" {
		t.Fatalf("metadata not carried over: %+v", last)
	}
}

func TestRegenerateFailureKeepsOriginal(t *testing.T) {
	backend := &fakeBackend{}
	backend.regenerateFn = func(ctx context.Context, req *chat.RegenerateRequest) (*chat.Message, error) {
		return nil, &chat.StatusError{Code: 429, Body: "slow down"}
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")
	e.history.AppendLocal(userMsg("u1", "hi"))
	e.history.AppendLocal(assistantMsg("a1", "original reply"))

	_, err := e.pipeline.Regenerate(context.Background())
	var cerr *chat.Error
	if !errors.As(err, &cerr) || cerr.Kind != chat.RateLimited {
		t.Fatalf("expected rate-limited, got %v", err)
	}
	if got := e.history.Messages()[1]; got.Content != "original reply" || got.Regenerated {
		t.Fatalf("original reply disturbed: %+v", got)
	}
}

func TestIndependentSessionsSendConcurrently(t *testing.T) {
	backend := &fakeBackend{}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		if req.SessionID == "sess-1" {
			close(entered)
			<-release
		}
		return echoSend("ok")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")

	done := make(chan error, 1)
	go func() {
		_, err := e.pipeline.Send(context.Background(), "slow one", nil)
		done <- err
	}()
	<-entered

	// A different session is not gated by sess-1's in-flight send.
	if e.pipeline.Sending("sess-2") {
		t.Fatal("unrelated session reported as sending")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestPendingFlagSmoothing(t *testing.T) {
	t.Run("fast response never shows the flag", func(t *testing.T) {
		backend := &fakeBackend{}
		backend.sendFn = echoSend("ok")

		app := chat.NewAppContext(testIdentity())
		history := chat.NewHistoryStore(app, backend, 3, nil)
		sessions := chat.NewSessionStore(app, backend, history, 3, nil)
		pipeline := chat.NewPipeline(app, backend, sessions, history, nil,
			chat.WithSmoothing(time.Hour, 0))
		sessions.SetCharacter("char-1")
		sessions.Select(&chat.Session{ID: "sess-1", CharacterID: "char-1"})

		if _, err := pipeline.Send(context.Background(), "hi", nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if pipeline.SendingVisible("sess-1") {
			t.Fatal("flag flashed for a sub-threshold response")
		}
	})

	t.Run("shown flag is held for the minimum time", func(t *testing.T) {
		backend := &fakeBackend{}
		backend.sendFn = echoSend("ok")

		app := chat.NewAppContext(testIdentity())
		history := chat.NewHistoryStore(app, backend, 3, nil)
		sessions := chat.NewSessionStore(app, backend, history, 3, nil)
		pipeline := chat.NewPipeline(app, backend, sessions, history, nil,
			chat.WithSmoothing(0, time.Hour))
		sessions.SetCharacter("char-1")
		sessions.Select(&chat.Session{ID: "sess-1", CharacterID: "char-1"})

		if _, err := pipeline.Send(context.Background(), "hi", nil); err != nil {
			t.Fatalf("Send: %v", err)
		}
		if !pipeline.SendingVisible("sess-1") {
			t.Fatal("flag dropped before the minimum hold elapsed")
		}
		if pipeline.Sending("sess-1") {
			t.Fatal("data-level gate must not be smoothed")
		}
	})
}

func TestLateReplyAfterSessionSwitchIsDropped(t *testing.T) {
	backend := &fakeBackend{}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		close(entered)
		<-release
		return echoSend("reply for the old session")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	selectPersisted(e, "sess-1")

	done := make(chan error, 1)
	go func() {
		_, err := e.pipeline.Send(context.Background(), "hi", nil)
		done <- err
	}()

	<-entered
	selectPersisted(e, "sess-2")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	// The reconciliation for sess-1 must not touch sess-2's list.
	if got := e.history.Messages(); len(got) != 0 {
		t.Fatalf("late reply leaked into the new session: %+v", got)
	}
	if e.history.SessionID() != "sess-2" {
		t.Fatalf("unexpected session scope %q", e.history.SessionID())
	}
}

func TestStorySurvivesFailedFirstSend(t *testing.T) {
	backend := &fakeBackend{}
	fail := true
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		if fail {
			return nil, &chat.StatusError{Code: 500, Body: "provider down"}
		}
		return echoSend("ok")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	story := "A rainy evening in the city."
	opts := &chat.SendOptions{StoryMode: true, Story: &story}

	if _, err := e.pipeline.Send(context.Background(), "first", opts); err == nil {
		t.Fatal("expected the first send to fail")
	}

	// Retrying the first turn must carry the story again: the server never
	// saw the session, so consuming the payload on failure would create it
	// without its story.
	fail = false
	if _, err := e.pipeline.Send(context.Background(), "first", nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if _, err := e.pipeline.Send(context.Background(), "second", nil); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	reqs := backend.sentRequests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	for i := 0; i < 2; i++ {
		if !reqs[i].StoryMode || reqs[i].Story == nil || *reqs[i].Story != story {
			t.Fatalf("request %d missing the story payload: %+v", i, reqs[i])
		}
	}
	if reqs[2].StoryMode || reqs[2].Story != nil {
		t.Fatalf("story payload repeated after a successful first turn: %+v", reqs[2])
	}
}

func TestPromotionSurvivesSessionSwitch(t *testing.T) {
	backend := &fakeBackend{}
	entered := make(chan struct{})
	release := make(chan struct{})
	backend.sendFn = func(ctx context.Context, req *chat.SendRequest) (*chat.Message, error) {
		close(entered)
		<-release
		return echoSend("ok")(ctx, req)
	}

	e := newEngine(t, backend, testIdentity())
	transient := e.sessions.CreateTransient(false, nil, nil)
	e.sessions.Select(transient)

	done := make(chan error, 1)
	go func() {
		_, err := e.pipeline.Send(context.Background(), "first", nil)
		done <- err
	}()

	<-entered
	selectPersisted(e, "sess-other")
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}

	// The server persisted the session, so it must show up in the visible
	// list even though the user has moved on.
	list := e.sessions.Sessions()
	var found int
	for _, s := range list {
		if s.ID == transient.ID {
			found++
			if s.IsTransient {
				t.Fatal("promoted session still marked transient")
			}
		}
	}
	if found != 1 {
		t.Fatalf("promoted session appears %d times in the list", found)
	}
	if e.app.ActiveSession() != "sess-other" {
		t.Fatal("promotion changed the active session")
	}
}

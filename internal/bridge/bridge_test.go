package bridge

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/solenne-ai/solenne/internal/engine"
	"github.com/solenne-ai/solenne/internal/events"
	"github.com/solenne-ai/solenne/internal/session"
	"github.com/solenne-ai/solenne/internal/store"

	_ "modernc.org/sqlite"
)

// fakeEngine scripts one invocation outcome and records what it was
// called with.
type fakeEngine struct {
	mu       sync.Mutex
	result   *engine.Result
	err      error
	statuses []string // statuses to emit before returning

	gotPrompt    string
	gotSessionID string
	gotWorkspace engine.Workspace
	calls        int
}

func (f *fakeEngine) Invoke(ctx context.Context, ws engine.Workspace, req engine.InvokeRequest, onStatus engine.StatusFunc) (*engine.Result, error) {
	f.mu.Lock()
	f.calls++
	f.gotPrompt = req.Prompt
	f.gotSessionID = req.SessionID
	f.gotWorkspace = ws
	f.mu.Unlock()

	for _, s := range f.statuses {
		if onStatus != nil {
			onStatus(s)
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.New(db)
	if err != nil {
		t.Fatalf("store.New() error: %v", err)
	}
	return s
}

func newTestBridge(t *testing.T, eng Engine) (*Bridge, *store.Store, *session.MemoryRegistry) {
	t.Helper()
	st := newTestStore(t)
	reg := session.NewMemoryRegistry()
	b := New(st, reg, eng, nil, nil, testLogger(), Options{
		AssistantName: "Solenne",
		ContextWindow: 10,
	})
	return b, st, reg
}

// Scenario: new conversation, first message, success without a session
// handle. The transcript holds exactly one entry and the registry stays
// empty.
func TestFirstMessageSuccess(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "Bonjour !"}}
	b, st, reg := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("First")
	reply, err := b.HandleUserMessage(context.Background(), conv.ID, "hello", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}

	if reply.Text != "Bonjour !" {
		t.Errorf("reply.Text = %q", reply.Text)
	}
	if got := strings.Count(eng.gotPrompt, "<message "); got != 1 {
		t.Errorf("transcript entries = %d, want 1 (just the new user message)\n%s", got, eng.gotPrompt)
	}
	if eng.gotSessionID != "" {
		t.Errorf("session id sent = %q, want empty for a fresh conversation", eng.gotSessionID)
	}
	if reg.Len() != 0 {
		t.Error("registry should stay empty when no handle was issued")
	}

	n, _ := st.MessageCount(conv.ID)
	if n != 2 {
		t.Errorf("message count = %d, want 2 (user + assistant)", n)
	}

	msgs, _ := st.GetMessages(conv.ID, time.Time{})
	if msgs[1].ID != reply.MessageID {
		t.Errorf("reply.MessageID = %q, want id of persisted assistant message %q", reply.MessageID, msgs[1].ID)
	}
	if msgs[1].Sender != store.SenderAssistant {
		t.Errorf("second message sender = %q", msgs[1].Sender)
	}
}

// Scenario: an existing handle is passed to the runner and replaced by
// the newly issued one.
func TestSessionHandleRotation(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "ok", NewSessionID: "S2"}}
	b, _, reg := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Rotating")
	reg.Set(conv.ID, "S1")

	if _, err := b.HandleUserMessage(context.Background(), conv.ID, "again", nil); err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}

	if eng.gotSessionID != "S1" {
		t.Errorf("runner received handle %q, want S1", eng.gotSessionID)
	}
	if h, _ := reg.Get(conv.ID); h != "S2" {
		t.Errorf("registry handle = %q, want S2", h)
	}
}

// Scenario: transport failure. No assistant message is persisted, the
// user message survives, and the caller gets ErrInvocation.
func TestInvocationFailure(t *testing.T) {
	eng := &fakeEngine{err: errors.New("connection refused")}
	b, st, reg := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Unlucky")
	reg.Set(conv.ID, "S1")

	_, err := b.HandleUserMessage(context.Background(), conv.ID, "anyone there?", nil)
	if !errors.Is(err, ErrInvocation) {
		t.Fatalf("error = %v, want ErrInvocation", err)
	}

	n, _ := st.MessageCount(conv.ID)
	if n != 1 {
		t.Errorf("message count = %d, want 1 (user message only)", n)
	}
	msgs, _ := st.GetMessages(conv.ID, time.Time{})
	if msgs[0].Sender != store.SenderUser {
		t.Errorf("surviving message sender = %q, want user", msgs[0].Sender)
	}
	if h, _ := reg.Get(conv.ID); h != "S1" {
		t.Errorf("registry handle = %q, want untouched S1", h)
	}
}

// Scenario: runner-reported error. Exactly one fallback assistant
// message is persisted and the call returns normally.
func TestEngineReportedError(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{
		Status:       engine.StatusError,
		Error:        "sandbox exploded: /var/run/agent.sock",
		NewSessionID: "S9",
	}}
	b, st, reg := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Degraded")
	reply, err := b.HandleUserMessage(context.Background(), conv.ID, "hi", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error: %v (reported errors resolve normally)", err)
	}

	if reply.Text != "Désolé, une erreur est survenue." {
		t.Errorf("reply.Text = %q, want the fixed fallback", reply.Text)
	}
	n, _ := st.MessageCount(conv.ID)
	if n != 2 {
		t.Errorf("message count = %d, want 2", n)
	}

	// Internal error detail must not leak into stored history.
	msgs, _ := st.GetMessages(conv.ID, time.Time{})
	if strings.Contains(msgs[1].Content, "sandbox") {
		t.Errorf("assistant message leaked error detail: %q", msgs[1].Content)
	}

	// An error outcome never mutates the registry, even with a handle.
	if reg.Len() != 0 {
		t.Error("registry mutated on an error outcome")
	}
}

// Scenario: deletion clears the session handle; further calls are
// NotFound.
func TestDeleteClearsSessionHandle(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "ok"}}
	b, _, reg := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Doomed")
	reg.Set(conv.ID, "S1")

	if err := b.DeleteConversation(conv.ID); err != nil {
		t.Fatalf("DeleteConversation() error: %v", err)
	}
	if reg.Len() != 0 {
		t.Error("registry should be empty after deletion")
	}

	_, err := b.HandleUserMessage(context.Background(), conv.ID, "ghost", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("error after deletion = %v, want ErrNotFound", err)
	}
}

func TestUnknownConversationPersistsNothing(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "ok"}}
	b, _, _ := newTestBridge(t, eng)

	_, err := b.HandleUserMessage(context.Background(), "no-such-id", "hi", nil)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
	if eng.calls != 0 {
		t.Error("runner must not be invoked for an unknown conversation")
	}
}

func TestEmptyResultGetsPlaceholder(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: ""}}
	b, _, _ := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Quiet")
	reply, err := b.HandleUserMessage(context.Background(), conv.ID, "say nothing", nil)
	if err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}
	if reply.Text != "Pas de réponse" {
		t.Errorf("reply.Text = %q, want placeholder", reply.Text)
	}
}

func TestStatusRelay(t *testing.T) {
	eng := &fakeEngine{
		result:   &engine.Result{Status: engine.StatusOK, Result: "done"},
		statuses: []string{"thinking", "running tool search"},
	}
	bus := events.New()
	st := newTestStore(t)
	b := New(st, session.NewMemoryRegistry(), eng, nil, bus, testLogger(), Options{})

	busCh := bus.Subscribe(16)
	defer bus.Unsubscribe(busCh)

	conv, _ := b.CreateConversation("Chatty")

	var relayed []string
	if _, err := b.HandleUserMessage(context.Background(), conv.ID, "go", func(id, status string) {
		if id != conv.ID {
			t.Errorf("status relayed for conversation %q, want %q", id, conv.ID)
		}
		relayed = append(relayed, status)
	}); err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}

	if len(relayed) != 2 || relayed[0] != "thinking" {
		t.Errorf("relayed statuses = %v", relayed)
	}

	// The bus saw agent_status events too.
	var statusEvents int
	for {
		select {
		case ev := <-busCh:
			if ev.Kind == events.KindAgentStatus {
				statusEvents++
			}
			continue
		default:
		}
		break
	}
	if statusEvents != 2 {
		t.Errorf("bus agent_status events = %d, want 2", statusEvents)
	}
}

func TestInvokeTimeout(t *testing.T) {
	blocker := &blockingEngine{release: make(chan struct{})}
	defer close(blocker.release)

	st := newTestStore(t)
	b := New(st, session.NewMemoryRegistry(), blocker, nil, nil, testLogger(), Options{
		InvokeTimeout: 20 * time.Millisecond,
	})

	conv, _ := b.CreateConversation("Slow")
	_, err := b.HandleUserMessage(context.Background(), conv.ID, "take your time", nil)
	if !errors.Is(err, ErrInvocation) {
		t.Fatalf("error = %v, want ErrInvocation on timeout", err)
	}

	// The user message survives the timeout.
	n, _ := st.MessageCount(conv.ID)
	if n != 1 {
		t.Errorf("message count = %d, want 1", n)
	}
}

// blockingEngine blocks until released or the context expires.
type blockingEngine struct {
	release chan struct{}
}

func (e *blockingEngine) Invoke(ctx context.Context, _ engine.Workspace, _ engine.InvokeRequest, _ engine.StatusFunc) (*engine.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.release:
		return &engine.Result{Status: engine.StatusOK, Result: "late"}, nil
	}
}

func TestWorkspaceDerivedFromConversation(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "ok"}}
	b, _, _ := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Salon")
	if _, err := b.HandleUserMessage(context.Background(), conv.ID, "hi", nil); err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}

	if eng.gotWorkspace.Folder != "pwa-"+conv.ID {
		t.Errorf("workspace folder = %q", eng.gotWorkspace.Folder)
	}
	if eng.gotWorkspace.Name != "Salon" {
		t.Errorf("workspace name = %q", eng.gotWorkspace.Name)
	}
	if eng.gotWorkspace.Trigger != "" {
		t.Errorf("workspace trigger = %q, want empty", eng.gotWorkspace.Trigger)
	}
}

func TestTranscriptIncludesJustStoredMessage(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{Status: engine.StatusOK, Result: "ok"}}
	b, _, _ := newTestBridge(t, eng)

	conv, _ := b.CreateConversation("Window")
	if _, err := b.HandleUserMessage(context.Background(), conv.ID, "needle-text", nil); err != nil {
		t.Fatalf("HandleUserMessage() error: %v", err)
	}
	if !strings.Contains(eng.gotPrompt, "needle-text") {
		t.Errorf("transcript missing the just-stored user message:\n%s", eng.gotPrompt)
	}
}

func TestSerializedPerConversation(t *testing.T) {
	var inFlight, maxInFlight int
	var mu sync.Mutex

	eng := &concurrencyProbe{enter: func() {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	}}

	b, _, _ := newTestBridge(t, eng)
	conv, _ := b.CreateConversation("Busy")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.HandleUserMessage(context.Background(), conv.ID, "spam", nil)
		}()
	}
	wg.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent invocations per conversation = %d, want 1", maxInFlight)
	}
}

// concurrencyProbe calls enter on each invocation and succeeds.
type concurrencyProbe struct {
	enter func()
}

func (e *concurrencyProbe) Invoke(context.Context, engine.Workspace, engine.InvokeRequest, engine.StatusFunc) (*engine.Result, error) {
	e.enter()
	return &engine.Result{Status: engine.StatusOK, Result: "ok"}, nil
}

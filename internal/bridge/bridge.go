// Package bridge orchestrates the conversation-agent round trip: it
// persists the inbound user message, builds a bounded transcript,
// dispatches it to the agent runner with the conversation's session
// handle, and reconciles the outcome back into stored history.
//
// Every call resolves in one of three ways:
//
//   - success: the agent's reply is persisted as an assistant message.
//   - reported error: the runner completed but flagged failure; a fixed
//     fallback reply is persisted instead, keeping user/assistant turn
//     pairing intact. The caller sees a normal reply.
//   - invocation failure: the runner was unreachable or the stream
//     broke. Nothing is persisted beyond the user message and the error
//     propagates, so the client can offer a retry.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/solenne-ai/solenne/internal/engine"
	"github.com/solenne-ai/solenne/internal/events"
	"github.com/solenne-ai/solenne/internal/session"
	"github.com/solenne-ai/solenne/internal/store"
	"github.com/solenne-ai/solenne/internal/transcript"
)

// ErrInvocation marks a transport-level invocation failure: the runner
// never completed a turn. Distinct from a runner-reported error, which
// resolves into a fallback reply and a nil error.
var ErrInvocation = errors.New("agent invocation failed")

// Store is the persistence surface the bridge needs. *store.Store
// satisfies this.
type Store interface {
	CreateConversation(name string) (*store.Conversation, error)
	GetConversation(id string) (*store.Conversation, error)
	ListConversations() ([]store.Conversation, error)
	Rename(id, name string) error
	Delete(id string) error
	AddMessage(conversationID, sender, content string) (*store.Message, error)
	GetMessages(conversationID string, since time.Time) ([]store.Message, error)
	GetRecentMessages(conversationID string, limit int) ([]store.Message, error)
}

// Engine is the agent runner surface the bridge needs. *engine.Client
// satisfies this.
type Engine interface {
	Invoke(ctx context.Context, workspace engine.Workspace, req engine.InvokeRequest, onStatus engine.StatusFunc) (*engine.Result, error)
}

// OnStatus receives live phase descriptions for a conversation while an
// invocation is in flight. Best-effort; losing one is not an error.
type OnStatus func(conversationID, status string)

// Reply is the resolved outcome returned to the caller.
type Reply struct {
	// Text is the assistant's reply (or the fallback text on a
	// runner-reported error).
	Text string `json:"text"`
	// MessageID identifies the persisted assistant message.
	MessageID string `json:"message_id"`
}

// Options configures a Bridge.
type Options struct {
	// AssistantName labels assistant turns in transcripts.
	AssistantName string
	// ContextWindow bounds the transcript; <= 0 selects the default.
	ContextWindow int
	// FallbackReply is persisted when the runner reports an error.
	// Deliberately fixed and non-descriptive: internal error detail
	// never leaks into stored history.
	FallbackReply string
	// EmptyReply replaces an empty success result.
	EmptyReply string
	// InvokeTimeout bounds one invocation; zero means no timeout.
	InvokeTimeout time.Duration
}

// Bridge wires the store, session registry, and agent runner together.
type Bridge struct {
	store       Store
	registry    session.Registry
	engine      Engine
	snapshots   *engine.SnapshotWriter
	transcripts *transcript.Builder
	bus         *events.Bus
	logger      *slog.Logger
	opts        Options

	// convLocks serializes invocations per conversation so concurrent
	// sends cannot interleave session-handle updates or message order.
	mu        sync.Mutex
	convLocks map[string]*sync.Mutex
}

// New creates a Bridge. bus may be nil (events are then discarded).
func New(st Store, reg session.Registry, eng Engine, snapshots *engine.SnapshotWriter, bus *events.Bus, logger *slog.Logger, opts Options) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.AssistantName == "" {
		opts.AssistantName = "Solenne"
	}
	if opts.FallbackReply == "" {
		opts.FallbackReply = "Désolé, une erreur est survenue."
	}
	if opts.EmptyReply == "" {
		opts.EmptyReply = "Pas de réponse"
	}
	return &Bridge{
		store:       st,
		registry:    reg,
		engine:      eng,
		snapshots:   snapshots,
		transcripts: transcript.NewBuilder(st, opts.AssistantName, opts.ContextWindow),
		bus:         bus,
		logger:      logger,
		opts:        opts,
		convLocks:   make(map[string]*sync.Mutex),
	}
}

// lockConversation acquires the per-conversation mutex and returns its
// release function.
func (b *Bridge) lockConversation(id string) func() {
	b.mu.Lock()
	l, ok := b.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		b.convLocks[id] = l
	}
	b.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// forgetLock drops the per-conversation mutex after deletion.
func (b *Bridge) forgetLock(id string) {
	b.mu.Lock()
	delete(b.convLocks, id)
	b.mu.Unlock()
}

// HandleUserMessage runs one full turn for a conversation.
//
// The user message is persisted before the runner is invoked, so it
// survives any downstream failure. On success or a runner-reported
// error exactly one assistant message is persisted; on an invocation
// failure none is, the error wraps [ErrInvocation], and the stored
// history is left "waiting for a reply" so a retry resumes cleanly.
// A missing conversation returns [store.ErrNotFound] with no state
// mutated.
func (b *Bridge) HandleUserMessage(ctx context.Context, conversationID, text string, onStatus OnStatus) (*Reply, error) {
	unlock := b.lockConversation(conversationID)
	defer unlock()

	conv, err := b.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	userMsg, err := b.store.AddMessage(conversationID, store.SenderUser, text)
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindMessageReceived,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message_id":      userMsg.ID,
			"message_len":     len(text),
		},
	})

	// Window is built after the insert so it includes the message we
	// just stored.
	prompt, err := b.transcripts.Build(conversationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	workspace := engine.WorkspaceFor(conv)
	if err := b.snapshots.Publish(workspace.Folder); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	handle, _ := b.registry.Get(conversationID)

	invokeCtx := ctx
	if b.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, b.opts.InvokeTimeout)
		defer cancel()
	}

	started := time.Now()
	b.logger.Info("invoking agent", "conversation", conversationID, "resumed_session", handle != "")

	result, err := b.engine.Invoke(invokeCtx, workspace, engine.InvokeRequest{
		Prompt:    prompt,
		SessionID: handle,
		ChatID:    conversationID,
		IsMain:    false,
	}, b.statusRelay(conversationID, onStatus))
	if err != nil {
		b.logger.Error("agent invocation failed", "conversation", conversationID, "error", err)
		b.bus.Publish(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindEngineError,
			Data:   map[string]any{"conversation_id": conversationID, "error": err.Error()},
		})
		return nil, fmt.Errorf("%w: %v", ErrInvocation, err)
	}

	return b.resolve(conversationID, result, started)
}

// statusRelay adapts the engine's per-call status stream to the
// caller's listener and the event bus. Relays never block persistence:
// the bus drops on backpressure and the listener is the caller's
// responsibility.
func (b *Bridge) statusRelay(conversationID string, onStatus OnStatus) engine.StatusFunc {
	return func(status string) {
		b.bus.Publish(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindAgentStatus,
			Data:   map[string]any{"conversation_id": conversationID, "status": status},
		})
		if onStatus != nil {
			onStatus(conversationID, status)
		}
	}
}

// resolve turns a completed runner result into a persisted assistant
// message and a Reply. The session registry is only touched on success.
func (b *Bridge) resolve(conversationID string, result *engine.Result, started time.Time) (*Reply, error) {
	fallback := result.Status == engine.StatusError

	var text string
	if fallback {
		b.logger.Error("agent reported error", "conversation", conversationID, "error", result.Error)
		text = b.opts.FallbackReply
	} else {
		if result.NewSessionID != "" {
			b.registry.Set(conversationID, result.NewSessionID)
		}
		text = result.Result
		if text == "" {
			text = b.opts.EmptyReply
		}
	}

	msg, err := b.store.AddMessage(conversationID, store.SenderAssistant, text)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindRequestComplete,
		Data: map[string]any{
			"conversation_id": conversationID,
			"message_id":      msg.ID,
			"elapsed_ms":      time.Since(started).Milliseconds(),
			"fallback":        fallback,
		},
	})
	b.logger.Info("agent turn resolved",
		"conversation", conversationID,
		"fallback", fallback,
		"elapsed", time.Since(started).Truncate(time.Millisecond),
	)

	return &Reply{Text: text, MessageID: msg.ID}, nil
}

// CreateConversation creates a new conversation.
func (b *Bridge) CreateConversation(name string) (*store.Conversation, error) {
	conv, err := b.store.CreateConversation(name)
	if err != nil {
		return nil, err
	}
	b.logger.Info("conversation created", "conversation", conv.ID)
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindConversationCreated,
		Data:   map[string]any{"conversation_id": conv.ID, "name": conv.Name},
	})
	return conv, nil
}

// DeleteConversation removes a conversation, its messages, and its
// in-memory session handle. The handle is cleared first so a future
// conversation reusing the identity can never inherit it.
func (b *Bridge) DeleteConversation(id string) error {
	b.registry.Clear(id)
	b.forgetLock(id)
	if err := b.store.Delete(id); err != nil {
		return err
	}
	b.bus.Publish(events.Event{
		Source: events.SourceBridge,
		Kind:   events.KindConversationDeleted,
		Data:   map[string]any{"conversation_id": id},
	})
	return nil
}

// GetConversation returns a conversation by id.
func (b *Bridge) GetConversation(id string) (*store.Conversation, error) {
	return b.store.GetConversation(id)
}

// ListConversations returns all conversations, most recently active first.
func (b *Bridge) ListConversations() ([]store.Conversation, error) {
	return b.store.ListConversations()
}

// RenameConversation changes a conversation's display name.
func (b *Bridge) RenameConversation(id, name string) error {
	return b.store.Rename(id, name)
}

// Messages returns a conversation's messages. A zero since returns the
// full history.
func (b *Bridge) Messages(conversationID string, since time.Time) ([]store.Message, error) {
	if _, err := b.store.GetConversation(conversationID); err != nil {
		return nil, err
	}
	return b.store.GetMessages(conversationID, since)
}

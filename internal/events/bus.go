// Package events provides a publish/subscribe event bus connecting the
// bridge to live consumers (the WebSocket stream, the MQTT presence
// publisher). Events flow one way: components publish, subscribers
// receive on buffered channels. The bus is nil-safe: calling Publish on
// a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBridge identifies events from the conversation-agent bridge.
	SourceBridge = "bridge"
	// SourceEngine identifies events from the agent runner client.
	SourceEngine = "engine"
	// SourceAPI identifies events from the HTTP API layer.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals a user message was persisted.
	// Data: conversation_id, message_id, message_len.
	KindMessageReceived = "message_received"
	// KindAgentStatus relays a live phase description from an in-flight
	// invocation ("thinking", "running tool X", ...).
	// Data: conversation_id, status.
	KindAgentStatus = "agent_status"
	// KindRequestComplete signals an invocation resolved and the
	// assistant reply was persisted.
	// Data: conversation_id, message_id, elapsed_ms, fallback.
	KindRequestComplete = "request_complete"
	// KindEngineError signals an invocation failed without a persisted
	// assistant reply.
	// Data: conversation_id, error.
	KindEngineError = "engine_error"
	// KindConversationCreated signals a new conversation.
	// Data: conversation_id, name.
	KindConversationCreated = "conversation_created"
	// KindConversationDeleted signals a conversation (and its session
	// handle) was removed.
	// Data: conversation_id.
	KindConversationDeleted = "conversation_deleted"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. Status relays are best-effort per the bridge
// contract, so dropped events are not an error condition.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

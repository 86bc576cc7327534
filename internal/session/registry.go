// Package session tracks agent session handles per conversation.
//
// A session handle is an opaque continuation token issued by the agent
// runner. Handles are deliberately ephemeral: they live in process
// memory only and are lost on restart, because the runner re-derives
// context from stored messages when no handle is supplied.
package session

import "sync"

// Registry maps conversation ids to agent session handles. The
// interface exists so the in-memory implementation can later be swapped
// for a shared store without touching the bridge.
type Registry interface {
	// Get returns the handle for a conversation, if one is known.
	Get(conversationID string) (string, bool)
	// Set records the handle for a conversation, replacing any prior one.
	Set(conversationID, handle string)
	// Clear forgets the handle for a conversation. Called on
	// conversation deletion so a future conversation reusing the same
	// identity cannot inherit a stale handle.
	Clear(conversationID string)
}

// MemoryRegistry is the process-lifetime Registry implementation.
// Safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]string)}
}

// Get returns the handle for a conversation, if one is known.
func (r *MemoryRegistry) Get(conversationID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[conversationID]
	return h, ok
}

// Set records the handle for a conversation.
func (r *MemoryRegistry) Set(conversationID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[conversationID] = handle
}

// Clear forgets the handle for a conversation. No-op if absent.
func (r *MemoryRegistry) Clear(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
}

// Len returns the number of tracked sessions.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

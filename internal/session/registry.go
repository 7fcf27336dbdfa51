// Package session maps conversations to stable NLU session tokens.
package session

import (
	"sync"

	"github.com/google/uuid"
)

// Registry hands out one session token per conversation id for the lifetime
// of the process. Entries are never evicted.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]string
	newID  func() string
}

func NewRegistry() *Registry {
	return &Registry{
		tokens: make(map[string]string),
		newID:  newTimeUUID,
	}
}

// GetOrCreate returns the token for conversationID, creating it on first use.
func (r *Registry) GetOrCreate(conversationID string) string {
	r.mu.RLock()
	token, ok := r.tokens[conversationID]
	r.mu.RUnlock()
	if ok {
		return token
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if token, ok := r.tokens[conversationID]; ok {
		return token
	}
	token = r.newID()
	r.tokens[conversationID] = token
	return token
}

// Len returns the number of conversations seen so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}

// newTimeUUID prefers a version 1 UUID and falls back to a random one when
// the node id cannot be determined.
func newTimeUUID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

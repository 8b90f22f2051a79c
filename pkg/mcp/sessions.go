package mcp

import "sync"

// SessionRegistry maps watch keys to MCP session IDs. A key is a plan
// execution id or an AccountKey. Tools that touch a plan execution register
// the caller's session for it.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // key → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates key with a session ID. A later session for the same
// key replaces the earlier one.
func (r *SessionRegistry) Register(key, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[key] = sessionID
}

// SessionFor returns the session ID watching key, if connected.
func (r *SessionRegistry) SessionFor(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[key]
	return sid, ok
}

// Remove deletes every key mapped to the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, key)
		}
	}
}

// Len reports how many keys are mapped.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

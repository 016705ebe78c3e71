package core

import (
	"sync"
	"time"
)

// Session is the live in-memory handle binding one identity to its
// conversation state and capability set. Sessions are created lazily on the
// first event for an identity and evicted from cache on an idle policy;
// they are a rebuildable cache over the durable store, never the source of
// truth.
//
// Field access is guarded internally, but serialization of whole
// conversation turns is the session registry's job: two concurrent
// operations on the same identity must go through Registry.Acquire.
type Session struct {
	// Identity is the resolved principal the session belongs to.
	Identity Identity
	// Capabilities is the immutable allow-list attached at construction.
	Capabilities CapabilitySet

	mu              sync.RWMutex
	resumptionToken string
	lastActivity    time.Time
}

// NewSession constructs a session for the identity with the given
// capability set and optional prior resumption token.
func NewSession(id Identity, caps CapabilitySet, resumptionToken string) *Session {
	return &Session{
		Identity:        id,
		Capabilities:    caps,
		resumptionToken: resumptionToken,
		lastActivity:    time.Now().UTC(),
	}
}

// ResumptionToken returns the current conversation-state pointer, empty
// when the next agent call starts cold.
func (s *Session) ResumptionToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resumptionToken
}

// SetResumptionToken records the token produced by the latest completed
// turn and refreshes the activity timestamp.
func (s *Session) SetResumptionToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumptionToken = token
	s.lastActivity = time.Now().UTC()
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
}

// LastActivity returns the time of the most recent turn or touch.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

package mcpserver

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// sessionTTL is the session lifetime, counted from creation. Expired
// sessions are evicted lazily on the next lookup or create.
const sessionTTL = 24 * time.Hour

// Session is the transient per-client state keyed by Mcp-Session-Id. A
// session created on a namespace-scoped endpoint stays bound to that
// namespace.
type Session struct {
	ID              string
	Namespace       string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	CreatedAt       time.Time
	LastAccess      time.Time
}

// SessionStore holds live sessions in memory.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// now is replaceable in tests to exercise expiry.
	now func() time.Time
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Create registers a new session and returns it.
func (s *SessionStore) Create(namespace, protocolVersion, clientName, clientVersion string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	now := s.now()
	session := &Session{
		ID:              uuid.NewString(),
		Namespace:       namespace,
		ProtocolVersion: protocolVersion,
		ClientName:      clientName,
		ClientVersion:   clientVersion,
		CreatedAt:       now,
		LastAccess:      now,
	}
	s.sessions[session.ID] = session
	return session
}

// Get returns the session, or nil when the ID is unknown or expired.
// Expiry is fixed at creation; access does not extend it.
func (s *SessionStore) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil
	}
	if s.now().Sub(session.CreatedAt) > sessionTTL {
		delete(s.sessions, id)
		return nil
	}
	session.LastAccess = s.now()
	return session
}

// Delete removes a session and reports whether it existed.
func (s *SessionStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Len returns the live session count.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) evictExpiredLocked() {
	cutoff := s.now().Add(-sessionTTL)
	for id, session := range s.sessions {
		if session.CreatedAt.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

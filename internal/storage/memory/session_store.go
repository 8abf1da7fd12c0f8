// Package memory provides in-memory store implementations for development
// and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/draftforge/webintel/internal/intel"
)

// SessionStore is an in-memory intel.SessionStore with version arbitration.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]intel.Session
	byDomain map[string]string
	creates  int
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]intel.Session),
		byDomain: make(map[string]string),
	}
}

// CreateSession stores a new session record.
func (s *SessionStore) CreateSession(_ context.Context, session intel.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[session.ID]; exists {
		return intel.ErrVersionConflict
	}
	s.sessions[session.ID] = session
	s.byDomain[domainKey(session.Domain, session.UserID)] = session.ID
	s.creates++
	return nil
}

// GetSession fetches a session by ID.
func (s *SessionStore) GetSession(_ context.Context, id string) (intel.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return intel.Session{}, intel.ErrNotFound
	}
	return session, nil
}

// GetSessionByDomain fetches the session owning a domain for a user.
func (s *SessionStore) GetSessionByDomain(_ context.Context, domain, userID string) (intel.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDomain[domainKey(domain, userID)]
	if !ok {
		return intel.Session{}, intel.ErrNotFound
	}
	return s.sessions[id], nil
}

// UpdateSession applies the patch only when expectedVersion matches.
func (s *SessionStore) UpdateSession(_ context.Context, id string, patch intel.SessionPatch, expectedVersion int64) (intel.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return intel.Session{}, intel.ErrNotFound
	}
	if session.Version != expectedVersion {
		return intel.Session{}, intel.ErrVersionConflict
	}
	session.Phase = patch.Phase
	session.Merged = patch.Merged
	session.Version++
	session.UpdatedAt = time.Now().UTC()
	s.sessions[id] = session
	return session, nil
}

// Creates reports how many sessions were created; used by dedup tests.
func (s *SessionStore) Creates() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creates
}

func domainKey(domain, userID string) string {
	return userID + "|" + domain
}

package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/guidemesh/core"
)

// InMemoryStore is a volatile SessionStore implementation storing
// sessions in a process local map. It is safe for concurrent access and best
// suited for tests or ephemeral demo servers. Each returned session is cloned
// to prevent external mutation of internal state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[core.SessionID]*core.Session
}

// NewInMemoryStore constructs an empty in‑memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[core.SessionID]*core.Session)}
}

// Create registers a new open session owned by agentID.
func (s *InMemoryStore) Create(id core.SessionID, agentID core.AgentID, optFns ...func(*core.Session)) (*core.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrExists)
	}
	sess := core.NewSession(id, agentID, optFns...)
	s.sessions[id] = sess
	return sess.Clone(), nil
}

// Get returns a clone of an existing session.
func (s *InMemoryStore) Get(id core.SessionID) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, NotFound(id)
	}
	return sess.Clone(), nil
}

// AppendTurns appends all turns or none of them.
func (s *InMemoryStore) AppendTurns(id core.SessionID, turns ...core.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return NotFound(id)
	}
	if err := ValidateAppend(sess, turns); err != nil {
		return err
	}
	stored := make([]core.Turn, len(turns))
	for i, t := range turns {
		if t.GuidelineIDs != nil {
			t.GuidelineIDs = append([]core.GuidelineID(nil), t.GuidelineIDs...)
		}
		stored[i] = t
	}
	sess.AppendTurns(stored...)
	return nil
}

// Close moves the session to its terminal state. Closing twice is a no-op.
func (s *InMemoryStore) Close(id core.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return NotFound(id)
	}
	if !sess.IsClosed() {
		sess.Close()
	}
	return nil
}

// List returns clones of the sessions owned by agentID (all sessions when
// agentID is empty), oldest first.
func (s *InMemoryStore) List(agentID core.AgentID) ([]*core.Session, error) {
	s.mu.RLock()
	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if agentID != "" && sess.AgentID != agentID {
			continue
		}
		out = append(out, sess.Clone())
	}
	s.mu.RUnlock()

	SortByCreation(out)
	return out, nil
}

// Delete removes a session.
func (s *InMemoryStore) Delete(id core.SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return NotFound(id)
	}
	delete(s.sessions, id)
	return nil
}

// SortByCreation orders sessions oldest first, ties by id.
func SortByCreation(sessions []*core.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// IdleSince reports whether sess has been inactive since before cutoff.
func IdleSince(sess *core.Session, cutoff time.Time) bool {
	return sess.LastActivity().Before(cutoff)
}

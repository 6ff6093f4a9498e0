package core

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	// SpeakerUser marks a turn produced by the end user.
	SpeakerUser Speaker = "user"
	// SpeakerAgent marks a turn produced by the agent.
	SpeakerAgent Speaker = "agent"
)

// Turn is one recorded utterance. It is immutable once committed.
// GuidelineIDs lists the guidelines judged active when the turn was produced
// (always empty for user turns).
type Turn struct {
	Index        int           `json:"index"`
	Speaker      Speaker       `json:"speaker"`
	Utterance    string        `json:"utterance"`
	Timestamp    time.Time     `json:"timestamp"`
	GuidelineIDs []GuidelineID `json:"guideline_ids,omitempty"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionOpen accepts new turns.
	SessionOpen SessionStatus = "open"
	// SessionClosed is terminal; further turns are rejected.
	SessionClosed SessionStatus = "closed"
)

// Session represents one conversation between a user and an agent.
// CustomerID and Title are optional metadata set at creation. History
// grows monotonically; turns are never rewritten. It is safe for concurrent
// access.
//
// Contract:
//   - AppendTurns updates UpdatedAt
//   - GetTurns returns a copy
//   - Clone performs deep copies of slices for safe divergence.
type Session struct {
	ID         SessionID     `json:"id"`
	AgentID    AgentID       `json:"agent_id"`
	CustomerID string        `json:"customer_id,omitempty"`
	Title      string        `json:"title,omitempty"`
	Status     SessionStatus `json:"status"`
	Turns      []Turn        `json:"turns"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	mu         sync.RWMutex
}

// NewSession creates a new open session owned by agentID.
func NewSession(id SessionID, agentID AgentID, optFns ...func(s *Session)) *Session {
	now := time.Now().UTC()
	s := &Session{ID: id, AgentID: agentID, Status: SessionOpen, Turns: []Turn{}, CreatedAt: now, UpdatedAt: now}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// WithCustomer sets the customer a new session is held with.
func WithCustomer(customerID string) func(s *Session) {
	return func(s *Session) { s.CustomerID = customerID }
}

// WithTitle sets the title of a new session.
func WithTitle(title string) func(s *Session) {
	return func(s *Session) { s.Title = title }
}

// AppendTurns appends turns to the history updating UpdatedAt.
func (s *Session) AppendTurns(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Turns = append(s.Turns, turns...)
	s.UpdatedAt = time.Now().UTC()
}

// TurnsFrom returns a copy of the turns with Index >= minOffset. An offset
// past the end yields an empty slice.
func (s *Session) TurnsFrom(minOffset int) []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if minOffset < 0 {
		minOffset = 0
	}
	if minOffset >= len(s.Turns) {
		return []Turn{}
	}
	turns := make([]Turn, len(s.Turns)-minOffset)
	copy(turns, s.Turns[minOffset:])
	return turns
}

// GetTurns returns a copy of the full turn history.
func (s *Session) GetTurns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := make([]Turn, len(s.Turns))
	copy(turns, s.Turns)
	return turns
}

// NextIndex returns the index the next recorded turn will receive.
func (s *Session) NextIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Turns)
}

// IsClosed reports whether the session reached its terminal state.
func (s *Session) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Status == SessionClosed
}

// Close moves the session to its terminal state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = SessionClosed
	s.UpdatedAt = time.Now().UTC()
}

// LastActivity returns the time of the most recent mutation.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.UpdatedAt
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{ID: s.ID, AgentID: s.AgentID, CustomerID: s.CustomerID, Title: s.Title, Status: s.Status, Turns: make([]Turn, len(s.Turns)), CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
	for i, t := range s.Turns {
		if t.GuidelineIDs != nil {
			t.GuidelineIDs = append([]GuidelineID(nil), t.GuidelineIDs...)
		}
		clone.Turns[i] = t
	}
	return clone
}

// SessionStore persists sessions and their append-only turn history.
//
// Implementations must be safe for concurrent use. Get returns ErrNotFound
// for unknown ids. AppendTurns commits all given turns or none of them.
type SessionStore interface {
	// Create registers a new open session; optFns set its metadata.
	Create(id SessionID, agentID AgentID, optFns ...func(*Session)) (*Session, error)
	Get(id SessionID) (*Session, error)
	AppendTurns(id SessionID, turns ...Turn) error
	Close(id SessionID) error
	List(agentID AgentID) ([]*Session, error)
	Delete(id SessionID) error
}

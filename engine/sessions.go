package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/session"
)

// sessionSlot serializes the turns of one session and tracks their cancel
// functions.
type sessionSlot struct {
	sem chan struct{}

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
}

func newSessionSlot() *sessionSlot {
	return &sessionSlot{
		sem:     make(chan struct{}, 1),
		cancels: make(map[uint64]context.CancelFunc),
	}
}

// acquire blocks until the slot is free or ctx ends.
func (s *sessionSlot) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sessionSlot) release() { <-s.sem }

func (s *sessionSlot) busy() bool { return len(s.sem) > 0 }

func (s *sessionSlot) track(id uint64, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *sessionSlot) untrack(id uint64) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func (s *sessionSlot) cancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.cancels {
		cancel()
	}
	return len(s.cancels)
}

// slot returns the slot of id, creating it on first use.
func (e *Engine) slot(id core.SessionID) *sessionSlot {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	s, ok := e.slots[id]
	if !ok {
		s = newSessionSlot()
		e.slots[id] = s
	}
	return s
}

func (e *Engine) nextTurnID() uint64 {
	e.slotsMu.Lock()
	defer e.slotsMu.Unlock()
	e.turnSeq++
	return e.turnSeq
}

// CloseSession marks a session CLOSED and cancels its in-flight turns. A
// cancelled turn commits nothing. Later submissions fail with
// core.ErrSessionClosed. Closing a closed session is a no-op.
func (e *Engine) CloseSession(id core.SessionID) error {
	if err := e.sessionStore.Close(id); err != nil {
		return err
	}

	e.slotsMu.Lock()
	s, ok := e.slots[id]
	delete(e.slots, id)
	e.slotsMu.Unlock()

	cancelled := 0
	if ok {
		cancelled = s.cancelAll()
	}
	e.logger.Info("Session closed", "session_id", string(id), "cancelled_turns", cancelled)
	return nil
}

// Session returns a copy of a stored session.
func (e *Engine) Session(id core.SessionID) (*core.Session, error) {
	return e.sessionStore.Get(id)
}

// Sessions returns the sessions of an agent, oldest first.
func (e *Engine) Sessions(agentID core.AgentID) ([]*core.Session, error) {
	sessions, err := e.sessionStore.List(agentID)
	if err != nil {
		return nil, err
	}
	session.SortByCreation(sessions)
	return sessions, nil
}

// Turns returns the committed turns of a session with Index >= minOffset, so
// clients can poll a transcript incrementally. Unknown sessions fail with
// core.ErrNotFound.
func (e *Engine) Turns(id core.SessionID, minOffset int) ([]core.Turn, error) {
	if minOffset < 0 {
		return nil, fmt.Errorf("%w: min offset must not be negative", core.ErrInvalidArgument)
	}
	sess, err := e.sessionStore.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.TurnsFrom(minOffset), nil
}

// openSession loads id or creates it for agentID with the request's
// metadata. A session owned by another agent is reported as not found.
func (e *Engine) openSession(id core.SessionID, agentID core.AgentID, req TurnRequest) (*core.Session, error) {
	sess, err := e.sessionStore.Get(id)
	if errors.Is(err, core.ErrNotFound) {
		sess, err = e.sessionStore.Create(id, agentID, core.WithCustomer(req.CustomerID), core.WithTitle(req.Title))
		if errors.Is(err, session.ErrExists) {
			sess, err = e.sessionStore.Get(id)
		}
		if err == nil {
			e.logger.Debug("Session created", "agent_id", string(agentID), "session_id", string(id))
		}
	}
	if err != nil {
		return nil, err
	}
	if sess.AgentID != agentID {
		return nil, session.NotFound(id)
	}
	if sess.Status == core.SessionClosed {
		return nil, sessionClosed(id)
	}
	return sess, nil
}

func (e *Engine) startReaper() {
	interval := e.config.ReapInterval
	if half := e.config.IdleTimeout / 2; interval <= 0 || interval > half {
		interval = half
	}
	if interval <= 0 {
		interval = time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.reaperCancel = cancel
	e.reaperDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				e.reapIdle(now)
			}
		}
	}()
}

func (e *Engine) stopReaper() {
	if e.reaperCancel == nil {
		return
	}
	e.reaperCancel()
	<-e.reaperDone
	e.reaperCancel = nil
	e.reaperDone = nil
}

// reapIdle closes open sessions of registered agents that have been idle
// since before now-IdleTimeout. Sessions with a running turn are skipped.
func (e *Engine) reapIdle(now time.Time) int {
	cutoff := now.Add(-e.config.IdleTimeout)
	reaped := 0
	for _, a := range e.Agents() {
		sessions, err := e.sessionStore.List(a.ID())
		if err != nil {
			e.logger.Warn("Idle reaper failed to list sessions", "agent_id", string(a.ID()), "error", err)
			continue
		}
		for _, sess := range sessions {
			if sess.Status == core.SessionClosed || !session.IdleSince(sess, cutoff) {
				continue
			}
			e.slotsMu.Lock()
			s, ok := e.slots[sess.ID]
			e.slotsMu.Unlock()
			if ok && s.busy() {
				continue
			}
			if err := e.CloseSession(sess.ID); err != nil {
				e.logger.Warn("Idle reaper failed to close session", "session_id", string(sess.ID), "error", err)
				continue
			}
			reaped++
		}
	}
	if reaped > 0 {
		e.logger.Info("Idle sessions closed", "count", reaped, "idle_timeout", e.config.IdleTimeout)
	}
	return reaped
}

// Package guideline provides the per-agent registry of condition/action rules.
//
// A Store is shared by every concurrent turn of its agent. Reads return
// independent copies, so a turn that took a snapshot at the start of matching
// never observes a list that mutates mid-evaluation. Writes are exclusive and
// short-lived and become visible to the very next read.
package guideline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/guidemesh/core"
)

// Store holds the guidelines owned by a single agent.
type Store struct {
	agentID core.AgentID

	mu    sync.RWMutex
	seq   uint64
	items map[core.GuidelineID]*core.Guideline
}

// NewStore creates an empty store owned by agentID.
func NewStore(agentID core.AgentID) *Store {
	return &Store{agentID: agentID, items: make(map[core.GuidelineID]*core.Guideline)}
}

// AgentID returns the owning agent.
func (s *Store) AgentID() core.AgentID { return s.agentID }

// Add validates and registers a new guideline, returning its id.
func (s *Store) Add(condition, action string, md core.GuidelineMetadata) (core.GuidelineID, error) {
	g := core.Guideline{
		AgentID:   s.agentID,
		Condition: strings.TrimSpace(condition),
		Action:    strings.TrimSpace(action),
		Priority:  md.Priority,
		Enabled:   !md.Disabled,
		CreatedAt: time.Now().UTC(),
	}
	if len(md.Tags) > 0 {
		g.Tags = append([]string(nil), md.Tags...)
	}
	if err := g.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	g.ID = core.NewGuidelineID()
	g.Sequence = s.seq
	s.items[g.ID] = &g
	return g.ID, nil
}

// Get returns a copy of the guideline with the given id.
func (s *Store) Get(id core.GuidelineID) (core.Guideline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.items[id]
	if !ok {
		return core.Guideline{}, s.notFound(id)
	}
	return g.Clone(), nil
}

// Enable makes the guideline eligible for matching.
func (s *Store) Enable(id core.GuidelineID) error {
	return s.update(id, func(g *core.Guideline) { g.Enabled = true })
}

// Disable keeps the guideline registered but excludes it from matching.
func (s *Store) Disable(id core.GuidelineID) error {
	return s.update(id, func(g *core.Guideline) { g.Enabled = false })
}

// SetPriority changes the ranking priority of the guideline.
func (s *Store) SetPriority(id core.GuidelineID, priority int) error {
	return s.update(id, func(g *core.Guideline) { g.Priority = priority })
}

// Remove deletes the guideline permanently.
func (s *Store) Remove(id core.GuidelineID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return s.notFound(id)
	}
	delete(s.items, id)
	return nil
}

// List returns guidelines ordered by priority (descending) with ties broken
// by insertion order. When activeOnly is true disabled guidelines are skipped.
func (s *Store) List(activeOnly bool) []core.Guideline {
	s.mu.RLock()
	out := make([]core.Guideline, 0, len(s.items))
	for _, g := range s.items {
		if activeOnly && !g.Enabled {
			continue
		}
		out = append(out, g.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

// Snapshot returns the enabled guidelines as seen at call time.
func (s *Store) Snapshot() []core.Guideline { return s.List(true) }

// Len returns the number of registered guidelines (enabled or not).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *Store) update(id core.GuidelineID, fn func(g *core.Guideline)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	if !ok {
		return s.notFound(id)
	}
	fn(g)
	return nil
}

func (s *Store) notFound(id core.GuidelineID) error {
	return fmt.Errorf("guideline %s for agent %s: %w", id, s.agentID, core.ErrNotFound)
}

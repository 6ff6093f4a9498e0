package core

import (
	"fmt"
	"strings"
	"time"
)

// Guideline is a declarative condition/action rule owned by exactly one agent.
//
// Condition is a natural-language predicate describing when the guideline
// applies; Action is the instruction the agent follows when it does. Priority
// orders guidelines (higher first) and Sequence records insertion order for
// stable tie-breaking.
type Guideline struct {
	ID        GuidelineID `json:"id"`
	AgentID   AgentID     `json:"agent_id"`
	Condition string      `json:"condition"`
	Action    string      `json:"action"`
	Priority  int         `json:"priority"`
	Tags      []string    `json:"tags,omitempty"`
	Enabled   bool        `json:"enabled"`
	Sequence  uint64      `json:"sequence"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate checks that both condition and action carry text.
func (g Guideline) Validate() error {
	if strings.TrimSpace(g.Condition) == "" {
		return fmt.Errorf("%w: condition must not be empty", ErrInvalidGuideline)
	}
	if strings.TrimSpace(g.Action) == "" {
		return fmt.Errorf("%w: action must not be empty", ErrInvalidGuideline)
	}
	return nil
}

// HasTag reports whether the guideline carries the given tag.
func (g Guideline) HasTag(tag string) bool {
	for _, t := range g.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with g.
func (g Guideline) Clone() Guideline {
	c := g
	if g.Tags != nil {
		c.Tags = append([]string(nil), g.Tags...)
	}
	return c
}

// GuidelineMetadata carries the optional attributes supplied when a guideline
// is registered.
type GuidelineMetadata struct {
	Priority int
	Tags     []string
	// Disabled registers the guideline without making it eligible for matching.
	Disabled bool
}

package testutil

import (
	"strconv"
	"time"

	"github.com/hupe1980/guidemesh/core"
)

// GuidelineBuilder provides a fluent helper for constructing guidelines in tests.
// Example:
//
//	g := NewGuidelineBuilder("a1", 1).Condition("greets").Action("be warm").Priority(5).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type GuidelineBuilder struct {
	g core.Guideline
}

// NewGuidelineBuilder creates an enabled guideline owned by agentID with the
// given insertion sequence. The id defaults to "g<seq>".
func NewGuidelineBuilder(agentID core.AgentID, seq uint64) *GuidelineBuilder {
	return &GuidelineBuilder{g: core.Guideline{
		ID:        core.GuidelineID("g" + itoa(seq)),
		AgentID:   agentID,
		Condition: "condition " + itoa(seq),
		Action:    "action " + itoa(seq),
		Enabled:   true,
		Sequence:  seq,
		CreatedAt: time.Unix(int64(seq), 0).UTC(),
	}}
}

// ID overrides the generated id (chainable).
func (b *GuidelineBuilder) ID(id core.GuidelineID) *GuidelineBuilder { b.g.ID = id; return b }

// Condition sets the condition text (chainable).
func (b *GuidelineBuilder) Condition(c string) *GuidelineBuilder { b.g.Condition = c; return b }

// Action sets the action text (chainable).
func (b *GuidelineBuilder) Action(a string) *GuidelineBuilder { b.g.Action = a; return b }

// Priority sets the priority (chainable).
func (b *GuidelineBuilder) Priority(p int) *GuidelineBuilder { b.g.Priority = p; return b }

// Tags sets the tags (chainable).
func (b *GuidelineBuilder) Tags(tags ...string) *GuidelineBuilder { b.g.Tags = tags; return b }

// Disabled marks the guideline disabled (chainable).
func (b *GuidelineBuilder) Disabled() *GuidelineBuilder { b.g.Enabled = false; return b }

// Build returns the constructed guideline.
func (b *GuidelineBuilder) Build() core.Guideline { return b.g.Clone() }

func itoa(n uint64) string { return strconv.FormatUint(n, 10) }

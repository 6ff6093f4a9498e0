package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/guideline"
)

// Options configure a new Agent.
type Options struct {
	// ID fixes the agent id. A fresh id is generated when empty.
	ID core.AgentID
	// Description is free text used as persona context.
	Description string
	// Instruction is appended to the persona in the system prompt.
	Instruction Instruction
}

// Agent is a configured persona owning its own guideline set. Identity is
// immutable after creation; all exported methods are goroutine-safe.
type Agent struct {
	id          core.AgentID
	name        string
	description string
	instruction Instruction
	guidelines  *guideline.Store
	createdAt   time.Time
}

// New constructs an Agent. The name must not be blank.
func New(name string, optFns ...func(o *Options)) (*Agent, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: agent name must not be empty", core.ErrInvalidArgument)
	}

	if err := opts.Instruction.Validate(); err != nil {
		return nil, fmt.Errorf("%w: instruction: %w", core.ErrInvalidArgument, err)
	}

	id := opts.ID
	if id == "" {
		id = core.NewAgentID()
	}

	return &Agent{
		id:          id,
		name:        name,
		description: strings.TrimSpace(opts.Description),
		instruction: opts.Instruction,
		guidelines:  guideline.NewStore(id),
		createdAt:   time.Now().UTC(),
	}, nil
}

// ID returns the unique agent id.
func (a *Agent) ID() core.AgentID { return a.id }

// Name returns the human-readable name for this agent.
func (a *Agent) Name() string { return a.name }

// Description returns the persona description.
func (a *Agent) Description() string { return a.description }

// Instruction returns the additional persona instruction.
func (a *Agent) Instruction() Instruction { return a.instruction }

// CreatedAt returns the creation time of the agent.
func (a *Agent) CreatedAt() time.Time { return a.createdAt }

// WithPriority sets the ranking priority of a new guideline.
func WithPriority(p int) func(md *core.GuidelineMetadata) {
	return func(md *core.GuidelineMetadata) { md.Priority = p }
}

// WithTags attaches tags to a new guideline.
func WithTags(tags ...string) func(md *core.GuidelineMetadata) {
	return func(md *core.GuidelineMetadata) { md.Tags = append(md.Tags, tags...) }
}

// WithDisabled registers a new guideline without enabling it.
func WithDisabled() func(md *core.GuidelineMetadata) {
	return func(md *core.GuidelineMetadata) { md.Disabled = true }
}

// CreateGuideline registers a condition/action guideline owned by this agent.
func (a *Agent) CreateGuideline(condition, action string, optFns ...func(md *core.GuidelineMetadata)) (core.GuidelineID, error) {
	md := core.GuidelineMetadata{}
	for _, fn := range optFns {
		fn(&md)
	}
	return a.guidelines.Add(condition, action, md)
}

// Guideline returns a copy of the guideline with the given id.
func (a *Agent) Guideline(id core.GuidelineID) (core.Guideline, error) {
	return a.guidelines.Get(id)
}

// Guidelines lists the agent's guidelines in ranking order.
func (a *Agent) Guidelines(activeOnly bool) []core.Guideline {
	return a.guidelines.List(activeOnly)
}

// Snapshot returns the enabled guidelines as seen at call time. A turn takes
// one snapshot at the start of matching.
func (a *Agent) Snapshot() []core.Guideline { return a.guidelines.Snapshot() }

// EnableGuideline makes a guideline eligible for matching.
func (a *Agent) EnableGuideline(id core.GuidelineID) error { return a.guidelines.Enable(id) }

// DisableGuideline excludes a guideline from matching without removing it.
func (a *Agent) DisableGuideline(id core.GuidelineID) error { return a.guidelines.Disable(id) }

// SetGuidelinePriority changes the ranking priority of a guideline.
func (a *Agent) SetGuidelinePriority(id core.GuidelineID, priority int) error {
	return a.guidelines.SetPriority(id, priority)
}

// RemoveGuideline deletes a guideline permanently.
func (a *Agent) RemoveGuideline(id core.GuidelineID) error { return a.guidelines.Remove(id) }

// String implements fmt.Stringer.
func (a *Agent) String() string { return fmt.Sprintf("%s (%s)", a.name, a.id) }

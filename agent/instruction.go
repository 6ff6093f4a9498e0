package agent

import (
	"context"
	"strings"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/util"
)

// InstructionData is the view of the current turn available to standing
// instructions.
type InstructionData struct {
	AgentName        string
	AgentDescription string
	SessionID        core.SessionID
	Utterance        string
	History          []core.Turn
	// TurnCount is the number of committed turns before this one.
	TurnCount int
	// Returning is true when the session already holds an exchange.
	Returning bool
	// LastAgentUtterance is the previous agent reply, if any.
	LastAgentUtterance string
}

func newInstructionData(cc core.ConversationContext) InstructionData {
	d := InstructionData{
		AgentName:        cc.AgentName,
		AgentDescription: cc.AgentDescription,
		SessionID:        cc.SessionID,
		Utterance:        cc.Utterance,
		History:          cc.History,
		TurnCount:        len(cc.History),
		Returning:        len(cc.History) > 0,
	}
	for i := len(cc.History) - 1; i >= 0; i-- {
		if cc.History[i].Speaker == core.SpeakerAgent {
			d.LastAgentUtterance = cc.History[i].Utterance
			break
		}
	}
	return d
}

// Instruction holds an agent's standing instructions, rendered once per turn
// and appended to the persona. Unlike guidelines they apply unconditionally.
//
// Text may contain text/template actions over InstructionData:
//
//	agent.NewInstructionFromText("{{if .Returning}}Do not introduce yourself again.{{end}}")
type Instruction struct {
	text string
	fn   func(ctx context.Context, d InstructionData) (string, error)
}

// NewInstructionFromText creates an Instruction from static or templated text.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromFunc creates an Instruction computed per turn.
func NewInstructionFromFunc(fn func(ctx context.Context, d InstructionData) (string, error)) Instruction {
	return Instruction{fn: fn}
}

// IsStatic reports whether the instruction renders the same text every turn.
func (i Instruction) IsStatic() bool {
	return i.fn == nil && !strings.Contains(i.text, "{{")
}

// Validate checks that templated text parses.
func (i Instruction) Validate() error {
	if i.fn != nil {
		return nil
	}
	return util.ParseTemplate(i.text)
}

// Resolve renders the instruction for the turn described by cc.
func (i Instruction) Resolve(ctx context.Context, cc core.ConversationContext) (string, error) {
	d := newInstructionData(cc)
	if i.fn != nil {
		text, err := i.fn(ctx, d)
		return strings.TrimSpace(text), err
	}
	text, err := util.RenderTemplate(i.text, d)
	return strings.TrimSpace(text), err
}

package orchestrator

import (
	"fmt"
	"strings"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/util"
	"github.com/hupe1980/guidemesh/model"
)

// RequestProcessor processes the request before sending it to the model.
type RequestProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessRequest modifies the request before generation.
	ProcessRequest(in *Input, req *model.Request) error
}

// ResponseProcessor processes the final response after generation.
type ResponseProcessor interface {
	// Name returns the processor's identifier.
	Name() string
	// ProcessResponse may rewrite the final response.
	ProcessResponse(in *Input, resp *model.Response) error
}

// DefaultPersonaTemplate renders the agent persona into system instructions.
const DefaultPersonaTemplate = `You are {{.Name}}.{{if .Description}} {{.Description}}{{end}}{{if .Instruction}}

{{.Instruction}}{{end}}`

// DefaultDirectivesTemplate renders active directives, highest rank first.
const DefaultDirectivesTemplate = `Follow these guidelines in your next reply. They are listed in order of precedence; if two of them conflict, follow the one listed first.
{{range $i, $d := .}}{{inc $i}}. {{$d.Action}}
{{end}}`

// PersonaProcessor sets the system instructions from the agent persona.
type PersonaProcessor struct {
	template string
}

// NewPersonaProcessor creates a persona processor. An empty template selects
// DefaultPersonaTemplate.
func NewPersonaProcessor(template string) *PersonaProcessor {
	if template == "" {
		template = DefaultPersonaTemplate
	}
	return &PersonaProcessor{template: template}
}

// Name returns the processor's identifier.
func (p *PersonaProcessor) Name() string { return "persona" }

// ProcessRequest renders the persona into req.Instructions.
func (p *PersonaProcessor) ProcessRequest(in *Input, req *model.Request) error {
	text, err := util.RenderTemplate(p.template, in.Persona)
	if err != nil {
		return fmt.Errorf("render persona: %w", err)
	}
	req.Instructions = strings.TrimSpace(text)
	return nil
}

// DirectivesProcessor appends the ordered directive actions to the system
// instructions. Nothing is injected when no directive is active.
type DirectivesProcessor struct {
	template string
}

// NewDirectivesProcessor creates a directives processor. An empty template
// selects DefaultDirectivesTemplate.
func NewDirectivesProcessor(template string) *DirectivesProcessor {
	if template == "" {
		template = DefaultDirectivesTemplate
	}
	return &DirectivesProcessor{template: template}
}

// Name returns the processor's identifier.
func (p *DirectivesProcessor) Name() string { return "directives" }

// ProcessRequest appends directives to req.Instructions.
func (p *DirectivesProcessor) ProcessRequest(in *Input, req *model.Request) error {
	if len(in.Directives) == 0 {
		return nil
	}
	text, err := util.RenderTemplate(p.template, in.Directives)
	if err != nil {
		return fmt.Errorf("render directives: %w", err)
	}
	if req.Instructions == "" {
		req.Instructions = strings.TrimSpace(text)
		return nil
	}
	req.Instructions += "\n\n" + strings.TrimSpace(text)
	return nil
}

// HistoryProcessor adds the most recent turns and the current user utterance
// as request messages.
type HistoryProcessor struct {
	window int
}

// NewHistoryProcessor creates a history processor keeping at most window
// earlier turns. A window <= 0 keeps the full history.
func NewHistoryProcessor(window int) *HistoryProcessor {
	return &HistoryProcessor{window: window}
}

// Name returns the processor's identifier.
func (p *HistoryProcessor) Name() string { return "history" }

// ProcessRequest replaces req.Messages with history plus the current utterance.
func (p *HistoryProcessor) ProcessRequest(in *Input, req *model.Request) error {
	history := in.History
	if p.window > 0 && len(history) > p.window {
		history = history[len(history)-p.window:]
	}

	msgs := make([]model.Message, 0, len(history)+1)
	for _, t := range history {
		role := model.RoleUser
		if t.Speaker == core.SpeakerAgent {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Text: t.Utterance})
	}
	msgs = append(msgs, model.Message{Role: model.RoleUser, Text: in.Utterance})
	req.Messages = msgs
	return nil
}

// TrimProcessor strips surrounding whitespace from the final response.
type TrimProcessor struct{}

// Name returns the processor's identifier.
func (TrimProcessor) Name() string { return "trim" }

// ProcessResponse trims resp.Text.
func (TrimProcessor) ProcessResponse(_ *Input, resp *model.Response) error {
	resp.Text = strings.TrimSpace(resp.Text)
	return nil
}

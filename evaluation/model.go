package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/internal/util"
	"github.com/hupe1980/guidemesh/model"
)

const defaultEvaluatorPrompt = `You decide whether a condition applies to the latest user message of a conversation{{if .AgentName}} with the agent "{{.AgentName}}"{{end}}.
Reply with a JSON object of the form {"applies": <bool>, "confidence": <number between 0 and 1>, "rationale": <short string>}.

Condition: {{.Condition}}`

// ModelEvaluatorOptions configure a ModelEvaluator.
type ModelEvaluatorOptions struct {
	// Timeout bounds each evaluation call. Zero disables the bound.
	Timeout time.Duration
	// HistoryWindow limits how many earlier turns are sent. Zero sends none.
	HistoryWindow int
	// Prompt is a text/template rendered with AgentName and Condition.
	Prompt string
}

// ModelEvaluator judges conditions by asking a model for a JSON verdict.
// Backend errors, timeouts and malformed replies are reported as
// core.ErrEvaluationUnavailable.
type ModelEvaluator struct {
	model model.Model
	opts  ModelEvaluatorOptions
}

// NewModelEvaluator creates a ModelEvaluator backed by m.
func NewModelEvaluator(m model.Model, optFns ...func(o *ModelEvaluatorOptions)) *ModelEvaluator {
	opts := ModelEvaluatorOptions{
		Timeout:       10 * time.Second,
		HistoryWindow: 6,
		Prompt:        defaultEvaluatorPrompt,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &ModelEvaluator{model: m, opts: opts}
}

type verdictPayload struct {
	Applies    bool    `json:"applies"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Evaluate implements core.Evaluator.
func (e *ModelEvaluator) Evaluate(ctx context.Context, cc core.ConversationContext, condition string) (core.Verdict, error) {
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	instructions, err := util.RenderTemplate(e.opts.Prompt, map[string]any{
		"AgentName": cc.AgentName,
		"Condition": condition,
	})
	if err != nil {
		return core.Verdict{}, fmt.Errorf("%w: render prompt: %v", core.ErrEvaluationUnavailable, err)
	}

	req := model.Request{
		Instructions: instructions,
		Messages:     historyMessages(cc.History, e.opts.HistoryWindow),
		JSON:         true,
	}
	req.Messages = append(req.Messages, model.Message{Role: model.RoleUser, Text: cc.Utterance})

	resp, err := model.Collect(ctx, e.model, req)
	if err != nil {
		return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrEvaluationUnavailable, err)
	}

	v, err := parseVerdict(resp.Text)
	if err != nil {
		return core.Verdict{}, fmt.Errorf("%w: %v", core.ErrEvaluationUnavailable, err)
	}
	return v, nil
}

// parseVerdict extracts the first JSON object from text, tolerating code fences.
func parseVerdict(text string) (core.Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return core.Verdict{}, fmt.Errorf("no JSON object in reply %q", text)
	}

	var p verdictPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return core.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	if p.Confidence == 0 && p.Applies {
		p.Confidence = 1
	}
	return core.Verdict{Applies: p.Applies, Confidence: p.Confidence, Rationale: p.Rationale}, nil
}

func historyMessages(history []core.Turn, window int) []model.Message {
	if window <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > window {
		history = history[len(history)-window:]
	}
	msgs := make([]model.Message, 0, len(history)+1)
	for _, t := range history {
		role := model.RoleUser
		if t.Speaker == core.SpeakerAgent {
			role = model.RoleAssistant
		}
		msgs = append(msgs, model.Message{Role: role, Text: t.Utterance})
	}
	return msgs
}

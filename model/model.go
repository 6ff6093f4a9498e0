package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Role is the author of a request message.
type Role string

const (
	// RoleUser marks end-user messages.
	RoleUser Role = "user"
	// RoleAssistant marks messages previously produced by the agent.
	RoleAssistant Role = "assistant"
)

// Message is one conversational message sent to the model.
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Request captures the normalized model input produced by the orchestrator
// and model-backed evaluators.
type Request struct {
	Instructions string    `json:"instructions"` // System prompt
	Messages     []Message `json:"messages"`
	Stream       bool      `json:"stream,omitempty"`
	// JSON asks providers that support it to constrain output to a JSON object.
	JSON bool `json:"json,omitempty"`
}

// LastUserText returns the text of the final user message, if any.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Text
		}
	}
	return ""
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "gemini", "mock"
}

// Model is the minimal interface required to drive generation. Generate
// streams zero or more partial responses followed by one final response;
// both channels are closed when generation ends.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// HealthChecker is implemented by models that can verify backend reachability.
// The server pings such models during startup.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// ErrNoResponse is returned by Collect when the stream ends without a final response.
var ErrNoResponse = errors.New("model returned no final response")

// Collect drives m to completion and returns its final response. Partial
// chunks are concatenated when the final response carries no text.
func Collect(ctx context.Context, m Model, req Request) (*Response, error) {
	respCh, errCh := m.Generate(ctx, req)

	var (
		final   *Response
		partial strings.Builder
	)
	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Partial {
				partial.WriteString(r.Text)
				continue
			}
			rr := r
			final = &rr
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return nil, err
			}
		}
	}
	if final == nil {
		return nil, ErrNoResponse
	}
	if final.Text == "" {
		final.Text = partial.String()
	}
	return final, nil
}

// Send delivers r on out unless ctx ends first. It reports whether r was
// delivered; producers stop generating when it returns false.
func Send(ctx context.Context, out chan<- Response, r Response) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	}
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// It records every request it receives and can be scripted to fail.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	failures  []error
	requests  []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for a user utterance.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// FailNext queues errors returned by the next Generate calls, one per call.
func (m *MockModel) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// Requests returns a copy of the requests received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Generate implements Model; emits optional streaming rune chunks then a final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	var failure error
	if len(m.failures) > 0 {
		failure = m.failures[0]
		m.failures = m.failures[1:]
	}
	inputText := req.LastUserText()
	full := m.responses[inputText]
	m.mu.Unlock()

	go func() {
		defer close(respCh)
		defer close(errCh)
		if failure != nil {
			errCh <- failure
			return
		}
		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}
		if req.Stream {
			for _, r := range full {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: string(r)}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: full, FinishReason: "stop"}:
		}
	}()
	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// Package gemini provides an implementation of model.Model backed by the
// Google Gen AI SDK (Gemini API or Vertex AI).
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/guidemesh/model"
	"google.golang.org/genai"
)

// Options configures the Gemini model adapter.
type Options struct {
	Model       string
	Temperature float32
	// APIKey selects the Gemini API backend. When empty, Project and Location
	// select Vertex AI.
	APIKey   string
	Project  string
	Location string
}

// Model wraps genai.Client behind the generic model.Model interface.
type Model struct {
	client *genai.Client
	opts   Options
}

// NewModel creates a Gemini model with a freshly constructed client.
func NewModel(ctx context.Context, optFns ...func(o *Options)) (*Model, error) {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := &genai.ClientConfig{APIKey: opts.APIKey, Backend: genai.BackendGeminiAPI}
	if opts.APIKey == "" {
		cfg = &genai.ClientConfig{
			Project:  opts.Project,
			Location: opts.Location,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Model{client: client, opts: opts}, nil
}

// NewModelFromClient creates a Gemini model from an existing client.
func NewModelFromClient(client *genai.Client, optFns ...func(o *Options)) *Model {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       "gemini-2.5-flash",
		Temperature: 0.7,
		Location:    "us-central1",
	}
}

// Generate implements unified streaming / non-streaming generation.
func (m *Model) Generate(ctx context.Context, req model.Request) (<-chan model.Response, <-chan error) {
	out := make(chan model.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		contents := buildContents(req.Messages)
		cfg := m.buildConfig(req)

		if req.Stream {
			var (
				text  strings.Builder
				last  *genai.GenerateContentResponse
				final model.Response
			)
			for resp, err := range m.client.Models.GenerateContentStream(ctx, m.opts.Model, contents, cfg) {
				if err != nil {
					errCh <- fmt.Errorf("gemini streaming error: %w", err)
					return
				}
				chunk := responseText(resp)
				if chunk != "" {
					text.WriteString(chunk)
					if !model.Send(ctx, out, model.Response{Partial: true, Text: chunk}) {
						return
					}
				}
				last = resp
			}
			if last != nil {
				final = toResponse(last)
			}
			final.Text = text.String()
			model.Send(ctx, out, final)
			return
		}

		resp, err := m.client.Models.GenerateContent(ctx, m.opts.Model, contents, cfg)
		if err != nil {
			errCh <- fmt.Errorf("gemini api error: %w", err)
			return
		}
		if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			errCh <- fmt.Errorf("no candidates returned")
			return
		}
		final := toResponse(resp)
		final.Text = responseText(resp)
		model.Send(ctx, out, final)
	}()

	return out, errCh
}

func (m *Model) buildConfig(req model.Request) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(m.opts.Temperature),
	}
	if req.Instructions != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Instructions, "")
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	return cfg
}

func buildContents(msgs []model.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		role := genai.RoleUser
		if msg.Role == model.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Text, genai.Role(role)))
	}
	return contents
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p != nil && !p.Thought {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func toResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{ID: resp.ResponseID, FinishReason: "stop"}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
		out.FinishReason = strings.ToLower(string(resp.Candidates[0].FinishReason))
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &model.TokenUsage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}

// Ping verifies the configured model exists and credentials are accepted.
func (m *Model) Ping(ctx context.Context) error {
	if _, err := m.client.Models.Get(ctx, m.opts.Model, nil); err != nil {
		return fmt.Errorf("gemini ping %s: %w", m.opts.Model, err)
	}
	return nil
}

// Info returns metadata describing this Gemini model implementation.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.opts.Model, Provider: "gemini"}
}

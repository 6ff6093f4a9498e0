package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/model"
)

// Persona is the agent identity rendered into system instructions.
type Persona struct {
	Name        string
	Description string
	Instruction string
}

// Input is everything needed to generate one agent utterance.
type Input struct {
	Persona Persona
	// History holds committed turns, oldest first.
	History    []core.Turn
	Utterance  string
	Directives []core.ActiveDirective
	// OnPartial, when set, receives streamed text chunks as they arrive.
	OnPartial func(chunk string)
}

// Output is the result of a successful generation.
type Output struct {
	Utterance string
	Request   model.Request
	Usage     *model.TokenUsage
	Model     model.Info
	Duration  time.Duration
}

// Options configure an Orchestrator.
type Options struct {
	// HistoryWindow limits the number of earlier turns sent to the model.
	// Zero or less sends the full history.
	HistoryWindow      int
	PersonaTemplate    string
	DirectivesTemplate string
	// RequestProcessors replaces the default persona/directives/history chain.
	RequestProcessors  []RequestProcessor
	ResponseProcessors []ResponseProcessor
	Logger             logging.Logger
}

// Orchestrator invokes the generation capability once per turn.
type Orchestrator struct {
	model model.Model
	opts  Options
}

// New creates an Orchestrator for m.
func New(m model.Model, optFns ...func(o *Options)) *Orchestrator {
	opts := Options{
		HistoryWindow: 20,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.RequestProcessors == nil {
		opts.RequestProcessors = []RequestProcessor{
			NewPersonaProcessor(opts.PersonaTemplate),
			NewDirectivesProcessor(opts.DirectivesTemplate),
			NewHistoryProcessor(opts.HistoryWindow),
		}
	}
	if opts.ResponseProcessors == nil {
		opts.ResponseProcessors = []ResponseProcessor{TrimProcessor{}}
	}
	return &Orchestrator{model: m, opts: opts}
}

// Model returns information about the generation backend.
func (o *Orchestrator) Model() model.Info { return o.model.Info() }

// BuildRequest runs the request processor chain.
func (o *Orchestrator) BuildRequest(in *Input) (model.Request, error) {
	req := model.Request{Stream: in.OnPartial != nil}
	for _, p := range o.opts.RequestProcessors {
		if err := p.ProcessRequest(in, &req); err != nil {
			return model.Request{}, fmt.Errorf("request processor %s: %w", p.Name(), err)
		}
	}
	return req, nil
}

// Respond generates the agent utterance for in.
func (o *Orchestrator) Respond(ctx context.Context, in *Input) (*Output, error) {
	req, err := o.BuildRequest(in)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrGenerationUnavailable, err)
	}

	start := time.Now()
	resp, err := o.generate(ctx, req, in.OnPartial)
	dur := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.opts.Logger.Error("Generation failed",
			"model", o.model.Info().Name, "duration", dur, "error", err)
		return nil, fmt.Errorf("%w: %w", core.ErrGenerationUnavailable, err)
	}

	for _, p := range o.opts.ResponseProcessors {
		if err := p.ProcessResponse(in, resp); err != nil {
			return nil, fmt.Errorf("%w: response processor %s: %w", core.ErrGenerationUnavailable, p.Name(), err)
		}
	}
	if resp.Text == "" {
		return nil, fmt.Errorf("%w: empty response", core.ErrGenerationUnavailable)
	}

	o.opts.Logger.Debug("Generation completed",
		"model", o.model.Info().Name, "duration", dur, "directive_count", len(in.Directives))

	return &Output{
		Utterance: resp.Text,
		Request:   req,
		Usage:     resp.Usage,
		Model:     o.model.Info(),
		Duration:  dur,
	}, nil
}

// generate drains one Generate call, forwarding partial chunks to onPartial.
func (o *Orchestrator) generate(ctx context.Context, req model.Request, onPartial func(string)) (*model.Response, error) {
	respCh, errCh := o.model.Generate(ctx, req)

	var (
		final   *model.Response
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
				if onPartial != nil && r.Text != "" {
					onPartial(r.Text)
				}
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
		return nil, model.ErrNoResponse
	}
	if final.Text == "" {
		final.Text = partial.String()
	}
	return final, nil
}

// IsRetryable reports whether err is a generation failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, core.ErrGenerationUnavailable)
}

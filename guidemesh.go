// Package guidemesh provides a high-level façade over the guideline-driven
// conversational runtime. Most applications interact with this package by:
//  1. Creating a Server via New() with a generation model and a condition evaluator
//  2. Creating agents and attaching condition/action guidelines to them
//  3. Submitting user turns and receiving agent utterances
//
// Run wraps these steps in scoped acquisition: the server is started before
// the callback runs and is always stopped afterwards, whether the callback
// returns normally, fails or panics.
//
// The façade delegates orchestration to engine.Engine while keeping setup and
// usage ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable session store
// and a structured logger.
package guidemesh

import (
	"context"
	"errors"
	"time"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/engine"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/model"
)

// Options configures the Server instance.
type Options struct {
	// EngineConfig holds engine tuning (grace period, idle timeout,
	// history window, evaluation bounds).
	EngineConfig engine.Config

	// Model is the generation capability. Required.
	Model model.Model

	// Evaluator judges guideline conditions. Required.
	Evaluator core.Evaluator

	// Checker detects contradicting directives (defaults to the polarity
	// heuristic).
	Checker core.ContradictionChecker

	// SessionStore persists transcripts (defaults to in-memory).
	SessionStore core.SessionStore

	// Callbacks are registered on the engine before it starts.
	Callbacks []engine.Callback

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger
}

// Server is the high-level façade aggregating the engine and its services.
type Server struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new, stopped Server.
func New(optFns ...func(o *Options)) *Server {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Logger:       logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Model = opts.Model
		o.Evaluator = opts.Evaluator
		o.Checker = opts.Checker
		o.SessionStore = opts.SessionStore
		o.Logger = opts.Logger
	})
	for _, cb := range opts.Callbacks {
		e.RegisterCallback(cb)
	}

	return &Server{opts: opts, engine: e}
}

// Engine exposes the underlying engine for advanced use.
func (s *Server) Engine() *engine.Engine { return s.engine }

// State returns the lifecycle state of the server.
func (s *Server) State() engine.State { return s.engine.State() }

// Start validates the wiring and moves the server to RUNNING.
func (s *Server) Start(ctx context.Context) error { return s.engine.Start(ctx) }

// Stop rejects new turns, waits up to grace for in-flight turns and then
// cancels the rest.
func (s *Server) Stop(ctx context.Context, grace time.Duration) error {
	return s.engine.Stop(ctx, grace)
}

// CreateAgent registers a new agent and returns its id.
func (s *Server) CreateAgent(name, description string, optFns ...func(o *agent.Options)) (core.AgentID, error) {
	a, err := s.engine.CreateAgent(name, append([]func(o *agent.Options){
		func(o *agent.Options) { o.Description = description },
	}, optFns...)...)
	if err != nil {
		return "", err
	}
	return a.ID(), nil
}

// CreateGuideline attaches a condition/action guideline to an agent.
func (s *Server) CreateGuideline(agentID core.AgentID, condition, action string, optFns ...func(md *core.GuidelineMetadata)) (core.GuidelineID, error) {
	return s.engine.CreateGuideline(agentID, condition, action, optFns...)
}

// RemoveGuideline deletes a guideline from an agent.
func (s *Server) RemoveGuideline(agentID core.AgentID, guidelineID core.GuidelineID) error {
	return s.engine.RemoveGuideline(agentID, guidelineID)
}

// SubmitTurn sends one user utterance to an agent. An empty sessionID starts
// a new session; the result carries the session id to continue with.
func (s *Server) SubmitTurn(ctx context.Context, agentID core.AgentID, sessionID core.SessionID, utterance string) (*engine.TurnResult, error) {
	return s.engine.SubmitTurn(ctx, engine.TurnRequest{
		AgentID:   agentID,
		SessionID: sessionID,
		Utterance: utterance,
	})
}

// Turns returns the transcript of a session from minOffset on.
func (s *Server) Turns(sessionID core.SessionID, minOffset int) ([]core.Turn, error) {
	return s.engine.Turns(sessionID, minOffset)
}

// CloseSession ends a session; later turns fail with core.ErrSessionClosed.
func (s *Server) CloseSession(sessionID core.SessionID) error {
	return s.engine.CloseSession(sessionID)
}

// Run starts a server, hands it to fn and always stops it afterwards using
// the configured grace period. The stop also runs when fn panics; the panic
// is propagated after cleanup.
//
// Example:
//
//	err := guidemesh.Run(ctx, func(ctx context.Context, s *guidemesh.Server) error {
//	    id, err := s.CreateAgent("Car Guy", "You like to talk about cars")
//	    if err != nil {
//	        return err
//	    }
//	    _, err = s.CreateGuideline(id, "the user greets you", "greet them back with 'Vroom Vroom'")
//	    return err
//	}, func(o *guidemesh.Options) {
//	    o.Model = m
//	    o.Evaluator = rules
//	})
func Run(ctx context.Context, fn func(ctx context.Context, s *Server) error, optFns ...func(o *Options)) (err error) {
	s := New(optFns...)
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopErr := s.Stop(context.WithoutCancel(ctx), s.opts.EngineConfig.GracePeriod)
		err = errors.Join(err, stopErr)
	}()

	return fn(ctx, s)
}

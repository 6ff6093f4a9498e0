package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/evaluation"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/matcher"
	"github.com/hupe1980/guidemesh/model"
	"github.com/hupe1980/guidemesh/orchestrator"
	"github.com/hupe1980/guidemesh/session"
)

// ErrAlreadyStarted is returned by Start when the engine is not STOPPED.
var ErrAlreadyStarted = errors.New("engine already started")

// State is the server lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config defines tuning parameters for the Engine's operational behavior.
//
// Example:
//
//	cfg := DefaultConfig
//	cfg.IdleTimeout = 5 * time.Minute
//	cfg.EvaluationTimeout = 3 * time.Second
type Config struct {
	// GracePeriod is how long Stop waits for in-flight turns when called
	// through the root facade. Engine.Stop takes its grace explicitly.
	GracePeriod time.Duration

	// IdleTimeout closes sessions without activity for this long. Zero
	// disables the idle reaper.
	IdleTimeout time.Duration

	// ReapInterval is how often the idle reaper scans sessions. It is capped
	// at IdleTimeout/2.
	ReapInterval time.Duration

	// HistoryWindow limits the number of earlier turns passed to the
	// generation backend. Zero or less sends the full history.
	HistoryWindow int

	// MaxConcurrency bounds concurrent condition evaluations within one
	// turn. Zero is unbounded.
	MaxConcurrency int

	// EvaluationTimeout bounds each single condition evaluation. Zero
	// disables the bound.
	EvaluationTimeout time.Duration
}

// DefaultConfig provides the default tuning values:
//   - GracePeriod: 10s
//   - IdleTimeout: 30m
//   - ReapInterval: 1m
//   - HistoryWindow: 20 turns
//   - MaxConcurrency: unbounded
//   - EvaluationTimeout: 10s
var DefaultConfig = Config{
	GracePeriod:       10 * time.Second,
	IdleTimeout:       30 * time.Minute,
	ReapInterval:      time.Minute,
	HistoryWindow:     20,
	MaxConcurrency:    0,
	EvaluationTimeout: 10 * time.Second,
}

// Options configures an Engine instance using the functional options pattern.
//
// Model and Evaluator are the two required capabilities; Start fails with
// core.ErrConfiguration when either is missing. Everything else has a
// default suitable for development and tests.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Model = openaiModel
//	    o.Evaluator = ruleEvaluator
//	    o.SessionStore = badgerStore
//	    o.Logger = logger
//	})
type Options struct {
	// Config contains operational parameters. Defaults to DefaultConfig.
	Config Config

	// Model is the generation capability used once per turn.
	Model model.Model

	// Evaluator judges guideline conditions.
	Evaluator core.Evaluator

	// Checker detects contradicting directives. Defaults to a
	// PolarityChecker; use evaluation.NoConflicts to disable the check.
	Checker core.ContradictionChecker

	// SessionStore persists conversation transcripts. Defaults to an
	// in-memory store.
	SessionStore core.SessionStore

	// RequestProcessors replaces the default prompt building chain.
	RequestProcessors []orchestrator.RequestProcessor

	// PersonaTemplate and DirectivesTemplate override the default
	// text/template sources of the prompt sections.
	PersonaTemplate    string
	DirectivesTemplate string

	// Callbacks receives turn pipeline events. Defaults to an empty manager.
	Callbacks *CallbackManager

	// Logger provides structured logging. Defaults to NoOp.
	Logger logging.Logger
}

// Engine is the guideline-driven conversational runtime. It owns the agent
// registry, serializes turns per session and drives each turn through the
// match, generate and commit stages.
//
// Concurrency Model:
//   - agents are registered and looked up under an RWMutex
//   - each session has a one-slot semaphore; turns of different sessions
//     run fully concurrently
//   - every admitted turn is tracked for graceful shutdown and may be
//     cancelled by CloseSession or Stop
//
// The engine is a value scoped to one server lifecycle: construct it with
// New, Start it, and Stop it. Nothing is held in package-level state.
type Engine struct {
	sessionStore core.SessionStore
	callbacks    *CallbackManager
	logger       logging.Logger
	config       Config
	opts         Options

	matcher      *matcher.Matcher
	orchestrator *orchestrator.Orchestrator

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex

	// stateMu guards state, rootCtx and turn admission into inflight.
	stateMu    sync.RWMutex
	state      State
	rootCtx    context.Context
	rootCancel context.CancelFunc
	inflight   sync.WaitGroup

	agents map[core.AgentID]*agent.Agent
	mu     sync.RWMutex

	slots   map[core.SessionID]*sessionSlot
	slotsMu sync.Mutex
	turnSeq uint64

	reaperCancel context.CancelFunc
	reaperDone   chan struct{}
}

// New creates a new Engine in the STOPPED state.
//
// Examples:
//
//	// Rule-based evaluation with an in-memory transcript store
//	eng := engine.New(func(o *engine.Options) {
//	    o.Model = model.NewMockModel("mock", "test")
//	    o.Evaluator = rules
//	})
//	if err := eng.Start(ctx); err != nil {
//	    return err
//	}
//	defer eng.Stop(context.Background(), engine.DefaultConfig.GracePeriod)
//
// The Engine does not take ownership of the provided store or model; callers
// remain responsible for closing them after Stop.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = NewCallbackManager()
	}
	if opts.Checker == nil {
		opts.Checker = evaluation.NewPolarityChecker()
	}

	e := &Engine{
		sessionStore: opts.SessionStore,
		callbacks:    opts.Callbacks,
		logger:       opts.Logger,
		config:       opts.Config,
		opts:         opts,
		state:        StateStopped,
		agents:       make(map[core.AgentID]*agent.Agent),
		slots:        make(map[core.SessionID]*sessionSlot),
	}

	if opts.Evaluator != nil {
		e.matcher = matcher.New(opts.Evaluator, func(o *matcher.Options) {
			o.MaxConcurrency = opts.Config.MaxConcurrency
			o.EvaluationTimeout = opts.Config.EvaluationTimeout
			o.Checker = opts.Checker
			o.Logger = opts.Logger
		})
	}
	if opts.Model != nil {
		e.orchestrator = orchestrator.New(opts.Model, func(o *orchestrator.Options) {
			o.HistoryWindow = opts.Config.HistoryWindow
			o.PersonaTemplate = opts.PersonaTemplate
			o.DirectivesTemplate = opts.DirectivesTemplate
			o.RequestProcessors = opts.RequestProcessors
			o.Logger = opts.Logger
		})
	}

	return e
}

// Config returns the operational configuration.
func (e *Engine) Config() Config { return e.config }

// Callbacks returns the callback manager of the engine.
func (e *Engine) Callbacks() *CallbackManager { return e.callbacks }

// SessionStore returns the transcript store.
func (e *Engine) SessionStore() core.SessionStore { return e.sessionStore }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Start moves the engine from STOPPED through STARTING to RUNNING.
//
// It validates the capability wiring and, when the model implements
// model.HealthChecker, pings the backend. Any failure leaves the engine
// STOPPED and returns an error wrapping core.ErrConfiguration.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if st := e.State(); st != StateStopped {
		return goerr.Wrap(ErrAlreadyStarted, "cannot start engine", goerr.Value("state", st.String()))
	}
	e.setState(StateStarting)

	if err := e.validate(ctx); err != nil {
		e.setState(StateStopped)
		e.logger.Error("Engine start failed", "error", err)
		return err
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	e.stateMu.Lock()
	e.rootCtx = rootCtx
	e.rootCancel = rootCancel
	e.state = StateRunning
	e.stateMu.Unlock()

	if e.config.IdleTimeout > 0 {
		e.startReaper()
	}

	e.logger.Info("Engine started",
		"model", e.opts.Model.Info().Name,
		"idle_timeout", e.config.IdleTimeout,
		"history_window", e.config.HistoryWindow)
	return nil
}

func (e *Engine) validate(ctx context.Context) error {
	if e.orchestrator == nil {
		return fmt.Errorf("%w: no generation model configured", core.ErrConfiguration)
	}
	if e.matcher == nil {
		return fmt.Errorf("%w: no condition evaluator configured", core.ErrConfiguration)
	}
	if hc, ok := e.opts.Model.(model.HealthChecker); ok {
		if err := hc.Ping(ctx); err != nil {
			info := e.opts.Model.Info()
			return fmt.Errorf("%w: %w", core.ErrConfiguration,
				goerr.Wrap(err, "generation backend unreachable",
					goerr.Value("model", info.Name),
					goerr.Value("provider", info.Provider)))
		}
	}
	return nil
}

// Stop moves the engine from RUNNING through STOPPING to STOPPED.
//
// New turns are rejected with core.ErrServerShuttingDown as soon as Stop is
// called. In-flight turns may finish within grace; after that (or when ctx
// ends) the remaining turns are cancelled and Stop waits for them to unwind,
// so no turn is left half committed. Agents are deregistered and the idle
// reaper is stopped. Calling Stop on an engine that is not RUNNING is a no-op.
//
// The returned error is ctx.Err() when ctx ended before in-flight turns
// drained; the engine is STOPPED either way.
func (e *Engine) Stop(ctx context.Context, grace time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.State() != StateRunning {
		return nil
	}
	e.setState(StateStopping)
	e.logger.Info("Engine stopping", "grace_period", grace)

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	var err error
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-drained:
	case <-timer.C:
		e.logger.Warn("Grace period elapsed, cancelling in-flight turns", "grace_period", grace)
		e.rootCancel()
		<-drained
	case <-ctx.Done():
		err = ctx.Err()
		e.rootCancel()
		<-drained
	}

	e.rootCancel()
	e.stopReaper()

	e.mu.Lock()
	n := len(e.agents)
	e.agents = make(map[core.AgentID]*agent.Agent)
	e.mu.Unlock()

	e.slotsMu.Lock()
	e.slots = make(map[core.SessionID]*sessionSlot)
	e.slotsMu.Unlock()

	e.setState(StateStopped)
	e.logger.Info("Engine stopped", "deregistered_agents", n)
	return err
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// requireRunning returns nil while RUNNING, core.ErrServerShuttingDown while
// STOPPING and core.ErrServerNotRunning otherwise.
func (e *Engine) requireRunning() error {
	return stateError(e.State())
}

func stateError(st State) error {
	switch st {
	case StateRunning:
		return nil
	case StateStopping:
		return core.ErrServerShuttingDown
	default:
		return fmt.Errorf("engine is %s: %w", st, core.ErrServerNotRunning)
	}
}

// CreateAgent constructs an agent and registers it.
//
// When the options fix an id that is already registered under the same name,
// the existing agent is returned unchanged.
func (e *Engine) CreateAgent(name string, optFns ...func(o *agent.Options)) (*agent.Agent, error) {
	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	a, err := agent.New(name, optFns...)
	if err != nil {
		return nil, err
	}
	return e.register(a)
}

// RegisterAgent adds a to the registry. Registration is idempotent on the
// (id, name) pair; the same id under a different name fails with
// core.ErrAgentConflict.
func (e *Engine) RegisterAgent(a *agent.Agent) error {
	if a == nil {
		return fmt.Errorf("%w: agent must not be nil", core.ErrInvalidArgument)
	}
	if err := e.requireRunning(); err != nil {
		return err
	}
	_, err := e.register(a)
	return err
}

func (e *Engine) register(a *agent.Agent) (*agent.Agent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.agents[a.ID()]; ok {
		if existing.Name() != a.Name() {
			return nil, goerr.Wrap(core.ErrAgentConflict, "agent id already registered",
				goerr.Value("agent_id", string(a.ID())),
				goerr.Value("registered_name", existing.Name()),
				goerr.Value("name", a.Name()))
		}
		return existing, nil
	}
	e.agents[a.ID()] = a
	e.logger.Info("Agent registered", "agent_id", string(a.ID()), "name", a.Name())
	return a, nil
}

// RemoveAgent deregisters an agent, cancels its in-flight turns and closes
// its sessions.
func (e *Engine) RemoveAgent(id core.AgentID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}

	e.mu.Lock()
	_, ok := e.agents[id]
	delete(e.agents, id)
	e.mu.Unlock()
	if !ok {
		return agentNotFound(id)
	}

	sessions, err := e.sessionStore.List(id)
	if err != nil {
		return goerr.Wrap(err, "failed to list agent sessions", goerr.Value("agent_id", string(id)))
	}
	for _, sess := range sessions {
		if sess.Status == core.SessionClosed {
			continue
		}
		if err := e.CloseSession(sess.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			e.logger.Warn("Failed to close session of removed agent",
				"agent_id", string(id), "session_id", string(sess.ID), "error", err)
		}
	}

	e.logger.Info("Agent removed", "agent_id", string(id), "closed_sessions", len(sessions))
	return nil
}

// Agent returns the registered agent with id.
func (e *Engine) Agent(id core.AgentID) (*agent.Agent, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.agents[id]
	if !ok {
		return nil, agentNotFound(id)
	}
	return a, nil
}

// Agents returns all registered agents ordered by creation time.
func (e *Engine) Agents() []*agent.Agent {
	e.mu.RLock()
	out := make([]*agent.Agent, 0, len(e.agents))
	for _, a := range e.agents {
		out = append(out, a)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].CreatedAt().Before(out[j].CreatedAt())
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// CreateGuideline adds a guideline to an agent.
func (e *Engine) CreateGuideline(agentID core.AgentID, condition, action string, optFns ...func(md *core.GuidelineMetadata)) (core.GuidelineID, error) {
	if err := e.requireRunning(); err != nil {
		return "", err
	}
	a, err := e.Agent(agentID)
	if err != nil {
		return "", err
	}
	id, err := a.CreateGuideline(condition, action, optFns...)
	if err != nil {
		return "", err
	}
	e.logger.Debug("Guideline created", "agent_id", string(agentID), "guideline_id", string(id))
	return id, nil
}

// RemoveGuideline deletes a guideline of an agent. Turns already matching
// keep the snapshot they started with.
func (e *Engine) RemoveGuideline(agentID core.AgentID, id core.GuidelineID) error {
	if err := e.requireRunning(); err != nil {
		return err
	}
	a, err := e.Agent(agentID)
	if err != nil {
		return err
	}
	if err := a.RemoveGuideline(id); err != nil {
		return err
	}
	e.logger.Debug("Guideline removed", "agent_id", string(agentID), "guideline_id", string(id))
	return nil
}

// RegisterCallback adds a pipeline callback.
func (e *Engine) RegisterCallback(cb Callback) {
	e.callbacks.RegisterCallback(cb)
}

func agentNotFound(id core.AgentID) error {
	return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
}

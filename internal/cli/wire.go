package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/m-mizutani/goerr/v2"

	guidemesh "github.com/hupe1980/guidemesh"
	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/config"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/engine"
	"github.com/hupe1980/guidemesh/evaluation"
	"github.com/hupe1980/guidemesh/evaluation/policy"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/model"
	"github.com/hupe1980/guidemesh/model/anthropic"
	"github.com/hupe1980/guidemesh/model/gemini"
	"github.com/hupe1980/guidemesh/model/openai"
	"github.com/hupe1980/guidemesh/session"
	"github.com/hupe1980/guidemesh/session/badger"
)

// runtime is a configured server plus the resources it owns.
type runtime struct {
	cfg     *config.Config
	logger  *logging.RuntimeLogger
	server  *guidemesh.Server
	agents  []core.AgentID
	closers []func() error
}

func newLogger(cfg config.Logging, w io.Writer) *logging.RuntimeLogger {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		level = logging.LogLevelInfo
	}
	return logging.NewLogger(&logging.LoggerConfig{
		Level:     level,
		Format:    cfg.Format,
		Output:    w,
		AddSource: cfg.AddSource,
		Component: "guidemesh",
	})
}

// build wires every component described by cfg. Nothing is started.
func build(ctx context.Context, cfg *config.Config, logger *logging.RuntimeLogger) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	m, err := newModel(ctx, cfg.Model)
	if err != nil {
		return nil, err
	}
	ev, err := newEvaluator(ctx, cfg, m, logger)
	if err != nil {
		return nil, err
	}
	checker, err := newChecker(ctx, cfg.Checker, logger)
	if err != nil {
		return nil, err
	}
	store, closer, err := newStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		rt.closers = append(rt.closers, closer)
	}

	rt.server = guidemesh.New(func(o *guidemesh.Options) {
		o.EngineConfig = engineConfig(cfg.Server)
		o.Model = m
		o.Evaluator = ev
		o.Checker = checker
		o.SessionStore = store
		o.Logger = logger.WithComponent("engine")
		o.Callbacks = []engine.Callback{
			engine.NewLoggingCallback(engine.CallbackEvaluationFailed, logger.WithComponent("matcher")),
			engine.NewLoggingCallback(engine.CallbackDirectiveDropped, logger.WithComponent("matcher")),
		}
	})
	return rt, nil
}

// start starts the server and registers the configured agents.
func (rt *runtime) start(ctx context.Context) error {
	if err := rt.server.Start(ctx); err != nil {
		return err
	}
	for _, a := range rt.cfg.Agents {
		id, err := rt.server.CreateAgent(a.Name, a.Description, func(o *agent.Options) {
			o.ID = core.AgentID(a.ID)
			if a.Instruction != "" {
				o.Instruction = agent.NewInstructionFromText(a.Instruction)
			}
		})
		if err != nil {
			return goerr.Wrap(err, "failed to create agent", goerr.V("name", a.Name))
		}
		for _, g := range a.Guidelines {
			opts := []func(md *core.GuidelineMetadata){agent.WithPriority(g.Priority), agent.WithTags(g.Tags...)}
			if g.Disabled {
				opts = append(opts, agent.WithDisabled())
			}
			if _, err := rt.server.CreateGuideline(id, g.Condition, g.Action, opts...); err != nil {
				return goerr.Wrap(err, "failed to create guideline",
					goerr.V("agent", a.Name), goerr.V("condition", g.Condition))
			}
		}
		rt.agents = append(rt.agents, id)
	}
	return nil
}

// stop stops the server and releases owned resources.
func (rt *runtime) stop(ctx context.Context) error {
	err := rt.server.Stop(ctx, rt.cfg.Server.GracePeriod)
	for _, c := range rt.closers {
		err = errors.Join(err, c())
	}
	return err
}

// resolveAgent finds an agent by id or name; an empty ref selects the first
// configured agent.
func (rt *runtime) resolveAgent(ref string) (*agent.Agent, error) {
	eng := rt.server.Engine()
	if ref == "" {
		if len(rt.agents) == 0 {
			return nil, fmt.Errorf("%w: no agents configured", core.ErrConfiguration)
		}
		return eng.Agent(rt.agents[0])
	}
	for _, a := range eng.Agents() {
		if string(a.ID()) == ref || a.Name() == ref {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent %q: %w", ref, core.ErrNotFound)
}

func engineConfig(s config.Server) engine.Config {
	return engine.Config{
		GracePeriod:       s.GracePeriod,
		IdleTimeout:       s.IdleTimeout,
		ReapInterval:      s.ReapInterval,
		HistoryWindow:     s.HistoryWindow,
		MaxConcurrency:    s.MaxConcurrency,
		EvaluationTimeout: s.EvaluationTimeout,
	}
}

func apiKey(m config.Model) (string, error) {
	if m.APIKeyEnv == "" {
		return "", nil
	}
	key := os.Getenv(m.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%w: environment variable %s is empty", core.ErrConfiguration, m.APIKeyEnv)
	}
	return key, nil
}

func newModel(ctx context.Context, m config.Model) (model.Model, error) {
	key, err := apiKey(m)
	if err != nil {
		return nil, err
	}

	switch m.Provider {
	case config.ProviderMock:
		name := m.Name
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name, config.ProviderMock), nil
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			o.Model = m.Name
			o.APIKey = key
			if m.Temperature != 0 {
				o.Temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(m.MaxTokens)
			}
		}), nil
	case config.ProviderAnthropic:
		return anthropic.NewModel(func(o *anthropic.Options) {
			o.Model = anthropicsdk.Model(m.Name)
			o.APIKey = key
			if m.Temperature != 0 {
				o.Temperature = m.Temperature
			}
			if m.MaxTokens > 0 {
				o.MaxTokens = int64(m.MaxTokens)
			}
		}), nil
	case config.ProviderGemini:
		gm, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			o.Model = m.Name
			o.APIKey = key
			o.Project = m.Project
			if m.Location != "" {
				o.Location = m.Location
			}
			if m.Temperature != 0 {
				o.Temperature = float32(m.Temperature)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", core.ErrConfiguration, err)
		}
		return gm, nil
	default:
		return nil, fmt.Errorf("%w: unknown model provider %q", core.ErrConfiguration, m.Provider)
	}
}

func newEvaluator(ctx context.Context, cfg *config.Config, generator model.Model, logger logging.Logger) (core.Evaluator, error) {
	switch cfg.Evaluator.Kind {
	case config.EvaluatorRule:
		return evaluation.NewRuleEvaluator(cfg.Evaluator.Rules...)
	case config.EvaluatorModel:
		m := generator
		if cfg.Evaluator.Model != nil {
			var err error
			if m, err = newModel(ctx, *cfg.Evaluator.Model); err != nil {
				return nil, err
			}
		}
		return evaluation.NewModelEvaluator(m, func(o *evaluation.ModelEvaluatorOptions) {
			if cfg.Server.EvaluationTimeout > 0 {
				o.Timeout = cfg.Server.EvaluationTimeout
			}
		}), nil
	case config.EvaluatorPolicy:
		modules, err := policy.LoadDir(cfg.Evaluator.PolicyDir)
		if err != nil {
			return nil, err
		}
		return policy.NewEvaluator(ctx, modules, func(o *policy.Options) { o.Logger = logger })
	default:
		return nil, fmt.Errorf("%w: unknown evaluator kind %q", core.ErrConfiguration, cfg.Evaluator.Kind)
	}
}

func newChecker(ctx context.Context, cfg config.Checker, logger logging.Logger) (core.ContradictionChecker, error) {
	switch cfg.Kind {
	case config.CheckerPolarity:
		return evaluation.NewPolarityChecker(func(o *evaluation.PolarityOptions) {
			if cfg.Threshold > 0 {
				o.Threshold = cfg.Threshold
			}
		}), nil
	case config.CheckerPolicy:
		modules, err := policy.LoadDir(cfg.PolicyDir)
		if err != nil {
			return nil, err
		}
		return policy.NewConflictChecker(ctx, modules, func(o *policy.Options) { o.Logger = logger })
	case config.CheckerNone:
		return evaluation.NoConflicts, nil
	default:
		return nil, fmt.Errorf("%w: unknown checker kind %q", core.ErrConfiguration, cfg.Kind)
	}
}

func newStore(cfg config.Storage, logger logging.Logger) (core.SessionStore, func() error, error) {
	switch cfg.Kind {
	case config.StorageMemory:
		return session.NewInMemoryStore(), nil, nil
	case config.StorageBadger:
		s, err := badger.Open(func(o *badger.Options) {
			o.Dir = cfg.Dir
			o.Logger = logger
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.CloseDB, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown storage kind %q", core.ErrConfiguration, cfg.Kind)
	}
}

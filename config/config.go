package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/evaluation"
	"github.com/hupe1980/guidemesh/logging"
)

// Model providers.
const (
	ProviderMock      = "mock"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Evaluator kinds.
const (
	EvaluatorRule   = "rule"
	EvaluatorModel  = "model"
	EvaluatorPolicy = "policy"
)

// Contradiction checker kinds.
const (
	CheckerPolarity = "polarity"
	CheckerPolicy   = "policy"
	CheckerNone     = "none"
)

// Storage kinds.
const (
	StorageMemory = "memory"
	StorageBadger = "badger"
)

// Config is the file format of a guidemesh server.
type Config struct {
	Server    Server    `yaml:"server"`
	Logging   Logging   `yaml:"logging"`
	Model     Model     `yaml:"model"`
	Evaluator Evaluator `yaml:"evaluator"`
	Checker   Checker   `yaml:"checker"`
	Storage   Storage   `yaml:"storage"`
	Agents    []Agent   `yaml:"agents"`
}

// Server holds engine tuning. Durations use Go duration strings ("10s").
type Server struct {
	GracePeriod       time.Duration `yaml:"grace_period"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	HistoryWindow     int           `yaml:"history_window"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// Logging selects level and output format.
type Logging struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// Model selects the generation backend.
type Model struct {
	Provider    string  `yaml:"provider"`
	Name        string  `yaml:"name"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// APIKeyEnv names the environment variable holding the API key. The
	// provider SDK default is used when empty.
	APIKeyEnv string `yaml:"api_key_env"`
	// Project and Location select Vertex AI for the gemini provider when no
	// API key is configured.
	Project  string `yaml:"project"`
	Location string `yaml:"location"`
}

// Evaluator selects how guideline conditions are judged.
type Evaluator struct {
	Kind      string            `yaml:"kind"`
	Rules     []evaluation.Rule `yaml:"rules"`
	PolicyDir string            `yaml:"policy_dir"`
	// Model overrides the generation model for kind "model".
	Model *Model `yaml:"model"`
}

// Checker selects the contradiction check between directives.
type Checker struct {
	Kind      string  `yaml:"kind"`
	Threshold float64 `yaml:"threshold"`
	PolicyDir string  `yaml:"policy_dir"`
}

// Storage selects the transcript store.
type Storage struct {
	Kind string `yaml:"kind"`
	Dir  string `yaml:"dir"`
}

// Agent declares an agent and its guidelines.
type Agent struct {
	ID          string      `yaml:"id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Instruction string      `yaml:"instruction"`
	Guidelines  []Guideline `yaml:"guidelines"`
}

// Guideline declares one condition/action rule.
type Guideline struct {
	Condition string   `yaml:"condition"`
	Action    string   `yaml:"action"`
	Priority  int      `yaml:"priority"`
	Tags      []string `yaml:"tags"`
	Disabled  bool     `yaml:"disabled"`
}

// Default returns the built-in configuration: mock model, rule evaluator,
// polarity checker and in-memory storage.
func Default() *Config {
	return &Config{
		Server: Server{
			GracePeriod:       10 * time.Second,
			IdleTimeout:       30 * time.Minute,
			ReapInterval:      time.Minute,
			HistoryWindow:     20,
			EvaluationTimeout: 10 * time.Second,
		},
		Logging:   Logging{Level: "info", Format: "console"},
		Model:     Model{Provider: ProviderMock},
		Evaluator: Evaluator{Kind: EvaluatorRule},
		Checker:   Checker{Kind: CheckerPolarity, Threshold: 0.5},
		Storage:   Storage{Kind: StorageMemory},
	}
}

// Load reads, parses and validates the YAML file at path on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configError(goerr.Wrap(err, "failed to read config file", goerr.V("path", path)))
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid config file", goerr.V("path", path))
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result. Unknown
// fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, configError(goerr.Wrap(err, "failed to decode yaml"))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge overrides c with the non-zero fields of other. Agents of other are
// appended.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	mergeDuration(&c.Server.GracePeriod, other.Server.GracePeriod)
	mergeDuration(&c.Server.IdleTimeout, other.Server.IdleTimeout)
	mergeDuration(&c.Server.ReapInterval, other.Server.ReapInterval)
	mergeDuration(&c.Server.EvaluationTimeout, other.Server.EvaluationTimeout)
	mergeInt(&c.Server.HistoryWindow, other.Server.HistoryWindow)
	mergeInt(&c.Server.MaxConcurrency, other.Server.MaxConcurrency)

	mergeString(&c.Logging.Level, other.Logging.Level)
	mergeString(&c.Logging.Format, other.Logging.Format)
	c.Logging.AddSource = c.Logging.AddSource || other.Logging.AddSource

	mergeString(&c.Model.Provider, other.Model.Provider)
	mergeString(&c.Model.Name, other.Model.Name)
	mergeString(&c.Model.APIKeyEnv, other.Model.APIKeyEnv)
	mergeString(&c.Model.Project, other.Model.Project)
	mergeString(&c.Model.Location, other.Model.Location)
	mergeInt(&c.Model.MaxTokens, other.Model.MaxTokens)
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}

	mergeString(&c.Evaluator.Kind, other.Evaluator.Kind)
	mergeString(&c.Evaluator.PolicyDir, other.Evaluator.PolicyDir)
	if len(other.Evaluator.Rules) > 0 {
		c.Evaluator.Rules = append(c.Evaluator.Rules, other.Evaluator.Rules...)
	}
	if other.Evaluator.Model != nil {
		c.Evaluator.Model = other.Evaluator.Model
	}

	mergeString(&c.Checker.Kind, other.Checker.Kind)
	mergeString(&c.Checker.PolicyDir, other.Checker.PolicyDir)
	if other.Checker.Threshold != 0 {
		c.Checker.Threshold = other.Checker.Threshold
	}

	mergeString(&c.Storage.Kind, other.Storage.Kind)
	mergeString(&c.Storage.Dir, other.Storage.Dir)

	c.Agents = append(c.Agents, other.Agents...)
}

// Validate reports every problem found, wrapped as core.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.GracePeriod < 0 {
		add("server.grace_period must not be negative")
	}
	if c.Server.IdleTimeout < 0 {
		add("server.idle_timeout must not be negative")
	}
	if c.Server.MaxConcurrency < 0 {
		add("server.max_concurrency must not be negative")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if !slices.Contains([]string{"console", "json", "text"}, c.Logging.Format) {
		add("logging.format %q is not one of console, json, text", c.Logging.Format)
	}

	if err := validateModel("model", &c.Model); err != nil {
		add("%v", err)
	}

	switch c.Evaluator.Kind {
	case EvaluatorRule:
		// Conditions without rules simply never apply.
	case EvaluatorModel:
		if c.Evaluator.Model != nil {
			if err := validateModel("evaluator.model", c.Evaluator.Model); err != nil {
				add("%v", err)
			}
		}
	case EvaluatorPolicy:
		if c.Evaluator.PolicyDir == "" {
			add("evaluator.policy_dir is required for kind policy")
		}
	default:
		add("evaluator.kind %q is not one of rule, model, policy", c.Evaluator.Kind)
	}

	switch c.Checker.Kind {
	case CheckerPolarity:
		if c.Checker.Threshold <= 0 || c.Checker.Threshold > 1 {
			add("checker.threshold must be in (0,1]")
		}
	case CheckerPolicy:
		if c.Checker.PolicyDir == "" {
			add("checker.policy_dir is required for kind policy")
		}
	case CheckerNone:
	default:
		add("checker.kind %q is not one of polarity, policy, none", c.Checker.Kind)
	}

	switch c.Storage.Kind {
	case StorageMemory:
	case StorageBadger:
		if c.Storage.Dir == "" {
			add("storage.dir is required for kind badger")
		}
	default:
		add("storage.kind %q is not one of memory, badger", c.Storage.Kind)
	}

	ids := make(map[string]string)
	for i, a := range c.Agents {
		if strings.TrimSpace(a.Name) == "" {
			add("agents[%d].name is required", i)
		}
		if a.ID != "" {
			if name, dup := ids[a.ID]; dup && name != a.Name {
				add("agents[%d].id %q is already used by agent %q", i, a.ID, name)
			}
			ids[a.ID] = a.Name
		}
		if err := agent.NewInstructionFromText(a.Instruction).Validate(); err != nil {
			add("agents[%d].instruction: %v", i, err)
		}
		for j, g := range a.Guidelines {
			if strings.TrimSpace(g.Condition) == "" || strings.TrimSpace(g.Action) == "" {
				add("agents[%d].guidelines[%d] needs a condition and an action", i, j)
			}
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return configError(goerr.New("invalid configuration", goerr.V("problems", problems)),
		strings.Join(problems, "; "))
}

func validateModel(field string, m *Model) error {
	switch m.Provider {
	case ProviderMock:
		return nil
	case ProviderOpenAI, ProviderAnthropic:
	case ProviderGemini:
		if m.APIKeyEnv == "" && (m.Project == "" || m.Location == "") {
			return fmt.Errorf("%s: gemini needs api_key_env or project and location", field)
		}
	default:
		return fmt.Errorf("%s.provider %q is not one of mock, openai, anthropic, gemini", field, m.Provider)
	}
	if m.Name == "" {
		return fmt.Errorf("%s.name is required for provider %s", field, m.Provider)
	}
	return nil
}

func configError(err error, details ...string) error {
	if len(details) > 0 {
		return fmt.Errorf("%w: %s: %w", core.ErrConfiguration, strings.Join(details, "; "), err)
	}
	return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func mergeDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

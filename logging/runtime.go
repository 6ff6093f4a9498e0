package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// RuntimeLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods for evaluations, generations and turns. It is
// cheap to copy via With* methods and satisfies Logger.
type RuntimeLogger struct {
	logger    *slog.Logger
	level     LogLevel
	context   map[string]any
	component string
	agentID   string
	sessionID string
}

// LoggerConfig configures construction of a RuntimeLogger.
type LoggerConfig struct {
	Level       LogLevel
	Format      string // json, text or console
	Output      io.Writer
	AddSource   bool
	Component   string
	CustomAttrs map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stdout, CustomAttrs: map[string]any{}}
}

// NewLogger builds a RuntimeLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *RuntimeLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(cfg.Output, opts)
	case "console":
		handler = NewConsoleHandler(cfg.Output, cfg.Level)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	ctx := make(map[string]any, len(cfg.CustomAttrs))
	for k, v := range cfg.CustomAttrs {
		ctx[k] = v
	}
	return &RuntimeLogger{logger: slog.New(handler), level: cfg.Level, context: ctx, component: cfg.Component}
}

// NewSlogLogger creates a new RuntimeLogger with the specified configuration.
func NewSlogLogger(level LogLevel, format string, addSource bool) *RuntimeLogger {
	cfg := DefaultLoggerConfig()
	cfg.Level = level
	if format != "" {
		cfg.Format = format
	}
	cfg.AddSource = addSource
	return NewLogger(cfg)
}

func (l *RuntimeLogger) clone() *RuntimeLogger {
	nl := *l
	nl.context = make(map[string]any, len(l.context))
	for k, v := range l.context {
		nl.context[k] = v
	}
	return &nl
}

// WithContext adds a key/value attribute that will be attached to every log entry.
func (l *RuntimeLogger) WithContext(key string, value any) *RuntimeLogger {
	nl := l.clone()
	nl.context[key] = value
	return nl
}

// WithComponent sets the logical component (engine, matcher, orchestrator, etc.).
func (l *RuntimeLogger) WithComponent(c string) *RuntimeLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithSession attaches agent and session identifiers.
func (l *RuntimeLogger) WithSession(agentID, sessionID string) *RuntimeLogger {
	nl := l.clone()
	nl.agentID = agentID
	nl.sessionID = sessionID
	return nl
}

func (l *RuntimeLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.context)+3)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.agentID != "" {
		attrs = append(attrs, slog.String("agent_id", l.agentID))
	}
	if l.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", l.sessionID))
	}
	for k, v := range l.context {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *RuntimeLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	r.AddAttrs(l.buildAttrs()...)
	r.Add(args...)
	_ = l.logger.Handler().Handle(context.Background(), r)
}

// Debug logs at debug level.
func (l *RuntimeLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *RuntimeLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *RuntimeLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *RuntimeLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogEvaluation records the outcome of a single condition evaluation.
func (l *RuntimeLogger) LogEvaluation(guidelineID string, applies bool, confidence float64, dur time.Duration, err error) {
	if err != nil {
		l.Warn("Condition evaluation failed",
			"guideline_id", guidelineID, "duration", dur, "error", err)
		return
	}
	l.Debug("Condition evaluated",
		"guideline_id", guidelineID, "applies", applies, "confidence", confidence, "duration", dur)
}

// LogGeneration records model call latency, token usage and success.
func (l *RuntimeLogger) LogGeneration(model string, tokens int, dur time.Duration, err error) {
	if err != nil {
		l.Error("Generation failed",
			"model", model, "duration", dur, "error", err)
		return
	}
	l.Info("Generation completed",
		"model", model, "token_count", tokens, "duration", dur)
}

// LogTurn records aggregate turn metrics.
func (l *RuntimeLogger) LogTurn(turnIndex, directives, failures int, dur time.Duration, err error) {
	if err != nil {
		l.Error("Turn failed",
			"turn_index", turnIndex, "duration", dur, "error", err)
		return
	}
	l.Info("Turn completed",
		"turn_index", turnIndex, "directive_count", directives, "failure_count", failures, "duration", dur)
}

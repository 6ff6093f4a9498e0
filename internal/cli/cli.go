// Package cli implements the guidemesh command line: an interactive chat
// REPL, a one-shot "say" command and a configuration validator, all built
// from a YAML server description.
package cli

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hupe1980/guidemesh/config"
	"github.com/hupe1980/guidemesh/core"
)

// Exit codes.
const (
	ExitFailure       = 1
	ExitConfiguration = 2
)

// Error carries the process exit code of a failed command.
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Run executes the command line argv. Startup and configuration failures
// map to ExitConfiguration, everything else to ExitFailure.
func Run(ctx context.Context, argv []string) *Error {
	return run(ctx, argv, os.Stdout, os.Stderr)
}

func run(ctx context.Context, argv []string, stdout, stderr io.Writer) *Error {
	cmd := &cli.Command{
		Name:      "guidemesh",
		Usage:     "Guideline-driven conversational agents",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			chatCommand(),
			sayCommand(),
			validateCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		code := ExitFailure
		if errors.Is(err, core.ErrConfiguration) {
			code = ExitConfiguration
		}
		return &Error{Code: code, Message: err.Error(), Err: err}
	}
	return nil
}

// options holds values of the flags shared by all commands.
type options struct {
	configPath string
	provider   string
	modelName  string
	logLevel   string
	logFormat  string
}

func globalFlags(o *options) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "Path to the YAML server configuration",
			Sources:     cli.EnvVars("GUIDEMESH_CONFIG"),
			Destination: &o.configPath,
		},
		&cli.StringFlag{
			Name:        "provider",
			Usage:       "Override the model provider (mock, openai, anthropic, gemini)",
			Sources:     cli.EnvVars("GUIDEMESH_PROVIDER"),
			Destination: &o.provider,
		},
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "Override the model name",
			Sources:     cli.EnvVars("GUIDEMESH_MODEL"),
			Destination: &o.modelName,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Sources:     cli.EnvVars("GUIDEMESH_LOG_LEVEL"),
			Destination: &o.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json, text)",
			Sources:     cli.EnvVars("GUIDEMESH_LOG_FORMAT"),
			Destination: &o.logFormat,
		},
	}
}

// load reads the configuration file (or the defaults) and applies flag
// overrides.
func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	cfg.Merge(&config.Config{
		Model:   config.Model{Provider: o.provider, Name: o.modelName},
		Logging: config.Logging{Level: o.logLevel, Format: o.logFormat},
	})
	if err := cfg.Validate(); err != nil {
		return nil, goerr.Wrap(err, "invalid flags", goerr.V("config", o.configPath))
	}
	return cfg, nil
}

// session starts a runtime from the flags and hands it to fn. The runtime is
// always stopped afterwards.
func (o *options) session(ctx context.Context, stderr io.Writer, fn func(rt *runtime) error) (err error) {
	cfg, err := o.load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, stderr)

	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, rt.stop(context.WithoutCancel(ctx)))
	}()

	if err := rt.start(ctx); err != nil {
		return err
	}
	return fn(rt)
}

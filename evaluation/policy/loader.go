package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
)

const (
	// VerdictQuery is evaluated by Evaluator.
	VerdictQuery = "data.guidelines.verdict"
	// ConflictQuery is evaluated by ConflictChecker.
	ConflictQuery = "data.guidelines.conflict"
)

// Module is a named Rego source.
type Module struct {
	Name   string
	Source string
}

// Options configure policy-backed components.
type Options struct {
	Logger logging.Logger
}

// LoadDir reads every *.rego file of dir in lexical order.
func LoadDir(dir string) ([]Module, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.Value("dir", dir))
	}
	if len(files) == 0 {
		return nil, goerr.Wrap(core.ErrConfiguration, "no policy files found", goerr.Value("dir", dir))
	}
	sort.Strings(files)

	modules := make([]Module, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.Value("path", file))
		}
		modules = append(modules, Module{Name: file, Source: string(data)})
	}
	return modules, nil
}

type printHook struct {
	logger logging.Logger
}

func (h *printHook) Print(_ print.Context, message string) error {
	h.logger.Debug("Rego print", "message", message)
	return nil
}

// prepareQuery compiles the modules for a single query.
func prepareQuery(ctx context.Context, modules []Module, query string, logger logging.Logger) (*rego.PreparedEvalQuery, error) {
	if len(modules) == 0 {
		return nil, fmt.Errorf("%w: no policy modules", core.ErrConfiguration)
	}

	options := make([]func(*rego.Rego), 0, len(modules)+3)
	options = append(options,
		rego.Query(query),
		rego.EnablePrintStatements(true),
		rego.PrintHook(&printHook{logger: logger}),
	)
	for _, m := range modules {
		options = append(options, rego.Module(m.Name, m.Source))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrConfiguration,
			goerr.Wrap(err, "failed to prepare query", goerr.Value("query", query)))
	}
	return &prepared, nil
}

func resolveOptions(optFns []func(o *Options)) Options {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

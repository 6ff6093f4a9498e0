package cli

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
)

func validateCommand() *cli.Command {
	var opts options

	return &cli.Command{
		Name:  "validate",
		Usage: "Check a configuration file and compile its rules and policies",
		Flags: globalFlags(&opts),
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			// Building compiles rules and policies and opens storage without
			// contacting the model backend.
			rt, err := build(ctx, cfg, newLogger(cfg.Logging, c.Root().ErrWriter))
			if err != nil {
				return err
			}
			for _, closer := range rt.closers {
				if err := closer(); err != nil {
					return err
				}
			}

			guidelines := 0
			for _, a := range cfg.Agents {
				guidelines += len(a.Guidelines)
			}
			fmt.Fprintf(c.Root().Writer, "configuration OK: provider=%s evaluator=%s checker=%s storage=%s agents=%d guidelines=%d\n",
				cfg.Model.Provider, cfg.Evaluator.Kind, cfg.Checker.Kind, cfg.Storage.Kind, len(cfg.Agents), guidelines)
			return nil
		},
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/engine"
)

type sayOutput struct {
	SessionID          core.SessionID     `json:"session_id"`
	AgentUtterance     string             `json:"agent_utterance"`
	ActiveGuidelineIDs []core.GuidelineID `json:"active_guideline_ids"`
	TurnIndex          int                `json:"turn_index"`
}

func sayCommand() *cli.Command {
	var (
		opts      options
		agentRef  string
		sessionID string
		customer  string
		title     string
		asJSON    bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "agent",
			Aliases:     []string{"a"},
			Usage:       "Agent id or name (defaults to the first configured agent)",
			Destination: &agentRef,
		},
		&cli.StringFlag{
			Name:        "session",
			Aliases:     []string{"s"},
			Usage:       "Session id to continue (requires durable storage across runs)",
			Destination: &sessionID,
		},
		&cli.StringFlag{
			Name:        "customer",
			Usage:       "Customer id recorded on a new session",
			Destination: &customer,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Title recorded on a new session",
			Destination: &title,
		},
		&cli.BoolFlag{
			Name:        "json",
			Usage:       "Print the turn result as JSON",
			Destination: &asJSON,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:      "say",
		Usage:     "Send one utterance to an agent and print the reply",
		ArgsUsage: "<utterance>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			utterance := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if utterance == "" {
				return goerr.Wrap(core.ErrInvalidArgument, "utterance is required")
			}

			return opts.session(ctx, c.Root().ErrWriter, func(rt *runtime) error {
				a, err := rt.resolveAgent(agentRef)
				if err != nil {
					return err
				}

				res, err := rt.server.Engine().SubmitTurn(ctx, engine.TurnRequest{
					AgentID:    a.ID(),
					SessionID:  core.SessionID(sessionID),
					Utterance:  utterance,
					CustomerID: customer,
					Title:      title,
				})
				if err != nil {
					return goerr.Wrap(err, "turn failed", goerr.V("agent", a.Name()))
				}

				w := c.Root().Writer
				if asJSON {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(sayOutput{
						SessionID:          res.SessionID,
						AgentUtterance:     res.AgentUtterance,
						ActiveGuidelineIDs: res.ActiveGuidelineIDs,
						TurnIndex:          res.TurnIndex,
					})
				}
				fmt.Fprintln(w, res.AgentUtterance)
				return nil
			})
		},
	}
}

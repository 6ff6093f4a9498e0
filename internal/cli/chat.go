package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/engine"
)

func chatCommand() *cli.Command {
	var (
		opts      options
		agentRef  string
		sessionID string
		stream    bool
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
			Usage:       "Session id to resume",
			Destination: &sessionID,
		},
		&cli.BoolFlag{
			Name:        "stream",
			Usage:       "Print the agent reply as it is generated",
			Value:       true,
			Destination: &stream,
		},
	}
	flags = append(flags, globalFlags(&opts)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to an agent interactively",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			return opts.session(ctx, c.Root().ErrWriter, func(rt *runtime) error {
				a, err := rt.resolveAgent(agentRef)
				if err != nil {
					return err
				}

				rl, err := readline.NewEx(&readline.Config{
					Prompt:          "you> ",
					InterruptPrompt: "^C",
					EOFPrompt:       "/exit",
				})
				if err != nil {
					return goerr.Wrap(err, "failed to initialize readline")
				}
				defer rl.Close()

				next := func() (string, error) {
					line, err := rl.Readline()
					if errors.Is(err, readline.ErrInterrupt) {
						return "", io.EOF
					}
					return line, err
				}

				fmt.Fprintf(rl.Stdout(), "Chatting with %s. Type /help for commands.\n", a.Name())
				return chatLoop(ctx, rt.server.Engine(), a, core.SessionID(sessionID), stream, next, rl.Stdout())
			})
		},
	}
}

// chatLoop reads lines from next until EOF or /exit and submits them as
// turns. Turn failures are printed and the loop continues.
func chatLoop(
	ctx context.Context,
	eng *engine.Engine,
	a *agent.Agent,
	sessionID core.SessionID,
	stream bool,
	next func() (string, error),
	w io.Writer,
) error {
	for {
		line, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return goerr.Wrap(err, "failed to read input")
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/exit" || line == "/quit":
			return nil
		case line == "/help":
			fmt.Fprintln(w, "/new         start a new session")
			fmt.Fprintln(w, "/guidelines  list the agent's guidelines")
			fmt.Fprintln(w, "/session     show the current session id")
			fmt.Fprintln(w, "/exit        leave the chat")
			continue
		case line == "/new":
			sessionID = ""
			fmt.Fprintln(w, "Started a new session.")
			continue
		case line == "/session":
			fmt.Fprintf(w, "Session: %s\n", sessionID)
			continue
		case line == "/guidelines":
			for _, g := range a.Guidelines(false) {
				state := "on"
				if !g.Enabled {
					state = "off"
				}
				fmt.Fprintf(w, "[%s] p=%d %s -> %s\n", state, g.Priority, g.Condition, g.Action)
			}
			continue
		}

		req := engine.TurnRequest{AgentID: a.ID(), SessionID: sessionID, Utterance: line}
		if stream {
			fmt.Fprintf(w, "%s> ", a.Name())
			req.OnPartial = func(chunk string) { fmt.Fprint(w, chunk) }
		}

		res, err := eng.SubmitTurn(ctx, req)
		if err != nil {
			var te *engine.TurnError
			if errors.As(err, &te) {
				sessionID = te.SessionID
			}
			if stream {
				fmt.Fprintln(w)
			}
			fmt.Fprintf(w, "error: %v\n", err)
			if errors.Is(err, core.ErrSessionClosed) {
				sessionID = ""
				fmt.Fprintln(w, "The session was closed; the next message starts a new one.")
			}
			continue
		}
		sessionID = res.SessionID

		if stream {
			fmt.Fprintln(w)
		} else {
			fmt.Fprintf(w, "%s> %s\n", a.Name(), res.AgentUtterance)
		}
		if len(res.ActiveGuidelineIDs) > 0 {
			fmt.Fprintf(w, "  (guidelines: %s)\n", joinIDs(res.ActiveGuidelineIDs))
		}
	}
}

func joinIDs(ids []core.GuidelineID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, ", ")
}

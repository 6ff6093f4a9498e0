// Package engine implements the session manager, agent registry and server
// lifecycle of guidemesh.
//
// The Engine is the central coordination point. It owns the registry of
// agents (each with its own guideline store), serializes the turns of every
// session and drives each turn through an explicit pipeline:
//
//	acquire slot -> load session -> snapshot guidelines -> match -> generate -> commit
//
// One cancellation context is threaded through all stages and checked at
// the two suspension points: the evaluator fan-out/join inside the matcher
// and the generation call inside the orchestrator.
//
// # Lifecycle
//
//	STOPPED -> STARTING -> RUNNING -> STOPPING -> STOPPED
//
// Start validates the capability wiring (a model and an evaluator are
// required) and pings backends implementing model.HealthChecker. Agents and
// guidelines can be mutated only while RUNNING. Stop rejects new turns with
// core.ErrServerShuttingDown, lets in-flight turns finish within a grace
// period, then cancels the rest and waits for them to unwind.
//
// # Sessions
//
// A session is created transparently on the first turn (an empty id picks a
// fresh one). Turns of one session never overlap; turns of different
// sessions run concurrently. The (user turn, agent turn) pair is committed
// with a single SessionStore.AppendTurns call after generation succeeded, so
// a failed or cancelled turn leaves no partial history and can be retried.
// CloseSession and the optional idle reaper move sessions to the terminal
// CLOSED state.
//
// # Callbacks
//
// A CallbackManager receives pipeline events (before_turn, after_match,
// evaluation_failed, directive_dropped, after_generate, turn_committed,
// on_error). before_turn callbacks may reject a turn; all others are purely
// observational.
//
// Example:
//
//	eng := engine.New(func(o *engine.Options) {
//	    o.Model = m
//	    o.Evaluator = rules
//	})
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(context.Background(), 5*time.Second)
//
//	a, _ := eng.CreateAgent("Car Guy", func(o *agent.Options) {
//	    o.Description = "You like to talk about cars"
//	})
//	_, _ = eng.CreateGuideline(a.ID(), "the user greets you", "greet them back with 'Vroom Vroom'")
//
//	res, err := eng.SubmitTurn(ctx, engine.TurnRequest{AgentID: a.ID(), Utterance: "hi there"})
package engine

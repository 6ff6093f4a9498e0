// Package orchestrator turns matched directives into the agent's next
// utterance.
//
// An Orchestrator builds one model.Request per turn by running an ordered
// chain of RequestProcessors (persona, directives, history), calls the
// generation capability exactly once and post-processes the final response
// through ResponseProcessors. Directive actions are injected as a numbered
// list, highest rank first, so the model gives them precedence.
//
// Generation failures surface as core.ErrGenerationUnavailable; cancellation
// surfaces as the context error. The orchestrator never touches session
// history, which keeps retries of a failed turn idempotent.
package orchestrator

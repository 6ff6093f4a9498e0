package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/hupe1980/guidemesh/agent"
	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/matcher"
	"github.com/hupe1980/guidemesh/model"
	"github.com/hupe1980/guidemesh/orchestrator"
)

// TurnRequest is one user utterance submitted to an agent.
type TurnRequest struct {
	AgentID core.AgentID
	// SessionID selects the conversation. Empty starts a new session; an
	// unknown id creates a session with that id.
	SessionID core.SessionID
	Utterance string
	// CustomerID and Title are recorded when the turn creates its session
	// and ignored otherwise.
	CustomerID string
	Title      string
	// OnPartial, when set, receives streamed chunks of the agent utterance.
	// Chunks of a turn that later fails are never committed.
	OnPartial func(chunk string)
}

// TurnResult is the outcome of an accepted turn.
type TurnResult struct {
	SessionID      core.SessionID
	AgentUtterance string
	// ActiveGuidelineIDs lists the directives that shaped the utterance,
	// highest rank first.
	ActiveGuidelineIDs []core.GuidelineID
	Directives         []core.ActiveDirective
	Failures           []matcher.Failure
	Dropped            []matcher.Drop
	// TurnIndex is the index of the committed user turn; the agent turn
	// has TurnIndex+1.
	TurnIndex int
	Usage     *model.TokenUsage
	Duration  time.Duration
}

// TurnError reports a failed turn together with the session it targeted, so
// that callers which started a new session can retry against it.
type TurnError struct {
	SessionID core.SessionID
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn in session %s: %v", e.SessionID, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// SubmitTurn processes one user utterance: acquire the session slot, load the
// session, snapshot the agent's guidelines, match them, generate the agent
// utterance and commit the (user, agent) turn pair atomically.
//
// Nothing is written to the transcript before the commit, so a turn that
// fails (core.ErrGenerationUnavailable, cancellation, shutdown) leaves the
// history untouched and can be retried without duplicating the user turn.
// Failures after admission are returned as *TurnError.
func (e *Engine) SubmitTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Utterance) == "" {
		return nil, fmt.Errorf("%w: utterance must not be empty", core.ErrInvalidArgument)
	}

	rootCtx, err := e.admit()
	if err != nil {
		return nil, err
	}
	defer e.inflight.Done()

	a, err := e.Agent(req.AgentID)
	if err != nil {
		return nil, err
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = core.NewSessionID()
	}
	if _, err := e.openSession(sessionID, a.ID(), req); err != nil {
		return nil, &TurnError{SessionID: sessionID, Err: err}
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(rootCtx, cancel)
	defer stop()

	slot := e.slot(sessionID)
	turnID := e.nextTurnID()
	slot.track(turnID, cancel)
	defer slot.untrack(turnID)

	if err := slot.acquire(turnCtx); err != nil {
		return nil, e.fail(ctx, a, sessionID, -1, e.cancelCause(ctx, rootCtx, err))
	}
	defer slot.release()

	res, err := e.runTurn(turnCtx, a, sessionID, req)
	if err != nil {
		if turnCtx.Err() != nil {
			err = e.cancelCause(ctx, rootCtx, err)
		}
		index := -1
		if res != nil {
			index = res.TurnIndex
		}
		return nil, e.fail(ctx, a, sessionID, index, err)
	}
	return res, nil
}

// admit registers a turn as in flight while RUNNING and returns the server
// scope context that cancels it on forced shutdown.
func (e *Engine) admit() (context.Context, error) {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if err := stateError(e.state); err != nil {
		return nil, err
	}
	e.inflight.Add(1)
	return e.rootCtx, nil
}

// cancelCause maps a cancellation to the scope that caused it.
func (e *Engine) cancelCause(ctx, rootCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case rootCtx.Err() != nil:
		return fmt.Errorf("%w: turn cancelled: %w", core.ErrServerShuttingDown, err)
	default:
		// Only CloseSession and RemoveAgent cancel a single turn.
		return fmt.Errorf("%w: turn cancelled: %w", core.ErrSessionClosed, err)
	}
}

func (e *Engine) runTurn(ctx context.Context, a *agent.Agent, sessionID core.SessionID, req TurnRequest) (*TurnResult, error) {
	start := time.Now()
	received := start.UTC()

	// Reload under the slot so history reflects every earlier turn.
	sess, err := e.sessionStore.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == core.SessionClosed {
		return nil, sessionClosed(sessionID)
	}
	index := len(sess.Turns)
	result := &TurnResult{SessionID: sessionID, TurnIndex: index}

	cbCtx := &CallbackContext{
		AgentID:   a.ID(),
		SessionID: sessionID,
		TurnIndex: index,
		Utterance: req.Utterance,
		Metadata:  make(map[string]any),
	}
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeTurn, cbCtx); err != nil {
		return result, goerr.Wrap(err, "turn rejected by callback", goerr.Value("session_id", string(sessionID)))
	}

	cc := core.ConversationContext{
		AgentID:          a.ID(),
		AgentName:        a.Name(),
		AgentDescription: a.Description(),
		SessionID:        sessionID,
		History:          sess.Turns,
		Utterance:        req.Utterance,
	}

	// The snapshot is taken once; guideline edits during this turn are not seen.
	snapshot := a.Snapshot()
	match, err := e.matcher.Match(ctx, cc, snapshot)
	if err != nil {
		return result, err
	}
	result.Directives = match.Directives
	result.Failures = match.Failures
	result.Dropped = match.Dropped
	result.ActiveGuidelineIDs = match.GuidelineIDs()

	cbCtx.Directives = match.Directives
	e.notify(ctx, CallbackAfterMatch, cbCtx)
	for i := range match.Failures {
		cbCtx.Failure = &match.Failures[i]
		e.notify(ctx, CallbackEvaluationFailed, cbCtx)
	}
	cbCtx.Failure = nil
	for i := range match.Dropped {
		cbCtx.Drop = &match.Dropped[i]
		e.notify(ctx, CallbackDirectiveDropped, cbCtx)
	}
	cbCtx.Drop = nil

	instruction, err := a.Instruction().Resolve(ctx, cc)
	if err != nil {
		return result, fmt.Errorf("%w: resolve instruction: %w", core.ErrGenerationUnavailable, err)
	}

	out, err := e.orchestrator.Respond(ctx, &orchestrator.Input{
		Persona: orchestrator.Persona{
			Name:        a.Name(),
			Description: a.Description(),
			Instruction: instruction,
		},
		History:    sess.Turns,
		Utterance:  req.Utterance,
		Directives: match.Directives,
		OnPartial:  req.OnPartial,
	})
	if rl, ok := e.logger.(*logging.RuntimeLogger); ok {
		var dur time.Duration
		tokens := 0
		if out != nil {
			dur = out.Duration
			if out.Usage != nil {
				tokens = out.Usage.TotalTokens
			}
		}
		rl.WithSession(string(a.ID()), string(sessionID)).LogGeneration(e.orchestrator.Model().Name, tokens, dur, err)
	}
	if err != nil {
		return result, err
	}
	result.AgentUtterance = out.Utterance
	result.Usage = out.Usage

	cbCtx.AgentUtterance = out.Utterance
	e.notify(ctx, CallbackAfterGenerate, cbCtx)

	// A turn cancelled during generation commits nothing.
	if err := ctx.Err(); err != nil {
		return result, err
	}

	err = e.sessionStore.AppendTurns(sessionID,
		core.Turn{
			Index:     index,
			Speaker:   core.SpeakerUser,
			Utterance: req.Utterance,
			Timestamp: received,
		},
		core.Turn{
			Index:        index + 1,
			Speaker:      core.SpeakerAgent,
			Utterance:    out.Utterance,
			Timestamp:    time.Now().UTC(),
			GuidelineIDs: result.ActiveGuidelineIDs,
		},
	)
	if err != nil {
		return result, err
	}
	result.Duration = time.Since(start)

	e.notify(ctx, CallbackTurnCommitted, cbCtx)
	e.logTurn(a.ID(), sessionID, result, nil)
	return result, nil
}

// notify runs observational callbacks; their errors are logged only.
func (e *Engine) notify(ctx context.Context, t CallbackType, cbCtx *CallbackContext) {
	if err := e.callbacks.ExecuteCallbacks(ctx, t, cbCtx); err != nil {
		e.logger.Warn("Callback failed", "type", string(t), "session_id", string(cbCtx.SessionID), "error", err)
	}
}

// fail reports a failed turn to callbacks and logs, and wraps it as TurnError.
func (e *Engine) fail(ctx context.Context, a *agent.Agent, sessionID core.SessionID, index int, err error) error {
	e.notify(context.WithoutCancel(ctx), CallbackOnError, &CallbackContext{
		AgentID:   a.ID(),
		SessionID: sessionID,
		TurnIndex: index,
		Error:     err,
		Metadata:  make(map[string]any),
	})
	e.logTurn(a.ID(), sessionID, &TurnResult{TurnIndex: index}, err)
	return &TurnError{SessionID: sessionID, Err: err}
}

func (e *Engine) logTurn(agentID core.AgentID, sessionID core.SessionID, res *TurnResult, err error) {
	if rl, ok := e.logger.(*logging.RuntimeLogger); ok {
		rl.WithSession(string(agentID), string(sessionID)).
			LogTurn(res.TurnIndex, len(res.Directives), len(res.Failures), res.Duration, err)
		return
	}
	if err != nil {
		e.logger.Warn("Turn failed", "agent_id", string(agentID), "session_id", string(sessionID), "error", err)
		return
	}
	e.logger.Debug("Turn committed", "agent_id", string(agentID), "session_id", string(sessionID),
		"turn_index", res.TurnIndex, "directive_count", len(res.Directives))
}

func sessionClosed(id core.SessionID) error {
	return fmt.Errorf("session %s: %w", id, core.ErrSessionClosed)
}

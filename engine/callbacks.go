package engine

import (
	"context"
	"sync"

	"github.com/hupe1980/guidemesh/core"
	"github.com/hupe1980/guidemesh/logging"
	"github.com/hupe1980/guidemesh/matcher"
)

// CallbackType identifies a point in the turn pipeline where callbacks run.
//
// Callbacks are the extension point for cross-cutting concerns such as
// auditing, metrics and input validation. They observe the pipeline without
// being part of the matching or generation logic.
type CallbackType string

const (
	// CallbackBeforeTurn runs after the session slot is acquired and before
	// matching starts. An error returned here rejects the turn.
	CallbackBeforeTurn CallbackType = "before_turn"

	// CallbackAfterMatch runs once the active directives of a turn are known.
	CallbackAfterMatch CallbackType = "after_match"

	// CallbackEvaluationFailed runs once per guideline whose evaluation failed.
	CallbackEvaluationFailed CallbackType = "evaluation_failed"

	// CallbackDirectiveDropped runs once per directive removed by the
	// contradiction check.
	CallbackDirectiveDropped CallbackType = "directive_dropped"

	// CallbackAfterGenerate runs after the agent utterance was produced and
	// before it is committed.
	CallbackAfterGenerate CallbackType = "after_generate"

	// CallbackTurnCommitted runs after the (user, agent) turn pair was stored.
	CallbackTurnCommitted CallbackType = "turn_committed"

	// CallbackOnError runs when a turn fails after it was admitted.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext carries the turn data visible to a callback.
//
// Only the fields relevant to the callback type are populated; for example
// Failure is set for CallbackEvaluationFailed only. Callbacks must treat the
// context as read-only.
type CallbackContext struct {
	AgentID   core.AgentID
	SessionID core.SessionID
	// TurnIndex is the index the user turn will receive (or received).
	TurnIndex int
	Utterance string

	// AgentUtterance is set from CallbackAfterGenerate on.
	AgentUtterance string
	Directives     []core.ActiveDirective
	Failure        *matcher.Failure
	Drop           *matcher.Drop
	Error          error

	// Metadata is free-form data shared between callbacks of the same turn.
	Metadata map[string]any
}

// Callback is a hook executed at a specific point of the turn pipeline.
type Callback interface {
	// Type returns the pipeline point this callback handles.
	Type() CallbackType

	// Execute runs the callback. Errors returned from CallbackBeforeTurn
	// callbacks reject the turn; errors from every other type are logged
	// and otherwise ignored.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback adapts a plain function to the Callback interface.
//
// Example:
//
//	cb := NewFunctionCallback(CallbackTurnCommitted, func(ctx context.Context, c *CallbackContext) error {
//	    log.Printf("session %s committed turn %d", c.SessionID, c.TurnIndex)
//	    return nil
//	})
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a callback from fn.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, callbackCtx *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type returns the callback type.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	if c.fn == nil {
		return nil
	}
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks grouped by type and executes them in
// registration order. It is safe for concurrent use; callbacks may be
// registered while turns are running.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// Len returns the number of callbacks registered for callbackType.
func (cm *CallbackManager) Len(callbackType CallbackType) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[callbackType])
}

// ExecuteCallbacks runs all callbacks of callbackType sequentially. The first
// error stops execution and is returned.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return err
		}
	}

	return nil
}

// LoggingCallback writes one structured log line per pipeline event.
//
// Example:
//
//	manager.RegisterCallback(NewLoggingCallback(CallbackTurnCommitted, logger))
type LoggingCallback struct {
	callbackType CallbackType
	logger       logging.Logger
}

// NewLoggingCallback creates a logging callback for callbackType.
func NewLoggingCallback(callbackType CallbackType, logger logging.Logger) *LoggingCallback {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LoggingCallback{callbackType: callbackType, logger: logger}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType { return c.callbackType }

// Execute logs the event with its turn coordinates.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	args := []any{
		"event", string(c.callbackType),
		"agent_id", string(callbackCtx.AgentID),
		"session_id", string(callbackCtx.SessionID),
		"turn_index", callbackCtx.TurnIndex,
		"directive_count", len(callbackCtx.Directives),
	}
	if callbackCtx.Failure != nil {
		args = append(args, "guideline_id", string(callbackCtx.Failure.GuidelineID))
	}
	if callbackCtx.Drop != nil {
		args = append(args,
			"guideline_id", string(callbackCtx.Drop.Directive.Guideline.ID),
			"conflicts_with", string(callbackCtx.Drop.ConflictsWith))
	}
	if callbackCtx.Error != nil {
		args = append(args, "error", callbackCtx.Error)
		c.logger.Warn("Turn event", args...)
		return nil
	}
	c.logger.Info("Turn event", args...)
	return nil
}

// UtteranceValidationCallback rejects user utterances before matching.
//
// The validator receives the raw user utterance; a non-nil error rejects the
// turn and is returned to the caller of SubmitTurn.
//
// Example:
//
//	maxLen := func(u string) error {
//	    if len(u) > 2000 {
//	        return errors.New("utterance too long")
//	    }
//	    return nil
//	}
//	manager.RegisterCallback(NewUtteranceValidationCallback(maxLen))
type UtteranceValidationCallback struct {
	validator func(utterance string) error
}

// NewUtteranceValidationCallback creates a before_turn validation callback.
func NewUtteranceValidationCallback(validator func(utterance string) error) *UtteranceValidationCallback {
	return &UtteranceValidationCallback{validator: validator}
}

// Type returns CallbackBeforeTurn.
func (c *UtteranceValidationCallback) Type() CallbackType { return CallbackBeforeTurn }

// Execute runs the validator on the user utterance.
func (c *UtteranceValidationCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.validator == nil {
		return nil
	}
	return c.validator(callbackCtx.Utterance)
}

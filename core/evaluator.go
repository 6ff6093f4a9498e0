package core

import "context"

// ConversationContext is the read-only view of a conversation handed to
// condition evaluators. History holds committed turns; Utterance is the user
// message of the turn being processed.
type ConversationContext struct {
	AgentID          AgentID
	AgentName        string
	AgentDescription string
	SessionID        SessionID
	History          []Turn
	Utterance        string
}

// Verdict is an evaluator's judgment about a single condition.
type Verdict struct {
	Applies    bool
	Confidence float64
	Rationale  string
}

// Evaluator judges whether a guideline condition applies to a conversation.
//
// Implementations must be pure functions of their inputs so the matcher can
// invoke them concurrently without coordination. Failures should wrap
// ErrEvaluationUnavailable.
type Evaluator interface {
	Evaluate(ctx context.Context, cc ConversationContext, condition string) (Verdict, error)
}

// EvaluatorFunc is a functional adapter allowing ordinary functions to be
// used as Evaluators.
type EvaluatorFunc func(ctx context.Context, cc ConversationContext, condition string) (Verdict, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, cc ConversationContext, condition string) (Verdict, error) {
	return f(ctx, cc, condition)
}

// ActiveDirective is a guideline judged applicable for the current turn.
// It is owned by the turn that produced it and never persisted.
type ActiveDirective struct {
	Guideline  Guideline
	Confidence float64
	Action     string
	Rank       int
}

// ContradictionChecker decides whether two directives are mutually
// contradictory. higher always outranks lower; the matcher drops lower when
// Conflicts reports true.
type ContradictionChecker interface {
	Conflicts(ctx context.Context, higher, lower ActiveDirective) (bool, error)
}

// ContradictionCheckerFunc adapts a function to ContradictionChecker.
type ContradictionCheckerFunc func(ctx context.Context, higher, lower ActiveDirective) (bool, error)

// Conflicts implements ContradictionChecker.
func (f ContradictionCheckerFunc) Conflicts(ctx context.Context, higher, lower ActiveDirective) (bool, error) {
	return f(ctx, higher, lower)
}

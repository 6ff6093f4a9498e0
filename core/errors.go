package core

import "errors"

var (
	// ErrConfiguration reports missing or invalid capability wiring. It is
	// fatal at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound is returned when an agent, guideline or session id is
	// unknown to its owner.
	ErrNotFound = errors.New("not found")

	// ErrInvalidGuideline is returned when a guideline has an empty condition
	// or action.
	ErrInvalidGuideline = errors.New("invalid guideline")

	// ErrInvalidArgument is returned for malformed caller input such as an
	// empty utterance.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEvaluationUnavailable marks a per-guideline evaluation failure. The
	// matcher degrades the guideline to "does not apply".
	ErrEvaluationUnavailable = errors.New("evaluation unavailable")

	// ErrGenerationUnavailable marks a whole-turn generation failure. The
	// caller may retry the same user turn.
	ErrGenerationUnavailable = errors.New("generation unavailable")

	// ErrSessionClosed is returned when a turn is submitted to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrServerShuttingDown is returned when work is submitted while the
	// server is stopping.
	ErrServerShuttingDown = errors.New("server shutting down")

	// ErrServerNotRunning is returned when an operation requires a running server.
	ErrServerNotRunning = errors.New("server not running")

	// ErrAgentConflict is returned when an agent id is already registered under
	// a different name.
	ErrAgentConflict = errors.New("agent conflict")
)

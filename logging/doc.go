// Package logging provides a minimal logging interface and adapters for guidemesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine, matcher and orchestrator use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - RuntimeLogger with component/session context and turn-level helpers
//   - NewConsoleHandler, a colored console handler for the CLI
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng, err := engine.New(func(o *engine.Options) { o.Logger = logger })
//
// The design intentionally keeps the interface minimal to avoid vendor lock-in
// while supporting structured logging where available.
package logging

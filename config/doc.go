// Package config loads the YAML description of a guidemesh server: engine
// tuning, logging, the generation model, the condition evaluator, the
// contradiction checker, transcript storage and the agents with their
// guidelines.
//
// Files are decoded on top of Default with unknown fields rejected, then
// validated. Every validation problem is reported in a single error that
// wraps core.ErrConfiguration.
package config

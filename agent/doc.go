// Package agent contains the configured persona at the heart of guidemesh.
//
// An Agent bundles three concerns:
//
//  1. Identity: an immutable id and display name
//  2. Persona: a free-text description plus an optional Instruction that is
//     rendered into the system prompt of every generated response
//  3. Guidelines: the agent-owned guideline.Store; guidelines are created,
//     enabled, disabled, re-prioritized and removed only through the agent
//
// Agents carry no conversation state. Sessions, matching and generation live
// in the engine, matcher and orchestrator packages so an Agent can be shared
// by any number of concurrent turns.
package agent

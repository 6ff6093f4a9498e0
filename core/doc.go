// Package core provides the foundational domain types and contracts used by
// guidemesh. It defines the core abstractions for:
//
//   - Guidelines (declarative condition/action rules owned by an agent)
//   - Sessions and Turns (append-only conversational history)
//   - Evaluators (capabilities that judge whether a condition applies)
//   - Active directives (guidelines judged applicable for a single turn)
//   - Contradiction checkers (pluggable conflict detection between directives)
//   - Pluggable session stores
//
// The package keeps implementation concerns (matching, generation, storage
// backends, lifecycle) out of scope and exposes small interfaces so custom
// backends can be supplied without touching calling code.
package core

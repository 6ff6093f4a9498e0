// Package session houses concrete implementations of the core.SessionStore.
// The interface itself (and the Session struct) live in the core package
// to centralize domain contracts. Keeping only implementations here prevents
// higher level packages (engine) from depending on concrete storage.
//
// Stores enforce the transcript invariants themselves: turns are appended
// atomically, indices continue the history without gaps, and closed
// sessions reject further turns. The badger sub-package provides a durable
// backend with the same semantics.
package session

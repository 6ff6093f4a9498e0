// Package model defines the provider-agnostic generation capability consumed
// by guidemesh, plus concrete helpers for interacting with language models.
//
// Core goals:
//   - Unify streaming + non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic, Gemini) implement the Model interface in
// sub-packages so higher layers (orchestrator, evaluators) remain decoupled
// from vendor SDKs.
package model

// Package model defines the LLM provider contract consumed by role agents:
// a streaming Generate call whose final non-partial Response terminates the
// reply for a session. Provider adapters live in subpackages (anthropic,
// openai); ScriptedModel gives deterministic replies for tests and examples.
package model

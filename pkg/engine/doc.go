// Package engine implements the streaming orchestrator. It runs one
// exchange per session at a time: it composes the prompt, persists the
// user turn, drives the backend adapter picked by the session's backend,
// fans token events out to subscribers and persists the assistant turn
// before acknowledging completion. Partial answers of failed or
// cancelled exchanges are persisted with error metadata.
package engine

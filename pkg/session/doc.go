// Package session implements the session manager. It owns the per-process
// working copy of each session (the session row plus its ordered
// messages), keeps it coherent with the conversation store and hands
// exchanges to the streaming orchestrator. Writes that fail because the
// store is unavailable are retried in the background, in order, per
// session.
package session

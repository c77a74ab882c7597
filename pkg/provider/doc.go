// Package provider defines the backend adapter contract shared by every
// wire dialect. Each adapter (generate, openaicompat, cloudapi) translates a
// [Request] into its backend's request shape and decodes the backend's
// response stream into [Event] values, keeping dialect details invisible to
// the engine.
//
// The package also holds the helpers adapters share: HTTP error
// classification, the idle-read watchdog, the malformed frame counter and
// context-aware channel sends.
package provider

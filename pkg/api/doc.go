// Package api defines the core domain types shared by every chatrelay component.
//
// The package holds the conversation model (sessions and messages), the
// unified token event stream produced by backend adapters, the error
// taxonomy, the exchange state machine and ID generation. It performs no I/O.
//
// Core types:
//   - [Session]: durable identity of one conversation, bound to one backend and model
//   - [Message]: an immutable, ordered turn within a session
//   - [TokenEvent]: one unit of the unified streaming output (delta, done or error)
//   - [ChatRequest]: the StartOrContinue input accepted from front-ends
//   - [Error]: a failure classified by [ErrorKind]
//
// Backends are a closed set ([BackendRawGenerate], [BackendOpenAICompatible],
// [BackendVendorAPI]); adapters for each live under pkg/provider.
package api

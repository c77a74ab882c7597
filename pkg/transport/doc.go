// Package transport defines the handler interfaces and middleware chain
// shared by the HTTP/SSE and WebSocket adapters.
//
// # Handler Interfaces
//
//   - ChatHandler runs one chat turn (StartOrContinue) and writes the
//     token events or the final result to an EventWriter.
//   - SessionService exposes session management, search, statistics and
//     model discovery.
//
// The EventWriter interface abstracts streaming and non-streaming output so
// the handler can emit token events or a complete result without knowing
// the wire protocol.
//
// # Middleware
//
// The middleware chain wraps ChatHandler with cross-cutting concerns:
// panic recovery, request ID assignment (X-Request-ID) and structured
// logging via log/slog.
package transport

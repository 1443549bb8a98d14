// Package transport defines the handler interfaces and middleware chain for
// the sandkasten HTTP/SSE transport layer.
//
// The transport layer bridges external clients and the execution pipeline.
// It deserializes incoming requests into the protocol types defined in
// pkg/api, dispatches them for processing, and serializes results back to
// the client in either synchronous (JSON) or streaming (SSE) format.
//
// # Handler Interfaces
//
// Three handler interfaces define the contract between the transport layer
// and the rest of the service:
//
//   - Execer handles the core execute operation: resolve the conversation's
//     session, run the code, return the canonical result.
//   - Chatter handles the conversational surface, synchronous and streaming.
//   - SessionDirectory exposes read and delete access to resident sessions.
//
// The StreamWriter interface abstracts the event sink for streaming chat,
// allowing the Chatter to emit events without knowing the underlying
// transport protocol.
//
// # Middleware
//
// The middleware chain wraps Execer with cross-cutting concerns. Built-in
// middleware provides panic recovery, request ID assignment (X-Request-ID),
// structured logging via log/slog, and in-flight execution tracking for
// graceful drain and health reporting. Authentication and rate limiting
// live in pkg/auth and wrap the HTTP adapter, not the Execer.
package transport

// Package api defines the core types for the sandkasten execution service.
//
// This package provides all data types shared across the service: the
// canonical execution result, session records, request/response payloads for
// the HTTP surface, the execution error taxonomy, validation, and ID
// generation.
//
// The package has zero external dependencies (Go standard library only) and
// performs no I/O. The canonical result is the single representation of an
// execution outcome regardless of which response shape the backend produced;
// raw backend payloads never travel past the executor's normalizer.
//
// Core types:
//   - [ExecutionResult]: Normalized outcome of one code execution (stdout, stderr, return code)
//   - [Session]: One isolated execution context bound to a conversation
//   - [ExecuteRequest] / [ExecuteResponse]: The execute contract exposed to callers
//   - [ExecError]: Classified execution failure (auth, transport, backend_timeout, backend_error)
//   - [APIError]: Structured service error with type, code, param, and message
package api

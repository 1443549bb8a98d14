// Package executor runs Python code against the dynamic-sessions backend.
//
// The Client is the write path of the whole service: it resolves the
// conversation's session through the registry, acquires a bearer token (or
// takes the demo path when no credential source exists), posts the code to
// the backend, normalizes whichever response shape comes back into an
// api.ExecutionResult, and records the outcome on the session.
//
// Two rules shape the implementation. The backend call is detached from the
// caller's cancellation, so a client that hangs up mid-execution never leaves
// session bookkeeping half done. And the executor never retries: sessions are
// stateful, so a silently repeated request could run side-effecting code
// twice. Failures come back classified (api.ExecError) and the retry decision
// stays with the caller.
package executor

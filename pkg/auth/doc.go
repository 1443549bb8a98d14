// Package auth provides pluggable authentication for the HTTP surface.
//
// Authentication uses a chain-of-responsibility pattern with three-outcome
// voting: each authenticator returns Yes (identity found), No (credentials
// invalid), or Abstain (can't handle the credential type). A configurable
// default decides when all authenticators abstain.
//
// Auth is implemented as HTTP middleware, keeping it decoupled from agent
// and executor logic. The middleware also enforces per-identity token
// bucket rate limits on the execution and chat routes, and injects the
// caller's session tenant into the request context so one caller cannot
// reach another's sessions.
package auth

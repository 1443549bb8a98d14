// Package credentials acquires and caches bearer tokens for the execution
// backend's audience.
//
// Acquisition runs through an ordered chain of sources (workload identity,
// managed identity, the az CLI, service-principal environment credentials,
// static token); the first source that produces a token wins and individual
// source failures are non-fatal. The Provider caches the last token per
// audience and refreshes it shortly before expiry.
//
// When the whole chain fails, GetToken returns [ErrNoCredential]. That is a
// signal, not a fault: callers switch to demo mode and substitute simulated
// results instead of crashing. Tokens live in memory only and are never
// exposed beyond Authorization header construction.
package credentials

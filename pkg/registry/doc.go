// Package registry tracks the binding between conversations and execution
// sessions. Each conversation holds at most one live session; Resolve
// reuses it or mints a fresh one, RecordExecution accounts completed
// backend calls, Clear forgets the binding on request, and idle sessions
// are reaped opportunistically at the top of every Resolve rather than by
// a background timer. A registry-wide mutex serializes every
// read-modify-write so concurrent executes for one conversation cannot
// mint two sessions.
package registry

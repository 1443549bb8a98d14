// Package storage defines the SessionStore interface implemented by the
// storage adapters (memory, postgres, redis), along with sentinel errors
// and tenant context helpers shared across them.
//
// Sessions are keyed by (tenant, conversation ID): conversation IDs are
// caller-chosen and therefore namespaced per tenant, while session IDs
// are minted by the manager and globally unique, so adapters keep them
// as a secondary lookup key.
package storage

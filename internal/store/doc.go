// Package store provides the SQLite persistence layer.
//
// It holds:
//   - Collected readings keyed by (source, timestamp) with idempotent writes
//   - Persisted job scheduling state (survives restarts)
//   - Provider API keys and a small configuration KV
package store

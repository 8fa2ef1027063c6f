package store

import (
	"errors"
	"time"
)

var (
	ErrClosed      = errors.New("store closed")
	ErrNotFound    = errors.New("not found")
	ErrWriteFailed = errors.New("store write failed")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Status of a stored reading.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Reading is one collected data point. Immutable once stored; the
// (Source, At) pair is the idempotency key (last write wins).
type Reading struct {
	Source  string         `json:"source"`
	At      time.Time      `json:"at"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// JobRecord is the persisted scheduling state for one source.
// The in-memory registry is authoritative at runtime; this record
// exists so scheduling metadata survives restarts.
type JobRecord struct {
	Source              string        `json:"source"`
	Interval            time.Duration `json:"interval"`
	Enabled             bool          `json:"enabled"`
	UsesLocation        bool          `json:"uses_location"`
	LogFailures         bool          `json:"log_failures"`
	LastAttempt         time.Time     `json:"last_attempt,omitzero"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

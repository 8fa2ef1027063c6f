package poller

import (
	"sync"
	"time"

	"pibackend/internal/source"
)

// Config controls the scheduling loop and worker pool.
type Config struct {
	Enabled bool

	// Tick is the scheduling granularity. Default 1s.
	Tick time.Duration

	// Workers bounds concurrent job executions. Default 4.
	Workers int

	// DefaultTimeout applies to jobs without their own timeout. Default 10s.
	DefaultTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight jobs on shutdown. Default 10s.
	DrainTimeout time.Duration

	// Backoff, when non-nil, stretches a job's effective interval after
	// repeated failures. The job is still attempted, just less often.
	Backoff *BackoffPolicy
}

// BackoffPolicy doubles the effective interval for each consecutive failure
// past AfterFailures, capped at MaxInterval. A success resets it.
type BackoffPolicy struct {
	AfterFailures int
	MaxInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	return c
}

// JobSpec is the configuration-facing description of one polling job.
type JobSpec struct {
	Source       string
	Interval     time.Duration
	Timeout      time.Duration
	Enabled      bool
	UsesLocation bool
	LogFailures  bool
}

// job is the registry's mutable per-source state. All fields are guarded by
// the registry mutex; the run state has its own lock so workers can gate
// overlap without holding the registry.
type job struct {
	JobSpec

	LastAttempt         time.Time
	LastSuccess         time.Time
	LastError           string
	ConsecutiveFailures int

	state *runState
	gen   uint64
}

// runState gates overlapping executions of one source. "Claimed" covers
// queued-but-not-started runs too, which keeps a slow source from piling up
// in the dispatch queue.
type runState struct {
	mu       sync.Mutex
	inflight int
}

func (s *runState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *runState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

func (s *runState) running() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight > 0
}

// Run is a claimed execution handed to a worker. Gen identifies this run so
// a late result from an abandoned fetch can be told apart from the current
// one.
type Run struct {
	Source       string
	Timeout      time.Duration
	UsesLocation bool
	LogFailures  bool
	Overdue      time.Duration
	Gen          uint64
}

// Outcome is what the collector reports back after one run.
type Outcome struct {
	OK       bool
	Kind     source.Kind
	Err      string
	Duration time.Duration
}

// JobStatus is the externally visible view of one job, served by the
// health and jobs endpoints.
type JobStatus struct {
	Source              string        `json:"source"`
	Interval            time.Duration `json:"-"`
	IntervalText        string        `json:"interval"`
	EffectiveText       string        `json:"effective_interval,omitempty"`
	Enabled             bool          `json:"enabled"`
	UsesLocation        bool          `json:"uses_location,omitempty"`
	LogFailures         bool          `json:"log_failures,omitempty"`
	Running             bool          `json:"running,omitempty"`
	LastAttempt         time.Time     `json:"last_attempt,omitzero"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// JobEvent is the payload published on the event bus after each run.
type JobEvent struct {
	Source   string        `json:"source"`
	When     time.Time     `json:"when"`
	Duration time.Duration `json:"duration"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Failures int           `json:"failures,omitempty"`
}

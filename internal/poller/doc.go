// Package poller implements the background collection engine: a tick-based
// scheduler dispatching per-source polling jobs to a bounded worker pool,
// with per-job failure isolation and persistent scheduling state.
//
// Guarantees:
//   - at most one run of a source is in flight at any time
//   - a failing source never delays or aborts other sources
//   - when more jobs are due than workers are free, the most overdue run
//     first and the rest carry over to later ticks
package poller

package poller

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

// JobStore is the slice of the store the registry needs for persistence.
type JobStore interface {
	SaveJob(ctx context.Context, rec store.JobRecord) error
	DeleteJob(ctx context.Context, src string) error
	ListJobs(ctx context.Context) ([]store.JobRecord, error)
}

// Registry holds all mutable scheduling state. The scheduler reads a due
// snapshot per tick; only collector workers mutate job outcomes, serialized
// per source by the overlap gate.
type Registry struct {
	mu      sync.Mutex
	jobs    map[string]*job
	backoff *BackoffPolicy

	st  JobStore
	log logx.Logger
}

func NewRegistry(st JobStore, backoff *BackoffPolicy, log logx.Logger) *Registry {
	return &Registry{
		jobs:    make(map[string]*job),
		backoff: backoff,
		st:      st,
		log:     log.With(logx.String("component", "registry")),
	}
}

// Load seeds the registry from configured specs, restoring persisted
// last-run metadata for sources that were known before the restart.
// Persisted records without a matching spec are left in the store but not
// scheduled; config is the source of truth for what runs.
func (r *Registry) Load(ctx context.Context, specs []JobSpec) error {
	var prev map[string]store.JobRecord
	if r.st != nil {
		recs, err := r.st.ListJobs(ctx)
		if err != nil {
			return err
		}
		prev = make(map[string]store.JobRecord, len(recs))
		for _, rec := range recs {
			prev[rec.Source] = rec
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*job, len(specs))
	for _, sp := range specs {
		sp.Source = strings.ToLower(strings.TrimSpace(sp.Source))
		j := &job{JobSpec: sp, state: &runState{}}
		if rec, ok := prev[sp.Source]; ok {
			j.LastAttempt = rec.LastAttempt
			j.LastSuccess = rec.LastSuccess
			j.LastError = rec.LastError
			j.ConsecutiveFailures = rec.ConsecutiveFailures
		}
		r.jobs[sp.Source] = j
	}
	return nil
}

// Replace atomically swaps the job set for a config reload. Runtime state
// (overlap gate, counters, last-run metadata) carries over for sources that
// remain configured, so an in-flight run keeps its gate.
func (r *Registry) Replace(specs []JobSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[string]*job, len(specs))
	for _, sp := range specs {
		sp.Source = strings.ToLower(strings.TrimSpace(sp.Source))
		j := &job{JobSpec: sp, state: &runState{}}
		if old, ok := r.jobs[sp.Source]; ok {
			j.state = old.state
			j.gen = old.gen
			j.LastAttempt = old.LastAttempt
			j.LastSuccess = old.LastSuccess
			j.LastError = old.LastError
			j.ConsecutiveFailures = old.ConsecutiveFailures
		}
		next[sp.Source] = j
	}
	r.jobs = next
}

// Due returns the sources that should run now, most overdue first. Jobs
// whose previous run is still claimed are skipped for this tick.
func (r *Registry) Due(now time.Time) []string {
	type due struct {
		src     string
		overdue time.Duration
	}
	r.mu.Lock()
	out := make([]due, 0, len(r.jobs))
	for src, j := range r.jobs {
		if !j.Enabled || j.state.running() {
			continue
		}
		if j.LastAttempt.IsZero() {
			// Never attempted: sorts ahead of anything with a real overdue.
			out = append(out, due{src, time.Duration(1 << 62)})
			continue
		}
		iv := effectiveInterval(j.Interval, j.ConsecutiveFailures, r.backoff)
		next := j.LastAttempt.Add(iv)
		if !now.Before(next) {
			out = append(out, due{src, now.Sub(next)})
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if out[a].overdue != out[b].overdue {
			return out[a].overdue > out[b].overdue
		}
		return out[a].src < out[b].src
	})
	srcs := make([]string, len(out))
	for i, d := range out {
		srcs[i] = d.src
	}
	return srcs
}

// Claim acquires the overlap gate for a source and returns the run to
// execute. It does not mark an attempt: a claimed run that cannot be
// dispatched this tick is released and stays due. Returns false when the
// source is unknown, disabled, or already claimed.
func (r *Registry) Claim(src string, now time.Time) (Run, bool) {
	r.mu.Lock()
	j, ok := r.jobs[src]
	if !ok || !j.Enabled {
		r.mu.Unlock()
		return Run{}, false
	}
	run := Run{
		Source:       src,
		Timeout:      j.Timeout,
		UsesLocation: j.UsesLocation,
		LogFailures:  j.LogFailures,
		Gen:          j.gen + 1,
	}
	if !j.LastAttempt.IsZero() {
		iv := effectiveInterval(j.Interval, j.ConsecutiveFailures, r.backoff)
		run.Overdue = now.Sub(j.LastAttempt.Add(iv))
	}
	state := j.state
	r.mu.Unlock()

	if !state.tryAcquire() {
		return Run{}, false
	}
	return run, true
}

// Release frees the overlap gate without recording a result, used when a
// claimed run is carried over to the next tick.
func (r *Registry) Release(src string) {
	r.mu.Lock()
	j, ok := r.jobs[src]
	r.mu.Unlock()
	if ok {
		j.state.release()
	}
}

// BeginRun marks the attempt just before the fetch starts and bumps the
// run generation. Late results from older generations are stale.
func (r *Registry) BeginRun(src string, now time.Time) {
	r.mu.Lock()
	if j, ok := r.jobs[src]; ok {
		j.LastAttempt = now
		j.gen++
	}
	r.mu.Unlock()
}

// Generation reports the current run generation for a source.
func (r *Registry) Generation(src string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[src]; ok {
		return j.gen
	}
	return 0
}

// RecordResult updates outcome state after a run, releases the overlap
// gate, and persists the record. Persistence failures are logged, not
// propagated: the next successful save will overwrite anyway.
func (r *Registry) RecordResult(ctx context.Context, src string, out Outcome, ts time.Time) {
	r.mu.Lock()
	j, ok := r.jobs[src]
	if !ok {
		r.mu.Unlock()
		return
	}
	if out.OK {
		j.LastSuccess = ts
		j.LastError = ""
		j.ConsecutiveFailures = 0
	} else {
		j.LastError = out.Err
		j.ConsecutiveFailures++
	}
	rec := store.JobRecord{
		Source:              j.Source,
		Interval:            j.Interval,
		Enabled:             j.Enabled,
		UsesLocation:        j.UsesLocation,
		LogFailures:         j.LogFailures,
		LastAttempt:         j.LastAttempt,
		LastSuccess:         j.LastSuccess,
		LastError:           j.LastError,
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
	state := j.state
	r.mu.Unlock()

	state.release()

	if r.st != nil {
		if err := r.st.SaveJob(ctx, rec); err != nil {
			r.log.Warn("job state not persisted", logx.String("source", src), logx.Err(err))
		}
	}
}

// Upsert adds or replaces a job. Takes effect on the next tick; an
// in-flight run of the same source keeps its gate.
func (r *Registry) Upsert(ctx context.Context, sp JobSpec) error {
	sp.Source = strings.ToLower(strings.TrimSpace(sp.Source))
	r.mu.Lock()
	j, ok := r.jobs[sp.Source]
	if ok {
		j.JobSpec = sp
	} else {
		j = &job{JobSpec: sp, state: &runState{}}
		r.jobs[sp.Source] = j
	}
	rec := store.JobRecord{
		Source:              j.Source,
		Interval:            j.Interval,
		Enabled:             j.Enabled,
		UsesLocation:        j.UsesLocation,
		LogFailures:         j.LogFailures,
		LastAttempt:         j.LastAttempt,
		LastSuccess:         j.LastSuccess,
		LastError:           j.LastError,
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
	r.mu.Unlock()

	if r.st != nil {
		return r.st.SaveJob(ctx, rec)
	}
	return nil
}

// SetEnabled flips a job's enabled flag. Returns false for unknown sources.
func (r *Registry) SetEnabled(ctx context.Context, src string, enabled bool) bool {
	src = strings.ToLower(strings.TrimSpace(src))
	r.mu.Lock()
	j, ok := r.jobs[src]
	if ok {
		j.Enabled = enabled
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := r.Upsert(ctx, r.spec(src)); err != nil {
		r.log.Warn("job state not persisted", logx.String("source", src), logx.Err(err))
	}
	return true
}

func (r *Registry) spec(src string) JobSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[src]; ok {
		return j.JobSpec
	}
	return JobSpec{}
}

// Remove drops a job from scheduling and deletes its persisted record.
// Stored readings for the source are kept.
func (r *Registry) Remove(ctx context.Context, src string) bool {
	src = strings.ToLower(strings.TrimSpace(src))
	r.mu.Lock()
	_, ok := r.jobs[src]
	delete(r.jobs, src)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if r.st != nil {
		if err := r.st.DeleteJob(ctx, src); err != nil {
			r.log.Warn("job record not deleted", logx.String("source", src), logx.Err(err))
		}
	}
	return true
}

// Status returns a sorted snapshot of every job for the health and jobs
// endpoints.
func (r *Registry) Status() []JobStatus {
	r.mu.Lock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, j := range r.jobs {
		st := JobStatus{
			Source:              j.Source,
			Interval:            j.Interval,
			IntervalText:        j.Interval.String(),
			Enabled:             j.Enabled,
			UsesLocation:        j.UsesLocation,
			LogFailures:         j.LogFailures,
			Running:             j.state.running(),
			LastAttempt:         j.LastAttempt,
			LastSuccess:         j.LastSuccess,
			LastError:           j.LastError,
			ConsecutiveFailures: j.ConsecutiveFailures,
		}
		if eff := effectiveInterval(j.Interval, j.ConsecutiveFailures, r.backoff); eff != j.Interval {
			st.EffectiveText = eff.String()
		}
		out = append(out, st)
	}
	r.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].Source < out[b].Source })
	return out
}

// Get returns the status of one job.
func (r *Registry) Get(src string) (JobStatus, bool) {
	src = strings.ToLower(strings.TrimSpace(src))
	for _, st := range r.Status() {
		if st.Source == src {
			return st, true
		}
	}
	return JobStatus{}, false
}

// Len reports the number of configured jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

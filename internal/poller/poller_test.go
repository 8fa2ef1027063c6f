package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pibackend/internal/source"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	readings []store.Reading
	jobs     map[string]store.JobRecord
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]store.JobRecord)}
}

func (m *memStore) WriteReading(_ context.Context, r store.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return nil
}

func (m *memStore) SaveJob(_ context.Context, rec store.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[rec.Source] = rec
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, src string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, src)
	return nil
}

func (m *memStore) ListJobs(_ context.Context) ([]store.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.JobRecord, 0, len(m.jobs))
	for _, rec := range m.jobs {
		out = append(out, rec)
	}
	return out, nil
}

func (m *memStore) readingsFor(src string) []store.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Reading
	for _, r := range m.readings {
		if r.Source == src {
			out = append(out, r)
		}
	}
	return out
}

type fakeFetcher struct {
	name string
	fn   func(ctx context.Context, p source.Params) (source.Payload, error)
}

func (f *fakeFetcher) Name() string { return f.name }
func (f *fakeFetcher) Fetch(ctx context.Context, p source.Params) (source.Payload, error) {
	return f.fn(ctx, p)
}

func newRegistry(t *testing.T, st JobStore, backoff *BackoffPolicy, specs ...JobSpec) *Registry {
	t.Helper()
	r := NewRegistry(st, backoff, logx.Nop())
	if err := r.Load(context.Background(), specs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return r
}

func spec(src string, iv time.Duration) JobSpec {
	return JobSpec{Source: src, Interval: iv, Enabled: true}
}

// finish simulates a worker completing a claimed run successfully.
func finish(r *Registry, src string, now time.Time) {
	r.BeginRun(src, now)
	r.RecordResult(context.Background(), src, Outcome{OK: true}, now)
}

func TestDueOrdering(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("a", 10*time.Second), spec("b", 10*time.Second), spec("c", 10*time.Second))

	// a attempted 30s ago, b 15s ago, c never.
	r.BeginRun("a", now.Add(-30*time.Second))
	r.RecordResult(context.Background(), "a", Outcome{OK: true}, now.Add(-30*time.Second))
	r.BeginRun("b", now.Add(-15*time.Second))
	r.RecordResult(context.Background(), "b", Outcome{OK: true}, now.Add(-15*time.Second))

	got := r.Due(now)
	want := []string{"c", "a", "b"}
	if len(got) != 3 {
		t.Fatalf("due = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("due order = %v, want %v", got, want)
		}
	}
}

func TestDueRespectsInterval(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("gps", 10*time.Second), spec("weather", 600*time.Second))

	// t=0: both never attempted, both due.
	if got := r.Due(now); len(got) != 2 {
		t.Fatalf("t=0 due = %v", got)
	}
	finish(r, "gps", now)
	finish(r, "weather", now)

	// t=+10s: only gps is due again.
	got := r.Due(now.Add(10 * time.Second))
	if len(got) != 1 || got[0] != "gps" {
		t.Fatalf("t=+10s due = %v", got)
	}

	// t=+600s: both due.
	finish(r, "gps", now.Add(10*time.Second))
	if got := r.Due(now.Add(600 * time.Second)); len(got) != 2 {
		t.Fatalf("t=+600s due = %v", got)
	}
}

func TestClaimBlocksOverlap(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("gps", time.Second))

	run, ok := r.Claim("gps", now)
	if !ok {
		t.Fatalf("first claim failed")
	}
	if _, ok := r.Claim("gps", now); ok {
		t.Fatalf("second claim must fail while first is held")
	}
	if got := r.Due(now.Add(time.Hour)); len(got) != 0 {
		t.Fatalf("claimed job must not be listed due, got %v", got)
	}

	r.BeginRun("gps", now)
	r.RecordResult(context.Background(), "gps", Outcome{OK: true}, now)
	if _, ok := r.Claim(run.Source, now.Add(time.Second)); !ok {
		t.Fatalf("claim after completion failed")
	}
}

func TestReleasedClaimStaysDue(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("gps", time.Second))

	if _, ok := r.Claim("gps", now); !ok {
		t.Fatalf("claim failed")
	}
	r.Release("gps")
	if got := r.Due(now); len(got) != 1 {
		t.Fatalf("released job must stay due, got %v", got)
	}
}

func TestFailureStreakAndReset(t *testing.T) {
	st := newMemStore()
	now := time.Now().UTC()
	r := newRegistry(t, st, nil, spec("weather", time.Second))

	finish(r, "weather", now)
	successAt := now

	for i := 0; i < 5; i++ {
		ts := now.Add(time.Duration(i+1) * time.Second)
		r.BeginRun("weather", ts)
		r.RecordResult(context.Background(), "weather", Outcome{Kind: source.KindTimeout, Err: "timeout: deadline"}, ts)
	}

	js, ok := r.Get("weather")
	if !ok {
		t.Fatalf("job missing")
	}
	if js.ConsecutiveFailures != 5 {
		t.Fatalf("failures = %d, want 5", js.ConsecutiveFailures)
	}
	if !js.LastSuccess.Equal(successAt) {
		t.Fatalf("last success moved during failure streak: %v", js.LastSuccess)
	}
	if js.LastError == "" {
		t.Fatalf("last error not recorded")
	}
	if rec := st.jobs["weather"]; rec.ConsecutiveFailures != 5 {
		t.Fatalf("persisted failures = %d", rec.ConsecutiveFailures)
	}

	ts := now.Add(10 * time.Second)
	finish(r, "weather", ts)
	js, _ = r.Get("weather")
	if js.ConsecutiveFailures != 0 || js.LastError != "" {
		t.Fatalf("success must reset streak, got %+v", js)
	}
}

func TestEffectiveInterval(t *testing.T) {
	p := &BackoffPolicy{AfterFailures: 3, MaxInterval: 8 * time.Minute}
	base := time.Minute

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, time.Minute},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{50, 8 * time.Minute},
	}
	for _, tc := range cases {
		if got := effectiveInterval(base, tc.failures, p); got != tc.want {
			t.Fatalf("failures=%d: got %v, want %v", tc.failures, got, tc.want)
		}
	}
	if got := effectiveInterval(base, 50, nil); got != base {
		t.Fatalf("nil policy must not stretch, got %v", got)
	}
}

func TestBackoffStretchesDueNotDisables(t *testing.T) {
	now := time.Now().UTC()
	p := &BackoffPolicy{AfterFailures: 1, MaxInterval: time.Hour}
	r := newRegistry(t, nil, p, spec("lte", 10*time.Second))

	r.BeginRun("lte", now)
	r.RecordResult(context.Background(), "lte", Outcome{Err: "down"}, now)

	if got := r.Due(now.Add(10 * time.Second)); len(got) != 0 {
		t.Fatalf("backed-off job due at base interval: %v", got)
	}
	if got := r.Due(now.Add(21 * time.Second)); len(got) != 1 {
		t.Fatalf("backed-off job must still run at stretched interval, got %v", got)
	}
}

func TestRegistryReplaceKeepsRuntimeState(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("gps", 10*time.Second), spec("ups", 30*time.Second))

	finish(r, "gps", now)
	r.BeginRun("gps", now)
	r.RecordResult(context.Background(), "gps", Outcome{Err: "bad fix"}, now)

	r.Replace([]JobSpec{spec("gps", 20*time.Second), spec("system", time.Minute)})

	js, ok := r.Get("gps")
	if !ok {
		t.Fatalf("gps missing after replace")
	}
	if js.Interval != 20*time.Second {
		t.Fatalf("interval not updated: %v", js.Interval)
	}
	if js.ConsecutiveFailures != 1 {
		t.Fatalf("failure streak lost on replace")
	}
	if _, ok := r.Get("ups"); ok {
		t.Fatalf("removed job survived replace")
	}
	if _, ok := r.Get("system"); !ok {
		t.Fatalf("added job missing after replace")
	}
}

func collectorFor(t *testing.T, r *Registry, st *memStore, b source.Bindings) *Collector {
	t.Helper()
	return NewCollector(r, b, st, nil, nil, nil, 5*time.Second, logx.Nop())
}

func TestCollectorWritesReading(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("system", time.Minute))
	b := source.Bindings{}
	b.Add(&fakeFetcher{name: "system", fn: func(context.Context, source.Params) (source.Payload, error) {
		return source.Payload{"cpu_percent": 12.5}, nil
	}})
	c := collectorFor(t, r, st, b)

	run, ok := r.Claim("system", time.Now().UTC())
	if !ok {
		t.Fatalf("claim failed")
	}
	c.Execute(context.Background(), run)

	rs := st.readingsFor("system")
	if len(rs) != 1 {
		t.Fatalf("readings = %d", len(rs))
	}
	if rs[0].Status != store.StatusOK || rs[0].Payload["cpu_percent"] != 12.5 {
		t.Fatalf("reading = %+v", rs[0])
	}
	js, _ := r.Get("system")
	if js.LastSuccess.IsZero() || js.ConsecutiveFailures != 0 {
		t.Fatalf("outcome not recorded: %+v", js)
	}
}

func TestFailureIsolation(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("bad", time.Minute), spec("good", time.Minute))
	b := source.Bindings{}
	b.Add(&fakeFetcher{name: "bad", fn: func(context.Context, source.Params) (source.Payload, error) {
		panic("device exploded")
	}})
	b.Add(&fakeFetcher{name: "good", fn: func(context.Context, source.Params) (source.Payload, error) {
		return source.Payload{"ok": true}, nil
	}})
	c := collectorFor(t, r, st, b)

	now := time.Now().UTC()
	for _, src := range []string{"bad", "good"} {
		run, ok := r.Claim(src, now)
		if !ok {
			t.Fatalf("claim %s failed", src)
		}
		c.Execute(context.Background(), run)
	}

	if len(st.readingsFor("good")) != 1 {
		t.Fatalf("good source blocked by bad one")
	}
	if len(st.readingsFor("bad")) != 0 {
		t.Fatalf("panicking source must not produce an ok reading")
	}
	js, _ := r.Get("bad")
	if js.ConsecutiveFailures != 1 || js.LastError == "" {
		t.Fatalf("panic not recorded as failure: %+v", js)
	}
}

func TestErrorReadingOnlyWhenConfigured(t *testing.T) {
	st := newMemStore()
	specs := []JobSpec{
		{Source: "loud", Interval: time.Minute, Enabled: true, LogFailures: true},
		{Source: "quiet", Interval: time.Minute, Enabled: true},
	}
	r := newRegistry(t, st, nil, specs...)
	fail := func(context.Context, source.Params) (source.Payload, error) {
		return nil, source.Errf(source.KindUnavailable, "sensor offline")
	}
	b := source.Bindings{}
	b.Add(&fakeFetcher{name: "loud", fn: fail})
	b.Add(&fakeFetcher{name: "quiet", fn: fail})
	c := collectorFor(t, r, st, b)

	now := time.Now().UTC()
	for _, src := range []string{"loud", "quiet"} {
		run, _ := r.Claim(src, now)
		c.Execute(context.Background(), run)
	}

	loud := st.readingsFor("loud")
	if len(loud) != 1 || loud[0].Status != store.StatusError || loud[0].Error == "" {
		t.Fatalf("log_failures source: readings = %+v", loud)
	}
	if n := len(st.readingsFor("quiet")); n != 0 {
		t.Fatalf("quiet source wrote %d error readings", n)
	}
}

func TestTimeoutAbandonsFetch(t *testing.T) {
	st := newMemStore()
	specs := []JobSpec{{Source: "slow", Interval: time.Minute, Enabled: true, Timeout: 30 * time.Millisecond}}
	r := newRegistry(t, st, nil, specs...)

	release := make(chan struct{})
	b := source.Bindings{}
	b.Add(&fakeFetcher{name: "slow", fn: func(context.Context, source.Params) (source.Payload, error) {
		// Ignores cancellation on purpose.
		<-release
		return source.Payload{"late": true}, nil
	}})
	c := collectorFor(t, r, st, b)

	run, _ := r.Claim("slow", time.Now().UTC())
	start := time.Now()
	c.Execute(context.Background(), run)
	if took := time.Since(start); took > 2*time.Second {
		t.Fatalf("execute blocked on uncooperative adapter for %v", took)
	}

	js, _ := r.Get("slow")
	if js.ConsecutiveFailures != 1 {
		t.Fatalf("timeout not recorded: %+v", js)
	}

	close(release)
	time.Sleep(20 * time.Millisecond)
	if n := len(st.readingsFor("slow")); n != 0 {
		t.Fatalf("late result must be discarded, found %d readings", n)
	}
}

func TestUnboundSourceFails(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("ghost", time.Minute))
	c := collectorFor(t, r, st, source.Bindings{})

	run, _ := r.Claim("ghost", time.Now().UTC())
	c.Execute(context.Background(), run)

	js, _ := r.Get("ghost")
	if js.ConsecutiveFailures != 1 {
		t.Fatalf("missing binding must count as failure: %+v", js)
	}
}

func TestTickDispatchBoundAndCarryOver(t *testing.T) {
	st := newMemStore()
	specs := make([]JobSpec, 0, 6)
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, n := range names {
		specs = append(specs, spec(n, time.Second))
	}
	r := newRegistry(t, st, nil, specs...)

	// Collector is never invoked; the queue is inspected directly.
	s := NewScheduler(Config{Workers: 2, Tick: time.Second}, r, nil, nil, logx.Nop())

	now := time.Now().UTC()
	dispatched := make(map[string]bool)

	ticks := 0
	for len(dispatched) < len(names) {
		ticks++
		if ticks > 10 {
			t.Fatalf("dispatched %d of %d jobs after %d ticks", len(dispatched), len(names), ticks)
		}
		s.tick(now.Add(time.Duration(ticks) * time.Second))

		n := 0
		for {
			select {
			case run := <-s.queue:
				if dispatched[run.Source] {
					t.Fatalf("job %s dispatched twice before completion", run.Source)
				}
				dispatched[run.Source] = true
				n++
				finish(r, run.Source, now.Add(time.Duration(ticks)*time.Second))
				// Completed jobs get a long interval so they do not come due again.
				_ = r.Upsert(context.Background(), spec(run.Source, time.Hour))
			default:
				goto drained
			}
		}
	drained:
		if n > 2 {
			t.Fatalf("tick dispatched %d jobs with pool size 2", n)
		}
	}
	// ceil(6/2) = 3 ticks for six due jobs on two workers.
	if ticks != 3 {
		t.Fatalf("took %d ticks, want 3", ticks)
	}
}

func TestSchedulerRunDrains(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("system", time.Second))
	b := source.Bindings{}
	started := make(chan struct{}, 1)
	b.Add(&fakeFetcher{name: "system", fn: func(ctx context.Context, _ source.Params) (source.Payload, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		return source.Payload{"n": 1}, nil
	}})
	c := collectorFor(t, r, st, b)
	s := NewScheduler(Config{Workers: 2, Tick: 10 * time.Millisecond, DrainTimeout: time.Second}, r, c, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no job executed")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if len(st.readingsFor("system")) == 0 {
		t.Fatalf("no readings written")
	}
}

func TestStoreWriteFailureRecorded(t *testing.T) {
	r := newRegistry(t, nil, nil, spec("system", time.Minute))
	b := source.Bindings{}
	b.Add(&fakeFetcher{name: "system", fn: func(context.Context, source.Params) (source.Payload, error) {
		return source.Payload{"n": 1}, nil
	}})
	c := NewCollector(r, b, failingStore{}, nil, nil, nil, time.Second, logx.Nop())

	run, _ := r.Claim("system", time.Now().UTC())
	c.Execute(context.Background(), run)

	js, _ := r.Get("system")
	if js.ConsecutiveFailures != 1 || js.LastError == "" {
		t.Fatalf("store failure not recorded: %+v", js)
	}
}

type failingStore struct{}

func (failingStore) WriteReading(context.Context, store.Reading) error {
	return errors.New("disk full")
}

func TestShutdownLetsInFlightRunFinish(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("speedtest", time.Minute))
	b := source.Bindings{}
	started := make(chan struct{}, 1)
	b.Add(&fakeFetcher{name: "speedtest", fn: func(ctx context.Context, _ source.Params) (source.Payload, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		// Honors cancellation; a live context must let it run to the end.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(300 * time.Millisecond):
			return source.Payload{"download_mbps": 42.0}, nil
		}
	}})
	c := collectorFor(t, r, st, b)
	s := NewScheduler(Config{Workers: 1, Tick: 10 * time.Millisecond, DrainTimeout: 2 * time.Second}, r, c, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no job executed")
	}
	// Cancel mid-fetch: the run gets the grace period, not instant cancellation.
	cancel()
	begun := time.Now()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
	if took := time.Since(begun); took < 200*time.Millisecond {
		t.Fatalf("drain returned after %v, before the in-flight fetch could finish", took)
	}

	if n := len(st.readingsFor("speedtest")); n == 0 {
		t.Fatalf("reading from the in-flight run was lost")
	}
	js, _ := r.Get("speedtest")
	if js.ConsecutiveFailures != 0 || js.LastError != "" {
		t.Fatalf("shutdown recorded a spurious failure: %+v", js)
	}
}

func TestShutdownCancelsAfterGraceExpires(t *testing.T) {
	st := newMemStore()
	r := newRegistry(t, st, nil, spec("gps", time.Minute))
	b := source.Bindings{}
	started := make(chan struct{}, 1)
	b.Add(&fakeFetcher{name: "gps", fn: func(ctx context.Context, _ source.Params) (source.Payload, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return source.Payload{}, nil
		}
	}})
	c := collectorFor(t, r, st, b)
	s := NewScheduler(Config{Workers: 1, Tick: 10 * time.Millisecond, DrainTimeout: 100 * time.Millisecond}, r, c, nil, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("no job executed")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("Run hung past the grace period on an overrunning fetch")
	}
}

func TestClaimReportsOverdue(t *testing.T) {
	now := time.Now().UTC()
	r := newRegistry(t, nil, nil, spec("system", 10*time.Second))
	r.BeginRun("system", now.Add(-25*time.Second))
	r.RecordResult(context.Background(), "system", Outcome{OK: true}, now.Add(-25*time.Second))

	run, ok := r.Claim("system", now)
	if !ok {
		t.Fatalf("claim failed")
	}
	if run.Overdue < 14*time.Second || run.Overdue > 16*time.Second {
		t.Fatalf("overdue = %v, want ~15s", run.Overdue)
	}
}

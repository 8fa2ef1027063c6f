package poller

import (
	"context"
	"fmt"
	"time"

	"pibackend/internal/eventbus"
	"pibackend/internal/metrics"
	"pibackend/internal/source"
	"pibackend/internal/store"
	logx "pibackend/pkg/logx"
)

// Locator resolves the location parameters for jobs flagged uses_location.
// Implemented by the app layer (latest GNSS fix with a config fallback).
type Locator interface {
	Resolve(ctx context.Context) (source.Params, error)
}

// ReadingStore is the slice of the store the collector writes through.
type ReadingStore interface {
	WriteReading(ctx context.Context, r store.Reading) error
}

// Collector executes one dispatched run end to end: resolve the adapter,
// fetch under a deadline, persist the reading, record the outcome. Any
// adapter fault stops here; nothing propagates into the scheduler loop.
type Collector struct {
	reg      *Registry
	bindings source.Bindings
	st       ReadingStore
	locator  Locator
	bus      eventbus.Bus
	met      *metrics.Set
	log      logx.Logger

	defaultTimeout time.Duration
}

func NewCollector(reg *Registry, bindings source.Bindings, st ReadingStore, locator Locator, bus eventbus.Bus, met *metrics.Set, defaultTimeout time.Duration, log logx.Logger) *Collector {
	if defaultTimeout <= 0 {
		defaultTimeout = 10 * time.Second
	}
	return &Collector{
		reg:            reg,
		bindings:       bindings,
		st:             st,
		locator:        locator,
		bus:            bus,
		met:            met,
		log:            log.With(logx.String("component", "collector")),
		defaultTimeout: defaultTimeout,
	}
}

type fetched struct {
	payload source.Payload
	err     error
}

// Execute runs one claimed job. The caller (a scheduler worker) has already
// acquired the overlap gate via Registry.Claim; Execute always records a
// result, which releases it.
func (c *Collector) Execute(ctx context.Context, run Run) {
	start := time.Now().UTC()
	c.reg.BeginRun(run.Source, start)

	c.met.JobStarted()
	defer c.met.JobFinished()

	out := c.runOnce(ctx, run, start)
	done := time.Now().UTC()
	out.Duration = done.Sub(start)
	c.met.ObserveFetch(run.Source, out.Duration)

	c.reg.RecordResult(ctx, run.Source, out, done)

	ev := JobEvent{Source: run.Source, When: done, Duration: out.Duration}
	if out.OK {
		c.log.Debug("poll ok", logx.String("source", run.Source), logx.Duration("took", out.Duration))
		c.publish(eventbus.EventJobSucceeded, done, ev)
		return
	}

	if run.LogFailures {
		c.writeErrorReading(ctx, run, done, out)
	}
	c.met.FetchFailed(run.Source, string(out.Kind))
	ev.Kind = string(out.Kind)
	ev.Error = out.Err
	if st, ok := c.reg.Get(run.Source); ok {
		ev.Failures = st.ConsecutiveFailures
	}
	c.log.Warn("poll failed",
		logx.String("source", run.Source),
		logx.String("kind", string(out.Kind)),
		logx.String("error", out.Err),
		logx.Int("failures", ev.Failures),
		logx.Duration("took", out.Duration))
	c.publish(eventbus.EventJobFailed, done, ev)
}

func (c *Collector) runOnce(ctx context.Context, run Run, start time.Time) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: source.KindRemote, Err: fmt.Sprintf("adapter panic: %v", r)}
		}
	}()

	f, ok := c.bindings.Resolve(run.Source)
	if !ok {
		return Outcome{Kind: source.KindUnavailable, Err: "no adapter bound for source"}
	}

	var params source.Params
	if run.UsesLocation && c.locator != nil {
		p, err := c.locator.Resolve(ctx)
		if err != nil {
			c.log.Debug("location unresolved, fetching without", logx.String("source", run.Source), logx.Err(err))
		} else {
			params = p
		}
	}

	timeout := run.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res := c.fetch(fctx, f, params, run)
	if res.err != nil {
		return Outcome{Kind: source.Classify(res.err), Err: res.err.Error()}
	}

	reading := store.Reading{
		Source:  run.Source,
		At:      start,
		Status:  store.StatusOK,
		Payload: res.payload,
	}
	if err := c.st.WriteReading(ctx, reading); err != nil {
		return Outcome{Kind: source.KindUnavailable, Err: "store write: " + err.Error()}
	}
	c.met.ReadingWritten(run.Source)
	c.publish(eventbus.EventReadingStored, reading.At, reading)
	return Outcome{OK: true}
}

// fetch races the adapter call against the deadline. An adapter that
// ignores cancellation is abandoned: its goroutine is left to finish and
// its late result is discarded, with the generation telling us whether a
// newer run has started since.
func (c *Collector) fetch(ctx context.Context, f source.Fetcher, params source.Params, run Run) fetched {
	ch := make(chan fetched, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetched{err: source.Errf(source.KindRemote, "adapter panic: %v", r)}
			}
		}()
		p, err := f.Fetch(ctx, params)
		ch <- fetched{payload: p, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil && ctx.Err() != nil {
			return fetched{err: source.Wrap(source.KindTimeout, ctx.Err())}
		}
		return res
	case <-ctx.Done():
		go c.reapLate(ch, run)
		return fetched{err: source.Wrap(source.KindTimeout, ctx.Err())}
	}
}

// reapLate drains the abandoned fetch so its goroutine can exit, then
// drops the result on the floor.
func (c *Collector) reapLate(ch <-chan fetched, run Run) {
	res := <-ch
	stale := c.reg.Generation(run.Source) != run.Gen
	c.log.Debug("late result from abandoned fetch discarded",
		logx.String("source", run.Source),
		logx.Bool("superseded", stale),
		logx.Bool("errored", res.err != nil))
}

// writeErrorReading persists an error-status reading for sources configured
// with log_failures. For everything else, the absence of a fresh reading
// plus the registry's error state is the failure signal.
func (c *Collector) writeErrorReading(ctx context.Context, run Run, at time.Time, out Outcome) {
	r := store.Reading{
		Source: run.Source,
		At:     at,
		Status: store.StatusError,
		Error:  out.Err,
	}
	if err := c.st.WriteReading(ctx, r); err != nil {
		c.log.Warn("error reading not persisted", logx.String("source", run.Source), logx.Err(err))
	}
}

func (c *Collector) publish(typ eventbus.Type, when time.Time, data any) {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: typ, Time: when, Data: data})
	}
}

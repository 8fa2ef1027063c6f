package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pibackend/internal/metrics"
	logx "pibackend/pkg/logx"
)

// Scheduler runs the tick loop: every tick it asks the registry which jobs
// are due and hands each to a bounded worker pool. A source whose previous
// run is still going is skipped by the registry; due jobs that do not fit
// in the pool this tick stay due and go first next tick.
type Scheduler struct {
	cfg Config
	reg *Registry
	col *Collector
	met *metrics.Set
	log logx.Logger

	queue chan Run
	wg    sync.WaitGroup

	inFlight   atomic.Int32
	ticks      atomic.Uint64
	dispatched atomic.Uint64
	carried    atomic.Uint64
}

func NewScheduler(cfg Config, reg *Registry, col *Collector, met *metrics.Set, log logx.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:   cfg,
		reg:   reg,
		col:   col,
		met:   met,
		log:   log.With(logx.String("component", "scheduler")),
		queue: make(chan Run, cfg.Workers),
	}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs for up to
// the configured grace period. Restart-safe: the supervisor may call it
// again after a panic.
func (s *Scheduler) Run(ctx context.Context) error {
	stopCh := make(chan struct{})

	// Runs execute under a context detached from the tick loop: shutdown
	// must let an in-flight collect finish within the grace period instead
	// of cancelling it mid-fetch. cancelRuns fires only when the drain
	// wait gives up.
	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()

	s.wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		go s.worker(runCtx, stopCh)
	}

	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.Tick),
		logx.Int("workers", s.cfg.Workers),
		logx.Int("jobs", s.reg.Len()))

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			s.tick(now.UTC())
		}
	}

	close(stopCh)
	s.drainQueue()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(s.cfg.DrainTimeout):
		cancelRuns()
		s.log.Warn("scheduler stopped with jobs still in flight",
			logx.Int("in_flight", int(s.inFlight.Load())))
	}
	return nil
}

func (s *Scheduler) tick(now time.Time) {
	start := time.Now()
	s.ticks.Add(1)

	for _, src := range s.reg.Due(now) {
		run, ok := s.reg.Claim(src, now)
		if !ok {
			continue
		}
		select {
		case s.queue <- run:
			s.dispatched.Add(1)
			if run.Overdue > s.cfg.Tick {
				s.log.Debug("job dispatched late",
					logx.String("source", run.Source),
					logx.Duration("overdue", run.Overdue))
			}
		default:
			// Pool saturated; release the claim so the job stays due.
			// Remaining due jobs are even less overdue, stop here.
			s.reg.Release(src)
			s.carried.Add(1)
			s.met.ObserveTick(time.Since(start))
			return
		}
	}
	s.met.ObserveTick(time.Since(start))
}

func (s *Scheduler) worker(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}

		select {
		case <-stopCh:
			return
		case run := <-s.queue:
			s.inFlight.Add(1)
			s.col.Execute(ctx, run)
			s.inFlight.Add(-1)
		}
	}
}

// drainQueue releases claims for runs that were queued but never started,
// so a future scheduler instance is not blocked by orphaned gates.
func (s *Scheduler) drainQueue() {
	for {
		select {
		case run := <-s.queue:
			s.reg.Release(run.Source)
		default:
			return
		}
	}
}

// Snapshot is the scheduler part of the health view.
type Snapshot struct {
	Enabled     bool        `json:"enabled"`
	Tick        string      `json:"tick"`
	Workers     int         `json:"workers"`
	InFlight    int         `json:"in_flight"`
	QueueLen    int         `json:"queue_len"`
	Ticks       uint64      `json:"ticks"`
	Dispatched  uint64      `json:"dispatched"`
	CarriedOver uint64      `json:"carried_over"`
	Jobs        []JobStatus `json:"jobs"`
}

func (s *Scheduler) Snapshot() Snapshot {
	return Snapshot{
		Enabled:     s.cfg.Enabled,
		Tick:        s.cfg.Tick.String(),
		Workers:     s.cfg.Workers,
		InFlight:    int(s.inFlight.Load()),
		QueueLen:    len(s.queue),
		Ticks:       s.ticks.Load(),
		Dispatched:  s.dispatched.Load(),
		CarriedOver: s.carried.Load(),
		Jobs:        s.reg.Status(),
	}
}

// Package notify pushes failure-streak alerts to a Telegram chat. It
// watches job events on the bus and speaks up when a source crosses the
// failure threshold, then once more when it recovers. Without a token the
// notifier simply never runs.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"pibackend/internal/eventbus"
	"pibackend/internal/poller"
	logx "pibackend/pkg/logx"
)

type Config struct {
	Token  string
	ChatID int64

	// FailureThreshold is the consecutive-failure count that triggers an
	// alert. Default 5.
	FailureThreshold int

	// RatePerMin caps outgoing messages. Default 6.
	RatePerMin int
}

type Service struct {
	cfg     Config
	bot     *tele.Bot
	chat    *tele.Chat
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	alerting map[string]bool // sources we have alerted on and not yet cleared

	// sendFn is swapped out in tests.
	sendFn func(ctx context.Context, text string)
}

// New builds the notifier. Returns an error only for a bad token; the
// caller decides whether that is fatal.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 6
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: false,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	s := &Service{
		cfg:      cfg,
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		bus:      bus,
		log:      log.With(logx.String("component", "notify")),
		limiter:  rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60), 2),
		alerting: map[string]bool{},
	}
	s.sendFn = s.send
	return s, nil
}

// Run consumes job events until ctx is cancelled. Intended to run under
// the supervisor.
func (s *Service) Run(ctx context.Context) error {
	events, unsubscribe := s.bus.SubscribeTypes(64, eventbus.EventJobFailed, eventbus.EventJobSucceeded)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	je, ok := ev.Data.(poller.JobEvent)
	if !ok {
		return
	}
	switch ev.Type {
	case eventbus.EventJobFailed:
		if je.Failures != s.cfg.FailureThreshold {
			return
		}
		s.mu.Lock()
		already := s.alerting[je.Source]
		s.alerting[je.Source] = true
		s.mu.Unlock()
		if already {
			return
		}
		s.sendFn(ctx, fmt.Sprintf("⚠️ source %q has failed %d times in a row\nlast error: %s",
			je.Source, je.Failures, je.Error))

	case eventbus.EventJobSucceeded:
		s.mu.Lock()
		wasAlerting := s.alerting[je.Source]
		delete(s.alerting, je.Source)
		s.mu.Unlock()
		if wasAlerting {
			s.sendFn(ctx, fmt.Sprintf("✅ source %q recovered", je.Source))
		}
	}
}

func (s *Service) send(ctx context.Context, text string) {
	// Drop rather than queue: a stale alert is worse than a missing one.
	if !s.limiter.Allow() {
		s.log.Warn("alert dropped by rate limit")
		return
	}
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(s.chat, text)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("alert not delivered", logx.Err(err))
		}
	case <-ctx.Done():
	case <-time.After(10 * time.Second):
		s.log.Warn("alert send timed out")
	}
}

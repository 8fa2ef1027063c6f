package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"pibackend/internal/eventbus"
	"pibackend/internal/poller"
)

func testService(t *testing.T) (*Service, *[]string) {
	t.Helper()
	var sent []string
	s := &Service{
		cfg:      Config{FailureThreshold: 3},
		alerting: map[string]bool{},
	}
	s.sendFn = func(_ context.Context, text string) { sent = append(sent, text) }
	return s, &sent
}

func failEvent(src string, failures int) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.EventJobFailed,
		Time: time.Now(),
		Data: poller.JobEvent{Source: src, Failures: failures, Error: "deadline exceeded"},
	}
}

func okEvent(src string) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.EventJobSucceeded,
		Time: time.Now(),
		Data: poller.JobEvent{Source: src},
	}
}

func TestAlertsOnceAtThreshold(t *testing.T) {
	s, sent := testService(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		s.handle(ctx, failEvent("weather", i))
	}
	if len(*sent) != 1 {
		t.Fatalf("sent = %d messages, want 1", len(*sent))
	}
	if !strings.Contains((*sent)[0], `"weather"`) || !strings.Contains((*sent)[0], "3 times") {
		t.Fatalf("alert = %q", (*sent)[0])
	}
}

func TestRecoveryMessage(t *testing.T) {
	s, sent := testService(t)
	ctx := context.Background()

	s.handle(ctx, failEvent("gps", 3))
	s.handle(ctx, okEvent("gps"))
	if len(*sent) != 2 {
		t.Fatalf("sent = %d messages, want alert + recovery", len(*sent))
	}
	if !strings.Contains((*sent)[1], "recovered") {
		t.Fatalf("second = %q", (*sent)[1])
	}

	// A success with no active alert stays quiet.
	s.handle(ctx, okEvent("gps"))
	if len(*sent) != 2 {
		t.Fatalf("silent success should not message, sent = %d", len(*sent))
	}
}

func TestIgnoresForeignEvents(t *testing.T) {
	s, sent := testService(t)
	s.handle(context.Background(), eventbus.Event{Type: eventbus.EventStorePruned, Data: 42})
	if len(*sent) != 0 {
		t.Fatalf("sent = %d", len(*sent))
	}
}

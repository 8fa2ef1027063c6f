package eventbus

import (
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	ch1, unsub1 := b.Subscribe(4)
	ch2, unsub2 := b.Subscribe(4)
	defer unsub1()
	defer unsub2()

	b.Publish(Event{Type: EventReadingStored, Data: "r1"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := recvOne(t, ch)
		if ev.Type != EventReadingStored || ev.Data != "r1" {
			t.Fatalf("event = %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Fatal("publish did not stamp the time")
		}
	}
}

func TestSubscribeTypesFilters(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeTypes(4, EventJobFailed, EventJobSucceeded)
	defer unsub()

	b.Publish(Event{Type: EventReadingStored})
	b.Publish(Event{Type: EventStorePruned})
	b.Publish(Event{Type: EventJobFailed, Data: "boom"})

	ev := recvOne(t, ch)
	if ev.Type != EventJobFailed {
		t.Fatalf("type = %q, want %q", ev.Type, EventJobFailed)
	}
	select {
	case extra := <-ch:
		t.Fatalf("filtered event delivered: %+v", extra)
	default:
	}
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: EventJobSucceeded, Data: 1})
	b.Publish(Event{Type: EventJobSucceeded, Data: 2})

	if ev := recvOne(t, ch); ev.Data != 1 {
		t.Fatalf("first event = %+v", ev)
	}
	select {
	case ev := <-ch:
		t.Fatalf("overflow event delivered: %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub() // idempotent

	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(Event{Type: EventJobFailed})

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
}

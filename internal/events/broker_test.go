package events_test

import (
	"testing"

	"github.com/seantiz/taskmesh/internal/events"
)

func lines(ch <-chan events.Event) []string {
	var out []string
	for ev := range ch {
		out = append(out, ev.Line)
	}
	return out
}

func TestBrokerSingleSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	want := []string{"line 1", "line 2", "line 3"}
	for _, l := range want {
		b.Publish("e1", events.Event{Kind: events.KindLog, Line: l})
	}
	b.Close("e1")

	got := lines(ch)
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d", len(got), len(want))
	}
	for i := range got {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBrokerStampsTime(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	b.Publish("e1", events.Event{Kind: events.KindTask})
	ev := <-ch
	if ev.Time.IsZero() {
		t.Error("Publish should stamp the event time")
	}
}

func TestBrokerMultipleSubscribers(t *testing.T) {
	b := events.NewBroker()
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	b.Publish("e1", events.Event{Line: "hello"})
	b.Close("e1")

	if got := lines(ch1); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 1 got %v", got)
	}
	if got := lines(ch2); len(got) != 1 || got[0] != "hello" {
		t.Errorf("subscriber 2 got %v", got)
	}
}

func TestBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := events.NewBroker()
	b.Publish("e1", events.Event{Line: "early"})
	b.Close("e1")

	ch, unsub := b.Subscribe("e1")
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	unsub()

	b.Publish("e1", events.Event{Line: "after unsub"})
	b.Close("e1")

	select {
	case ev, ok := <-ch:
		if ok {
			t.Errorf("got unexpected event %+v after unsubscribe", ev)
		}
	default:
	}
}

func TestBrokerTopicsAreIsolated(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("a")
	defer unsub()

	b.Publish("b", events.Event{Line: "for b"})
	b.Publish("a", events.Event{Line: "for a"})
	b.Close("a")

	if got := lines(ch); len(got) != 1 || got[0] != "for a" {
		t.Errorf("got %v", got)
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	for range 200 {
		b.Publish("e1", events.Event{Line: "x"})
	}
	b.Close("e1")

	if got := len(lines(ch)); got != 64 {
		t.Errorf("buffered %d events, want 64", got)
	}
}

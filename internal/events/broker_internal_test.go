package events

import (
	"testing"
	"time"
)

func TestBrokerPrunesClosedMarkers(t *testing.T) {
	b := NewBroker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Close("e1")

	now = now.Add(closedRetention / 2)
	ch, _ := b.Subscribe("e1")
	if _, ok := <-ch; ok {
		t.Fatal("subscriber within retention got an open channel")
	}

	now = now.Add(closedRetention)
	b.Close("e2")

	b.mu.Lock()
	_, kept := b.topics["e1"]
	_, marked := b.topics["e2"]
	n := len(b.topics)
	b.mu.Unlock()
	if kept {
		t.Error("marker for e1 not pruned after retention")
	}
	if !marked || n != 1 {
		t.Errorf("topics = %d, e2 marked = %v", n, marked)
	}
}

func TestBrokerDropsIdleOpenTopic(t *testing.T) {
	b := NewBroker()
	_, unsub1 := b.Subscribe("e1")
	_, unsub2 := b.Subscribe("e1")

	unsub1()
	b.mu.Lock()
	_, ok := b.topics["e1"]
	b.mu.Unlock()
	if !ok {
		t.Fatal("topic dropped while a subscriber remains")
	}

	unsub2()
	b.mu.Lock()
	n := len(b.topics)
	b.mu.Unlock()
	if n != 0 {
		t.Errorf("topics = %d after last unsubscribe, want 0", n)
	}
}

func TestBrokerCloseTwiceKeepsFirstTime(t *testing.T) {
	b := NewBroker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Close("e1")
	first := now
	now = now.Add(time.Second)
	b.Close("e1")

	b.mu.Lock()
	got := b.topics["e1"].closedAt
	b.mu.Unlock()
	if !got.Equal(first) {
		t.Errorf("closedAt = %v, want %v", got, first)
	}
}

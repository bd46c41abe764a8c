// Package events fans out coordinator notifications and execution log lines
// to live subscribers such as SSE clients.
package events

import (
	"sync"
	"time"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// closedRetention is how long a closed topic stays as a marker. It covers the
// gap between the close and the store recording the execution as finished,
// after which readers no longer subscribe.
const closedRetention = time.Minute

// CoordinatorTopic carries task and subtask status events.
const CoordinatorTopic = "coordinator"

// Event kinds.
const (
	KindTask    = "task"
	KindSubtask = "subtask"
	KindLog     = "log"
)

// Event is one published notification.
type Event struct {
	Kind        string    `json:"kind"`
	TaskID      string    `json:"task_id,omitempty"`
	SubtaskID   string    `json:"subtask_id,omitempty"`
	ExecutionID string    `json:"execution_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Progress    float64   `json:"progress,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	Line        string    `json:"line,omitempty"`
	Time        time.Time `json:"time"`
}

// Broker manages per-topic fan-out to subscribers. It is safe for
// concurrent use.
//
// Closed topics are kept as markers for closedRetention so that subscribers
// arriving shortly after the close get a closed channel instead of blocking
// forever. Open topics are dropped when their last subscriber leaves.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	now    func() time.Time
}

type topic struct {
	subs     map[int]chan Event
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic), now: time.Now}
}

// Subscribe returns a channel receiving the events of name and an
// unsubscribe function. A closed topic yields a closed channel.
func (b *Broker) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[name] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.closed && b.topics[name] == t {
			delete(b.topics, name)
		}
	}
}

// Publish sends ev to every subscriber of name without blocking. A zero
// ev.Time is set to now.
func (b *Broker) Publish(name string, ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends topic name: subscriber channels are closed and subscribers
// arriving within closedRetention get a closed channel. Markers older than
// that are pruned.
func (b *Broker) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)

	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[name] = t
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

func (b *Broker) pruneLocked(now time.Time) {
	for name, t := range b.topics {
		if t.closed && now.Sub(t.closedAt) > closedRetention {
			delete(b.topics, name)
		}
	}
}

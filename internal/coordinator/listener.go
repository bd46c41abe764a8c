package coordinator

import (
	"log/slog"
	"sync"
)

// Listener observes task and subtask state transitions. Implementations must
// be comparable (pointer receivers) and must not block.
type Listener interface {
	TaskStatusChanged(taskID string)
	SubtaskStatusChanged(subtaskID string)
}

// ListenerBus is the registry of listeners notified on state transitions.
// It is safe for concurrent use.
type ListenerBus struct {
	mu        sync.Mutex
	listeners []Listener
	logger    *slog.Logger
}

// NewListenerBus creates an empty bus.
func NewListenerBus(logger *slog.Logger) *ListenerBus {
	return &ListenerBus{logger: logger}
}

// Register adds l. Registering the same listener twice is logged and ignored.
func (b *ListenerBus) Register(l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.listeners {
		if existing == l {
			b.logger.Error("listener already registered", "listener", slog.AnyValue(l))
			return false
		}
	}
	b.listeners = append(b.listeners, l)
	return true
}

// Unregister removes l if present.
func (b *ListenerBus) Unregister(l Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.listeners {
		if existing == l {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of registered listeners.
func (b *ListenerBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// notice is one pending notification collected while the coordinator holds
// its lock and dispatched after it is released.
type notice struct {
	taskID    string
	subtaskID string
}

func taskNotice(taskID string) notice       { return notice{taskID: taskID} }
func subtaskNotice(subtaskID string) notice { return notice{subtaskID: subtaskID} }

// dispatch delivers notices to a snapshot of the registered listeners.
func (b *ListenerBus) dispatch(notices []notice) {
	if len(notices) == 0 {
		return
	}
	b.mu.Lock()
	listeners := make([]Listener, len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	for _, n := range notices {
		for _, l := range listeners {
			b.deliver(l, n)
		}
	}
}

// deliver calls one listener, containing any panic it raises.
func (b *ListenerBus) deliver(l Listener, n notice) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", "task_id", n.taskID, "subtask_id", n.subtaskID, "panic", r)
		}
	}()
	if n.subtaskID != "" {
		l.SubtaskStatusChanged(n.subtaskID)
		return
	}
	l.TaskStatusChanged(n.taskID)
}

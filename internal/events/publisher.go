package events

import (
	"github.com/seantiz/taskmesh/internal/model"
)

// StateSource is the read side of the coordinator used to enrich events.
type StateSource interface {
	QueryTaskState(taskID string) (*model.TaskState, error)
	SubtaskState(subtaskID string) (model.SubtaskState, bool)
}

// StatusRemoved is reported for a task or subtask that no longer exists.
const StatusRemoved = "removed"

// Publisher is a coordinator listener that republishes every notification
// on CoordinatorTopic. Notifications arrive after the coordinator has
// released its lock, so the source may be queried from here.
type Publisher struct {
	broker *Broker
	source StateSource
}

// NewPublisher creates a listener publishing to broker.
func NewPublisher(broker *Broker, source StateSource) *Publisher {
	return &Publisher{broker: broker, source: source}
}

// TaskStatusChanged implements coordinator.Listener.
func (p *Publisher) TaskStatusChanged(taskID string) {
	ev := Event{Kind: KindTask, TaskID: taskID, Status: StatusRemoved}
	if ts, err := p.source.QueryTaskState(taskID); err == nil {
		ev.Status = string(ts.Status)
		ev.Progress = ts.Progress
	}
	p.broker.Publish(CoordinatorTopic, ev)
}

// SubtaskStatusChanged implements coordinator.Listener.
func (p *Publisher) SubtaskStatusChanged(subtaskID string) {
	ev := Event{Kind: KindSubtask, SubtaskID: subtaskID, Status: StatusRemoved}
	if ss, ok := p.source.SubtaskState(subtaskID); ok {
		ev.TaskID = ss.TaskID
		ev.Status = string(ss.Status)
		ev.Progress = ss.Progress
	}
	p.broker.Publish(CoordinatorTopic, ev)
}

package coordinator

import (
	"context"

	"github.com/seantiz/taskmesh/internal/model"
)

const inboxSize = 256

// Completion is the outcome of one unit reported by the execution side.
// A nil Result or a non-empty Error marks a failure.
type Completion struct {
	SubtaskID string
	Result    *model.Result
	Error     string
}

// Succeeded reports whether the completion carries a usable result.
func (m Completion) Succeeded() bool {
	return m.Error == "" && m.Result != nil
}

// Deliver queues a completion for the Run loop. It blocks while the inbox is
// full and returns ctx's error if ctx is done first.
func (c *Coordinator) Deliver(ctx context.Context, m Completion) error {
	select {
	case c.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply routes a completion to the matching coordinator operation.
func (c *Coordinator) apply(m Completion) bool {
	if m.Succeeded() {
		return c.IngestResult(m.SubtaskID, *m.Result)
	}
	return c.ReportFailure(m.SubtaskID, m.Error)
}

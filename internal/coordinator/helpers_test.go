package coordinator_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type failCall struct {
	subtaskID  string
	start, end int
}

// stubTask hands out one unit per pending range and requeues failed ranges.
type stubTask struct {
	header  model.TaskHeader
	pending [][2]int
	total   int
	done    int
	seq     int

	failed   []failCall
	finished []string

	panicOnQuery bool
	rejectResult bool
	preview      string
	onInit       func()
}

func newStubTask(id string, units int, ttl, subtaskTimeout time.Duration) *stubTask {
	st := &stubTask{
		header: model.TaskHeader{TaskID: id, TTL: ttl, SubtaskTimeout: subtaskTimeout},
		total:  units,
	}
	for i := range units {
		st.pending = append(st.pending, [2]int{i*10 + 1, i*10 + 10})
	}
	return st
}

func (s *stubTask) Header() *model.TaskHeader { return &s.header }
func (s *stubTask) NeedsComputation() bool    { return len(s.pending) > 0 }

func (s *stubTask) Initialize() error {
	if s.onInit != nil {
		s.onInit()
	}
	return nil
}

func (s *stubTask) QueryExtraData(perf float64, cores int) (*model.UnitDescriptor, error) {
	if s.panicOnQuery {
		panic("query exploded")
	}
	if len(s.pending) == 0 {
		return nil, errors.New("no work")
	}
	r := s.pending[0]
	s.pending = s.pending[1:]
	s.seq++
	return &model.UnitDescriptor{
		SubtaskID:        fmt.Sprintf("%s-sub-%d", s.header.TaskID, s.seq),
		Performance:      perf,
		ShortDescription: fmt.Sprintf("chunks %d-%d", r[0], r[1]),
		ExtraData:        map[string]any{model.ExtraStartTask: r[0], model.ExtraEndTask: r[1]},
	}, nil
}

func (s *stubTask) ComputationFinished(subtaskID string, _ model.Result, _ *coordinator.Environment) error {
	if s.rejectResult {
		return errors.New("bad result")
	}
	s.done++
	s.finished = append(s.finished, subtaskID)
	return nil
}

func (s *stubTask) FinishedComputation() bool { return s.done == s.total }

func (s *stubTask) SubtaskFailed(subtaskID string, start, end int) {
	s.failed = append(s.failed, failCall{subtaskID, start, end})
	s.pending = append(s.pending, [2]int{start, end})
}

func (s *stubTask) Progress() float64 {
	if s.total == 0 {
		return 1
	}
	return float64(s.done) / float64(s.total)
}

func (s *stubTask) Counters() model.ProgressCounters {
	return model.ProgressCounters{
		TotalTasks:  s.total,
		TotalChunks: s.total * 10,
		ChunksLeft:  len(s.pending) * 10,
	}
}

func (s *stubTask) ShortExtraDataRepr(float64) string {
	if len(s.pending) == 0 {
		return ""
	}
	return fmt.Sprintf("chunks %d-%d", s.pending[0][0], s.pending[0][1])
}

type previewTask struct {
	*stubTask
}

func (p previewTask) PreviewFilePath() string { return p.preview }

// recorder is a Listener that records every notification.
type recorder struct {
	mu       sync.Mutex
	tasks    []string
	subtasks []string
	onTask   func(string)
}

func (r *recorder) TaskStatusChanged(id string) {
	r.mu.Lock()
	r.tasks = append(r.tasks, id)
	hook := r.onTask
	r.mu.Unlock()
	if hook != nil {
		hook(id)
	}
}

func (r *recorder) SubtaskStatusChanged(id string) {
	r.mu.Lock()
	r.subtasks = append(r.subtasks, id)
	r.mu.Unlock()
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks), len(r.subtasks)
}

type panicListener struct{}

func (*panicListener) TaskStatusChanged(string)    { panic("listener exploded") }
func (*panicListener) SubtaskStatusChanged(string) { panic("listener exploded") }

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	env := coordinator.NewEnvironment(t.TempDir(), "node-1")
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := coordinator.New(coordinator.Options{
		OwnerAddress: "10.0.0.1",
		OwnerPort:    40102,
		Clock:        clock.Now,
	}, env, logger)
	return c, clock
}

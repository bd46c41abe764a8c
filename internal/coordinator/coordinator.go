package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskmesh/internal/model"
)

var (
	// ErrTaskExists is returned when a task id is submitted twice.
	ErrTaskExists = errors.New("task already exists")
	// ErrUnknownTask is returned when querying a task the coordinator does not hold.
	ErrUnknownTask = errors.New("unknown task")
	// ErrInvalidTask is returned when a submitted task has no usable header.
	ErrInvalidTask = errors.New("invalid task")
)

// snapshotPerformance is the performance hint used when describing the next
// unit of each task in a progress snapshot.
const snapshotPerformance = 2200.0

// Options configures a Coordinator.
type Options struct {
	// OwnerAddress and OwnerPort are stamped on every submitted task and on
	// every leased unit as its return address.
	OwnerAddress string
	OwnerPort    int

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Coordinator is the authoritative lease and state store for tasks.
type Coordinator struct {
	mu            sync.Mutex
	tasks         map[string]Task
	states        map[string]*model.TaskState
	subtaskToTask map[string]string

	ownerAddress string
	ownerPort    int
	now          func() time.Time

	env    *Environment
	bus    *ListenerBus
	inbox  chan Completion
	logger *slog.Logger
}

// New creates a coordinator using env for task storage.
func New(opts Options, env *Environment, logger *slog.Logger) *Coordinator {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		tasks:         make(map[string]Task),
		states:        make(map[string]*model.TaskState),
		subtaskToTask: make(map[string]string),
		ownerAddress:  opts.OwnerAddress,
		ownerPort:     opts.OwnerPort,
		now:           clock,
		env:           env,
		bus:           NewListenerBus(logger),
		inbox:         make(chan Completion, inboxSize),
		logger:        logger,
	}
}

// Environment returns the environment the coordinator was created with.
func (c *Coordinator) Environment() *Environment {
	return c.env
}

// RegisterListener adds l to the set of notified listeners.
func (c *Coordinator) RegisterListener(l Listener) {
	c.bus.Register(l)
}

// UnregisterListener removes l.
func (c *Coordinator) UnregisterListener(l Listener) {
	c.bus.Unregister(l)
}

// Submit registers a new task in the waiting state.
func (c *Coordinator) Submit(t Task) error {
	h := t.Header()
	if h == nil || h.TaskID == "" {
		return fmt.Errorf("%w: missing task id", ErrInvalidTask)
	}
	id := h.TaskID

	c.mu.Lock()
	if _, ok := c.tasks[id]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskExists, id)
	}

	if c.env != nil {
		if err := c.env.ClearTemporary(id); err != nil {
			c.logger.Warn("failed to clear temporary dir", "task_id", id, "error", err)
		}
	}

	now := c.now()
	if err := c.guard(id, "initialize", t.Initialize); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("initialize task %s: %w", id, err)
	}

	h.OwnerAddress = c.ownerAddress
	h.OwnerPort = c.ownerPort
	h.LastChecked = now
	h.Status = model.TaskWaiting

	c.tasks[id] = t
	c.states[id] = &model.TaskState{
		Status:        model.TaskWaiting,
		TimeStarted:   now,
		RemainingTime: model.RemainingUnknown,
		SubtaskStates: make(map[string]*model.SubtaskState),
	}
	tasksGauge.Set(float64(len(c.tasks)))
	c.mu.Unlock()

	c.logger.Info("task submitted", "task_id", id, "ttl", h.TTL, "subtask_timeout", h.SubtaskTimeout)
	c.bus.dispatch([]notice{taskNotice(id)})
	return nil
}

// HasTask reports whether the coordinator holds a task with the given id.
func (c *Coordinator) HasTask(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tasks[taskID]
	return ok
}

// LeaseNextUnit asks the task for its next unit of work and records a
// starting lease for it. It returns false when the task is unknown, has no
// work left, or fails to produce a unit.
func (c *Coordinator) LeaseNextUnit(workerID, taskID string, performance float64, numCores int) (*model.UnitDescriptor, bool) {
	c.mu.Lock()

	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		c.logger.Info("cannot lease unit: unknown task", "task_id", taskID, "worker_id", workerID)
		return nil, false
	}

	var needs bool
	if err := c.guard(taskID, "needs computation", func() error {
		needs = t.NeedsComputation()
		return nil
	}); err != nil || !needs {
		c.mu.Unlock()
		c.logger.Info("cannot lease unit: no work left", "task_id", taskID, "worker_id", workerID, "error", err)
		return nil, false
	}

	var desc *model.UnitDescriptor
	err := c.guard(taskID, "query extra data", func() error {
		var qerr error
		desc, qerr = t.QueryExtraData(performance, numCores)
		return qerr
	})
	if err == nil && desc == nil {
		err = errors.New("task returned no unit")
	}
	if err == nil && desc.SubtaskID == "" {
		err = errors.New("task returned a unit without subtask id")
	}
	if err == nil {
		if _, dup := c.subtaskToTask[desc.SubtaskID]; dup {
			err = fmt.Errorf("task returned duplicate subtask id %s", desc.SubtaskID)
		}
	}
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("cannot lease unit", "task_id", taskID, "worker_id", workerID, "error", err)
		return nil, false
	}

	start, end, ok := desc.ChunkRange()
	if !ok {
		c.logger.Warn("unit has no work range", "task_id", taskID, "subtask_id", desc.SubtaskID)
	}

	h := t.Header()
	now := c.now()
	desc.TaskID = taskID
	desc.ReturnAddress = c.ownerAddress
	desc.ReturnPort = c.ownerPort

	state := c.states[taskID]
	c.subtaskToTask[desc.SubtaskID] = taskID
	state.SubtaskStates[desc.SubtaskID] = &model.SubtaskState{
		SubtaskID:     desc.SubtaskID,
		TaskID:        taskID,
		Computer:      model.ComputerState{NodeID: workerID, Performance: performance},
		Definition:    desc.ShortDescription,
		StartChunk:    start,
		EndChunk:      end,
		Status:        model.SubtaskStarting,
		TTL:           h.SubtaskTimeout,
		LastChecked:   now,
		TimeStarted:   now,
		RemainingTime: model.RemainingUnknown,
	}
	if state.Status == model.TaskWaiting {
		state.Status = model.TaskComputing
		h.Status = model.TaskComputing
	}
	leasesTotal.WithLabelValues(outcomeLeased).Inc()
	c.mu.Unlock()

	c.logger.Info("unit leased", "task_id", taskID, "subtask_id", desc.SubtaskID, "worker_id", workerID,
		"start_chunk", start, "end_chunk", end)
	c.bus.dispatch([]notice{subtaskNotice(desc.SubtaskID), taskNotice(taskID)})
	return desc, true
}

// IngestResult applies the result of a leased unit. Results for unknown
// subtasks, or for leases that are no longer awaiting a result, are rejected.
func (c *Coordinator) IngestResult(subtaskID string, result model.Result) bool {
	c.mu.Lock()

	taskID, ss, ok := c.lookupLocked(subtaskID)
	if !ok {
		c.mu.Unlock()
		c.logger.Error("result for unknown subtask", "subtask_id", subtaskID)
		leasesTotal.WithLabelValues(outcomeRejected).Inc()
		return false
	}
	if !model.ValidSubtaskTransition(ss.Status, model.SubtaskFinished) {
		c.mu.Unlock()
		c.logger.Warn("result for subtask not awaiting one", "task_id", taskID, "subtask_id", subtaskID, "status", ss.Status)
		leasesTotal.WithLabelValues(outcomeRejected).Inc()
		return false
	}

	t := c.tasks[taskID]
	if err := c.guard(taskID, "computation finished", func() error {
		return t.ComputationFinished(subtaskID, result, c.env)
	}); err != nil {
		c.mu.Unlock()
		c.logger.Error("task rejected result", "task_id", taskID, "subtask_id", subtaskID, "error", err)
		leasesTotal.WithLabelValues(outcomeRejected).Inc()
		return false
	}

	c.transitionLocked(ss, model.SubtaskFinished)
	ss.Progress = 1.0
	ss.RemainingTime = 0

	var finished bool
	_ = c.guard(taskID, "finished computation", func() error {
		finished = t.FinishedComputation()
		return nil
	})
	status := model.TaskComputing
	if finished {
		status = model.TaskFinished
	}
	c.states[taskID].Status = status
	t.Header().Status = status
	leasesTotal.WithLabelValues(outcomeFinished).Inc()
	c.mu.Unlock()

	c.logger.Info("result accepted", "task_id", taskID, "subtask_id", subtaskID,
		"result_type", result.Type.String(), "items", len(result.Data), "task_status", status)
	c.bus.dispatch([]notice{subtaskNotice(subtaskID), taskNotice(taskID)})
	return true
}

// ReportProgress records a worker's progress estimate for an active lease
// and moves it from starting to computing.
func (c *Coordinator) ReportProgress(subtaskID string, progress float64, remaining time.Duration) bool {
	c.mu.Lock()

	taskID, ss, ok := c.lookupLocked(subtaskID)
	if !ok || !ss.Status.Active() {
		c.mu.Unlock()
		c.logger.Warn("progress for subtask not in progress", "subtask_id", subtaskID)
		return false
	}

	changed := ss.Status == model.SubtaskStarting && c.transitionLocked(ss, model.SubtaskComputing)
	ss.Progress = min(max(progress, 0), 1)
	ss.RemainingTime = remaining
	c.mu.Unlock()

	if changed {
		c.bus.dispatch([]notice{subtaskNotice(subtaskID), taskNotice(taskID)})
	}
	return true
}

// ReportFailure marks an active lease as failed and returns its work range
// to the task.
func (c *Coordinator) ReportFailure(subtaskID, reason string) bool {
	c.mu.Lock()

	taskID, ss, ok := c.lookupLocked(subtaskID)
	if !ok || !ss.Status.Active() {
		c.mu.Unlock()
		c.logger.Warn("failure for subtask not in progress", "subtask_id", subtaskID, "reason", reason)
		return false
	}

	if !c.failLeaseLocked(c.tasks[taskID], ss) {
		c.mu.Unlock()
		return false
	}
	leasesTotal.WithLabelValues(outcomeFailed).Inc()
	c.mu.Unlock()

	c.logger.Warn("subtask failed", "task_id", taskID, "subtask_id", subtaskID, "reason", reason)
	c.bus.dispatch([]notice{subtaskNotice(subtaskID), taskNotice(taskID)})
	return true
}

// Sweep decays every task TTL and every active lease TTL by the time elapsed
// since it was last checked. Expired tasks are discarded together with all
// their leases; expired leases are marked failed and their work range is
// returned to the task.
func (c *Coordinator) Sweep(now time.Time) {
	begin := time.Now()
	var notices []notice

	c.mu.Lock()

	var expired []string
	for id, t := range c.tasks {
		h := t.Header()
		h.TTL -= elapsedSince(h.LastChecked, now)
		h.LastChecked = now
		if h.TTL <= 0 {
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		c.removeTaskLocked(id)
		tasksExpiredTotal.Inc()
		notices = append(notices, taskNotice(id))
		c.logger.Info("task expired", "task_id", id)
	}

	for id, state := range c.states {
		t := c.tasks[id]
		for sid, ss := range state.SubtaskStates {
			if !ss.Status.Active() {
				continue
			}
			ss.TTL -= elapsedSince(ss.LastChecked, now)
			ss.LastChecked = now
			if ss.TTL > 0 {
				continue
			}
			ss.TTL = 0
			if !c.failLeaseLocked(t, ss) {
				continue
			}
			leasesTotal.WithLabelValues(outcomeExpired).Inc()
			notices = append(notices, subtaskNotice(sid), taskNotice(id))
			c.logger.Info("subtask lease expired", "task_id", id, "subtask_id", sid)
		}
	}
	tasksGauge.Set(float64(len(c.tasks)))
	c.mu.Unlock()

	if c.env != nil {
		for _, id := range expired {
			if err := c.env.Remove(id); err != nil {
				c.logger.Warn("failed to remove task dir", "task_id", id, "error", err)
			}
		}
	}
	sweepDuration.Observe(time.Since(begin).Seconds())
	c.bus.dispatch(notices)
}

// QueryTaskState returns a snapshot of the task's state with elapsed,
// progress and remaining time recomputed.
func (c *Coordinator) QueryTaskState(taskID string) (*model.TaskState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	state := c.states[taskID]

	var progress float64
	_ = c.guard(taskID, "progress", func() error {
		progress = t.Progress()
		return nil
	})

	elapsed := c.now().Sub(state.TimeStarted)
	state.ElapsedTime = elapsed
	state.Progress = progress
	if progress > 0 {
		state.RemainingTime = time.Duration(float64(elapsed)/progress) - elapsed
	} else {
		state.RemainingTime = model.RemainingUnknown
	}
	if p, ok := t.(Previewer); ok {
		state.ResultPreview = p.PreviewFilePath()
	}
	return state.Clone(), nil
}

// SubtaskState returns a copy of the lease record for subtaskID.
func (c *Coordinator) SubtaskState(subtaskID string) (model.SubtaskState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ss, ok := c.lookupLocked(subtaskID)
	if !ok {
		return model.SubtaskState{}, false
	}
	return *ss, true
}

// CollectProgressSnapshots returns a progress view of every task that is
// not yet complete, keyed by task id.
func (c *Coordinator) CollectProgressSnapshots() map[string]model.ProgressSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]model.ProgressSnapshot)
	for id, t := range c.tasks {
		var snap model.ProgressSnapshot
		err := c.guard(id, "progress snapshot", func() error {
			snap = model.ProgressSnapshot{
				TaskID:           id,
				ProgressCounters: t.Counters(),
				Progress:         t.Progress(),
				ShortDescription: t.ShortExtraDataRepr(snapshotPerformance),
			}
			return nil
		})
		if err != nil || snap.Progress >= 1.0 {
			continue
		}
		out[id] = snap
	}
	return out
}

// TaskHeaders returns copies of the headers of tasks that still need computation.
func (c *Coordinator) TaskHeaders() []model.TaskHeader {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []model.TaskHeader
	for id, t := range c.tasks {
		var needs bool
		_ = c.guard(id, "needs computation", func() error {
			needs = t.NeedsComputation()
			return nil
		})
		if needs {
			out = append(out, *t.Header())
		}
	}
	return out
}

func (c *Coordinator) lookupLocked(subtaskID string) (string, *model.SubtaskState, bool) {
	taskID, ok := c.subtaskToTask[subtaskID]
	if !ok {
		return "", nil, false
	}
	state, ok := c.states[taskID]
	if !ok {
		return "", nil, false
	}
	ss, ok := state.SubtaskStates[subtaskID]
	if !ok {
		return "", nil, false
	}
	return taskID, ss, true
}

// transitionLocked is the only writer of a lease status. A move the
// status table does not allow is logged and leaves the lease unchanged.
func (c *Coordinator) transitionLocked(ss *model.SubtaskState, to model.SubtaskStatus) bool {
	if !model.ValidSubtaskTransition(ss.Status, to) {
		c.logger.Error("invalid subtask transition", "task_id", ss.TaskID, "subtask_id", ss.SubtaskID,
			"from", ss.Status, "to", to)
		return false
	}
	ss.Status = to
	return true
}

// failLeaseLocked moves an active lease to failure and re-queues its range.
func (c *Coordinator) failLeaseLocked(t Task, ss *model.SubtaskState) bool {
	if !c.transitionLocked(ss, model.SubtaskFailure) {
		return false
	}
	_ = c.guard(ss.TaskID, "subtask failed", func() error {
		t.SubtaskFailed(ss.SubtaskID, ss.StartChunk, ss.EndChunk)
		return nil
	})
	return true
}

func (c *Coordinator) removeTaskLocked(taskID string) {
	if state, ok := c.states[taskID]; ok {
		for sid := range state.SubtaskStates {
			delete(c.subtaskToTask, sid)
		}
	}
	delete(c.states, taskID)
	delete(c.tasks, taskID)
}

// guard runs a task capability call, converting a panic into an error so a
// faulty task cannot take the coordinator down.
func (c *Coordinator) guard(taskID, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", op, r)
			c.logger.Error("task capability panicked", "task_id", taskID, "op", op, "panic", r)
		}
	}()
	return fn()
}

// elapsedSince never reports negative time, so a clock step backwards
// cannot raise a TTL.
func elapsedSince(last, now time.Time) time.Duration {
	if d := now.Sub(last); d > 0 {
		return d
	}
	return 0
}

package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/taskmesh/internal/coordinator"
	"github.com/seantiz/taskmesh/internal/engine"
	"github.com/seantiz/taskmesh/internal/model"
)

// DefaultPollInterval is used when Options.PollInterval is zero.
const DefaultPollInterval = 500 * time.Millisecond

// deliverTimeout bounds how long a finished unit waits for inbox space,
// including after the worker has been asked to stop.
const deliverTimeout = 10 * time.Second

// Coordinator is the part of the coordinator the worker drives.
type Coordinator interface {
	TaskHeaders() []model.TaskHeader
	LeaseNextUnit(workerID, taskID string, performance float64, numCores int) (*model.UnitDescriptor, bool)
	ReportProgress(subtaskID string, progress float64, remaining time.Duration) bool
	Deliver(ctx context.Context, m coordinator.Completion) error
}

// Runner executes units. *engine.Engine implements it.
type Runner interface {
	Launch(ctx context.Context, u *engine.Unit, cb engine.Callback)
	Progress(u *engine.Unit) float64
	Wait()
}

// Options configures a Worker.
type Options struct {
	NodeID       string
	Performance  float64
	Slots        int
	PollInterval time.Duration
}

// Worker leases units while it has free slots.
type Worker struct {
	coord  Coordinator
	runner Runner
	env    *coordinator.Environment
	opts   Options
	slots  chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*runningUnit
}

// runningUnit is a launched unit and the progress last sent for it.
type runningUnit struct {
	unit     *engine.Unit
	reported float64
}

// New creates a worker. Slots below one are raised to one.
func New(coord Coordinator, runner Runner, env *coordinator.Environment, opts Options, logger *slog.Logger) *Worker {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Worker{
		coord:  coord,
		runner: runner,
		env:    env,
		opts:   opts,
		slots:  make(chan struct{}, opts.Slots),
		logger: logger.With("worker_id", opts.NodeID),

		running: make(map[string]*runningUnit),
	}
}

// Run polls until ctx is cancelled and then waits for running units.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	w.logger.Info("worker started", "slots", w.opts.Slots, "performance", w.opts.Performance)
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			w.runner.Wait()
			w.logger.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll forwards changed progress of running units, then leases as many
// units as there are free slots, visiting tasks in header order. It returns
// the number launched.
func (w *Worker) Poll(ctx context.Context) int {
	w.reportProgress()

	launched := 0
	for _, h := range w.coord.TaskHeaders() {
		if h.Status == model.TaskFinished {
			continue
		}
		for ctx.Err() == nil {
			if !w.acquire() {
				return launched
			}
			desc, ok := w.coord.LeaseNextUnit(w.opts.NodeID, h.TaskID, w.opts.Performance, w.opts.Slots)
			if !ok {
				w.release()
				break
			}
			unitsLeased.Inc()
			w.launch(ctx, desc)
			launched++
		}
	}
	return launched
}

func (w *Worker) launch(ctx context.Context, desc *model.UnitDescriptor) {
	logger := w.logger.With("task_id", desc.TaskID, "subtask_id", desc.SubtaskID)

	tmpDir, err := w.env.SubtaskDir(desc.TaskID, desc.SubtaskID)
	if err != nil {
		logger.Error("prepare subtask dir", "error", err)
		w.complete(ctx, coordinator.Completion{SubtaskID: desc.SubtaskID, Error: err.Error()}, logger)
		return
	}

	u := engine.NewUnit(desc, w.env.ResourceDir(desc.TaskID), tmpDir)
	w.coord.ReportProgress(desc.SubtaskID, w.runner.Progress(u), model.RemainingUnknown)
	w.mu.Lock()
	w.running[u.SubtaskID] = &runningUnit{unit: u}
	w.mu.Unlock()
	logger.Info("unit launched", "description", desc.ShortDescription)

	w.runner.Launch(ctx, u, engine.CallbackFunc(func(u *engine.Unit) {
		w.mu.Lock()
		delete(w.running, u.SubtaskID)
		w.mu.Unlock()

		m := coordinator.Completion{SubtaskID: u.SubtaskID}
		if u.Errored {
			m.Error = u.ErrorMsg
		} else {
			result := u.Result
			m.Result = &result
		}
		w.complete(ctx, m, logger)
	}))
}

// complete hands m to the coordinator and frees the unit's slot.
func (w *Worker) complete(ctx context.Context, m coordinator.Completion, logger *slog.Logger) {
	defer w.release()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliverTimeout)
	defer cancel()
	if err := w.coord.Deliver(dctx, m); err != nil {
		unitsCompleted.WithLabelValues(outcomeUndelivered).Inc()
		logger.Warn("completion not delivered, lease will expire", "error", err)
		return
	}
	if m.Succeeded() {
		unitsCompleted.WithLabelValues(outcomeSucceeded).Inc()
	} else {
		unitsCompleted.WithLabelValues(outcomeFailed).Inc()
	}
}

// reportProgress sends the runner's progress for every running unit whose
// value changed since the last report.
func (w *Worker) reportProgress() {
	type update struct {
		subtaskID string
		progress  float64
	}
	var updates []update

	w.mu.Lock()
	for id, r := range w.running {
		p := w.runner.Progress(r.unit)
		if p != r.reported {
			r.reported = p
			updates = append(updates, update{id, p})
		}
	}
	w.mu.Unlock()

	for _, up := range updates {
		remaining := model.RemainingUnknown
		if up.progress >= 1 {
			remaining = 0
		}
		w.coord.ReportProgress(up.subtaskID, up.progress, remaining)
	}
}

func (w *Worker) acquire() bool {
	select {
	case w.slots <- struct{}{}:
		busySlots.Inc()
		return true
	default:
		return false
	}
}

func (w *Worker) release() {
	<-w.slots
	busySlots.Dec()
}

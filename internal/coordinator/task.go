package coordinator

import "github.com/seantiz/taskmesh/internal/model"

// Task is the capability set the coordinator requires from a task plugin.
// The task is the sole authority on how its work is partitioned.
type Task interface {
	// Header returns the task's mutable header. The coordinator stamps the
	// owner fields and decays TTL/LastChecked through this pointer.
	Header() *model.TaskHeader

	// Initialize prepares internal bookkeeping before the first lease.
	Initialize() error

	// NeedsComputation reports whether there is still work to hand out.
	NeedsComputation() bool

	// QueryExtraData produces the next unit of work. The returned subtask id
	// must be unique within the task.
	QueryExtraData(performance float64, numCores int) (*model.UnitDescriptor, error)

	// ComputationFinished applies an accepted result for a unit. It runs
	// with the coordinator locked, so storing file results should be a
	// rename rather than a copy. A returned error rejects the result and
	// leaves the lease active.
	ComputationFinished(subtaskID string, result model.Result, env *Environment) error

	// FinishedComputation reports whether every unit has been completed.
	FinishedComputation() bool

	// SubtaskFailed returns the work range of an expired or failed lease to
	// the task so it can be offered again.
	SubtaskFailed(subtaskID string, startChunk, endChunk int)

	// Progress returns completion in [0, 1].
	Progress() float64

	// Counters reports the task's work counters.
	Counters() model.ProgressCounters

	// ShortExtraDataRepr describes the next unit for the given performance hint.
	ShortExtraDataRepr(performance float64) string
}

// Previewer is implemented by tasks that can expose a preview of their result.
type Previewer interface {
	PreviewFilePath() string
}

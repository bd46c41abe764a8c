package model

// TaskStatus is the externally visible status of a task.
type TaskStatus string

// Task status constants.
const (
	TaskWaiting   TaskStatus = "waiting"
	TaskComputing TaskStatus = "computing"
	TaskFinished  TaskStatus = "finished"
)

// SubtaskStatus is the status of one subtask lease.
type SubtaskStatus string

// Subtask status constants.
const (
	SubtaskStarting  SubtaskStatus = "starting"
	SubtaskComputing SubtaskStatus = "computing"
	SubtaskFinished  SubtaskStatus = "finished"
	SubtaskFailure   SubtaskStatus = "failure"
)

// validSubtaskTransitions maps each lease status to the statuses it may move to.
// finished and failure are terminal.
var validSubtaskTransitions = map[SubtaskStatus]map[SubtaskStatus]bool{
	SubtaskStarting: {
		SubtaskComputing: true,
		SubtaskFinished:  true,
		SubtaskFailure:   true,
	},
	SubtaskComputing: {
		SubtaskFinished: true,
		SubtaskFailure:  true,
	},
}

// ValidSubtaskTransition reports whether a lease may move from one status to another.
func ValidSubtaskTransition(from, to SubtaskStatus) bool {
	targets, ok := validSubtaskTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Active reports whether the lease can still move, which means a worker
// holds it. Active leases are the only ones whose TTL decays during a sweep.
func (s SubtaskStatus) Active() bool {
	return len(validSubtaskTransitions[s]) > 0
}

package model

import "time"

// Execution status constants.
const (
	ExecPending   = "pending"
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
)

// validExecTransitions maps each execution status to the statuses it may move to.
var validExecTransitions = map[string]map[string]bool{
	ExecPending: {
		ExecRunning: true,
		ExecFailed:  true,
	},
	ExecRunning: {
		ExecCompleted: true,
		ExecFailed:    true,
	},
}

// ValidExecTransition reports whether an execution may move from one status to another.
func ValidExecTransition(from, to string) bool {
	targets, ok := validExecTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Execution is the history record of one sandboxed run of a leased unit.
type Execution struct {
	ID          string     `json:"id"`
	SubtaskID   string     `json:"subtask_id"`
	TaskID      string     `json:"task_id"`
	Image       string     `json:"image,omitempty"`
	Status      string     `json:"status"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	ResultFiles int        `json:"result_files"`
	TimeoutS    *float64   `json:"timeout_s,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Log stream names for captured execution output.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LogLine is a single persisted line of captured execution output.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Stream      string    `json:"stream"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}

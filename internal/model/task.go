package model

import (
	"maps"
	"time"
)

// Keys of UnitDescriptor.ExtraData that carry the work range of a unit.
const (
	ExtraStartTask = "startTask"
	ExtraEndTask   = "endTask"
)

// UnitOutputDir is the directory, inside a unit's scratch directory, that
// holds the files the unit produced.
const UnitOutputDir = "output"

// RemainingUnknown is reported as the remaining time of a task that has not
// made any progress yet.
const RemainingUnknown time.Duration = -1

// TaskHeader carries the identity and decay fields of a task. The owner
// address and port are stamped by the coordinator on submission.
type TaskHeader struct {
	TaskID         string        `json:"task_id"`
	OwnerAddress   string        `json:"owner_address"`
	OwnerPort      int           `json:"owner_port"`
	TTL            time.Duration `json:"ttl"`
	LastChecked    time.Time     `json:"last_checked"`
	SubtaskTimeout time.Duration `json:"subtask_timeout"`
	Status         TaskStatus    `json:"status"`
}

// ComputerState identifies the worker holding a lease.
type ComputerState struct {
	NodeID      string  `json:"node_id"`
	Performance float64 `json:"performance"`
}

// SubtaskState is the lease record for one unit of work.
type SubtaskState struct {
	SubtaskID     string        `json:"subtask_id"`
	TaskID        string        `json:"task_id"`
	Computer      ComputerState `json:"computer"`
	Definition    string        `json:"definition"`
	StartChunk    int           `json:"start_chunk"`
	EndChunk      int           `json:"end_chunk"`
	Status        SubtaskStatus `json:"status"`
	TTL           time.Duration `json:"ttl"`
	LastChecked   time.Time     `json:"last_checked"`
	TimeStarted   time.Time     `json:"time_started"`
	Progress      float64       `json:"progress"`
	RemainingTime time.Duration `json:"remaining_time"`
}

// TaskState mirrors the externally visible status of a task. ElapsedTime,
// Progress and RemainingTime are recomputed on every query.
type TaskState struct {
	Status        TaskStatus               `json:"status"`
	TimeStarted   time.Time                `json:"time_started"`
	ElapsedTime   time.Duration            `json:"elapsed_time"`
	Progress      float64                  `json:"progress"`
	RemainingTime time.Duration            `json:"remaining_time"`
	SubtaskStates map[string]*SubtaskState `json:"subtask_states"`
	ResultPreview string                   `json:"result_preview,omitempty"`
}

// Clone returns a deep copy of the state, safe to hand out of the coordinator.
func (ts *TaskState) Clone() *TaskState {
	c := *ts
	c.SubtaskStates = make(map[string]*SubtaskState, len(ts.SubtaskStates))
	for id, ss := range ts.SubtaskStates {
		cp := *ss
		c.SubtaskStates[id] = &cp
	}
	return &c
}

// UnitDescriptor describes one leased unit of work. It is produced by the
// task and handed to the worker that won the lease.
type UnitDescriptor struct {
	SubtaskID        string         `json:"subtask_id"`
	TaskID           string         `json:"task_id"`
	Performance      float64        `json:"performance"`
	ShortDescription string         `json:"short_description"`
	ExtraData        map[string]any `json:"extra_data"`

	SrcCode          string        `json:"src_code,omitempty"`
	Images           []string      `json:"images,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	Timeout          time.Duration `json:"timeout,omitempty"`
	ReturnAddress    string        `json:"return_address,omitempty"`
	ReturnPort       int           `json:"return_port,omitempty"`
}

// ChunkRange extracts the work range from ExtraData. Numbers decoded from
// JSON arrive as float64 and are accepted too.
func (d *UnitDescriptor) ChunkRange() (start, end int, ok bool) {
	start, ok1 := intValue(d.ExtraData[ExtraStartTask])
	end, ok2 := intValue(d.ExtraData[ExtraEndTask])
	return start, end, ok1 && ok2
}

// CloneExtraData returns a shallow copy of ExtraData.
func (d *UnitDescriptor) CloneExtraData() map[string]any {
	if d.ExtraData == nil {
		return map[string]any{}
	}
	return maps.Clone(d.ExtraData)
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ResultType tags the payload of a Result.
type ResultType int

// Result type constants.
const (
	ResultTypeData ResultType = 0
	ResultTypeFile ResultType = 1
)

// String returns the lowercase name of the result type.
func (t ResultType) String() string {
	switch t {
	case ResultTypeData:
		return "data"
	case ResultTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Result is the payload reported for a finished unit. For ResultTypeFile,
// Data holds absolute paths of the produced files.
type Result struct {
	Data []string   `json:"data"`
	Type ResultType `json:"result_type"`
}

// ProgressCounters are the work counters a task reports about itself.
type ProgressCounters struct {
	TotalTasks   int `json:"total_tasks"`
	TotalChunks  int `json:"total_chunks"`
	ActiveTasks  int `json:"active_tasks"`
	ActiveChunks int `json:"active_chunks"`
	ChunksLeft   int `json:"chunks_left"`
}

// ProgressSnapshot is a lightweight progress view of one unfinished task.
type ProgressSnapshot struct {
	TaskID string `json:"task_id"`
	ProgressCounters
	Progress         float64 `json:"progress"`
	ShortDescription string  `json:"short_description"`
}

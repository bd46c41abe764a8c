// Package store persists the execution history of sandboxed runs: one row
// per run of a leased unit plus the captured output lines.
package store

import (
	"context"
	"errors"

	"github.com/seantiz/taskmesh/internal/model"
)

var (
	// ErrNotFound is returned when an execution does not exist.
	ErrNotFound = errors.New("execution not found")

	// ErrInvalidTransition is returned when an execution status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ExecutionStats holds aggregate execution statistics.
type ExecutionStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByImage  map[string]int `json:"count_by_image"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// ListFilter narrows ListExecutions. Zero fields match everything.
type ListFilter struct {
	TaskID string
	Status string
}

// Store defines the persistence operations for executions.
type Store interface {
	CreateExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ListFilter, limit, offset int) ([]*model.Execution, int, error)

	// StartExecution moves a pending execution to running and records the
	// image that was selected for it.
	StartExecution(ctx context.Context, id, image string) error

	// FinishExecution records the outcome of an execution. e.Status must be
	// completed or failed.
	FinishExecution(ctx context.Context, e *model.Execution) error

	GetExecutionStats(ctx context.Context) (*ExecutionStats, error)
	InsertLogLine(ctx context.Context, executionID, stream string, seq int, line string) error
	GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error)
	Close() error
}

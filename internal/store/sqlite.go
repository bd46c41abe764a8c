package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/taskmesh/internal/model"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS executions (
    id           TEXT PRIMARY KEY,
    subtask_id   TEXT NOT NULL,
    task_id      TEXT NOT NULL,
    image        TEXT NOT NULL DEFAULT '',
    status       TEXT NOT NULL,
    exit_code    INTEGER,
    error        TEXT NOT NULL DEFAULT '',
    result_files INTEGER NOT NULL DEFAULT 0,
    timeout_s    REAL,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`,
	`CREATE INDEX IF NOT EXISTS idx_executions_task ON executions (task_id)`,
	`CREATE TABLE IF NOT EXISTS log_lines (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    execution_id TEXT NOT NULL REFERENCES executions (id) ON DELETE CASCADE,
    stream       TEXT NOT NULL,
    seq          INTEGER NOT NULL,
    line         TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_log_lines_execution ON log_lines (execution_id, seq)`,
}

const executionColumns = `id, subtask_id, task_id, image, status, exit_code, error,
	result_files, timeout_s, duration_ms, created_at, started_at, finished_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(r rowScanner) (*model.Execution, error) {
	e := &model.Execution{}
	err := r.Scan(
		&e.ID, &e.SubtaskID, &e.TaskID, &e.Image, &e.Status, &e.ExitCode, &e.Error,
		&e.ResultFiles, &e.TimeoutS, &e.DurationMS, &e.CreatedAt, &e.StartedAt, &e.FinishedAt,
	)
	return e, err
}

// CreateExecution inserts a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, e *model.Execution) error {
	if e.Status == "" {
		e.Status = model.ExecPending
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SubtaskID, e.TaskID, e.Image, e.Status, e.ExitCode, e.Error,
		e.ResultFiles, e.TimeoutS, e.DurationMS, e.CreatedAt, e.StartedAt, e.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return e, nil
}

// ListExecutions returns a page of executions ordered by created_at DESC,
// along with the number of executions matching f.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ListFilter, limit, offset int) ([]*model.Execution, int, error) {
	var conds []string
	var args []any
	if f.TaskID != "" {
		conds = append(conds, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM executions"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count executions: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*model.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate executions: %w", err)
	}
	return out, total, nil
}

// currentStatus reads the status of id inside tx and checks that it may move to next.
func currentStatus(ctx context.Context, tx *sql.Tx, id, next string) error {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM executions WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !model.ValidExecTransition(status, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, next)
	}
	return nil
}

// StartExecution implements Store.
func (s *SQLiteStore) StartExecution(ctx context.Context, id, image string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := currentStatus(ctx, tx, id, model.ExecRunning); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE executions SET status = ?, image = ?, started_at = ? WHERE id = ?",
		model.ExecRunning, image, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("start execution: %w", err)
	}
	return tx.Commit()
}

// FinishExecution implements Store. finished_at defaults to now.
func (s *SQLiteStore) FinishExecution(ctx context.Context, e *model.Execution) error {
	if e.Status != model.ExecCompleted && e.Status != model.ExecFailed {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, e.Status)
	}
	finished := time.Now().UTC()
	if e.FinishedAt != nil {
		finished = *e.FinishedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := currentStatus(ctx, tx, e.ID, e.Status); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, exit_code = ?, error = ?, result_files = ?,
			duration_ms = ?, finished_at = ? WHERE id = ?`,
		e.Status, e.ExitCode, e.Error, e.ResultFiles, e.DurationMS, finished, e.ID,
	); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}
	return tx.Commit()
}

// GetExecutionStats implements Store. The average covers executions that
// recorded a duration.
func (s *SQLiteStore) GetExecutionStats(ctx context.Context) (*ExecutionStats, error) {
	stats := &ExecutionStats{
		CountByStatus: make(map[string]int),
		CountByImage:  make(map[string]int),
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), AVG(duration_ms) FROM executions",
	).Scan(&stats.Total, &avg); err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	stats.AvgDurationMS = avg.Float64

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "image", stats.CountByImage); err != nil {
		return nil, err
	}
	return stats, nil
}

// countBy fills dst with row counts grouped by column, which must be a
// trusted column name.
func (s *SQLiteStore) countBy(ctx context.Context, column string, dst map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM executions WHERE "+column+" != '' GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s count: %w", column, err)
		}
		dst[key] = n
	}
	return rows.Err()
}

// InsertLogLine implements Store.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, executionID, stream string, seq int, line string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO log_lines (execution_id, stream, seq, line, created_at) VALUES (?, ?, ?, ?, ?)",
		executionID, stream, seq, line, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns the captured lines of an execution in capture order.
func (s *SQLiteStore) GetLogLines(ctx context.Context, executionID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, stream, seq, line, created_at
		FROM log_lines WHERE execution_id = ? ORDER BY seq, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	lines := []model.LogLine{}
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Stream, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// ABOUTME: SQLite persistence for tasks and the append-only task log
// ABOUTME: Status updates set started_at/completed_at at most once

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const taskColumns = `id, agent_uuid, name, type, status, priority, config, result, error,
	created_at, updated_at, started_at, completed_at`

// CreateTask inserts a task and returns its assigned ID.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) (int64, error) {
	query := `
		INSERT INTO tasks (agent_uuid, name, type, status, priority, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if !task.CreatedAt.IsZero() {
		now = task.CreatedAt.UTC()
	}
	status := task.Status
	if status == "" {
		status = "pending"
	}
	result, err := s.db.ExecContext(ctx, query,
		task.AgentUUID,
		task.Name,
		task.Type,
		status,
		task.Priority,
		nullJSON(task.Config),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading task id: %w", err)
	}

	s.logger.Debug("created task", "id", id, "agent_uuid", task.AgentUUID, "type", task.Type)
	return id, nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return task, nil
}

// UpdateTask applies a status transition in a single statement. The row
// update is atomic, so concurrent transitions on one task never interleave
// their timestamp writes, and a From guard is checked in the same statement.
// Returns ErrNotFound if no task matches the ID (and agent, when scoped), or
// ErrStatusConflict if the task exists but is not in one of u.From.
func (s *SQLiteStore) UpdateTask(ctx context.Context, u TaskUpdate) error {
	query := `
		UPDATE tasks
		SET status = ?,
			result = ?,
			error = ?,
			updated_at = ?,
			started_at = CASE WHEN ? THEN COALESCE(started_at, ?) ELSE started_at END,
			completed_at = CASE WHEN ? THEN COALESCE(completed_at, ?) ELSE completed_at END
		WHERE id = ? AND (? = '' OR agent_uuid = ?)
	`

	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(time.RFC3339)

	args := []any{
		u.Status,
		nullJSON(u.Result),
		nullString(u.Error),
		ts,
		u.SetStarted, ts,
		u.SetCompleted, ts,
		u.ID, u.AgentUUID, u.AgentUUID,
	}
	if len(u.From) > 0 {
		query += ` AND status IN (?` + strings.Repeat(`, ?`, len(u.From)-1) + `)`
		for _, st := range u.From {
			args = append(args, st)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	err = requireRow(result)
	if !errors.Is(err, ErrNotFound) || len(u.From) == 0 {
		return err
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM tasks WHERE id = ? AND (? = '' OR agent_uuid = ?)`,
		u.ID, u.AgentUUID, u.AgentUUID,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying task status: %w", err)
	}
	return fmt.Errorf("task %d is %s: %w", u.ID, current, ErrStatusConflict)
}

// ListPendingTasks returns pending tasks for an agent in scheduling order.
func (s *SQLiteStore) ListPendingTasks(ctx context.Context, agentUUID string) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE agent_uuid = ? AND status = 'pending'
		ORDER BY priority DESC, created_at ASC, id ASC
	`
	return s.queryTasks(ctx, query, agentUUID)
}

// ListTasks returns tasks newest first, optionally filtered by agent.
// If limit is 0 or negative, all matching tasks are returned.
func (s *SQLiteStore) ListTasks(ctx context.Context, agentUUID string, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE (? = '' OR agent_uuid = ?)
		ORDER BY id DESC
	`
	args := []any{agentUUID, agentUUID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}

	return tasks, nil
}

// AddTaskLog appends a log line to a task.
func (s *SQLiteStore) AddTaskLog(ctx context.Context, log *TaskLog) error {
	query := `INSERT INTO task_logs (task_id, level, message, created_at) VALUES (?, ?, ?, ?)`

	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, query,
		log.TaskID,
		log.Level,
		log.Message,
		createdAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting task log: %w", err)
	}

	log.ID, _ = result.LastInsertId()
	return nil
}

// ListTaskLogs returns a task's log lines in insertion order.
func (s *SQLiteStore) ListTaskLogs(ctx context.Context, taskID int64) ([]*TaskLog, error) {
	query := `
		SELECT id, task_id, level, message, created_at
		FROM task_logs
		WHERE task_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying task logs: %w", err)
	}
	defer rows.Close()

	var logs []*TaskLog
	for rows.Next() {
		var l TaskLog
		var createdAt string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Level, &l.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning task log row: %w", err)
		}
		l.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing task log created_at: %w", err)
		}
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task log rows: %w", err)
	}

	return logs, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var config, result, errMsg, startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&task.ID, &task.AgentUUID, &task.Name, &task.Type, &task.Status,
		&task.Priority, &config, &result, &errMsg,
		&createdAt, &updatedAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	if config.Valid {
		task.Config = json.RawMessage(config.String)
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	task.Error = errMsg.String

	var err error
	if task.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if task.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if task.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if task.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parsing completed_at: %w", err)
	}
	return &task, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

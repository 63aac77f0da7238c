package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// Task errors
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskExists   = errors.New("task already registered")
)

// Task is a pending swap task row.
type Task struct {
	TaskID    swap.TaskID `json:"task_id"`
	Pair      string      `json:"pair"`
	Path      string      `json:"path"`
	CreatedAt time.Time   `json:"created_at"`
}

// AddTask registers a pending task for the self resource of a pair.
func (s *Storage) AddTask(ctx context.Context, pair string, self swap.Resource, h swap.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (path, task_id, pair, created_at)
		VALUES (?, ?, ?, ?)
	`, self.String(), string(h), pair, s.now().UnixNano())
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrTaskExists
		}
		return fmt.Errorf("failed to add task: %w", err)
	}
	return nil
}

// GetTask returns the oldest pending task for the resource.
func (s *Storage) GetTask(ctx context.Context, self swap.Resource) (swap.TaskID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id FROM tasks
		WHERE path = ?
		ORDER BY created_at ASC, task_id ASC
		LIMIT 1
	`, self.String()).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get task: %w", err)
	}
	return swap.TaskID(id), true, nil
}

// ListTasks returns every pending task for the resource, oldest first.
func (s *Storage) ListTasks(ctx context.Context, self swap.Resource) ([]swap.TaskID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id FROM tasks
		WHERE path = ?
		ORDER BY created_at ASC, task_id ASC
	`, self.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []swap.TaskID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, swap.TaskID(id))
	}
	return tasks, rows.Err()
}

// DeleteTask removes a resolved task. Deleting an unknown task is not an
// error, so a resolve that is retried after a crash stays idempotent.
func (s *Storage) DeleteTask(ctx context.Context, self swap.Resource, h swap.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE path = ? AND task_id = ?`, self.String(), string(h)); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// GetTaskRecord returns the full row for one task.
func (s *Storage) GetTaskRecord(ctx context.Context, self swap.Resource, h swap.TaskID) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		task      Task
		id        string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, pair, path, created_at FROM tasks
		WHERE path = ? AND task_id = ?
	`, self.String(), string(h)).Scan(&id, &task.Pair, &task.Path, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task.TaskID = swap.TaskID(id)
	task.CreatedAt = time.Unix(0, createdAt)
	return &task, nil
}

// ListAllTasks returns every pending task, optionally filtered by pair.
func (s *Storage) ListAllTasks(ctx context.Context, pair string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT task_id, pair, path, created_at FROM tasks`
	var args []interface{}
	if pair != "" {
		query += ` WHERE pair = ?`
		args = append(args, pair)
	}
	query += ` ORDER BY created_at ASC, task_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			task      Task
			id        string
			createdAt int64
		)
		if err := rows.Scan(&id, &task.Pair, &task.Path, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task.TaskID = swap.TaskID(id)
		task.CreatedAt = time.Unix(0, createdAt)
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

var _ swap.Registry = (*Storage)(nil)

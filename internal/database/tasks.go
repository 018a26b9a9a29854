package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sheetmailer/internal/models"
)

func (db *DB) CreateTask(ctx context.Context, task *models.ScheduledTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	query := `INSERT INTO scheduled_tasks (id, subject, trigger_at, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		task.ID,
		task.Template.Subject,
		toMillis(task.TriggerAt),
		string(payload),
		toMillis(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// RestoreTask puts a taken task back, replacing any row with the same id.
func (db *DB) RestoreTask(ctx context.Context, task *models.ScheduledTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	query := `INSERT OR REPLACE INTO scheduled_tasks (id, subject, trigger_at, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		task.ID,
		task.Template.Subject,
		toMillis(task.TriggerAt),
		string(payload),
		toMillis(task.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to restore task: %w", err)
	}
	return nil
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	var payload string
	err := db.QueryRowContext(ctx, `SELECT payload FROM scheduled_tasks WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return decodeTask(payload)
}

func (db *DB) ListTasks(ctx context.Context) ([]*models.ScheduledTask, error) {
	return db.queryTasks(ctx, `SELECT payload FROM scheduled_tasks ORDER BY trigger_at ASC, created_at ASC`)
}

func (db *DB) DueTasks(ctx context.Context, asOf time.Time) ([]*models.ScheduledTask, error) {
	return db.queryTasks(ctx,
		`SELECT payload FROM scheduled_tasks WHERE trigger_at <= ? ORDER BY trigger_at ASC, created_at ASC`,
		toMillis(asOf))
}

// TakeTask removes the task and returns it in one statement, so concurrent
// callers can never both receive it.
func (db *DB) TakeTask(ctx context.Context, id string) (*models.ScheduledTask, error) {
	var payload string
	err := db.QueryRowContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ? RETURNING payload`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take task: %w", err)
	}
	return decodeTask(payload)
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...interface{}) ([]*models.ScheduledTask, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.ScheduledTask
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		task, err := decodeTask(payload)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func decodeTask(payload string) (*models.ScheduledTask, error) {
	var task models.ScheduledTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/deemkeen/fedletic/domain"
)

const (
	sqlInsertTask = `INSERT INTO tasks(id, kind, activity_id, inbox_url, attempts, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, 0, ?, '', ?)
		ON CONFLICT(kind, activity_id, inbox_url) DO NOTHING`
	sqlSelectDueTasks = `SELECT id, kind, activity_id, inbox_url, attempts, next_retry_at, last_error, created_at
		FROM tasks WHERE next_retry_at <= ? ORDER BY next_retry_at, created_at LIMIT ?`
	sqlSelectTasksForActivity = `SELECT id, kind, activity_id, inbox_url, attempts, next_retry_at, last_error, created_at
		FROM tasks WHERE activity_id = ? ORDER BY kind, inbox_url`
	sqlRescheduleTask = `UPDATE tasks SET attempts = ?, next_retry_at = ?, last_error = ? WHERE id = ?`
	sqlDeleteTask     = `DELETE FROM tasks WHERE id = ?`
)

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t       domain.Task
		kind    string
		retryMs int64
	)
	if err := row.Scan(&t.Id, &kind, &t.ActivityID, &t.InboxURL, &t.Attempts, &retryMs, &t.LastError, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Kind = domain.TaskKind(kind)
	t.NextRetryAt = time.UnixMilli(retryMs).UTC()
	return &t, nil
}

// EnqueueTask schedules work for immediate execution. A task with the same
// (kind, activity, inbox) already queued makes this a no-op reporting created=false.
func (db *DB) EnqueueTask(ctx context.Context, kind domain.TaskKind, activityID, inboxURL string) (bool, error) {
	now := time.Now().UTC()
	res, err := db.q.ExecContext(ctx, sqlInsertTask,
		uuid.New().String(), string(kind), activityID, inboxURL, now.UnixMilli(), now)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue %s task for %s: %w", kind, activityID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReadDueTasks returns up to limit tasks whose retry time has passed.
func (db *DB) ReadDueTasks(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	return db.queryTasks(ctx, sqlSelectDueTasks, now.UnixMilli(), limit)
}

func (db *DB) ReadTasksForActivity(ctx context.Context, activityID string) ([]domain.Task, error) {
	return db.queryTasks(ctx, sqlSelectTasksForActivity, activityID)
}

func (db *DB) RescheduleTask(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := db.q.ExecContext(ctx, sqlRescheduleTask, attempts, next.UnixMilli(), lastErr, id.String())
	return err
}

func (db *DB) DeleteTask(ctx context.Context, id uuid.UUID) error {
	_, err := db.q.ExecContext(ctx, sqlDeleteTask, id.String())
	return err
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := db.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

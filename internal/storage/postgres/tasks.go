// Copyright 2024 Google, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

const (
	taskColumns = `id, user_id, file_type, status, file_name, input_file_url, error_message, created_at, updated_at`

	qryInsertTask = `INSERT INTO tasks (` + taskColumns + `) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	qryGetTask = `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	qryTransitionTask = `
UPDATE tasks
SET status = $3,
    error_message = COALESCE(NULLIF($4, ''), error_message),
    updated_at = now()
WHERE id = $1 AND status = $2`

	qryTaskStatus = `SELECT status FROM tasks WHERE id = $1`

	qryRollupTask = `
UPDATE tasks t
SET status = CASE WHEN s.done > 0 THEN 'done' ELSE 'classification-error' END,
    error_message = CASE WHEN s.done > 0 THEN t.error_message ELSE 'all segments failed' END,
    updated_at = now()
FROM (
    SELECT count(*) AS total,
           count(*) FILTER (WHERE status = 'done') AS done,
           count(*) FILTER (WHERE status IN ('queued', 'processing')) AS open
    FROM task_segments
    WHERE task_id = $1
) s
WHERE t.id = $1 AND t.status = 'segmented' AND s.total > 0 AND s.open = 0
RETURNING t.status`

	qrySegmentStatusCounts = `SELECT status, count(*) FROM task_segments WHERE task_id = $1 GROUP BY status`

	qryDeleteTask = `DELETE FROM tasks WHERE id = $1 RETURNING ` + taskColumns

	qryStuckTasks = `SELECT ` + taskColumns + ` FROM tasks WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at`

	qryCountTasks = `SELECT status, count(*) FROM tasks GROUP BY status`
)

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t       model.Task
		owner   pgtype.UUID
		kind    string
		status  string
		message *string
	)
	if err := row.Scan(&t.ID, &owner, &kind, &status, &t.FileName, &t.SourceBlob, &message, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if owner.Valid {
		id := uuid.UUID(owner.Bytes)
		t.Owner = &id
	}
	var err error
	if t.Kind, err = model.ParseMediaKind(kind); err != nil {
		return nil, err
	}
	if t.Status, err = model.ParseTaskStatus(status); err != nil {
		return nil, err
	}
	if message != nil {
		t.ErrorMessage = *message
	}
	return &t, nil
}

func nullUUID(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: *id, Valid: true}
}

func nullText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(ctx context.Context, task *model.Task) error {
	attrs := []attribute.KeyValue{attribute.String("task_id", task.ID.String())}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_task", attrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, qryInsertTask,
			task.ID, nullUUID(task.Owner), task.Kind.String(), task.Status.String(),
			task.FileName, task.SourceBlob, nullText(task.ErrorMessage), task.CreatedAt, task.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
}

// GetTask returns a task or model.ErrNotFound.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var task *model.Task
	attrs := []attribute.KeyValue{attribute.String("task_id", id.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_task", attrs, func(ctx context.Context) error {
		t, err := scanTask(s.pool.QueryRow(ctx, qryGetTask, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
		task = t
		return nil
	})
	return task, err
}

// TransitionTask performs a conditional status update.
func (s *Store) TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus, message string) error {
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{
		attribute.String("task_id", id.String()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_task", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, qryTransitionTask, id, from.String(), to.String(), message)
		if err != nil {
			return fmt.Errorf("transition task: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return conflictOrMissing(ctx, s.pool, qryTaskStatus, id)
	})
}

// conflictOrMissing explains why a conditional update touched no row.
func conflictOrMissing(ctx context.Context, db DBTX, statusQuery string, id uuid.UUID) error {
	var current string
	err := db.QueryRow(ctx, statusQuery, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	return fmt.Errorf("%w: current status is %s", model.ErrStatusConflict, current)
}

// RollupTask moves a segmented task to done or classification-error once all
// of its segments are terminal.
func (s *Store) RollupTask(ctx context.Context, id uuid.UUID) (model.TaskStatus, bool, error) {
	var (
		status model.TaskStatus
		rolled bool
	)
	attrs := []attribute.KeyValue{attribute.String("task_id", id.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.rollup_task", attrs, func(ctx context.Context) error {
		var raw string
		err := s.pool.QueryRow(ctx, qryRollupTask, id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("rollup task: %w", err)
		}
		status, rolled = model.TaskStatus(raw), true
		return nil
	})
	return status, rolled, err
}

// TaskProgress counts the task's segments by status.
func (s *Store) TaskProgress(ctx context.Context, id uuid.UUID) (*model.TaskProgress, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	progress := &model.TaskProgress{TaskID: id, TaskStatus: task.Status}
	attrs := []attribute.KeyValue{attribute.String("task_id", id.String())}
	err = storage.ExecuteAndTrace(ctx, s.tracer, "postgres.task_progress", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qrySegmentStatusCounts, id)
		if err != nil {
			return fmt.Errorf("count segments: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			for i := 0; i < n; i++ {
				progress.Count(model.SegmentStatus(status))
			}
		}
		return rows.Err()
	})
	return progress, err
}

// DeleteTask removes the task; segments and results follow by cascade and the
// triggers record a deletion event for each removed row.
func (s *Store) DeleteTask(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	var task *model.Task
	attrs := []attribute.KeyValue{attribute.String("task_id", id.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_task", attrs, func(ctx context.Context) error {
		t, err := scanTask(s.pool.QueryRow(ctx, qryDeleteTask, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		task = t
		return nil
	})
	return task, err
}

// ListStuckTasks returns tasks that entered processing before the given time
// and have not moved since.
func (s *Store) ListStuckTasks(ctx context.Context, before time.Time) ([]*model.Task, error) {
	var tasks []*model.Task
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_stuck_tasks", nil, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryStuckTasks, before)
		if err != nil {
			return fmt.Errorf("list stuck tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	out := make(map[model.TaskStatus]int)
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.count_tasks", nil, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryCountTasks)
		if err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			out[model.TaskStatus(status)] = n
		}
		return rows.Err()
	})
	return out, err
}

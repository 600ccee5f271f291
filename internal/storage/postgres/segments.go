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
	"go.opentelemetry.io/otel/attribute"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

const (
	segmentColumns = `id, task_id, start_time, end_time, status, segment_file_url, error_message, created_at, updated_at`

	qryInsertSegment = `
INSERT INTO task_segments (` + segmentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO NOTHING`

	qryGetSegment = `SELECT ` + segmentColumns + ` FROM task_segments WHERE id = $1`

	qryListSegments = `SELECT ` + segmentColumns + ` FROM task_segments WHERE task_id = $1 ORDER BY start_time NULLS FIRST, created_at, id`

	qryTransitionSegment = `
UPDATE task_segments
SET status = $3,
    error_message = COALESCE(NULLIF($4, ''), error_message),
    updated_at = now()
WHERE id = $1 AND status = $2`

	qrySegmentStatus = `SELECT status FROM task_segments WHERE id = $1`

	qrySetSegmentArtifact = `
UPDATE task_segments
SET segment_file_url = $2, updated_at = now()
WHERE id = $1 AND segment_file_url IS NULL`

	qryStuckSegments = `SELECT ` + segmentColumns + ` FROM task_segments WHERE status = 'processing' AND updated_at < $1 ORDER BY updated_at`
)

func scanSegment(row pgx.Row) (*model.Segment, error) {
	var (
		seg     model.Segment
		status  string
		message *string
	)
	if err := row.Scan(&seg.ID, &seg.TaskID, &seg.StartTime, &seg.EndTime, &status, &seg.ArtifactBlob, &message, &seg.CreatedAt, &seg.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if seg.Status, err = model.ParseSegmentStatus(status); err != nil {
		return nil, err
	}
	if message != nil {
		seg.ErrorMessage = *message
	}
	return &seg, nil
}

// CreateSegment inserts a segment, reporting false when it already exists.
func (s *Store) CreateSegment(ctx context.Context, segment *model.Segment) (bool, error) {
	var created bool
	attrs := []attribute.KeyValue{
		attribute.String("segment_id", segment.ID.String()),
		attribute.String("task_id", segment.TaskID.String()),
	}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_segment", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, qryInsertSegment,
			segment.ID, segment.TaskID, segment.StartTime, segment.EndTime, segment.Status.String(),
			segment.ArtifactBlob, nullText(segment.ErrorMessage), segment.CreatedAt, segment.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert segment: %w", err)
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	return created, err
}

// GetSegment returns a segment or model.ErrNotFound.
func (s *Store) GetSegment(ctx context.Context, id uuid.UUID) (*model.Segment, error) {
	var segment *model.Segment
	attrs := []attribute.KeyValue{attribute.String("segment_id", id.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_segment", attrs, func(ctx context.Context) error {
		seg, err := scanSegment(s.pool.QueryRow(ctx, qryGetSegment, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get segment: %w", err)
		}
		segment = seg
		return nil
	})
	return segment, err
}

// ListSegments returns the segments of a task in time order.
func (s *Store) ListSegments(ctx context.Context, taskID uuid.UUID) ([]*model.Segment, error) {
	var segments []*model.Segment
	attrs := []attribute.KeyValue{attribute.String("task_id", taskID.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_segments", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryListSegments, taskID)
		if err != nil {
			return fmt.Errorf("list segments: %w", err)
		}
		segments, err = collectSegments(rows)
		return err
	})
	return segments, err
}

func collectSegments(rows pgx.Rows) ([]*model.Segment, error) {
	defer rows.Close()
	var out []*model.Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// TransitionSegment performs a conditional status update.
func (s *Store) TransitionSegment(ctx context.Context, id uuid.UUID, from, to model.SegmentStatus, message string) error {
	if err := model.ValidateSegmentTransition(from, to); err != nil {
		return err
	}
	attrs := []attribute.KeyValue{
		attribute.String("segment_id", id.String()),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.transition_segment", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, qryTransitionSegment, id, from.String(), to.String(), message)
		if err != nil {
			return fmt.Errorf("transition segment: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		return conflictOrMissing(ctx, s.pool, qrySegmentStatus, id)
	})
}

// SetSegmentArtifact sets the artifact blob of a segment that has none yet.
func (s *Store) SetSegmentArtifact(ctx context.Context, id uuid.UUID, key string) error {
	attrs := []attribute.KeyValue{attribute.String("segment_id", id.String())}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.set_segment_artifact", attrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, qrySetSegmentArtifact, id, key)
		if err != nil {
			return fmt.Errorf("set segment artifact: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		seg, err := scanSegment(s.pool.QueryRow(ctx, qryGetSegment, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get segment: %w", err)
		}
		if seg.ArtifactBlob != nil && *seg.ArtifactBlob == key {
			return nil
		}
		return fmt.Errorf("%w: segment artifact already set", model.ErrStatusConflict)
	})
}

// ListStuckSegments returns segments held in processing since before the given time.
func (s *Store) ListStuckSegments(ctx context.Context, before time.Time) ([]*model.Segment, error) {
	var segments []*model.Segment
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_stuck_segments", nil, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryStuckSegments, before)
		if err != nil {
			return fmt.Errorf("list stuck segments: %w", err)
		}
		segments, err = collectSegments(rows)
		return err
	})
	return segments, err
}

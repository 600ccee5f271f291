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
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

const (
	qryClaimDeletions = `
WITH next AS (
    SELECT id FROM entity_deletions
    WHERE available_at <= now()
    ORDER BY depth DESC, id
    LIMIT $1
    FOR UPDATE SKIP LOCKED
)
UPDATE entity_deletions d
SET available_at = now() + ($2 * interval '1 millisecond')
FROM next
WHERE d.id = next.id
RETURNING d.id, d.entity_kind, d.entity_id, d.task_id, d.blob_key, d.attempts, d.last_error, d.created_at`

	qryCompleteDeletion = `DELETE FROM entity_deletions WHERE id = $1`

	qryRetryDeletion = `
UPDATE entity_deletions
SET attempts = attempts + 1,
    last_error = $2,
    available_at = now() + ($3 * interval '1 millisecond')
WHERE id = $1`
)

// ClaimDeletions leases a batch of pending deletion events.
func (s *Store) ClaimDeletions(ctx context.Context, limit int, lease time.Duration) ([]*model.DeletionEvent, error) {
	var events []*model.DeletionEvent
	attrs := []attribute.KeyValue{attribute.Int("limit", limit)}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.claim_deletions", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryClaimDeletions, limit, lease.Milliseconds())
		if err != nil {
			return fmt.Errorf("claim deletions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev      model.DeletionEvent
				kind    string
				taskID  pgtype.UUID
				lastErr *string
			)
			if err := rows.Scan(&ev.ID, &kind, &ev.EntityID, &taskID, &ev.BlobKey, &ev.Attempts, &lastErr, &ev.CreatedAt); err != nil {
				return err
			}
			ev.Kind = model.EntityKind(kind)
			if taskID.Valid {
				ev.TaskID = uuid.UUID(taskID.Bytes)
			}
			if lastErr != nil {
				ev.LastError = *lastErr
			}
			events = append(events, &ev)
		}
		return rows.Err()
	})
	// RETURNING does not preserve the CTE order.
	sort.Slice(events, func(i, j int) bool {
		di, dj := events[i].Kind.Depth(), events[j].Kind.Depth()
		if di != dj {
			return di > dj
		}
		return events[i].ID < events[j].ID
	})
	return events, err
}

// CompleteDeletion removes a handled event from the outbox.
func (s *Store) CompleteDeletion(ctx context.Context, id int64) error {
	attrs := []attribute.KeyValue{attribute.Int64("deletion_id", id)}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_deletion", attrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, qryCompleteDeletion, id); err != nil {
			return fmt.Errorf("complete deletion: %w", err)
		}
		return nil
	})
}

// RetryDeletion records a failed attempt and defers the event.
func (s *Store) RetryDeletion(ctx context.Context, id int64, delay time.Duration, cause error) error {
	attrs := []attribute.KeyValue{attribute.Int64("deletion_id", id)}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.retry_deletion", attrs, func(ctx context.Context) error {
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		if _, err := s.pool.Exec(ctx, qryRetryDeletion, id, msg, delay.Milliseconds()); err != nil {
			return fmt.Errorf("retry deletion: %w", err)
		}
		return nil
	})
}

// WatchDeletions holds one dedicated connection in LISTEN mode and signals the
// returned channel for every notification raised by the deletion triggers.
func (s *Store) WatchDeletions(ctx context.Context) (<-chan struct{}, error) {
	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	// The connection stays in LISTEN mode, so it never goes back to the pool.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+deletionChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", deletionChannel, err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()
		for {
			if _, err := conn.WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "deletion notification listener stopped", "error", err)
				}
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()
	return out, nil
}

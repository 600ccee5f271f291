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
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

const (
	resultColumns = `id, segment_id, object_detected, confidence, result_file_url, created_at`

	qryInsertResult = `
INSERT INTO recognition_results (` + resultColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING`

	qryCompleteSegment = `
UPDATE task_segments
SET status = 'done', updated_at = now()
WHERE id = $1 AND status = 'processing'`

	qryListResults = `SELECT ` + resultColumns + ` FROM recognition_results WHERE segment_id = $1 ORDER BY created_at, id`

	qryGetResult = `SELECT ` + resultColumns + ` FROM recognition_results WHERE id = $1`

	qryLoadLabels = `SELECT id, label FROM labels_map ORDER BY id`

	qryAppendLabel = `INSERT INTO labels_map (id, label) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
)

func scanResult(row pgx.Row) (*model.Result, error) {
	var r model.Result
	if err := row.Scan(&r.ID, &r.SegmentID, &r.ObjectDetected, &r.Confidence, &r.ResultBlob, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CompleteSegment writes the result and finishes its segment atomically. The
// segment is updated first: the update locks its row, so the insert cannot
// race a cascade delete, and a deleted segment reports model.ErrNotFound.
func (s *Store) CompleteSegment(ctx context.Context, result *model.Result) error {
	attrs := []attribute.KeyValue{
		attribute.String("segment_id", result.SegmentID.String()),
		attribute.String("result_id", result.ID.String()),
	}
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.complete_segment", attrs, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, qryCompleteSegment, result.SegmentID)
			if err != nil {
				return fmt.Errorf("complete segment: %w", err)
			}
			if tag.RowsAffected() != 1 {
				return conflictOrMissing(ctx, tx, qrySegmentStatus, result.SegmentID)
			}
			if _, err := tx.Exec(ctx, qryInsertResult,
				result.ID, result.SegmentID, result.ObjectDetected, result.Confidence, result.ResultBlob, result.CreatedAt); err != nil {
				return fmt.Errorf("insert result: %w", err)
			}
			return nil
		})
	})
}

// ListResults returns the results of a segment.
func (s *Store) ListResults(ctx context.Context, segmentID uuid.UUID) ([]*model.Result, error) {
	var results []*model.Result
	attrs := []attribute.KeyValue{attribute.String("segment_id", segmentID.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_results", attrs, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryListResults, segmentID)
		if err != nil {
			return fmt.Errorf("list results: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanResult(rows)
			if err != nil {
				return err
			}
			results = append(results, r)
		}
		return rows.Err()
	})
	return results, err
}

// GetResult returns a result or model.ErrNotFound.
func (s *Store) GetResult(ctx context.Context, id uuid.UUID) (*model.Result, error) {
	var result *model.Result
	attrs := []attribute.KeyValue{attribute.String("result_id", id.String())}
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_result", attrs, func(ctx context.Context) error {
		r, err := scanResult(s.pool.QueryRow(ctx, qryGetResult, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get result: %w", err)
		}
		result = r
		return nil
	})
	return result, err
}

// LoadLabels reads the whole label catalog.
func (s *Store) LoadLabels(ctx context.Context) (*model.LabelCatalog, error) {
	var labels []model.Label
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_labels", nil, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, qryLoadLabels)
		if err != nil {
			return fmt.Errorf("load labels: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var l model.Label
			if err := rows.Scan(&l.Index, &l.Name); err != nil {
				return err
			}
			labels = append(labels, l)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return model.NewLabelCatalog(labels)
}

// AppendLabels inserts labels whose index is not yet present and returns how
// many were added.
func (s *Store) AppendLabels(ctx context.Context, labels []model.Label) (int, error) {
	added := 0
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.append_labels", nil, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx pgx.Tx) error {
			for _, l := range labels {
				name := strings.TrimSpace(l.Name)
				if name == "" {
					return fmt.Errorf("label %d is empty", l.Index)
				}
				tag, err := tx.Exec(ctx, qryAppendLabel, l.Index, name)
				if err != nil {
					return fmt.Errorf("append label %d: %w", l.Index, err)
				}
				added += int(tag.RowsAffected())
			}
			return nil
		})
	})
	return added, err
}

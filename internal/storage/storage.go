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

// Package storage defines the entity store used by every pipeline stage. The
// relational store is the single source of truth for status: all writes to a
// status column go through a Transition call that names the expected prior
// status, so two writers racing on the same row cannot both win.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *model.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	// TransitionTask moves a task from one status to another and records
	// message as its error detail when non-empty. It returns model.ErrNotFound
	// or model.ErrStatusConflict when the row is missing or not in from.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to model.TaskStatus, message string) error
	// RollupTask moves a segmented task to its terminal status once every
	// segment is terminal. It reports the status it wrote, if any.
	RollupTask(ctx context.Context, id uuid.UUID) (model.TaskStatus, bool, error)
	TaskProgress(ctx context.Context, id uuid.UUID) (*model.TaskProgress, error)
	// DeleteTask removes a task and, by cascade, its segments and results
	// regardless of their status. It returns the row as it was before deletion.
	DeleteTask(ctx context.Context, id uuid.UUID) (*model.Task, error)
	ListStuckTasks(ctx context.Context, before time.Time) ([]*model.Task, error)
	CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// SegmentStore persists segments.
type SegmentStore interface {
	// CreateSegment inserts a segment and reports false without error when a
	// row with the same identifier already exists.
	CreateSegment(ctx context.Context, segment *model.Segment) (bool, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*model.Segment, error)
	ListSegments(ctx context.Context, taskID uuid.UUID) ([]*model.Segment, error)
	TransitionSegment(ctx context.Context, id uuid.UUID, from, to model.SegmentStatus, message string) error
	// SetSegmentArtifact records the artifact blob of a segment that has none.
	SetSegmentArtifact(ctx context.Context, id uuid.UUID, key string) error
	ListStuckSegments(ctx context.Context, before time.Time) ([]*model.Segment, error)
}

// ResultStore persists classifier results.
type ResultStore interface {
	// CompleteSegment inserts the result and moves its segment from processing
	// to done in one transaction. A result row that already exists is kept.
	CompleteSegment(ctx context.Context, result *model.Result) error
	ListResults(ctx context.Context, segmentID uuid.UUID) ([]*model.Result, error)
	GetResult(ctx context.Context, id uuid.UUID) (*model.Result, error)
}

// LabelStore persists the label catalog.
type LabelStore interface {
	LoadLabels(ctx context.Context) (*model.LabelCatalog, error)
	// AppendLabels adds new class indexes; existing ones are left untouched.
	AppendLabels(ctx context.Context, labels []model.Label) (int, error)
}

// DeletionLog is the outbox of deletion events consumed by the cleanup coordinator.
type DeletionLog interface {
	// ClaimDeletions leases up to limit pending events, deepest entities first.
	ClaimDeletions(ctx context.Context, limit int, lease time.Duration) ([]*model.DeletionEvent, error)
	CompleteDeletion(ctx context.Context, id int64) error
	// RetryDeletion records a failed attempt and hides the event for delay.
	RetryDeletion(ctx context.Context, id int64, delay time.Duration, cause error) error
	// WatchDeletions returns a channel that receives a value whenever new
	// events may be pending. The channel closes when ctx is done.
	WatchDeletions(ctx context.Context) (<-chan struct{}, error)
}

// Store is the complete entity store.
type Store interface {
	TaskStore
	SegmentStore
	ResultStore
	LabelStore
	DeletionLog
	Close()
}

// ExecuteAndTrace wraps a store operation in a client span, recording the
// error on the span when the operation fails.
func ExecuteAndTrace(
	ctx context.Context,
	tracer trace.Tracer,
	spanName string,
	attributes []attribute.KeyValue,
	operation func(ctx context.Context) error,
) error {
	ctx, span := tracer.Start(
		ctx,
		spanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attributes...),
	)
	defer span.End()

	if err := operation(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

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

// Package storetest holds the behavioural checks shared by every
// storage.Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// Factory returns an empty store for one sub-test.
type Factory func(t *testing.T) storage.Store

// Run executes the shared store checks against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"TaskTransitions", testTaskTransitions},
		{"SegmentLifecycle", testSegmentLifecycle},
		{"SegmentArtifactSetOnce", testSegmentArtifactSetOnce},
		{"CompleteSegmentIsAtomic", testCompleteSegment},
		{"CompleteDeletedSegment", testCompleteDeletedSegment},
		{"RollupDone", testRollupDone},
		{"RollupAllFailed", testRollupAllFailed},
		{"CascadeDelete", testCascadeDelete},
		{"DeletionClaimAndRetry", testDeletionClaimAndRetry},
		{"Labels", testLabels},
		{"StuckEntities", testStuck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

func newTask(t *testing.T, s storage.Store, kind model.MediaKind) *model.Task {
	t.Helper()
	task := model.NewTask(kind, "clip.mp4", nil)
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func segmentedTask(t *testing.T, s storage.Store, n int) (*model.Task, []*model.Segment) {
	t.Helper()
	ctx := context.Background()
	task := newTask(t, s, model.MediaVideo)
	require.NoError(t, s.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskProcessing, ""))
	var segments []*model.Segment
	for i := 0; i < n; i++ {
		seg := model.NewSceneSegment(task.ID, i, model.TimeRange{Start: float64(i), End: float64(i + 1)})
		key := model.SceneImageKey(task.ID, seg.ID)
		seg.ArtifactBlob = &key
		created, err := s.CreateSegment(ctx, seg)
		require.NoError(t, err)
		require.True(t, created)
		segments = append(segments, seg)
	}
	require.NoError(t, s.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmented, ""))
	return task, segments
}

func testTaskTransitions(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := newTask(t, s, model.MediaVideo)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskQueued, got.Status)
	assert.Equal(t, task.SourceBlob, got.SourceBlob)

	err = s.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskSegmented, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, s.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskProcessing, ""))
	err = s.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskProcessing, "")
	assert.ErrorIs(t, err, model.ErrStatusConflict)

	require.NoError(t, s.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmentationError, "ffmpeg failed"))
	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskSegmentationError, got.Status)
	assert.Equal(t, "ffmpeg failed", got.ErrorMessage)

	err = s.TransitionTask(ctx, uuid.New(), model.TaskQueued, model.TaskProcessing, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testSegmentLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 2)

	again, err := s.CreateSegment(ctx, model.NewSceneSegment(task.ID, 0, model.TimeRange{Start: 0, End: 1}))
	require.NoError(t, err)
	assert.False(t, again, "a redelivered segment insert must not create a second row")

	listed, err := s.ListSegments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, segments[0].ID, listed[0].ID)
	assert.Equal(t, segments[1].ID, listed[1].ID)

	id := segments[0].ID
	require.NoError(t, s.TransitionSegment(ctx, id, model.SegmentQueued, model.SegmentProcessing, ""))
	assert.ErrorIs(t, s.TransitionSegment(ctx, id, model.SegmentQueued, model.SegmentProcessing, ""), model.ErrStatusConflict)
	require.NoError(t, s.TransitionSegment(ctx, id, model.SegmentProcessing, model.SegmentError, "classifier failed"))
	assert.ErrorIs(t, s.TransitionSegment(ctx, id, model.SegmentError, model.SegmentProcessing, ""), model.ErrInvalidTransition)

	got, err := s.GetSegment(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentError, got.Status)
	assert.Equal(t, "classifier failed", got.ErrorMessage)

	progress, err := s.TaskProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Queued)
	assert.Equal(t, 1, progress.Error)
	assert.False(t, progress.AllSegmentsTerminal())
}

func testSegmentArtifactSetOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := newTask(t, s, model.MediaVideo)
	seg := model.NewSceneSegment(task.ID, 0, model.TimeRange{Start: 0, End: 4})
	_, err := s.CreateSegment(ctx, seg)
	require.NoError(t, err)

	key := model.SceneImageKey(task.ID, seg.ID)
	require.NoError(t, s.SetSegmentArtifact(ctx, seg.ID, key))
	require.NoError(t, s.SetSegmentArtifact(ctx, seg.ID, key))
	assert.ErrorIs(t, s.SetSegmentArtifact(ctx, seg.ID, "other"), model.ErrStatusConflict)
	assert.ErrorIs(t, s.SetSegmentArtifact(ctx, uuid.New(), key), model.ErrNotFound)

	got, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ArtifactBlob)
	assert.Equal(t, key, *got.ArtifactBlob)
}

func testCompleteDeletedSegment(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 1)
	seg := segments[0]
	require.NoError(t, s.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
	_, err := s.DeleteTask(ctx, task.ID)
	require.NoError(t, err)

	result := model.NewResult(seg.ID, nil, 0, 0.5, 0.8)
	assert.ErrorIs(t, s.CompleteSegment(ctx, result), model.ErrNotFound)
	_, err = s.GetResult(ctx, result.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testCompleteSegment(t *testing.T, s storage.Store) {
	ctx := context.Background()
	catalog, err := model.NewLabelCatalog([]model.Label{{Index: 1, Name: "goldfish"}})
	require.NoError(t, err)
	_, segments := segmentedTask(t, s, 1)
	seg := segments[0]

	result := model.NewResult(seg.ID, catalog, 1, 0.93, 0.8)
	assert.ErrorIs(t, s.CompleteSegment(ctx, result), model.ErrStatusConflict)
	results, err := s.ListResults(ctx, seg.ID)
	require.NoError(t, err)
	assert.Empty(t, results, "no result may exist for a segment that was never processing")

	require.NoError(t, s.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
	require.NoError(t, s.CompleteSegment(ctx, result))
	assert.ErrorIs(t, s.CompleteSegment(ctx, result), model.ErrStatusConflict)

	results, err = s.ListResults(ctx, seg.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "goldfish", results[0].ObjectDetected)
	assert.InDelta(t, 0.93, results[0].Confidence, 1e-9)

	got, err := s.GetResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, seg.ID, got.SegmentID)

	done, err := s.GetSegment(ctx, seg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentDone, done.Status)
}

func testRollupDone(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 2)

	_, rolled, err := s.RollupTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, rolled)

	for i, seg := range segments {
		require.NoError(t, s.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
		if i == 0 {
			require.NoError(t, s.TransitionSegment(ctx, seg.ID, model.SegmentProcessing, model.SegmentError, "boom"))
			continue
		}
		require.NoError(t, s.CompleteSegment(ctx, model.NewResult(seg.ID, nil, 0, 0.1, 0.8)))
	}

	status, rolled, err := s.RollupTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Equal(t, model.TaskDone, status)

	_, rolled, err = s.RollupTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, rolled, "a finished task must not roll up twice")

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskDone, got.Status)
}

func testRollupAllFailed(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 1)
	require.NoError(t, s.TransitionSegment(ctx, segments[0].ID, model.SegmentQueued, model.SegmentError, "Failed to extract frame"))

	status, rolled, err := s.RollupTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Equal(t, model.TaskClassificationError, status)
}

func testCascadeDelete(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 2)
	seg := segments[0]
	require.NoError(t, s.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
	result := model.NewResult(seg.ID, nil, 0, 0.5, 0.8)
	resultKey := model.RecognitionResultKey(task.ID, seg.ID)
	result.ResultBlob = &resultKey
	require.NoError(t, s.CompleteSegment(ctx, result))

	deleted, err := s.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, deleted.ID)

	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetSegment(ctx, seg.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetResult(ctx, result.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.DeleteTask(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	events, err := s.ClaimDeletions(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, model.EntityResult, events[0].Kind)
	assert.Equal(t, uuid.Nil, events[0].TaskID)
	require.NotNil(t, events[0].BlobKey)
	assert.Equal(t, resultKey, *events[0].BlobKey)
	assert.Equal(t, model.EntitySegment, events[1].Kind)
	assert.Equal(t, model.EntitySegment, events[2].Kind)
	assert.Equal(t, model.EntityTask, events[3].Kind)
	require.NotNil(t, events[3].BlobKey)
	assert.Equal(t, task.SourceBlob, *events[3].BlobKey)
	assert.Equal(t, task.ID, events[3].TaskID)
}

func testDeletionClaimAndRetry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task := newTask(t, s, model.MediaPhoto)
	_, err := s.DeleteTask(ctx, task.ID)
	require.NoError(t, err)

	events, err := s.ClaimDeletions(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)

	leased, err := s.ClaimDeletions(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, leased, "a leased event must not be claimed twice")

	require.NoError(t, s.RetryDeletion(ctx, events[0].ID, 0, errors.New("bucket unavailable")))
	retried, err := s.ClaimDeletions(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, retried, 1)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Equal(t, "bucket unavailable", retried[0].LastError)

	require.NoError(t, s.CompleteDeletion(ctx, retried[0].ID))
	require.NoError(t, s.RetryDeletion(ctx, retried[0].ID, 0, errors.New("late")))
	remaining, err := s.ClaimDeletions(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func testLabels(t *testing.T, s storage.Store) {
	ctx := context.Background()
	added, err := s.AppendLabels(ctx, []model.Label{{Index: 0, Name: "tench"}, {Index: 1, Name: "goldfish"}})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	added, err = s.AppendLabels(ctx, []model.Label{{Index: 1, Name: "carp"}, {Index: 2, Name: "shark"}})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	catalog, err := s.LoadLabels(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, catalog.Len())
	name, ok := catalog.Lookup(1)
	assert.True(t, ok)
	assert.Equal(t, "goldfish", name)
}

func testStuck(t *testing.T, s storage.Store) {
	ctx := context.Background()
	task, segments := segmentedTask(t, s, 1)
	require.NoError(t, s.TransitionSegment(ctx, segments[0].ID, model.SegmentQueued, model.SegmentProcessing, ""))
	other := newTask(t, s, model.MediaVideo)
	require.NoError(t, s.TransitionTask(ctx, other.ID, model.TaskQueued, model.TaskProcessing, ""))

	future := time.Now().Add(time.Hour)
	tasks, err := s.ListStuckTasks(ctx, future)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, other.ID, tasks[0].ID)

	stuck, err := s.ListStuckSegments(ctx, future)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, task.ID, stuck[0].TaskID)

	none, err := s.ListStuckTasks(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)

	counts, err := s.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.TaskSegmented])
	assert.Equal(t, 1, counts[model.TaskProcessing])
}

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

package services_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/memory"
	test "github.com/jaycherian/gcp-go-media-analysis/internal/testutil"
)

type fixture struct {
	config  *cloud.Config
	store   *memory.Store
	blobs   *blob.MemoryStore
	queue   *queue.Memory
	service *services.AnalysisService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		config: test.GetConfig(),
		store:  memory.NewStore(),
		blobs:  blob.NewMemoryStore(),
		queue:  queue.NewMemory(),
	}
	require.NoError(t, workflow.DeclareQueues(context.Background(), f.config, f.queue))
	f.service = services.NewAnalysisService(f.config, &cloud.ServiceClients{Store: f.store, Blobs: f.blobs, Queue: f.queue})
	return f
}

func TestDetectMediaKind(t *testing.T) {
	assert.Equal(t, model.MediaVideo, services.DetectMediaKind(test.SampleMP4, "application/octet-stream"))
	assert.Equal(t, model.MediaPhoto, services.DetectMediaKind(test.SampleJPEG, "video/mp4"))
	assert.Equal(t, model.MediaVideo, services.DetectMediaKind([]byte("????"), "Video/QuickTime"))
	assert.Equal(t, model.MediaPhoto, services.DetectMediaKind([]byte("????"), ""))
}

func TestSubmitVideo(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.service.Submit(ctx, "clip.mp4", "video/mp4", bytes.NewReader(test.SampleMP4), nil)
	require.NoError(t, err)
	assert.Equal(t, model.MediaVideo, task.Kind)
	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Equal(t, model.InputFileKey(task.ID, "clip.mp4"), task.SourceBlob)
	assert.True(t, f.blobs.Exists(task.SourceBlob))

	bodies := f.queue.Bodies(f.config.Queues.Split.Name)
	require.Len(t, bodies, 1)
	var req model.SplitRequest
	require.NoError(t, json.Unmarshal(bodies[0], &req))
	assert.Equal(t, task.ID.String(), req.TaskID)
	assert.Equal(t, task.SourceBlob, req.SourceBlob)
}

func TestSubmitPhoto(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.service.Submit(ctx, "fish.jpg", "image/jpeg", bytes.NewReader(test.SampleJPEG), nil)
	require.NoError(t, err)
	assert.Equal(t, model.MediaPhoto, task.Kind)
	assert.Equal(t, model.TaskSegmented, task.Status)
	assert.Zero(t, f.queue.Len(f.config.Queues.Split.Name))

	segments, err := f.service.Segments(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, task.SourceBlob, *segments[0].ArtifactBlob)
	assert.Equal(t, model.SegmentQueued, segments[0].Status)
	_, ok := segments[0].Span()
	assert.False(t, ok)

	bodies := f.queue.Bodies(f.config.Queues.Classification.Name)
	require.Len(t, bodies, 1)
	var req model.ClassificationRequest
	require.NoError(t, json.Unmarshal(bodies[0], &req))
	assert.Equal(t, segments[0].ID.String(), req.SegmentID)
	assert.Equal(t, task.SourceBlob, req.ArtifactBlob)
}

func TestSubmitRejectsEmptyUpload(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.Submit(context.Background(), "empty.jpg", "image/jpeg", bytes.NewReader(nil), nil)
	assert.ErrorIs(t, err, services.ErrEmptyUpload)
	assert.Zero(t, f.blobs.Len())
	assert.Zero(t, f.store.PendingDeletions())
}

func TestSubmitUploadFailureLeavesCleanupToCoordinator(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.blobs.FailPut = func(string) error { return errors.New("bucket unavailable") }
	deletes := 0
	f.blobs.FailDelete = func(string) error { deletes++; return nil }

	_, err := f.service.Submit(ctx, "clip.mp4", "video/mp4", bytes.NewReader(test.SampleMP4), nil)
	assert.ErrorContains(t, err, "store upload")
	counts, err := f.store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Equal(t, 1, f.store.PendingDeletions())
	assert.Zero(t, deletes)
	assert.Zero(t, f.queue.Len(f.config.Queues.Split.Name))
}

func TestSubmitUndeclaredQueueRemovesTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	config := test.GetConfig()
	config.Queues.Split.Name = "missing"
	service := services.NewAnalysisService(config, &cloud.ServiceClients{Store: f.store, Blobs: f.blobs, Queue: f.queue})

	_, err := service.Submit(ctx, "clip.mp4", "video/mp4", bytes.NewReader(test.SampleMP4), nil)
	assert.ErrorIs(t, err, queue.ErrNotDeclared)
	counts, err := f.store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Equal(t, 1, f.store.PendingDeletions())
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.service.Submit(ctx, "fish.jpg", "image/jpeg", bytes.NewReader(test.SampleJPEG), nil)
	require.NoError(t, err)
	segments, err := f.service.Segments(ctx, task.ID)
	require.NoError(t, err)
	seg := segments[0]

	detail, err := f.service.Segment(ctx, task.ID, seg.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Results)
	assert.NotNil(t, detail.Results)

	require.NoError(t, f.store.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
	result := model.NewResult(seg.ID, test.TestLabels(), 1, 0.95, f.config.Pipeline.ClassificationThreshold)
	key := model.RecognitionResultKey(task.ID, seg.ID)
	result.ResultBlob = &key
	require.NoError(t, f.blobs.Put(ctx, key, bytes.NewReader(test.SampleJPEG), "image/jpeg"))
	require.NoError(t, f.store.CompleteSegment(ctx, result))

	detail, err = f.service.Segment(ctx, task.ID, seg.ID)
	require.NoError(t, err)
	require.Len(t, detail.Results, 1)
	assert.Equal(t, "goldfish", detail.Results[0].ObjectDetected)

	url, err := f.service.ResultURL(ctx, task.ID, seg.ID, result.ID)
	require.NoError(t, err)
	assert.Contains(t, url, key)

	_, err = f.service.ResultURL(ctx, task.ID, seg.ID, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.service.Segment(ctx, uuid.New(), seg.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	progress, err := f.service.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.Total)
	assert.Equal(t, 1, progress.Done)

	stats, err := f.service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.TaskSegmented])
	assert.Equal(t, 0, stats[model.TaskDone])
	assert.Len(t, stats, 6)
}

func TestSegmentsNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.Segments(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)

	task, err := f.service.Submit(ctx, "clip.mp4", "video/mp4", bytes.NewReader(test.SampleMP4), nil)
	require.NoError(t, err)
	_, err = f.service.Segments(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	task, err := f.service.Submit(ctx, "fish.jpg", "image/jpeg", bytes.NewReader(test.SampleJPEG), nil)
	require.NoError(t, err)
	segments, err := f.service.Segments(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.TransitionSegment(ctx, segments[0].ID, model.SegmentQueued, model.SegmentProcessing, ""))

	deleted, err := f.service.Delete(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, deleted.ID)

	_, err = f.service.Get(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.store.GetSegment(ctx, segments[0].ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, 2, f.store.PendingDeletions())

	_, err = f.service.Delete(ctx, task.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

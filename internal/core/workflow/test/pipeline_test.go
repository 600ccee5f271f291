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

package workflow_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	test "github.com/jaycherian/gcp-go-media-analysis/internal/testutil"
)

func TestPhotoUpload(t *testing.T) {
	h := newHarness(t, nil)
	service := services.NewAnalysisService(h.config, h.clients())

	task, err := service.Submit(ctx, "fish.jpg", "image/jpeg", bytes.NewReader(test.SampleJPEG), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.queue.Len(h.config.Queues.Classification.Name))

	h.drain()

	assert.Zero(t, h.detector.Calls)
	segments := h.segments(task)
	require.Len(t, segments, 1)
	assert.Equal(t, model.SegmentDone, segments[0].Status)
	results := h.results(segments[0])
	require.Len(t, results, 1)
	assert.Equal(t, "goldfish", results[0].ObjectDetected)
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestVideoTwoScenes(t *testing.T) {
	traceCtx, span := tracer.Start(ctx, "video-two-scenes")
	defer span.End()

	h := newHarness(t, nil)
	task := h.uploadVideo()

	require.True(t, h.deliver(h.config.Queues.Split.Name))
	assert.Equal(t, model.TaskSegmented, h.task(task.ID).Status)
	segments := h.segments(task)
	require.Len(t, segments, 2)
	for _, seg := range segments {
		assert.Equal(t, model.SegmentQueued, seg.Status)
		require.True(t, seg.HasArtifact())
		assert.Equal(t, model.SceneImageKey(task.ID, seg.ID), *seg.ArtifactBlob)
		assert.True(t, h.blobs.Exists(*seg.ArtifactBlob))
	}
	assert.Equal(t, 2, h.queue.Len(h.config.Queues.Classification.Name))
	assert.ElementsMatch(t, []float64{2.5, 8.5}, h.frames.Instants)

	h.drain()

	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentDone, seg.Status)
		results := h.results(seg)
		require.Len(t, results, 1)
		assert.Equal(t, "goldfish", results[0].ObjectDetected)
		assert.InDelta(t, 0.93, results[0].Confidence, 1e-9)
		require.NotNil(t, results[0].ResultBlob)
		assert.Equal(t, model.RecognitionResultKey(task.ID, seg.ID), *results[0].ResultBlob)
		assert.True(t, h.blobs.Exists(*results[0].ResultBlob))
	}
	assert.Equal(t, []string{"goldfish: 0.93", "goldfish: 0.93"}, h.annotator.Texts)
	logger.InfoContext(traceCtx, "video processed", "task_id", task.ID)
}

func TestFrameExtractionFailureDoesNotBlockSiblings(t *testing.T) {
	h := newHarness(t, nil)
	h.frames.FailAt = map[float64]bool{2.5: true}
	task := h.uploadVideo()

	require.True(t, h.deliver(h.config.Queues.Split.Name))
	assert.Equal(t, model.TaskSegmented, h.task(task.ID).Status)
	segments := h.segments(task)
	require.Len(t, segments, 2)
	assert.Equal(t, model.SegmentError, segments[0].Status)
	assert.Equal(t, commands.FrameExtractionFailed, segments[0].ErrorMessage)
	assert.False(t, segments[0].HasArtifact())
	assert.Equal(t, model.SegmentQueued, segments[1].Status)
	assert.Equal(t, 1, h.queue.Len(h.config.Queues.Classification.Name))

	h.drain()

	segments = h.segments(task)
	assert.Equal(t, model.SegmentError, segments[0].Status)
	assert.Equal(t, model.SegmentDone, segments[1].Status)
	assert.Empty(t, h.results(segments[0]))
	assert.Len(t, h.results(segments[1]), 1)
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestAllSegmentsFailing(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.Err = test.ErrFake
	task := h.uploadVideo()

	h.drain()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskClassificationError, got.Status)
	assert.Equal(t, "all segments failed", got.ErrorMessage)
	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentError, seg.Status)
		assert.True(t, strings.HasPrefix(seg.ErrorMessage, "classification failed"), seg.ErrorMessage)
		assert.Empty(t, h.results(seg))
	}
}

func TestLowConfidenceIsStoredAsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.Result = model.Classification{ClassIndex: 2, Confidence: 0.5}
	task := h.uploadVideo()

	h.drain()

	for _, seg := range h.segments(task) {
		results := h.results(seg)
		require.Len(t, results, 1)
		assert.Equal(t, model.UnknownLabel, results[0].ObjectDetected)
		assert.InDelta(t, 0.5, results[0].Confidence, 1e-9)
	}
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestClassifierSeesSegmentFrame(t *testing.T) {
	h := newHarness(t, nil)
	h.classifier.Func = func(image []byte) (*model.Classification, error) {
		if bytes.Contains(image, []byte("frame@8.500")) {
			return &model.Classification{ClassIndex: 2, Confidence: 0.99}, nil
		}
		return &model.Classification{ClassIndex: 0, Confidence: 0.9}, nil
	}
	task := h.uploadVideo()

	h.drain()

	segments := h.segments(task)
	require.Len(t, segments, 2)
	assert.Equal(t, "tench", h.results(segments[0])[0].ObjectDetected)
	assert.Equal(t, "great white shark", h.results(segments[1])[0].ObjectDetected)
}

func TestDeferredExtraction(t *testing.T) {
	h := newHarness(t, func(c *cloud.Config) { c.Pipeline.ExtractionMode = commands.ExtractionDeferred })
	task := h.uploadVideo()

	require.True(t, h.deliver(h.config.Queues.Split.Name))
	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentQueued, seg.Status)
		assert.False(t, seg.HasArtifact())
	}
	assert.Empty(t, h.frames.Instants)
	assert.Equal(t, 2, h.queue.Len(h.config.Queues.Extraction.Name))
	assert.Zero(t, h.queue.Len(h.config.Queues.Classification.Name))

	h.drain()

	assert.ElementsMatch(t, []float64{2.5, 8.5}, h.frames.Instants)
	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentDone, seg.Status)
		require.True(t, seg.HasArtifact())
		assert.True(t, h.blobs.Exists(*seg.ArtifactBlob))
	}
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestDeferredExtractionFailure(t *testing.T) {
	h := newHarness(t, func(c *cloud.Config) { c.Pipeline.ExtractionMode = commands.ExtractionDeferred })
	h.frames.FailAt = map[float64]bool{8.5: true}
	task := h.uploadVideo()

	h.drain()

	segments := h.segments(task)
	require.Len(t, segments, 2)
	assert.Equal(t, model.SegmentDone, segments[0].Status)
	assert.Equal(t, model.SegmentError, segments[1].Status)
	assert.Equal(t, commands.FrameExtractionFailed, segments[1].ErrorMessage)
	assert.Equal(t, 1, h.classifier.CallCount())
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestSegmentClipsExported(t *testing.T) {
	h := newHarness(t, func(c *cloud.Config) { c.Pipeline.ExportSegmentClips = true })
	task := h.uploadVideo()

	h.drain()

	assert.Equal(t, 2, h.frames.ClipCalls)
	for _, seg := range h.segments(task) {
		assert.True(t, h.blobs.Exists(model.VideoSegmentKey(task.ID, seg.ID)))
	}
}

func TestEmptyDetectionCoversWholeVideo(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Scenes = nil
	task := h.uploadVideo()

	h.drain()

	segments := h.segments(task)
	require.Len(t, segments, 1)
	span, ok := segments[0].Span()
	require.True(t, ok)
	assert.Equal(t, model.TimeRange{Start: 0, End: 12}, span)
	assert.Equal(t, []float64{6}, h.frames.Instants)
	assert.Equal(t, model.SegmentDone, segments[0].Status)
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestEmptyDetectionWithoutDurationFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Scenes = nil
	h.detector.DurationErr = test.ErrFake
	task := h.uploadVideo()

	h.drain()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskSegmentationError, got.Status)
	assert.Contains(t, got.ErrorMessage, "read duration")
	assert.Empty(t, h.segments(task))
}

func TestPhotoThroughSplitStage(t *testing.T) {
	h := newHarness(t, nil)
	task := model.NewTask(model.MediaPhoto, "fish.jpg", nil)
	require.NoError(t, h.blobs.Put(ctx, task.SourceBlob, bytes.NewReader(test.SampleJPEG), "image/jpeg"))
	require.NoError(t, h.store.CreateTask(ctx, task))
	h.publishSplit(task)

	h.drain()

	assert.Zero(t, h.detector.Calls)
	segments := h.segments(task)
	require.Len(t, segments, 1)
	assert.Equal(t, task.SourceBlob, *segments[0].ArtifactBlob)
	assert.Equal(t, model.SegmentDone, segments[0].Status)
	assert.Len(t, h.results(segments[0]), 1)
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestMissingSourceFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	task := model.NewTask(model.MediaVideo, "gone.mp4", nil)
	require.NoError(t, h.store.CreateTask(ctx, task))
	h.publishSplit(task)

	h.drain()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskSegmentationError, got.Status)
	assert.Contains(t, got.ErrorMessage, "source file not found")
	assert.Empty(t, h.segments(task))
}

func TestSceneDetectionFailureFailsTask(t *testing.T) {
	h := newHarness(t, nil)
	h.detector.Err = test.ErrFake
	task := h.uploadVideo()

	h.drain()

	got := h.task(task.ID)
	assert.Equal(t, model.TaskSegmentationError, got.Status)
	assert.Contains(t, got.ErrorMessage, "scene detection failed")
	assert.Zero(t, h.queue.Len(h.config.Queues.Classification.Name))
}

func TestMissingArtifactFailsSegment(t *testing.T) {
	h := newHarness(t, nil)
	task := h.uploadVideo()
	require.True(t, h.deliver(h.config.Queues.Split.Name))

	segments := h.segments(task)
	require.NoError(t, h.blobs.Delete(ctx, *segments[0].ArtifactBlob))

	h.drain()

	segments = h.segments(task)
	assert.Equal(t, model.SegmentError, segments[0].Status)
	assert.Contains(t, segments[0].ErrorMessage, "artifact not found")
	assert.Equal(t, model.SegmentDone, segments[1].Status)
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

func TestAnnotationFailureKeepsResult(t *testing.T) {
	h := newHarness(t, nil)
	h.annotator.Err = test.ErrFake
	task := h.uploadVideo()

	h.drain()

	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentDone, seg.Status)
		results := h.results(seg)
		require.Len(t, results, 1)
		assert.Nil(t, results[0].ResultBlob)
	}
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t, nil)
	bodies := [][]byte{
		[]byte("{not json"),
		[]byte(`{"task_id": "not-a-uuid"}`),
		[]byte(`{}`),
	}
	for _, name := range h.queueNames() {
		for _, body := range bodies {
			require.NoError(t, h.queue.Publish(ctx, name, queue.Message{Body: body}))
		}
	}

	h.drain()

	for _, name := range h.queueNames() {
		assert.Zero(t, h.queue.Len(name), name)
	}
	assert.Zero(t, h.classifier.CallCount())
}

func TestStorageFailureLeavesMessageQueued(t *testing.T) {
	h := newHarness(t, nil)
	task := h.uploadVideo()
	require.True(t, h.deliver(h.config.Queues.Split.Name))

	segments := h.segments(task)
	h.faults.failGetOnce(*segments[0].ArtifactBlob)

	require.True(t, h.deliver(h.config.Queues.Classification.Name))
	assert.Equal(t, 2, h.queue.Len(h.config.Queues.Classification.Name))
	seg, err := h.store.GetSegment(ctx, segments[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.SegmentProcessing, seg.Status)

	h.drain()

	for _, seg := range h.segments(task) {
		assert.Equal(t, model.SegmentDone, seg.Status)
		assert.Len(t, h.results(seg), 1)
	}
	assert.Equal(t, 2, h.classifier.CallCount())
	assert.Equal(t, model.TaskDone, h.task(task.ID).Status)
}

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

// Package model_test covers the status state machines, the label catalog and
// the blob key layout of the model package.
package model_test

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

func TestNewTask(t *testing.T) {
	owner := uuid.New()
	task := model.NewTask(model.MediaVideo, "uploads/clip.mp4", &owner)

	assert.Equal(t, model.TaskQueued, task.Status)
	assert.Equal(t, "input-files/"+task.ID.String()+"/clip.mp4", task.SourceBlob)
	assert.Equal(t, &owner, task.Owner)
	assert.WithinDuration(t, time.Now(), task.CreatedAt, time.Second)
	assert.Equal(t, task.CreatedAt, task.UpdatedAt)
}

func TestSegmentIDsAreStable(t *testing.T) {
	taskID := uuid.New()
	assert.Equal(t, model.NewSegmentID(taskID, 3), model.NewSegmentID(taskID, 3))
	assert.NotEqual(t, model.NewSegmentID(taskID, 0), model.NewSegmentID(taskID, 1))
	assert.NotEqual(t, model.NewSegmentID(taskID, 0), model.NewSegmentID(uuid.New(), 0))

	seg := model.NewSceneSegment(taskID, 1, model.TimeRange{Start: 5, End: 12})
	span, ok := seg.Span()
	require.True(t, ok)
	assert.Equal(t, 8.5, span.Midpoint())
	assert.False(t, seg.HasArtifact())
	assert.Equal(t, model.NewResultID(seg.ID), model.NewResultID(seg.ID))
}

func TestPhotoSegment(t *testing.T) {
	task := model.NewTask(model.MediaPhoto, "fish.jpg", nil)
	seg := model.NewPhotoSegment(task)

	_, ok := seg.Span()
	assert.False(t, ok)
	require.True(t, seg.HasArtifact())
	assert.Equal(t, task.SourceBlob, *seg.ArtifactBlob)
	assert.Equal(t, model.NewSegmentID(task.ID, 0), seg.ID)
}

func TestTaskTransitions(t *testing.T) {
	allowed := [][2]model.TaskStatus{
		{model.TaskQueued, model.TaskProcessing},
		{model.TaskProcessing, model.TaskSegmented},
		{model.TaskProcessing, model.TaskSegmentationError},
		{model.TaskSegmented, model.TaskDone},
		{model.TaskSegmented, model.TaskClassificationError},
	}
	for _, edge := range allowed {
		assert.NoError(t, model.ValidateTaskTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	rejected := [][2]model.TaskStatus{
		{model.TaskQueued, model.TaskDone},
		{model.TaskDone, model.TaskProcessing},
		{model.TaskSegmentationError, model.TaskSegmented},
		{model.TaskSegmented, model.TaskProcessing},
	}
	for _, edge := range rejected {
		err := model.ValidateTaskTransition(edge[0], edge[1])
		assert.True(t, errors.Is(err, model.ErrInvalidTransition), "%s -> %s", edge[0], edge[1])
	}
}

func TestSegmentTransitions(t *testing.T) {
	assert.NoError(t, model.ValidateSegmentTransition(model.SegmentQueued, model.SegmentProcessing))
	assert.NoError(t, model.ValidateSegmentTransition(model.SegmentQueued, model.SegmentError))
	assert.NoError(t, model.ValidateSegmentTransition(model.SegmentProcessing, model.SegmentDone))
	assert.NoError(t, model.ValidateSegmentTransition(model.SegmentProcessing, model.SegmentError))

	assert.ErrorIs(t, model.ValidateSegmentTransition(model.SegmentQueued, model.SegmentDone), model.ErrInvalidTransition)
	assert.ErrorIs(t, model.ValidateSegmentTransition(model.SegmentDone, model.SegmentError), model.ErrInvalidTransition)
	assert.ErrorIs(t, model.ValidateSegmentTransition(model.SegmentError, model.SegmentQueued), model.ErrInvalidTransition)
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, model.TaskDone.IsTerminal())
	assert.True(t, model.TaskClassificationError.IsError())
	assert.False(t, model.TaskSegmented.IsTerminal())
	assert.True(t, model.TaskSegmented.PastSplit())
	assert.False(t, model.TaskProcessing.PastSplit())

	_, err := model.ParseTaskStatus("finished")
	assert.Error(t, err)
	st, err := model.ParseSegmentStatus("error")
	require.NoError(t, err)
	assert.True(t, st.IsTerminal())
}

func TestRollupStatus(t *testing.T) {
	progress := func(statuses ...model.SegmentStatus) *model.TaskProgress {
		p := &model.TaskProgress{}
		for _, s := range statuses {
			p.Count(s)
		}
		return p
	}

	_, ok := model.RollupStatus(progress())
	assert.False(t, ok)
	_, ok = model.RollupStatus(progress(model.SegmentDone, model.SegmentProcessing))
	assert.False(t, ok)

	status, ok := model.RollupStatus(progress(model.SegmentDone, model.SegmentError))
	require.True(t, ok)
	assert.Equal(t, model.TaskDone, status)

	status, ok = model.RollupStatus(progress(model.SegmentError, model.SegmentError))
	require.True(t, ok)
	assert.Equal(t, model.TaskClassificationError, status)
}

func TestLabelCatalog(t *testing.T) {
	labels, err := model.ParseLabelFile([]byte(`{"2": "great white shark", "0": "tench", "1": "goldfish"}`))
	require.NoError(t, err)
	require.Len(t, labels, 3)
	assert.Equal(t, model.Label{Index: 0, Name: "tench"}, labels[0])

	catalog, err := model.NewLabelCatalog(labels)
	require.NoError(t, err)
	assert.Equal(t, 3, catalog.Len())

	name, ok := catalog.Lookup(2)
	assert.True(t, ok)
	assert.Equal(t, "great white shark", name)

	assert.Equal(t, "goldfish", catalog.Resolve(1, 0.93, 0.8))
	assert.Equal(t, model.UnknownLabel, catalog.Resolve(1, 0.8, 0.8))
	assert.Equal(t, model.UnknownLabel, catalog.Resolve(7, 0.99, 0.8))

	_, err = model.NewLabelCatalog([]model.Label{{Index: 1, Name: "a"}, {Index: 1, Name: "b"}})
	assert.Error(t, err)
	_, err = model.ParseLabelFile([]byte(`{"one": "tench"}`))
	assert.Error(t, err)

	var empty *model.LabelCatalog
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, model.UnknownLabel, empty.Resolve(0, 1, 0))
}

func TestNewResultClampsConfidence(t *testing.T) {
	catalog, err := model.NewLabelCatalog([]model.Label{{Index: 0, Name: "tench"}})
	require.NoError(t, err)
	seg := uuid.New()

	assert.Equal(t, 1.0, model.NewResult(seg, catalog, 0, 1.7, 0.8).Confidence)
	assert.Equal(t, 0.0, model.NewResult(seg, catalog, 0, math.NaN(), 0.8).Confidence)

	r := model.NewResult(seg, catalog, 0, -0.2, 0.8)
	assert.Equal(t, 0.0, r.Confidence)
	assert.Equal(t, model.UnknownLabel, r.ObjectDetected)
	assert.Equal(t, model.NewResultID(seg), r.ID)
}

func TestBlobKeys(t *testing.T) {
	taskID, segID := uuid.New(), uuid.New()
	prefixes := model.DerivedArtifactPrefixes(taskID)
	require.Len(t, prefixes, 3)

	for _, key := range []string{
		model.SceneImageKey(taskID, segID),
		model.RecognitionResultKey(taskID, segID),
		model.VideoSegmentKey(taskID, segID),
	} {
		matched := false
		for _, p := range prefixes {
			matched = matched || strings.HasPrefix(key, p)
		}
		assert.True(t, matched, key)
	}
	for _, p := range prefixes {
		assert.False(t, strings.HasPrefix(model.InputFileKey(taskID, "clip.mp4"), p))
	}
}

func TestDeletionDepth(t *testing.T) {
	assert.Greater(t, model.EntityResult.Depth(), model.EntitySegment.Depth())
	assert.Greater(t, model.EntitySegment.Depth(), model.EntityTask.Depth())
}

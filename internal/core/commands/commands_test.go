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

package commands_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/memory"
	test "github.com/jaycherian/gcp-go-media-analysis/internal/testutil"
)

func newContext(t *testing.T, in string) cor.Context {
	t.Helper()
	c := cor.NewBaseContext()
	c.SetContext(context.Background())
	c.Add(cor.CtxIn, in)
	t.Cleanup(c.Close)
	return c
}

func body(t *testing.T, fields map[string]string) string {
	t.Helper()
	data, err := json.Marshal(fields)
	require.NoError(t, err)
	return string(data)
}

func TestMessageDecoder(t *testing.T) {
	segID, taskID := uuid.NewString(), uuid.NewString()
	tests := []struct {
		name    string
		body    string
		stopped bool
	}{
		{name: "valid", body: body(t, map[string]string{"segment_id": segID, "task_id": taskID, "image_file_url": "scene-images/a/b.jpg"})},
		{name: "not json", body: "{", stopped: true},
		{name: "missing field", body: body(t, map[string]string{"segment_id": segID}), stopped: true},
		{name: "bad uuid", body: body(t, map[string]string{"segment_id": "x", "task_id": "y", "image_file_url": "k"}), stopped: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newContext(t, tt.body)
			commands.NewMessageDecoder[model.ClassificationRequest]("decode").Execute(c)
			assert.Equal(t, tt.stopped, c.IsStopped())
			assert.False(t, c.HasErrors())
			if !tt.stopped {
				req, ok := c.Get(commands.GetRequestParameterName()).(*model.ClassificationRequest)
				require.True(t, ok)
				assert.Equal(t, segID, req.SegmentID)
			}
		})
	}
}

func splitContext(t *testing.T, task *model.Task) cor.Context {
	c := newContext(t, "")
	c.Add(commands.GetRequestParameterName(), model.NewSplitRequest(task))
	return c
}

func TestTaskClaim(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	claim := commands.NewTaskClaim("claim", store)

	task := model.NewTask(model.MediaVideo, "a.mp4", nil)
	require.NoError(t, store.CreateTask(ctx, task))

	c := splitContext(t, task)
	claim.Execute(c)
	assert.False(t, c.IsStopped())
	assert.Equal(t, task.SourceBlob, c.Get(commands.GetSourceKeyParameterName()))
	got, _ := store.GetTask(ctx, task.ID)
	assert.Equal(t, model.TaskProcessing, got.Status)

	// A task already in processing is resumed.
	c = splitContext(t, task)
	claim.Execute(c)
	assert.False(t, c.IsStopped())

	require.NoError(t, store.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmented, ""))
	c = splitContext(t, task)
	claim.Execute(c)
	assert.True(t, c.IsStopped())
	assert.Nil(t, c.Get(commands.GetTaskParameterName()))

	c = splitContext(t, model.NewTask(model.MediaVideo, "missing.mp4", nil))
	claim.Execute(c)
	assert.True(t, c.IsStopped())
	assert.False(t, c.HasErrors())
}

func TestSegmentClaimRollsUpTerminalSegment(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	task := model.NewTask(model.MediaVideo, "a.mp4", nil)
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskProcessing, ""))
	seg := model.NewSceneSegment(task.ID, 0, model.TimeRange{Start: 0, End: 4})
	seg.Status = model.SegmentError
	_, err := store.CreateSegment(ctx, seg)
	require.NoError(t, err)
	// The worker died between marking the task segmented and rolling it up.
	require.NoError(t, store.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmented, ""))

	c := newContext(t, "")
	c.Add(commands.GetRequestParameterName(), model.NewClassificationRequest(seg.ID, task.ID, "k"))
	commands.NewSegmentClaim("claim", store).Execute(c)

	assert.True(t, c.IsStopped())
	got, _ := store.GetTask(ctx, task.ID)
	assert.Equal(t, model.TaskClassificationError, got.Status)
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Publish(context.Context, string, queue.Message) error {
	return errors.New("broker down")
}

func TestFollowUpPublisher(t *testing.T) {
	q := queue.NewMemory()
	require.NoError(t, q.Declare(context.Background(), "recognition_queue", 10))
	target := commands.QueueTarget{Name: "recognition_queue", Priority: 3}

	c := newContext(t, "")
	commands.AddFollowUps(c, target.FollowUp(map[string]string{"segment_id": "a"}), target.FollowUp(map[string]string{"segment_id": "b"}))
	commands.NewFollowUpPublisher("publish", q).Execute(c)
	assert.False(t, c.HasErrors())
	assert.Equal(t, 2, q.Len("recognition_queue"))
	assert.Nil(t, c.Get(commands.GetFollowUpsParameterName()))

	c = newContext(t, "")
	commands.AddFollowUps(c, target.FollowUp(map[string]string{"segment_id": "a"}))
	commands.NewFollowUpPublisher("publish", failingQueue{}).Execute(c)
	assert.True(t, c.HasErrors())
}

func TestResultExportIsOptional(t *testing.T) {
	c := newContext(t, "")
	assert.False(t, commands.NewResultExportToBigQuery("export", nil).IsExecutable(c))
}

func TestSniffMIMEType(t *testing.T) {
	assert.Equal(t, "image/jpeg", commands.SniffMIMEType(test.SampleJPEG))
	assert.Equal(t, commands.DefaultImageMIMEType, commands.SniffMIMEType([]byte("plain")))
}

func TestAnnotationText(t *testing.T) {
	assert.Equal(t, "goldfish: 0.93", commands.AnnotationText("goldfish", 0.931))
}

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

package commands

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// TaskClaim moves the task named by a split request into processing before
// any work is done on it. A task already in processing is resumed, since
// only a redelivery of its own message can find it there. A task that is
// past the split, or gone, ends the chain.
type TaskClaim struct {
	cor.BaseCommand
	store storage.TaskStore
}

// NewTaskClaim is the constructor for creating a new TaskClaim command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The task store holding the task.
//
// Outputs:
//   - *TaskClaim: A pointer to the newly instantiated command.
func NewTaskClaim(name string, store storage.TaskStore) *TaskClaim {
	return &TaskClaim{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

// IsExecutable reports whether a decoded split request is in the context.
func (c *TaskClaim) IsExecutable(context cor.Context) bool {
	_, ok := context.Get(GetRequestParameterName()).(*model.SplitRequest)
	return ok
}

// Execute claims the task and stores it, with its source key, in the context.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *TaskClaim) Execute(context cor.Context) {
	ctx := context.GetContext()
	req := context.Get(GetRequestParameterName()).(*model.SplitRequest)
	id, err := uuid.Parse(req.TaskID)
	if err != nil {
		context.Stop("invalid task id")
		return
	}

	task, err := c.claim(context, id)
	if err != nil {
		c.Fail(context, err)
		return
	}
	if task == nil {
		return
	}

	c.Succeed(context)
	slog.InfoContext(ctx, "task claimed", "task_id", task.ID, "file_type", task.Kind)
	context.Add(GetTaskParameterName(), task)
	context.Add(GetSourceKeyParameterName(), task.SourceBlob)
	context.Add(c.GetOutputParam(), task)
}

// claim returns the task in processing, or nil after stopping the chain.
func (c *TaskClaim) claim(context cor.Context, id uuid.UUID) (*model.Task, error) {
	ctx := context.GetContext()
	for attempt := 0; attempt < 2; attempt++ {
		task, err := c.store.GetTask(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			slog.InfoContext(ctx, "task no longer exists", "task_id", id)
			context.Stop("task deleted")
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch {
		case task.Status == model.TaskProcessing:
			slog.InfoContext(ctx, "resuming task", "task_id", id)
			return task, nil
		case task.Status.PastSplit():
			slog.InfoContext(ctx, "task already split", "task_id", id, "status", task.Status)
			context.Stop("task already split")
			return nil, nil
		}

		err = c.store.TransitionTask(ctx, id, model.TaskQueued, model.TaskProcessing, "")
		if err == nil {
			task.Status = model.TaskProcessing
			return task, nil
		}
		if !ignorable(err) {
			return nil, err
		}
		// Lost a race; look again.
	}
	return nil, fmt.Errorf("task %s changed status concurrently", id)
}

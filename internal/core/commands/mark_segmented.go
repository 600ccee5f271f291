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
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// MarkSegmented ends the split: processing -> segmented, followed by a
// rollup in case every segment is already terminal.
type MarkSegmented struct {
	cor.BaseCommand
	store storage.TaskStore
}

// NewMarkSegmented is the constructor for creating a new MarkSegmented command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The task store holding the split task.
//
// Outputs:
//   - *MarkSegmented: A pointer to the newly instantiated command.
func NewMarkSegmented(name string, store storage.TaskStore) *MarkSegmented {
	return &MarkSegmented{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

// IsExecutable reports whether the task and its written segments are in the
// context.
func (c *MarkSegmented) IsExecutable(context cor.Context) bool {
	_, ok := getTask(context)
	return ok && context.Get(GetSegmentsParameterName()) != nil
}

// Execute moves the task to segmented and rolls it up.
func (c *MarkSegmented) Execute(context cor.Context) {
	ctx := context.GetContext()
	task, _ := getTask(context)

	err := c.store.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmented, "")
	if err != nil && !ignorable(err) {
		c.Fail(context, err)
		return
	}
	if err == nil {
		task.Status = model.TaskSegmented
		segments, _ := context.Get(GetSegmentsParameterName()).([]*model.Segment)
		slog.InfoContext(ctx, "task segmented", "task_id", task.ID, "segments", len(segments))
	}
	if err := Rollup(ctx, c.store, task.ID); err != nil {
		c.Fail(context, err)
		return
	}
	c.Succeed(context)
	context.Add(c.GetOutputParam(), task)
}

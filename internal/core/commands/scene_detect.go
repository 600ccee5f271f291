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
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// SceneDetect finds the scene ranges of the downloaded video. A detector
// failure is a permanent failure of the task. An empty result becomes one
// range covering the whole file, so a split task always has a segment.
// Photos have no scenes and pass through untouched.
type SceneDetect struct {
	cor.BaseCommand
	detector SceneDetector
	store    storage.TaskStore
}

// NewSceneDetect is the constructor for creating a new SceneDetect command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - detector: Finds the scenes and the length of the local video.
//   - store: Records the task failure when detection fails.
//
// Outputs:
//   - *SceneDetect: A pointer to the newly instantiated command.
func NewSceneDetect(name string, detector SceneDetector, store storage.TaskStore) *SceneDetect {
	return &SceneDetect{BaseCommand: *cor.NewBaseCommand(name), detector: detector, store: store}
}

// IsExecutable reports whether a task and its downloaded source are in the context.
func (c *SceneDetect) IsExecutable(context cor.Context) bool {
	_, ok := getTask(context)
	return ok && getString(context, GetSourceFileParameterName()) != ""
}

// Execute stores the detected `[]model.TimeRange` under the scenes parameter.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *SceneDetect) Execute(context cor.Context) {
	ctx := context.GetContext()
	task, _ := getTask(context)
	if task.Kind == model.MediaPhoto {
		context.Add(GetScenesParameterName(), []model.TimeRange(nil))
		return
	}

	video := getString(context, GetSourceFileParameterName())
	scenes, err := c.detector.DetectScenes(ctx, video)
	if err == nil && len(scenes) == 0 {
		var duration float64
		if duration, err = c.detector.Duration(ctx, video); err == nil {
			slog.WarnContext(ctx, "no scenes detected, using the full video", "task_id", task.ID, "duration", duration)
			scenes = []model.TimeRange{{Start: 0, End: max(duration, 0)}}
		} else {
			err = fmt.Errorf("read duration: %w", err)
		}
	}
	if err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		if err := recordTaskFailure(ctx, c.store, task.ID, fmt.Sprintf("scene detection failed: %v", err)); err != nil {
			c.Fail(context, err)
			return
		}
		context.Stop("scene detection failed")
		return
	}

	c.Succeed(context)
	slog.InfoContext(ctx, "scenes detected", "task_id", task.ID, "count", len(scenes))
	context.Add(GetScenesParameterName(), scenes)
	context.Add(c.GetOutputParam(), scenes)
}

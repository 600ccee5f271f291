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
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// ResultPersist writes the result and moves its segment to done in one
// transaction, then rolls the task up.
type ResultPersist struct {
	cor.BaseCommand
	store storage.Store
}

// NewResultPersist is the constructor for creating a new ResultPersist command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The store the result and segment are written to.
//
// Outputs:
//   - *ResultPersist: A pointer to the newly instantiated command.
func NewResultPersist(name string, store storage.Store) *ResultPersist {
	return &ResultPersist{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

// IsExecutable reports whether a result and its segment are in the context.
func (c *ResultPersist) IsExecutable(context cor.Context) bool {
	_, ok := context.Get(GetResultParameterName()).(*model.Result)
	_, hasSeg := getSegment(context)
	return ok && hasSeg
}

// Execute completes the segment with its result and rolls up the task.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *ResultPersist) Execute(context cor.Context) {
	ctx := context.GetContext()
	seg, _ := getSegment(context)
	result := context.Get(GetResultParameterName()).(*model.Result)

	err := c.store.CompleteSegment(ctx, result)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.WarnContext(ctx, "segment deleted during classification", "segment_id", seg.ID)
		context.Stop("segment deleted")
		return
	case errors.Is(err, model.ErrStatusConflict):
		slog.InfoContext(ctx, "segment finished concurrently", "segment_id", seg.ID)
		context.Stop("segment already terminal")
		return
	case err != nil:
		c.Fail(context, err)
		return
	}
	seg.Status = model.SegmentDone

	if err := Rollup(ctx, c.store, seg.TaskID); err != nil {
		c.Fail(context, err)
		return
	}
	c.Succeed(context)
	context.Add(c.GetOutputParam(), result)
}

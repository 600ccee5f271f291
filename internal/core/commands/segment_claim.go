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

// SegmentClaim moves the segment named by a classification request from
// queued to processing. A segment found in processing is resumed. A terminal
// segment means the message was already handled: the task rollup is retried,
// since a crash may have happened right before it, and the chain ends.
type SegmentClaim struct {
	cor.BaseCommand
	store storage.Store
}

// NewSegmentClaim is the constructor for creating a new SegmentClaim command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The store holding the segment and its task.
//
// Outputs:
//   - *SegmentClaim: A pointer to the newly instantiated command.
func NewSegmentClaim(name string, store storage.Store) *SegmentClaim {
	return &SegmentClaim{BaseCommand: *cor.NewBaseCommand(name), store: store}
}

// IsExecutable reports whether a decoded classification request is in the context.
func (c *SegmentClaim) IsExecutable(context cor.Context) bool {
	_, ok := context.Get(GetRequestParameterName()).(*model.ClassificationRequest)
	return ok
}

// Execute claims the segment and stores it, with its artifact key, in the
// context.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *SegmentClaim) Execute(context cor.Context) {
	ctx := context.GetContext()
	req := context.Get(GetRequestParameterName()).(*model.ClassificationRequest)
	id, err := uuid.Parse(req.SegmentID)
	if err != nil {
		context.Stop("invalid segment id")
		return
	}

	for attempt := 0; attempt < 2; attempt++ {
		seg, err := c.store.GetSegment(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			slog.InfoContext(ctx, "segment no longer exists", "segment_id", id)
			context.Stop("segment deleted")
			return
		}
		if err != nil {
			c.Fail(context, err)
			return
		}

		switch seg.Status {
		case model.SegmentDone, model.SegmentError:
			if err := Rollup(ctx, c.store, seg.TaskID); err != nil {
				c.Fail(context, err)
				return
			}
			slog.InfoContext(ctx, "segment already classified", "segment_id", id, "status", seg.Status)
			context.Stop("segment already terminal")
			return
		case model.SegmentProcessing:
			slog.InfoContext(ctx, "resuming segment", "segment_id", id)
			c.claimed(context, seg, req)
			return
		}

		err = c.store.TransitionSegment(ctx, id, model.SegmentQueued, model.SegmentProcessing, "")
		if err == nil {
			seg.Status = model.SegmentProcessing
			c.claimed(context, seg, req)
			return
		}
		if !ignorable(err) {
			c.Fail(context, err)
			return
		}
	}
	c.Fail(context, fmt.Errorf("segment %s changed status concurrently", id))
}

func (c *SegmentClaim) claimed(context cor.Context, seg *model.Segment, req *model.ClassificationRequest) {
	key := req.ArtifactBlob
	if seg.HasArtifact() {
		key = *seg.ArtifactBlob
	}
	c.Succeed(context)
	context.Add(GetSegmentParameterName(), seg)
	context.Add(GetArtifactKeyParameterName(), key)
	context.Add(c.GetOutputParam(), seg)
}

// ExtractionClaim checks that the segment named by an extraction request
// still needs its artifact. The segment stays queued while its frame is
// extracted; classification is what moves it to processing. A segment that
// already has an artifact only needs its classification message again.
type ExtractionClaim struct {
	cor.BaseCommand
	store          storage.Store
	classification QueueTarget
}

// NewExtractionClaim is the constructor for creating a new ExtractionClaim command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The store holding the segment and its task.
//   - classification: Where a segment that already has an artifact is queued.
//
// Outputs:
//   - *ExtractionClaim: A pointer to the newly instantiated command.
func NewExtractionClaim(name string, store storage.Store, classification QueueTarget) *ExtractionClaim {
	return &ExtractionClaim{BaseCommand: *cor.NewBaseCommand(name), store: store, classification: classification}
}

// IsExecutable reports whether a decoded extraction request is in the context.
func (c *ExtractionClaim) IsExecutable(context cor.Context) bool {
	_, ok := context.Get(GetRequestParameterName()).(*model.ExtractionRequest)
	return ok
}

// Execute stores the segment and its task in the context, or re-queues the
// classification of a segment that already has its artifact.
func (c *ExtractionClaim) Execute(context cor.Context) {
	ctx := context.GetContext()
	req := context.Get(GetRequestParameterName()).(*model.ExtractionRequest)
	id, err := uuid.Parse(req.SegmentID)
	if err != nil {
		context.Stop("invalid segment id")
		return
	}

	seg, err := c.store.GetSegment(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		context.Stop("segment deleted")
		return
	}
	if err != nil {
		c.Fail(context, err)
		return
	}
	if seg.Status != model.SegmentQueued {
		slog.InfoContext(ctx, "segment past extraction", "segment_id", id, "status", seg.Status)
		context.Stop("segment past extraction")
		return
	}

	context.Add(GetSegmentParameterName(), seg)
	context.Add(GetFollowUpsParameterName(), []FollowUp{})
	if seg.HasArtifact() {
		c.Succeed(context)
		AddFollowUps(context, c.classification.FollowUp(
			model.NewClassificationRequest(seg.ID, seg.TaskID, *seg.ArtifactBlob)))
		return
	}

	task, err := c.store.GetTask(ctx, seg.TaskID)
	if errors.Is(err, model.ErrNotFound) {
		context.Stop("task deleted")
		return
	}
	if err != nil {
		c.Fail(context, err)
		return
	}
	c.Succeed(context)
	context.Add(GetTaskParameterName(), task)
	context.Add(GetSourceKeyParameterName(), task.SourceBlob)
	context.Add(c.GetOutputParam(), seg)
}

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
	"os"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// FrameExtract produces the scene image of one queued segment from the
// downloaded source video, stores it and records it as the segment's
// artifact, then queues the segment for classification.
type FrameExtract struct {
	cor.BaseCommand
	store          storage.Store
	blobs          blob.Store
	extractor      FrameExtractor
	classification QueueTarget
}

// NewFrameExtract is the constructor for creating a new FrameExtract command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: Records the artifact key on the segment.
//   - blobs: The blob store the frame is written to.
//   - extractor: Produces the frame from the local video.
//   - classification: Where the segment is queued once its artifact exists.
//
// Outputs:
//   - *FrameExtract: A pointer to the newly instantiated command.
func NewFrameExtract(name string, store storage.Store, blobs blob.Store, extractor FrameExtractor, classification QueueTarget) *FrameExtract {
	return &FrameExtract{
		BaseCommand:    *cor.NewBaseCommand(name),
		store:          store,
		blobs:          blobs,
		extractor:      extractor,
		classification: classification,
	}
}

// IsExecutable reports whether the segment and the downloaded source are in the context.
func (c *FrameExtract) IsExecutable(context cor.Context) bool {
	_, ok := getSegment(context)
	return ok && getString(context, GetSourceFileParameterName()) != ""
}

// Execute extracts the midpoint frame of the segment and records it.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *FrameExtract) Execute(context cor.Context) {
	ctx := context.GetContext()
	seg, _ := getSegment(context)
	source := getString(context, GetSourceFileParameterName())

	var at float64
	if span, ok := seg.Span(); ok {
		at = span.Midpoint()
	}

	f, err := os.CreateTemp("", "scene-*.jpg")
	if err != nil {
		c.Fail(context, fmt.Errorf("could not create temp file: %w", err))
		return
	}
	frame := f.Name()
	context.AddTempFile(frame)
	_ = f.Close()

	if err := c.extractor.ExtractFrame(ctx, source, at, frame); err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "frame extraction failed", "segment_id", seg.ID, "at", at, "error", err)
		if err := recordSegmentFailure(ctx, c.store, seg, model.SegmentQueued, FrameExtractionFailed); err != nil {
			c.Fail(context, err)
			return
		}
		context.Stop(FrameExtractionFailed)
		return
	}

	key := model.SceneImageKey(seg.TaskID, seg.ID)
	if err := blob.PutFile(ctx, c.blobs, key, frame, "image/jpeg"); err != nil {
		c.Fail(context, fmt.Errorf("failed to store scene image %s: %w", key, err))
		return
	}
	err = c.store.SetSegmentArtifact(ctx, seg.ID, key)
	if errors.Is(err, model.ErrNotFound) {
		context.Stop("segment deleted")
		return
	}
	if err != nil {
		c.Fail(context, err)
		return
	}
	seg.ArtifactBlob = &key

	c.Succeed(context)
	AddFollowUps(context, c.classification.FollowUp(model.NewClassificationRequest(seg.ID, seg.TaskID, key)))
	context.Add(c.GetOutputParam(), seg)
}

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
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// Extraction modes.
const (
	ExtractionInline   = "inline"
	ExtractionDeferred = "deferred"
)

// FanOutConfig selects how the split stage produces segment artifacts.
type FanOutConfig struct {
	Mode           string      // ExtractionInline or ExtractionDeferred.
	Parallelism    int         // Scenes produced at once in inline mode.
	Classification QueueTarget // Receives segments that have an artifact.
	Extraction     QueueTarget // Receives segments in deferred mode.
}

// SegmentFanOut writes one segment per detected scene and collects the
// follow-up message of each.
//
// Segment identifiers derive from the task and the scene index, so a
// redelivered split finds the segments it already wrote and only re-emits
// their follow-ups. In inline mode the midpoint frame of each scene is
// extracted and stored before its segment row is written; a scene whose
// frame cannot be extracted gets a segment in error. In deferred mode the
// segments are written without an artifact and the extraction stage is
// asked to produce it.
type SegmentFanOut struct {
	cor.BaseCommand
	store     storage.Store
	blobs     blob.Store
	extractor FrameExtractor
	clips     ClipExtractor // nil disables clip export.
	config    FanOutConfig
}

// NewSegmentFanOut is the constructor for creating a new SegmentFanOut command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - store: The store the segments are written to.
//   - blobs: The blob store frames and clips are written to.
//   - extractor: Produces the midpoint frame of a scene in inline mode.
//   - clips: Produces per-scene clips. Nil disables clip export.
//   - config: The extraction mode, parallelism and follow-up queues.
//
// Outputs:
//   - *SegmentFanOut: A pointer to the newly instantiated command.
func NewSegmentFanOut(name string, store storage.Store, blobs blob.Store, extractor FrameExtractor, clips ClipExtractor, config FanOutConfig) *SegmentFanOut {
	if config.Parallelism < 1 {
		config.Parallelism = 1
	}
	if config.Mode == "" {
		config.Mode = ExtractionInline
	}
	return &SegmentFanOut{
		BaseCommand: *cor.NewBaseCommand(name),
		store:       store,
		blobs:       blobs,
		extractor:   extractor,
		clips:       clips,
		config:      config,
	}
}

// IsExecutable reports whether a task and its scenes are in the context.
func (c *SegmentFanOut) IsExecutable(context cor.Context) bool {
	_, ok := getTask(context)
	return ok && context.Get(GetScenesParameterName()) != nil
}

// fanOutItem is the outcome for one scene.
type fanOutItem struct {
	segment  *model.Segment
	followUp *FollowUp
}

// Execute writes the segments of every scene and stores them, with their
// follow-ups, in the context.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *SegmentFanOut) Execute(context cor.Context) {
	ctx := context.GetContext()
	task, _ := getTask(context)

	if task.Kind == model.MediaPhoto {
		item, err := c.photo(ctx, task)
		if err != nil {
			c.Fail(context, err)
			return
		}
		c.finish(context, []*fanOutItem{item})
		return
	}

	scenes, _ := context.Get(GetScenesParameterName()).([]model.TimeRange)
	existing, err := c.existing(ctx, task)
	if err != nil {
		c.Fail(context, err)
		return
	}

	source := getString(context, GetSourceFileParameterName())
	items := make([]*fanOutItem, len(scenes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Parallelism)
	for i, scene := range scenes {
		if seg, ok := existing[model.NewSegmentID(task.ID, i)]; ok {
			items[i] = c.resume(seg, task)
			continue
		}
		g.Go(func() error {
			item, err := c.produce(gctx, context, task, i, scene, source)
			items[i] = item
			return err
		})
	}
	if err := g.Wait(); err != nil {
		c.Fail(context, err)
		return
	}
	c.finish(context, items)
}

func (c *SegmentFanOut) finish(context cor.Context, items []*fanOutItem) {
	segments := make([]*model.Segment, 0, len(items))
	followUps := make([]FollowUp, 0, len(items))
	for _, item := range items {
		segments = append(segments, item.segment)
		if item.followUp != nil {
			followUps = append(followUps, *item.followUp)
		}
	}
	c.Succeed(context)
	context.Add(GetSegmentsParameterName(), segments)
	AddFollowUps(context, followUps...)
	context.Add(c.GetOutputParam(), segments)
}

func (c *SegmentFanOut) existing(ctx context.Context, task *model.Task) (map[uuid.UUID]*model.Segment, error) {
	segments, err := c.store.ListSegments(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*model.Segment, len(segments))
	for _, seg := range segments {
		out[seg.ID] = seg
	}
	return out, nil
}

// resume re-emits the follow-up of a segment written by an earlier attempt.
// Segments that already left queued need nothing more from this stage.
func (c *SegmentFanOut) resume(seg *model.Segment, task *model.Task) *fanOutItem {
	item := &fanOutItem{segment: seg}
	if seg.Status != model.SegmentQueued {
		return item
	}
	var f FollowUp
	if seg.HasArtifact() {
		f = c.config.Classification.FollowUp(model.NewClassificationRequest(seg.ID, task.ID, *seg.ArtifactBlob))
	} else {
		f = c.config.Extraction.FollowUp(model.NewExtractionRequest(seg.ID, task.ID, task.SourceBlob))
	}
	item.followUp = &f
	return item
}

func (c *SegmentFanOut) photo(ctx context.Context, task *model.Task) (*fanOutItem, error) {
	seg := model.NewPhotoSegment(task)
	created, err := c.store.CreateSegment(ctx, seg)
	if err != nil {
		return nil, err
	}
	if !created {
		if seg, err = c.store.GetSegment(ctx, seg.ID); err != nil {
			return nil, err
		}
	}
	return c.resume(seg, task), nil
}

// produce writes the segment of one new scene.
func (c *SegmentFanOut) produce(ctx context.Context, context cor.Context, task *model.Task, index int, scene model.TimeRange, source string) (*fanOutItem, error) {
	seg := model.NewSceneSegment(task.ID, index, scene)
	ctx, span := c.GetTracer().Start(ctx, "segment")
	defer span.End()
	span.SetAttributes(
		attribute.String("segment_id", seg.ID.String()),
		attribute.Float64("start", scene.Start),
		attribute.Float64("end", scene.End),
	)

	if c.clips != nil {
		c.exportClip(ctx, context, task, seg, scene, source)
	}

	if c.config.Mode == ExtractionDeferred {
		return c.create(ctx, task, seg)
	}

	frame, err := c.tempFile(context, "scene-*.jpg")
	if err != nil {
		return nil, err
	}
	if err := c.extractor.ExtractFrame(ctx, source, scene.Midpoint(), frame); err != nil {
		slog.WarnContext(ctx, "frame extraction failed", "task_id", task.ID, "segment_id", seg.ID, "at", scene.Midpoint(), "error", err)
		span.SetStatus(codes.Error, FrameExtractionFailed)
		seg.Status = model.SegmentError
		seg.ErrorMessage = FrameExtractionFailed
		return c.create(ctx, task, seg)
	}

	key := model.SceneImageKey(task.ID, seg.ID)
	if err := blob.PutFile(ctx, c.blobs, key, frame, "image/jpeg"); err != nil {
		return nil, fmt.Errorf("failed to store scene image %s: %w", key, err)
	}
	seg.ArtifactBlob = &key
	return c.create(ctx, task, seg)
}

func (c *SegmentFanOut) create(ctx context.Context, task *model.Task, seg *model.Segment) (*fanOutItem, error) {
	created, err := c.store.CreateSegment(ctx, seg)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment %s: %w", seg.ID, err)
	}
	if !created {
		stored, err := c.store.GetSegment(ctx, seg.ID)
		if err != nil {
			return nil, err
		}
		seg = stored
	}
	return c.resume(seg, task), nil
}

// exportClip stores the scene as its own video. Failures are only logged.
func (c *SegmentFanOut) exportClip(ctx context.Context, context cor.Context, task *model.Task, seg *model.Segment, scene model.TimeRange, source string) {
	out, err := c.tempFile(context, "segment-*.mp4")
	if err == nil {
		err = c.clips.ExtractClip(ctx, source, scene, out)
	}
	if err == nil {
		err = blob.PutFile(ctx, c.blobs, model.VideoSegmentKey(task.ID, seg.ID), out, "video/mp4")
	}
	if err != nil {
		slog.WarnContext(ctx, "clip export failed", "task_id", task.ID, "segment_id", seg.ID, "error", err)
	}
}

func (c *SegmentFanOut) tempFile(context cor.Context, pattern string) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("could not create temp file: %w", err)
	}
	context.AddTempFile(f.Name())
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

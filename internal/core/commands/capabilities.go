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
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// FrameExtractionFailed is the error detail of a segment whose frame could
// not be produced.
const FrameExtractionFailed = "Failed to extract frame"

// SceneDetector returns the scene ranges of a local video file and its
// length in seconds.
type SceneDetector interface {
	DetectScenes(ctx context.Context, video string) ([]model.TimeRange, error)
	Duration(ctx context.Context, video string) (float64, error)
}

// FrameExtractor writes the frame at a given offset of a video as a JPEG.
type FrameExtractor interface {
	ExtractFrame(ctx context.Context, video string, at float64, out string) error
}

// ClipExtractor writes a span of a video as an MP4.
type ClipExtractor interface {
	ExtractClip(ctx context.Context, video string, span model.TimeRange, out string) error
}

// Annotator draws text onto an image.
type Annotator interface {
	Annotate(ctx context.Context, image, text, out string) error
}

// Classifier picks the catalog class that best describes an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string, catalog *model.LabelCatalog) (*model.Classification, error)
}

// ResultExporter copies a stored result to an analytics sink.
type ResultExporter interface {
	ExportResult(ctx context.Context, segment *model.Segment, result *model.Result) error
}

// ignorable reports whether a transition lost to a concurrent writer or to a
// deletion. Either way there is nothing left to record.
func ignorable(err error) bool {
	return errors.Is(err, model.ErrStatusConflict) || errors.Is(err, model.ErrNotFound)
}

// recordTaskFailure moves a task in processing to segmentation-error.
func recordTaskFailure(ctx context.Context, store storage.TaskStore, taskID uuid.UUID, message string) error {
	err := store.TransitionTask(ctx, taskID, model.TaskProcessing, model.TaskSegmentationError, message)
	if err != nil && !ignorable(err) {
		return err
	}
	slog.WarnContext(ctx, "task failed", "task_id", taskID, "status", model.TaskSegmentationError, "error_message", message)
	return nil
}

// recordSegmentFailure moves a segment to error and rolls its task up.
func recordSegmentFailure(ctx context.Context, store storage.Store, segment *model.Segment, from model.SegmentStatus, message string) error {
	err := store.TransitionSegment(ctx, segment.ID, from, model.SegmentError, message)
	if err != nil && !ignorable(err) {
		return err
	}
	slog.WarnContext(ctx, "segment failed", "segment_id", segment.ID, "task_id", segment.TaskID, "error_message", message)
	return Rollup(ctx, store, segment.TaskID)
}

// Rollup finishes the task once all of its segments are terminal. It is safe
// to call at any time and as often as needed.
func Rollup(ctx context.Context, store storage.TaskStore, taskID uuid.UUID) error {
	status, changed, err := store.RollupTask(ctx, taskID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if changed {
		slog.InfoContext(ctx, "task finished", "task_id", taskID, "status", status)
	}
	return nil
}

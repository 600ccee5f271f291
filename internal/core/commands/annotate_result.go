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
	"os"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// AnnotationText renders a label and confidence as drawn on result images.
func AnnotationText(label string, confidence float64) string {
	return fmt.Sprintf("%s: %.2f", label, confidence)
}

// AnnotateResult draws "label: confidence" on the artifact and stores it as
// the result image. An image that cannot be drawn leaves the result without
// one; failing to store a drawn image is retried.
type AnnotateResult struct {
	cor.BaseCommand
	annotator Annotator
	blobs     blob.Store
}

// NewAnnotateResult is the constructor for creating a new AnnotateResult command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - annotator: Draws the annotation text onto the artifact image.
//   - blobs: The blob store the annotated image is written to.
//
// Outputs:
//   - *AnnotateResult: A pointer to the newly instantiated command.
func NewAnnotateResult(name string, annotator Annotator, blobs blob.Store) *AnnotateResult {
	return &AnnotateResult{BaseCommand: *cor.NewBaseCommand(name), annotator: annotator, blobs: blobs}
}

// IsExecutable reports whether a result, its segment and the downloaded
// artifact are in the context.
func (c *AnnotateResult) IsExecutable(context cor.Context) bool {
	_, ok := context.Get(GetResultParameterName()).(*model.Result)
	_, hasSeg := getSegment(context)
	return ok && hasSeg && getString(context, GetArtifactFileParameterName()) != ""
}

// Execute draws the result's label onto the artifact and stores the
// image under the result's blob key.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *AnnotateResult) Execute(context cor.Context) {
	ctx := context.GetContext()
	seg, _ := getSegment(context)
	result := context.Get(GetResultParameterName()).(*model.Result)

	f, err := os.CreateTemp("", "result-*.jpg")
	if err != nil {
		c.Fail(context, fmt.Errorf("could not create temp file: %w", err))
		return
	}
	out := f.Name()
	context.AddTempFile(out)
	_ = f.Close()

	text := AnnotationText(result.ObjectDetected, result.Confidence)
	if err := c.annotator.Annotate(ctx, getString(context, GetArtifactFileParameterName()), text, out); err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "annotation failed, storing result without image", "segment_id", seg.ID, "error", err)
		result.ResultBlob = nil
		context.Add(c.GetOutputParam(), result)
		return
	}

	key := model.RecognitionResultKey(seg.TaskID, seg.ID)
	if err := blob.PutFile(ctx, c.blobs, key, out, "image/jpeg"); err != nil {
		c.Fail(context, fmt.Errorf("failed to store result image %s: %w", key, err))
		return
	}
	result.ResultBlob = &key
	c.Succeed(context)
	context.Add(c.GetOutputParam(), result)
}

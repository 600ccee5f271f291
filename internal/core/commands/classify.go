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

	"github.com/h2non/filetype"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// DefaultImageMIMEType is sent to the classifier when sniffing fails.
const DefaultImageMIMEType = "image/jpeg"

// Classify runs the classifier on the downloaded artifact and builds the
// segment's result. Labels at or below the threshold resolve to "unknown".
// A classifier failure moves the segment to error.
type Classify struct {
	cor.BaseCommand
	classifier Classifier
	catalog    *model.LabelCatalog
	threshold  float64
	store      storage.Store
}

// NewClassify is the constructor for creating a new Classify command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - classifier: The model that labels the image.
//   - catalog: The known classes and their identifiers.
//   - threshold: Confidence at or below which a label resolves to "unknown".
//   - store: Records the segment failure when the classifier errors.
//
// Outputs:
//   - *Classify: A pointer to the newly instantiated command.
func NewClassify(name string, classifier Classifier, catalog *model.LabelCatalog, threshold float64, store storage.Store) *Classify {
	return &Classify{
		BaseCommand: *cor.NewBaseCommand(name),
		classifier:  classifier,
		catalog:     catalog,
		threshold:   threshold,
		store:       store,
	}
}

// IsExecutable reports whether the segment and its downloaded artifact are in the context.
func (c *Classify) IsExecutable(context cor.Context) bool {
	_, ok := getSegment(context)
	return ok && getString(context, GetArtifactFileParameterName()) != ""
}

// SniffMIMEType returns the MIME type of an image from its leading bytes.
func SniffMIMEType(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown {
		return DefaultImageMIMEType
	}
	return kind.MIME.Value
}

// Execute classifies the artifact and stores the resulting `*model.Result`
// under the result parameter.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *Classify) Execute(context cor.Context) {
	ctx := context.GetContext()
	seg, _ := getSegment(context)

	data, err := os.ReadFile(getString(context, GetArtifactFileParameterName()))
	if err != nil {
		c.Fail(context, err)
		return
	}

	classification, err := c.classifier.Classify(ctx, data, SniffMIMEType(data), c.catalog)
	if err != nil {
		c.GetErrorCounter().Add(ctx, 1)
		message := fmt.Sprintf("classification failed: %v", err)
		if err := recordSegmentFailure(ctx, c.store, seg, model.SegmentProcessing, message); err != nil {
			c.Fail(context, err)
			return
		}
		context.Stop("classification failed")
		return
	}

	result := model.NewResult(seg.ID, c.catalog, classification.ClassIndex, classification.Confidence, c.threshold)
	c.Succeed(context)
	slog.InfoContext(ctx, "segment classified",
		"segment_id", seg.ID,
		"class_index", classification.ClassIndex,
		"object_detected", result.ObjectDetected,
		"confidence", result.Confidence)
	context.Add(GetClassificationParameterName(), classification)
	context.Add(GetResultParameterName(), result)
	context.Add(c.GetOutputParam(), result)
}

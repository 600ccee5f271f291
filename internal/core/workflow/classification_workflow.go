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

package workflow

import (
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

// ClassificationWorkflow classifies one segment and stores its result. The
// label catalog is loaded once by the caller and shared by every worker.
type ClassificationWorkflow struct {
	cor.BaseCommand
	config  *cloud.Config
	clients *cloud.ServiceClients
	tools   *MediaTools
	catalog *model.LabelCatalog
	chain   cor.Chain
}

// Execute runs the classification stage by invoking the underlying command chain.
//
// Inputs:
//   - context: The chain of responsibility context for this execution, which carries
//     the classification request and passes state between commands.
func (w *ClassificationWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

func (w *ClassificationWorkflow) initializeChain() {
	store := w.clients.Store
	out := cor.NewBaseChain(w.GetName())

	out.AddCommand(commands.NewMessageDecoder[model.ClassificationRequest]("decode-classification-request"))
	out.AddCommand(commands.NewSegmentClaim("claim-segment", store))
	out.AddCommand(commands.NewBlobToTempFile("download-artifact", w.clients.Blobs,
		commands.GetArtifactKeyParameterName(), commands.GetArtifactFileParameterName(),
		"artifact-*", commands.SegmentArtifactMissing(store, model.SegmentProcessing)))
	out.AddCommand(commands.NewClassify("classify-image", w.clients.Classifier, w.catalog,
		w.config.Pipeline.ClassificationThreshold, store))
	out.AddCommand(commands.NewAnnotateResult("annotate-result", w.tools.Annotator, w.clients.Blobs))
	out.AddCommand(commands.NewResultPersist("persist-result", store))
	out.AddCommand(commands.NewResultExportToBigQuery("write-to-bigquery", w.clients.Exporter))

	w.chain = out
}

// NewClassificationPipeline is the constructor for the ClassificationWorkflow.
//
// Inputs:
//   - config: The application's overall configuration.
//   - clients: The initialized storage, blob, queue and model clients.
//   - tools: The ffmpeg backed media capabilities.
//   - catalog: The label catalog, loaded once and shared by every worker.
//
// Returns:
//   - A pointer to a newly created and fully initialized ClassificationWorkflow.
func NewClassificationPipeline(config *cloud.Config, clients *cloud.ServiceClients, tools *MediaTools, catalog *model.LabelCatalog) *ClassificationWorkflow {
	w := &ClassificationWorkflow{
		BaseCommand: *cor.NewBaseCommand("classification-pipeline"),
		config:      config,
		clients:     clients,
		tools:       tools,
		catalog:     catalog,
	}
	w.initializeChain()
	return w
}

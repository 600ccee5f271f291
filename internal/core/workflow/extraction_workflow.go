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

// ExtractionWorkflow produces the scene image of a segment written by a
// split in deferred mode.
type ExtractionWorkflow struct {
	cor.BaseCommand
	config  *cloud.Config
	clients *cloud.ServiceClients
	tools   *MediaTools
	chain   cor.Chain
}

// Execute runs the extraction stage by invoking the underlying command chain.
//
// Inputs:
//   - context: The chain of responsibility context for this execution, which carries
//     the extraction request and passes state between commands.
func (w *ExtractionWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

func (w *ExtractionWorkflow) initializeChain() {
	store := w.clients.Store
	classification := target(w.config.Queues.Classification)
	out := cor.NewBaseChain(w.GetName())

	out.AddCommand(commands.NewMessageDecoder[model.ExtractionRequest]("decode-extraction-request"))
	out.AddCommand(commands.NewExtractionClaim("claim-extraction", store, classification))
	out.AddCommand(commands.NewBlobToTempFile("download-source", w.clients.Blobs,
		commands.GetSourceKeyParameterName(), commands.GetSourceFileParameterName(),
		"source-*", commands.SegmentArtifactMissing(store, model.SegmentQueued)))
	out.AddCommand(commands.NewFrameExtract("extract-frame", store, w.clients.Blobs, w.tools.Frames, classification))
	out.AddCommand(commands.NewFollowUpPublisher("publish-classification", w.clients.Queue))

	w.chain = out
}

// NewExtractionPipeline is the constructor for the ExtractionWorkflow.
//
// Inputs:
//   - config: The application's overall configuration.
//   - clients: The initialized storage, blob, queue and model clients.
//   - tools: The ffmpeg backed media capabilities.
//
// Returns:
//   - A pointer to a newly created and fully initialized ExtractionWorkflow.
func NewExtractionPipeline(config *cloud.Config, clients *cloud.ServiceClients, tools *MediaTools) *ExtractionWorkflow {
	w := &ExtractionWorkflow{
		BaseCommand: *cor.NewBaseCommand("extraction-pipeline"),
		config:      config,
		clients:     clients,
		tools:       tools,
	}
	w.initializeChain()
	return w
}

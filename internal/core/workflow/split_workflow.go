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

// SplitWorkflow turns one uploaded video into its segments.
type SplitWorkflow struct {
	cor.BaseCommand
	config  *cloud.Config
	clients *cloud.ServiceClients
	tools   *MediaTools
	chain   cor.Chain
}

// Execute runs the split stage by invoking the underlying command chain.
//
// Inputs:
//   - context: The chain of responsibility context for this execution, which carries
//     the split request and passes state between commands.
func (w *SplitWorkflow) Execute(context cor.Context) {
	w.chain.Execute(context)
}

// initializeChain constructs the sequence of commands of the split stage.
func (w *SplitWorkflow) initializeChain() {
	store := w.clients.Store
	out := cor.NewBaseChain(w.GetName())

	out.AddCommand(commands.NewMessageDecoder[model.SplitRequest]("decode-split-request"))
	out.AddCommand(commands.NewTaskClaim("claim-task", store))
	out.AddCommand(commands.NewBlobToTempFile("download-source", w.clients.Blobs,
		commands.GetSourceKeyParameterName(), commands.GetSourceFileParameterName(),
		"source-*", commands.TaskSourceMissing(store)))
	out.AddCommand(commands.NewSceneDetect("detect-scenes", w.tools.Detector, store))

	var clips commands.ClipExtractor
	if w.config.Pipeline.ExportSegmentClips {
		clips = w.tools.Clips
	}
	out.AddCommand(commands.NewSegmentFanOut("fan-out-segments", store, w.clients.Blobs, w.tools.Frames, clips,
		commands.FanOutConfig{
			Mode:           w.config.Pipeline.ExtractionMode,
			Parallelism:    w.config.Pipeline.UploadParallelism,
			Classification: target(w.config.Queues.Classification),
			Extraction:     target(w.config.Queues.Extraction),
		}))
	out.AddCommand(commands.NewFollowUpPublisher("publish-segments", w.clients.Queue))
	out.AddCommand(commands.NewMarkSegmented("mark-segmented", store))

	w.chain = out
}

// NewSplitPipeline is the constructor for the SplitWorkflow. It builds the
// chain that claims the task, detects its scenes and writes its segments.
//
// Inputs:
//   - config: The application's overall configuration.
//   - clients: The initialized storage, blob, queue and model clients.
//   - tools: The ffmpeg backed media capabilities.
//
// Returns:
//   - A pointer to a newly created and fully initialized SplitWorkflow.
func NewSplitPipeline(config *cloud.Config, clients *cloud.ServiceClients, tools *MediaTools) *SplitWorkflow {
	w := &SplitWorkflow{
		BaseCommand: *cor.NewBaseCommand("split-pipeline"),
		config:      config,
		clients:     clients,
		tools:       tools,
	}
	w.initializeChain()
	return w
}

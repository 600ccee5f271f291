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
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// Stage names a background consumer: one of the three queue stages, the
// cleanup coordinator or the stuck monitor.
type Stage string

const (
	StageSplit          Stage = "split"
	StageExtraction     Stage = "extraction"
	StageClassification Stage = "classification"
	StageCleanup        Stage = "cleanup"
	StageMonitor        Stage = "monitor"
)

// AllStages is every consumer, queue stages in pipeline order first.
var AllStages = []Stage{StageSplit, StageExtraction, StageClassification, StageCleanup, StageMonitor}

// HasStage reports whether stage is selected.
func HasStage(stages []Stage, stage Stage) bool {
	for _, s := range stages {
		if s == stage {
			return true
		}
	}
	return false
}

// ParseStages reads a comma separated stage list. "all" or an empty string
// selects every stage and "none" selects no stage.
func ParseStages(s string) ([]Stage, error) {
	s = strings.TrimSpace(s)
	switch s {
	case "", "all":
		return AllStages, nil
	case "none":
		return nil, nil
	}
	var out []Stage
	seen := make(map[Stage]bool)
	for _, part := range strings.Split(s, ",") {
		stage := Stage(strings.TrimSpace(part))
		switch stage {
		case StageSplit, StageExtraction, StageClassification, StageCleanup, StageMonitor:
		default:
			return nil, fmt.Errorf("unknown stage %q", part)
		}
		if !seen[stage] {
			seen[stage] = true
			out = append(out, stage)
		}
	}
	return out, nil
}

// DeclareQueues creates the three stage queues.
func DeclareQueues(ctx context.Context, config *cloud.Config, q queue.Queue) error {
	for _, qs := range []cloud.QueueSpec{config.Queues.Split, config.Queues.Extraction, config.Queues.Classification} {
		if err := q.Declare(ctx, qs.Name, qs.MaxPriority); err != nil {
			return fmt.Errorf("declare %s: %w", qs.Name, err)
		}
	}
	return nil
}

// ImportLabels appends the labels of a JSON label file to the catalog.
func ImportLabels(ctx context.Context, labels storage.LabelStore, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	parsed, err := model.ParseLabelFile(data)
	if err != nil {
		return 0, err
	}
	added, err := labels.AppendLabels(ctx, parsed)
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "imported labels", "file", path, "parsed", len(parsed), "added", added)
	return added, nil
}

// NewListeners builds one listener per selected queue stage. The
// classification stage loads the label catalog here and fails when it is
// empty. Stages without a queue are skipped.
func NewListeners(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients, tools *MediaTools, stages []Stage) ([]*queue.Listener, error) {
	var out []*queue.Listener
	for _, stage := range stages {
		switch stage {
		case StageSplit:
			qs := config.Queues.Split
			l := queue.NewListener(clients.Queue, qs.Name, qs.Concurrency, NewSplitPipeline(config, clients, tools))
			l.SetKeyFunc(queue.JSONField("task_id"))
			out = append(out, l)
		case StageExtraction:
			qs := config.Queues.Extraction
			l := queue.NewListener(clients.Queue, qs.Name, qs.Concurrency, NewExtractionPipeline(config, clients, tools))
			l.SetKeyFunc(queue.JSONField("segment_id"))
			out = append(out, l)
		case StageClassification:
			catalog, err := clients.Store.LoadLabels(ctx)
			if err != nil {
				return nil, fmt.Errorf("load label catalog: %w", err)
			}
			if catalog.Len() == 0 {
				return nil, fmt.Errorf("label catalog is empty; import a label file first")
			}
			slog.InfoContext(ctx, "label catalog loaded", "labels", catalog.Len())
			qs := config.Queues.Classification
			l := queue.NewListener(clients.Queue, qs.Name, qs.Concurrency, NewClassificationPipeline(config, clients, tools, catalog))
			l.SetKeyFunc(queue.JSONField("segment_id"))
			out = append(out, l)
		case StageCleanup, StageMonitor:
		default:
			return nil, fmt.Errorf("unknown stage %q", stage)
		}
	}
	return out, nil
}

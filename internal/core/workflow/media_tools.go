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

// Package workflow assembles the pipeline stages from commands and runs the
// background loops that are not queue consumers.
//
// Stages:
//   - split: video_processing_queue, one task per message, fans out segments.
//   - extraction: extraction_queue, produces the frame of one segment.
//   - classification: recognition_queue, classifies one segment.
//
// Loops:
//   - CleanupCoordinator removes the blobs of deleted rows.
//   - StuckMonitor reports entities left in processing.
package workflow

import (
	"context"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/commands"
	"github.com/jaycherian/gcp-go-media-analysis/internal/ffmpeg"
)

// MediaTools are the external media capabilities the stages call.
type MediaTools struct {
	Detector  commands.SceneDetector
	Frames    commands.FrameExtractor
	Clips     commands.ClipExtractor
	Annotator commands.Annotator
}

// NewMediaTools returns ffmpeg backed tools. Hardware decoding is enabled
// when configured and an NVIDIA GPU answers.
func NewMediaTools(ctx context.Context, config *cloud.Config) *MediaTools {
	useGPU := config.FFmpeg.DetectGPU && ffmpeg.DetectGPU(ctx)
	slog.InfoContext(ctx, "media tools ready", "ffmpeg", config.FFmpeg.Path, "gpu", useGPU)
	runner := ffmpeg.New(ffmpeg.Config{
		FFmpegPath:     config.FFmpeg.Path,
		FFprobePath:    config.FFmpeg.ProbePath,
		SceneThreshold: config.FFmpeg.SceneThreshold,
		UseGPU:         useGPU,
		FontFile:       config.FFmpeg.FontFile,
		FontSize:       config.FFmpeg.FontSize,
	})
	return &MediaTools{Detector: runner, Frames: runner, Clips: runner, Annotator: runner}
}

func target(qs cloud.QueueSpec) commands.QueueTarget {
	return commands.QueueTarget{Name: qs.Name, Priority: qs.Priority}
}

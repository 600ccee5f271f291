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

package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

const showinfoSample = `
[Parsed_showinfo_1 @ 0x7f9c] config in time_base: 1/12800, frame_rate: 25/1
[Parsed_showinfo_1 @ 0x7f9c] n:   0 pts:  64000 pts_time:5       duration:    512 pos:   180312 fmt:yuv420p
frame=  300 fps=0.0 q=-0.0 size=N/A time=00:00:12.00 bitrate=N/A speed=  48x
[Parsed_showinfo_1 @ 0x7f9c] n:   1 pts: 115200 pts_time:9.04    duration:    512 pos:   402211 fmt:yuv420p
`

func TestParseSceneCuts(t *testing.T) {
	assert.Equal(t, []float64{5, 9.04}, ParseSceneCuts([]byte(showinfoSample)))
	assert.Empty(t, ParseSceneCuts([]byte("no frames here")))
}

func TestBuildRanges(t *testing.T) {
	tests := []struct {
		name     string
		cuts     []float64
		duration float64
		want     []model.TimeRange
	}{
		{"no cuts spans the file", nil, 12, []model.TimeRange{{Start: 0, End: 12}}},
		{"two scenes", []float64{5}, 12, []model.TimeRange{{Start: 0, End: 5}, {Start: 5, End: 12}}},
		{"unsorted with sliver", []float64{9, 5, 5.01}, 12, []model.TimeRange{{Start: 0, End: 5}, {Start: 5, End: 9}, {Start: 9, End: 12}}},
		{"cut at the very end", []float64{11.99}, 12, []model.TimeRange{{Start: 0, End: 12}}},
		{"cut at zero", []float64{0}, 3, []model.TimeRange{{Start: 0, End: 3}}},
		{"unknown duration", nil, -1, []model.TimeRange{{Start: 0, End: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildRanges(tt.cuts, tt.duration))
		})
	}
}

func TestDrawTextEscaping(t *testing.T) {
	r := New(Config{})
	assert.Equal(t, `drawtext=text=goldfish\: 0.93:x=10:y=30:fontcolor=green:fontsize=24`, r.drawText("goldfish: 0.93"))
	assert.Equal(t, `it\'s 100\%`, escapeDrawText("it's 100%"))

	withFont := New(Config{FontFile: "/fonts/a.ttf", FontSize: 30})
	assert.Contains(t, withFont.drawText("x"), `fontfile=/fonts/a.ttf`)
	assert.Contains(t, withFont.drawText("x"), "fontsize=30")
}

func TestNewAppliesDefaults(t *testing.T) {
	r := New(Config{SceneThreshold: 4})
	assert.Equal(t, DefaultFFmpegPath, r.cfg.FFmpegPath)
	assert.Equal(t, DefaultFFprobePath, r.cfg.FFprobePath)
	assert.Equal(t, DefaultSceneThreshold, r.cfg.SceneThreshold)
	assert.Nil(t, r.decodeArgs())
	assert.Equal(t, []string{"-hwaccel", "cuda"}, New(Config{UseGPU: true}).decodeArgs())
}

func TestRunnerAgainstBinaries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg execution in short mode")
	}
	if _, err := exec.LookPath(DefaultFFmpegPath); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath(DefaultFFprobePath); err != nil {
		t.Skip("ffprobe not installed")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	dir := t.TempDir()

	video := filepath.Join(dir, "in.mp4")
	gen := exec.CommandContext(ctx, DefaultFFmpegPath, "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "color=c=red:s=160x120:d=2",
		"-f", "lavfi", "-i", "color=c=blue:s=160x120:d=2",
		"-filter_complex", "[0:v][1:v]concat=n=2:v=1[v]", "-map", "[v]", "-pix_fmt", "yuv420p", video)
	require.NoError(t, gen.Run())

	r := New(Config{SceneThreshold: 0.3})
	ranges, err := r.DetectScenes(ctx, video)
	require.NoError(t, err)
	require.NotEmpty(t, ranges)
	assert.Equal(t, 0.0, ranges[0].Start)
	assert.InDelta(t, 4.0, ranges[len(ranges)-1].End, 0.2)

	frame := filepath.Join(dir, "frame.jpg")
	require.NoError(t, r.ExtractFrame(ctx, video, ranges[0].Midpoint(), frame))
	info, err := os.Stat(frame)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	assert.Error(t, r.ExtractFrame(ctx, filepath.Join(dir, "missing.mp4"), 0, frame))
}

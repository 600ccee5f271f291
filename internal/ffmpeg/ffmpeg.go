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

// Package ffmpeg drives the ffmpeg and ffprobe binaries for scene detection,
// frame and clip extraction, and result annotation.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

const (
	DefaultFFmpegPath     = "ffmpeg"
	DefaultFFprobePath    = "ffprobe"
	DefaultSceneThreshold = 0.1
	DefaultFontSize       = 24

	// minRangeSeconds drops slivers produced by cuts closer than a frame.
	minRangeSeconds = 0.04
)

var ptsTimePattern = regexp.MustCompile(`pts_time:\s*([0-9]+(?:\.[0-9]+)?)`)

// Config selects the binaries and tuning of a Runner.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	SceneThreshold float64 // Scene change score in (0,1]; ffmpeg's scene filter.
	UseGPU         bool    // Adds -hwaccel cuda to decoding commands.
	FontFile       string  // Optional font for drawtext.
	FontSize       int
}

// Runner executes ffmpeg commands.
type Runner struct {
	cfg Config
}

// New returns a Runner, filling in the default ffmpeg and ffprobe paths.
func New(cfg Config) *Runner {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpegPath
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = DefaultFFprobePath
	}
	if cfg.SceneThreshold <= 0 || cfg.SceneThreshold > 1 {
		cfg.SceneThreshold = DefaultSceneThreshold
	}
	if cfg.FontSize <= 0 {
		cfg.FontSize = DefaultFontSize
	}
	return &Runner{cfg: cfg}
}

// DetectGPU reports whether nvidia-smi runs successfully on this host.
func DetectGPU(ctx context.Context) bool {
	return exec.CommandContext(ctx, "nvidia-smi").Run() == nil
}

func run(ctx context.Context, path string, args ...string) (stdout, stderr []byte, err error) {
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return out.Bytes(), errOut.Bytes(), fmt.Errorf("error running %s: %w: %s", path, err, tail(errOut.String(), 512))
	}
	return out.Bytes(), errOut.Bytes(), nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func (r *Runner) decodeArgs() []string {
	if r.cfg.UseGPU {
		return []string{"-hwaccel", "cuda"}
	}
	return nil
}

// Duration returns the container duration of a media file in seconds.
func (r *Runner) Duration(ctx context.Context, path string) (float64, error) {
	out, _, err := run(ctx, r.cfg.FFprobePath,
		"-v", "error", "-show_entries", "format=duration", "-of", "default=noprint_wrappers=1:nokey=1", path)
	if err != nil {
		return 0, err
	}
	raw := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected ffprobe duration %q: %w", raw, err)
	}
	return d, nil
}

// DetectScenes returns the scene ranges of a video. A video without cuts
// yields one range spanning the whole file.
func (r *Runner) DetectScenes(ctx context.Context, video string) ([]model.TimeRange, error) {
	duration, err := r.Duration(ctx, video)
	if err != nil {
		return nil, err
	}
	filter := fmt.Sprintf("select='gt(scene,%s)',showinfo", strconv.FormatFloat(r.cfg.SceneThreshold, 'f', -1, 64))
	args := append(r.decodeArgs(), "-hide_banner", "-nostats", "-i", video, "-filter:v", filter, "-an", "-f", "null", "-")
	_, stderr, err := run(ctx, r.cfg.FFmpegPath, args...)
	if err != nil {
		return nil, err
	}
	return BuildRanges(ParseSceneCuts(stderr), duration), nil
}

// ParseSceneCuts extracts the pts_time of every frame reported by showinfo.
func ParseSceneCuts(showinfo []byte) []float64 {
	var cuts []float64
	scanner := bufio.NewScanner(bytes.NewReader(showinfo))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "Parsed_showinfo") {
			continue
		}
		m := ptsTimePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if t, err := strconv.ParseFloat(m[1], 64); err == nil {
			cuts = append(cuts, t)
		}
	}
	return cuts
}

// BuildRanges turns cut points into contiguous ranges covering [0, duration].
// Cuts outside the file and ranges shorter than a frame are dropped.
func BuildRanges(cuts []float64, duration float64) []model.TimeRange {
	if duration < 0 {
		duration = 0
	}
	sorted := append([]float64(nil), cuts...)
	sort.Float64s(sorted)

	bounds := []float64{0}
	for _, c := range sorted {
		if c-bounds[len(bounds)-1] < minRangeSeconds || duration-c < minRangeSeconds {
			continue
		}
		bounds = append(bounds, c)
	}
	bounds = append(bounds, duration)

	ranges := make([]model.TimeRange, 0, len(bounds)-1)
	for i := 0; i+1 < len(bounds); i++ {
		ranges = append(ranges, model.TimeRange{Start: bounds[i], End: bounds[i+1]})
	}
	return ranges
}

// ExtractFrame writes the frame at the given offset to out as JPEG.
func (r *Runner) ExtractFrame(ctx context.Context, video string, at float64, out string) error {
	args := append(r.decodeArgs(),
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(at), "-i", video,
		"-frames:v", "1", "-q:v", "2", out)
	_, _, err := run(ctx, r.cfg.FFmpegPath, args...)
	return err
}

// ExtractClip writes the span of the video to out as MP4.
func (r *Runner) ExtractClip(ctx context.Context, video string, span model.TimeRange, out string) error {
	args := append(r.decodeArgs(),
		"-y", "-hide_banner", "-loglevel", "error",
		"-ss", formatSeconds(span.Start), "-i", video,
		"-t", formatSeconds(span.End-span.Start),
		"-c:v", "libx264", "-preset", "veryfast", "-c:a", "aac", "-movflags", "+faststart",
		"-f", "mp4", out)
	_, _, err := run(ctx, r.cfg.FFmpegPath, args...)
	return err
}

// Annotate draws text in green at (10,30) on image and writes the result to out.
func (r *Runner) Annotate(ctx context.Context, image, text, out string) error {
	_, _, err := run(ctx, r.cfg.FFmpegPath,
		"-y", "-hide_banner", "-loglevel", "error",
		"-i", image, "-vf", r.drawText(text), "-frames:v", "1", "-q:v", "2", out)
	return err
}

func (r *Runner) drawText(text string) string {
	opts := []string{
		"text=" + escapeDrawText(text),
		"x=10", "y=30",
		"fontcolor=green",
		fmt.Sprintf("fontsize=%d", r.cfg.FontSize),
	}
	if r.cfg.FontFile != "" {
		opts = append(opts, "fontfile="+escapeDrawText(r.cfg.FontFile))
	}
	return "drawtext=" + strings.Join(opts, ":")
}

var drawTextEscaper = strings.NewReplacer(
	`\`, `\\`, "'", `\'`, ":", `\:`, "%", `\%`,
	",", `\,`, ";", `\;`, "[", `\[`, "]", `\]`,
)

func escapeDrawText(s string) string {
	return drawTextEscaper.Replace(s)
}

func formatSeconds(s float64) string {
	if s < 0 {
		s = 0
	}
	return strconv.FormatFloat(s, 'f', 3, 64)
}

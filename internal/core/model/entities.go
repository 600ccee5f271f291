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

package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// MediaKind is the type of file a task was created from.
type MediaKind string

const (
	MediaVideo MediaKind = "video"
	MediaPhoto MediaKind = "photo"
)

// String returns the string representation of the MediaKind.
func (k MediaKind) String() string { return string(k) }

// ParseMediaKind converts a stored string into a MediaKind.
func ParseMediaKind(s string) (MediaKind, error) {
	switch k := MediaKind(s); k {
	case MediaVideo, MediaPhoto:
		return k, nil
	}
	return "", fmt.Errorf("unknown media kind %q", s)
}

// Task is one ingested media file and its processing lifecycle.
type Task struct {
	ID           uuid.UUID  `json:"task_id"`
	Owner        *uuid.UUID `json:"user_id,omitempty"`
	Kind         MediaKind  `json:"file_type"`
	Status       TaskStatus `json:"status"`
	FileName     string     `json:"file_name"`
	SourceBlob   string     `json:"input_file_url"` // Immutable once the task is created.
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewTask creates a queued task whose source blob follows the input-files key convention.
func NewTask(kind MediaKind, fileName string, owner *uuid.UUID) *Task {
	id := uuid.New()
	now := time.Now().UTC()
	return &Task{
		ID:         id,
		Owner:      owner,
		Kind:       kind,
		Status:     TaskQueued,
		FileName:   fileName,
		SourceBlob: InputFileKey(id, fileName),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// TimeRange is a span of a video in seconds.
type TimeRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Midpoint returns the instant halfway through the range.
func (r TimeRange) Midpoint() float64 {
	return (r.Start + r.End) / 2
}

// Segment is a unit of work derived from a task: a scene of a video, or the
// whole file for a photo.
type Segment struct {
	ID           uuid.UUID     `json:"id"`
	TaskID       uuid.UUID     `json:"task_id"`
	StartTime    *float64      `json:"start_time"`
	EndTime      *float64      `json:"end_time"`
	Status       SegmentStatus `json:"status"`
	ArtifactBlob *string       `json:"segment_file_url,omitempty"` // Set at most once.
	ErrorMessage string        `json:"error_message,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// NewSegmentID derives the identifier of the index-th segment of a task. The
// split stage relies on this being stable so a redelivered split message
// addresses the rows it already wrote.
func NewSegmentID(taskID uuid.UUID, index int) uuid.UUID {
	return uuid.NewSHA1(taskID, []byte(fmt.Sprintf("segment-%d", index)))
}

// NewSceneSegment creates a queued segment for one detected scene of a video.
func NewSceneSegment(taskID uuid.UUID, index int, span TimeRange) *Segment {
	now := time.Now().UTC()
	start, end := span.Start, span.End
	return &Segment{
		ID:        NewSegmentID(taskID, index),
		TaskID:    taskID,
		StartTime: &start,
		EndTime:   &end,
		Status:    SegmentQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewPhotoSegment creates the single segment of a photo task; its artifact is
// the uploaded file itself and it has no time range.
func NewPhotoSegment(task *Task) *Segment {
	now := time.Now().UTC()
	blob := task.SourceBlob
	return &Segment{
		ID:           NewSegmentID(task.ID, 0),
		TaskID:       task.ID,
		Status:       SegmentQueued,
		ArtifactBlob: &blob,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Span returns the segment's time range, if it has one.
func (s *Segment) Span() (TimeRange, bool) {
	if s.StartTime == nil || s.EndTime == nil {
		return TimeRange{}, false
	}
	return TimeRange{Start: *s.StartTime, End: *s.EndTime}, true
}

// HasArtifact reports whether the segment's blob has been produced.
func (s *Segment) HasArtifact() bool {
	return s.ArtifactBlob != nil && *s.ArtifactBlob != ""
}

// UnknownLabel is stored when the classifier is not confident enough.
const UnknownLabel = "unknown"

// Result is the classifier's output for one segment. Results are never updated.
type Result struct {
	ID             uuid.UUID `json:"id"`
	SegmentID      uuid.UUID `json:"segment_id"`
	ObjectDetected string    `json:"object_detected"`
	Confidence     float64   `json:"confidence"`
	ResultBlob     *string   `json:"result_file_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewResultID derives the identifier of the result produced for a segment so a
// retried classification cannot insert a second row.
func NewResultID(segmentID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(segmentID, []byte("result"))
}

// ClampConfidence bounds a classifier score to [0,1]. NaN maps to 0.
func ClampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// NewResult builds a result for a segment, resolving the label against the
// catalog with the given confidence threshold.
func NewResult(segmentID uuid.UUID, catalog *LabelCatalog, classIndex int, confidence, threshold float64) *Result {
	confidence = ClampConfidence(confidence)
	return &Result{
		ID:             NewResultID(segmentID),
		SegmentID:      segmentID,
		ObjectDetected: catalog.Resolve(classIndex, confidence, threshold),
		Confidence:     confidence,
		CreatedAt:      time.Now().UTC(),
	}
}

// TaskProgress summarizes the segment statuses of one task.
type TaskProgress struct {
	TaskID     uuid.UUID  `json:"task_id"`
	TaskStatus TaskStatus `json:"status"`
	Total      int        `json:"total"`
	Queued     int        `json:"queued"`
	Processing int        `json:"processing"`
	Done       int        `json:"done"`
	Error      int        `json:"error"`
}

// Count adds one segment in the given status.
func (p *TaskProgress) Count(s SegmentStatus) {
	p.Total++
	switch s {
	case SegmentQueued:
		p.Queued++
	case SegmentProcessing:
		p.Processing++
	case SegmentDone:
		p.Done++
	case SegmentError:
		p.Error++
	}
}

// AllSegmentsTerminal reports whether the task has segments and none of them
// is still queued or processing.
func (p *TaskProgress) AllSegmentsTerminal() bool {
	return p.Total > 0 && p.Queued == 0 && p.Processing == 0
}

// StuckReport lists entities held in processing longer than a deadline.
type StuckReport struct {
	Before   time.Time  `json:"before"`
	Tasks    []*Task    `json:"tasks"`
	Segments []*Segment `json:"segments"`
}

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

import "github.com/google/uuid"

// SplitRequest is the body of a message on the split queue.
type SplitRequest struct {
	TaskID     string `json:"task_id" validate:"required,uuid"`
	Kind       string `json:"file_type" validate:"required,oneof=video photo"`
	SourceBlob string `json:"input_file_url" validate:"required"`
}

// NewSplitRequest builds the split message for a task.
func NewSplitRequest(task *Task) *SplitRequest {
	return &SplitRequest{TaskID: task.ID.String(), Kind: task.Kind.String(), SourceBlob: task.SourceBlob}
}

// ExtractionRequest asks the extraction stage to produce the artifact of one
// segment from the task's source video.
type ExtractionRequest struct {
	SegmentID  string `json:"segment_id" validate:"required,uuid"`
	TaskID     string `json:"task_id" validate:"required,uuid"`
	SourceBlob string `json:"input_file_url" validate:"required"`
}

// NewExtractionRequest builds the extraction message for a segment.
func NewExtractionRequest(segmentID, taskID uuid.UUID, source string) *ExtractionRequest {
	return &ExtractionRequest{SegmentID: segmentID.String(), TaskID: taskID.String(), SourceBlob: source}
}

// ClassificationRequest is the body of a message on the recognition queue.
type ClassificationRequest struct {
	SegmentID    string `json:"segment_id" validate:"required,uuid"`
	TaskID       string `json:"task_id" validate:"required,uuid"`
	ArtifactBlob string `json:"image_file_url" validate:"required"`
}

// NewClassificationRequest builds the classification message for a segment
// whose artifact is already stored.
func NewClassificationRequest(segmentID, taskID uuid.UUID, artifact string) *ClassificationRequest {
	return &ClassificationRequest{SegmentID: segmentID.String(), TaskID: taskID.String(), ArtifactBlob: artifact}
}

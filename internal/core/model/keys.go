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
	"path"

	"github.com/google/uuid"
)

// Blob key prefixes. These are part of the external contract and must not change.
const (
	InputFilesPrefix         = "input-files"
	VideoSegmentsPrefix      = "video-segments"
	SceneImagesPrefix        = "scene-images"
	RecognitionResultsPrefix = "recognition-results"
)

// InputFileKey is where an uploaded file is stored.
func InputFileKey(taskID uuid.UUID, fileName string) string {
	return fmt.Sprintf("%s/%s/%s", InputFilesPrefix, taskID, path.Base(fileName))
}

// VideoSegmentKey is where an exported sub-clip of a segment is stored.
func VideoSegmentKey(taskID, segmentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/segment_%s.mp4", VideoSegmentsPrefix, taskID, segmentID)
}

// SceneImageKey is where the frame extracted for a segment is stored.
func SceneImageKey(taskID, segmentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/scene_%s.jpg", SceneImagesPrefix, taskID, segmentID)
}

// RecognitionResultKey is where the annotated classifier output is stored.
func RecognitionResultKey(taskID, segmentID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/%s_result.jpg", RecognitionResultsPrefix, taskID, segmentID)
}

// DerivedArtifactPrefixes lists the per-task prefixes that only hold artifacts
// derived from that task.
func DerivedArtifactPrefixes(taskID uuid.UUID) []string {
	return []string{
		fmt.Sprintf("%s/%s/", SceneImagesPrefix, taskID),
		fmt.Sprintf("%s/%s/", RecognitionResultsPrefix, taskID),
		fmt.Sprintf("%s/%s/", VideoSegmentsPrefix, taskID),
	}
}

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

// Package commands holds the steps the pipeline stages are assembled from.
// Each command reads what it needs from named context parameters, so a stage
// is the ordered list of its commands and nothing else.
//
// Every command resolves its outcome in one of three ways: it succeeds and
// leaves its output in the context, it records a retryable storage failure
// with Fail so the delivery is redelivered, or it persists a permanent
// failure on the entity and Stops the chain so the delivery is acknowledged.
package commands

import (
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

const (
	paramRequest        = "__REQUEST__"
	paramTask           = "__TASK__"
	paramSegment        = "__SEGMENT__"
	paramSourceKey      = "__SOURCE_KEY__"
	paramSourceFile     = "__SOURCE_FILE__"
	paramArtifactKey    = "__ARTIFACT_KEY__"
	paramArtifactFile   = "__ARTIFACT_FILE__"
	paramScenes         = "__SCENES__"
	paramSegments       = "__SEGMENTS__"
	paramFollowUps      = "__FOLLOW_UPS__"
	paramClassification = "__CLASSIFICATION__"
	paramResult         = "__RESULT__"
)

// GetRequestParameterName holds the decoded queue message.
func GetRequestParameterName() string { return paramRequest }

// GetTaskParameterName holds the *model.Task a stage acts on.
func GetTaskParameterName() string { return paramTask }

// GetSegmentParameterName holds the *model.Segment a stage acts on.
func GetSegmentParameterName() string { return paramSegment }

// GetSourceKeyParameterName holds the blob key of the task's uploaded file.
func GetSourceKeyParameterName() string { return paramSourceKey }

// GetSourceFileParameterName holds the local path of the downloaded upload.
func GetSourceFileParameterName() string { return paramSourceFile }

// GetArtifactKeyParameterName holds the blob key of a segment's artifact.
func GetArtifactKeyParameterName() string { return paramArtifactKey }

// GetArtifactFileParameterName holds the local path of the downloaded artifact.
func GetArtifactFileParameterName() string { return paramArtifactFile }

// GetScenesParameterName holds the []model.TimeRange found by scene detection.
func GetScenesParameterName() string { return paramScenes }

// GetSegmentsParameterName holds the []*model.Segment written by the fan-out.
func GetSegmentsParameterName() string { return paramSegments }

// GetFollowUpsParameterName holds the []FollowUp messages still to publish.
func GetFollowUpsParameterName() string { return paramFollowUps }

// GetClassificationParameterName holds the raw *model.Classification.
func GetClassificationParameterName() string { return paramClassification }

// GetResultParameterName holds the *model.Result to persist.
func GetResultParameterName() string { return paramResult }

// FollowUp is a message a stage publishes once its own writes are durable.
type FollowUp struct {
	Queue    string
	Body     any
	Priority uint8
}

// AddFollowUps appends messages to the pending follow-ups. It is not safe for
// concurrent use on the same context.
func AddFollowUps(context cor.Context, followUps ...FollowUp) {
	pending := GetFollowUps(context)
	context.Add(paramFollowUps, append(pending, followUps...))
}

// GetFollowUps returns the pending follow-ups.
func GetFollowUps(context cor.Context) []FollowUp {
	pending, _ := context.Get(paramFollowUps).([]FollowUp)
	return pending
}

// QueueTarget names a queue and the priority of messages sent to it.
type QueueTarget struct {
	Name     string
	Priority uint8
}

// FollowUp builds a message for the target.
func (q QueueTarget) FollowUp(body any) FollowUp {
	return FollowUp{Queue: q.Name, Body: body, Priority: q.Priority}
}

func getTask(context cor.Context) (*model.Task, bool) {
	task, ok := context.Get(paramTask).(*model.Task)
	return task, ok && task != nil
}

func getSegment(context cor.Context) (*model.Segment, bool) {
	seg, ok := context.Get(paramSegment).(*model.Segment)
	return seg, ok && seg != nil
}

func getString(context cor.Context, key string) string {
	s, _ := context.Get(key).(string)
	return s
}

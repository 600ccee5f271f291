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

// Package model holds the entities that flow through the analysis pipeline.
// This file defines the two status state machines and the only edges that
// are allowed between their states.
//
// Task:
//
//	queued -> processing -> segmented -> done
//	            |              |
//	            v              v
//	  segmentation-error  classification-error
//
// Segment:
//
//	queued -> processing -> done
//	  |           |
//	  +---> error <+
//
// Every store implementation validates an edge with ValidateTaskTransition or
// ValidateSegmentTransition before it issues the conditional write.
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the addressed entity does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrStatusConflict is returned by a conditional transition whose expected
	// prior status no longer matches the stored one.
	ErrStatusConflict = errors.New("status conflict")
	// ErrInvalidTransition is returned for an edge that the state machine does not contain.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskQueued              TaskStatus = "queued"
	TaskProcessing          TaskStatus = "processing"
	TaskSegmented           TaskStatus = "segmented"
	TaskDone                TaskStatus = "done"
	TaskSegmentationError   TaskStatus = "segmentation-error"
	TaskClassificationError TaskStatus = "classification-error"
)

// String returns the string representation of the TaskStatus.
func (s TaskStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition can leave this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDone, TaskSegmentationError, TaskClassificationError:
		return true
	}
	return false
}

// IsError reports whether the status is one of the error side-channel states.
func (s TaskStatus) IsError() bool {
	return s == TaskSegmentationError || s == TaskClassificationError
}

// PastSplit reports whether the split stage has nothing left to do for a task
// in this status.
func (s TaskStatus) PastSplit() bool {
	return s == TaskSegmented || s.IsTerminal()
}

// ParseTaskStatus converts a stored string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskQueued, TaskProcessing, TaskSegmented, TaskDone, TaskSegmentationError, TaskClassificationError:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskQueued:     {TaskProcessing},
	TaskProcessing: {TaskSegmented, TaskSegmentationError},
	TaskSegmented:  {TaskDone, TaskClassificationError},
}

// ValidateTaskTransition returns ErrInvalidTransition unless from -> to is an edge
// of the task state machine.
func ValidateTaskTransition(from, to TaskStatus) error {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: task %s -> %s", ErrInvalidTransition, from, to)
}

// SegmentStatus is the lifecycle state of a Segment.
type SegmentStatus string

const (
	SegmentQueued     SegmentStatus = "queued"
	SegmentProcessing SegmentStatus = "processing"
	SegmentDone       SegmentStatus = "done"
	SegmentError      SegmentStatus = "error"
)

// String returns the string representation of the SegmentStatus.
func (s SegmentStatus) String() string { return string(s) }

// IsTerminal reports whether the segment has finished, successfully or not.
func (s SegmentStatus) IsTerminal() bool {
	return s == SegmentDone || s == SegmentError
}

// ParseSegmentStatus converts a stored string into a SegmentStatus.
func ParseSegmentStatus(s string) (SegmentStatus, error) {
	switch st := SegmentStatus(s); st {
	case SegmentQueued, SegmentProcessing, SegmentDone, SegmentError:
		return st, nil
	}
	return "", fmt.Errorf("unknown segment status %q", s)
}

var segmentTransitions = map[SegmentStatus][]SegmentStatus{
	SegmentQueued:     {SegmentProcessing, SegmentError},
	SegmentProcessing: {SegmentDone, SegmentError},
}

// ValidateSegmentTransition returns ErrInvalidTransition unless from -> to is an
// edge of the segment state machine.
func ValidateSegmentTransition(from, to SegmentStatus) error {
	for _, allowed := range segmentTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: segment %s -> %s", ErrInvalidTransition, from, to)
}

// RollupStatus computes the terminal task status implied by its segments.
// ok is false while any segment is still in flight, or when there are none.
func RollupStatus(p *TaskProgress) (status TaskStatus, ok bool) {
	if p == nil || p.Total == 0 || !p.AllSegmentsTerminal() {
		return "", false
	}
	if p.Done > 0 {
		return TaskDone, true
	}
	return TaskClassificationError, true
}

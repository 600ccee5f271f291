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
	"time"

	"github.com/google/uuid"
)

// EntityKind names the table a deletion event came from.
type EntityKind string

const (
	EntityTask    EntityKind = "task"
	EntitySegment EntityKind = "segment"
	EntityResult  EntityKind = "result"
)

// Depth orders kinds from the leaves up. Events are handled deepest first so
// the per-blob deletes of a cascade run before the task's prefix sweep.
func (k EntityKind) Depth() int {
	switch k {
	case EntityResult:
		return 2
	case EntitySegment:
		return 1
	}
	return 0
}

// DeletionEvent records that a row holding a blob reference was deleted. It is
// written by the store in the same transaction as the delete, including rows
// removed by cascade.
type DeletionEvent struct {
	ID        int64      `json:"id"`
	Kind      EntityKind `json:"entity_kind"`
	EntityID  uuid.UUID  `json:"entity_id"`
	TaskID    uuid.UUID  `json:"task_id"`
	BlobKey   *string    `json:"blob_key,omitempty"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

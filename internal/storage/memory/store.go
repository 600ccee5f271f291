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

// Package memory is an in-process storage.Store with the same transition,
// cascade and deletion outbox semantics as the PostgreSQL store. It backs
// local runs and the pipeline tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

type deletionRecord struct {
	event       model.DeletionEvent
	availableAt time.Time
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu        sync.Mutex
	tasks     map[uuid.UUID]*model.Task
	segments  map[uuid.UUID]*model.Segment
	results   map[uuid.UUID]*model.Result
	labels    map[int]string
	deletions map[int64]*deletionRecord
	nextDelID int64
	watchers  []chan struct{}
	now       func() time.Time
}

var _ storage.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tasks:     make(map[uuid.UUID]*model.Task),
		segments:  make(map[uuid.UUID]*model.Segment),
		results:   make(map[uuid.UUID]*model.Result),
		labels:    make(map[int]string),
		deletions: make(map[int64]*deletionRecord),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source used for updated_at and leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Close is a no-op.
func (s *Store) Close() {}

func copyTask(t *model.Task) *model.Task {
	c := *t
	return &c
}

func copySegment(seg *model.Segment) *model.Segment {
	c := *seg
	return &c
}

func copyResult(r *model.Result) *model.Result {
	c := *r
	return &c
}

// CreateTask inserts a task.
func (s *Store) CreateTask(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("insert task: duplicate id %s", task.ID)
	}
	s.tasks[task.ID] = copyTask(task)
	return nil
}

// GetTask returns a copy of the task.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyTask(t), nil
}

// TransitionTask performs a conditional status update.
func (s *Store) TransitionTask(_ context.Context, id uuid.UUID, from, to model.TaskStatus, message string) error {
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status != from {
		return fmt.Errorf("%w: current status is %s", model.ErrStatusConflict, t.Status)
	}
	t.Status = to
	if message != "" {
		t.ErrorMessage = message
	}
	t.UpdatedAt = s.now()
	return nil
}

func (s *Store) progressLocked(id uuid.UUID) *model.TaskProgress {
	p := &model.TaskProgress{TaskID: id}
	if t, ok := s.tasks[id]; ok {
		p.TaskStatus = t.Status
	}
	for _, seg := range s.segments {
		if seg.TaskID == id {
			p.Count(seg.Status)
		}
	}
	return p
}

// RollupTask finishes a segmented task whose segments are all terminal.
func (s *Store) RollupTask(_ context.Context, id uuid.UUID) (model.TaskStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != model.TaskSegmented {
		return "", false, nil
	}
	status, ok := model.RollupStatus(s.progressLocked(id))
	if !ok {
		return "", false, nil
	}
	t.Status = status
	if status == model.TaskClassificationError {
		t.ErrorMessage = "all segments failed"
	}
	t.UpdatedAt = s.now()
	return status, true, nil
}

// TaskProgress counts the task's segments by status.
func (s *Store) TaskProgress(_ context.Context, id uuid.UUID) (*model.TaskProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return nil, model.ErrNotFound
	}
	return s.progressLocked(id), nil
}

// DeleteTask removes the task and cascades to its segments and results,
// appending one deletion event per removed row.
func (s *Store) DeleteTask(_ context.Context, id uuid.UUID) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	for segID, seg := range s.segments {
		if seg.TaskID != id {
			continue
		}
		for resID, r := range s.results {
			if r.SegmentID == segID {
				delete(s.results, resID)
				s.recordDeletionLocked(model.EntityResult, resID, uuid.Nil, r.ResultBlob)
			}
		}
		delete(s.segments, segID)
		s.recordDeletionLocked(model.EntitySegment, segID, id, seg.ArtifactBlob)
	}
	delete(s.tasks, id)
	source := t.SourceBlob
	s.recordDeletionLocked(model.EntityTask, id, id, &source)
	s.notifyLocked()
	return t, nil
}

func (s *Store) recordDeletionLocked(kind model.EntityKind, entityID, taskID uuid.UUID, blob *string) {
	s.nextDelID++
	var key *string
	if blob != nil {
		k := *blob
		key = &k
	}
	now := s.now()
	s.deletions[s.nextDelID] = &deletionRecord{
		event: model.DeletionEvent{
			ID:        s.nextDelID,
			Kind:      kind,
			EntityID:  entityID,
			TaskID:    taskID,
			BlobKey:   key,
			CreatedAt: now,
		},
		availableAt: now,
	}
}

func (s *Store) notifyLocked() {
	for _, w := range s.watchers {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// ListStuckTasks returns tasks in processing since before the given time.
func (s *Store) ListStuckTasks(_ context.Context, before time.Time) ([]*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskProcessing && t.UpdatedAt.Before(before) {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// CountTasksByStatus returns the number of tasks in each status.
func (s *Store) CountTasksByStatus(_ context.Context) (map[model.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// CreateSegment inserts a segment unless one with the same id exists.
func (s *Store) CreateSegment(_ context.Context, segment *model.Segment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[segment.TaskID]; !ok {
		return false, fmt.Errorf("insert segment: task %s does not exist", segment.TaskID)
	}
	if _, ok := s.segments[segment.ID]; ok {
		return false, nil
	}
	s.segments[segment.ID] = copySegment(segment)
	return true, nil
}

// GetSegment returns a copy of the segment.
func (s *Store) GetSegment(_ context.Context, id uuid.UUID) (*model.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copySegment(seg), nil
}

// ListSegments returns the task's segments ordered by start time.
func (s *Store) ListSegments(_ context.Context, taskID uuid.UUID) ([]*model.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Segment
	for _, seg := range s.segments {
		if seg.TaskID == taskID {
			out = append(out, copySegment(seg))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.StartTime != nil && b.StartTime != nil && *a.StartTime != *b.StartTime {
			return *a.StartTime < *b.StartTime
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

// TransitionSegment performs a conditional status update.
func (s *Store) TransitionSegment(_ context.Context, id uuid.UUID, from, to model.SegmentStatus, message string) error {
	if err := model.ValidateSegmentTransition(from, to); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return model.ErrNotFound
	}
	if seg.Status != from {
		return fmt.Errorf("%w: current status is %s", model.ErrStatusConflict, seg.Status)
	}
	seg.Status = to
	if message != "" {
		seg.ErrorMessage = message
	}
	seg.UpdatedAt = s.now()
	return nil
}

// SetSegmentArtifact sets the artifact of a segment that has none.
func (s *Store) SetSegmentArtifact(_ context.Context, id uuid.UUID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return model.ErrNotFound
	}
	if seg.ArtifactBlob != nil {
		if *seg.ArtifactBlob == key {
			return nil
		}
		return fmt.Errorf("%w: segment artifact already set", model.ErrStatusConflict)
	}
	k := key
	seg.ArtifactBlob = &k
	seg.UpdatedAt = s.now()
	return nil
}

// ListStuckSegments returns segments in processing since before the given time.
func (s *Store) ListStuckSegments(_ context.Context, before time.Time) ([]*model.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Segment
	for _, seg := range s.segments {
		if seg.Status == model.SegmentProcessing && seg.UpdatedAt.Before(before) {
			out = append(out, copySegment(seg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// CompleteSegment writes the result and finishes the segment atomically.
func (s *Store) CompleteSegment(_ context.Context, result *model.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[result.SegmentID]
	if !ok {
		return model.ErrNotFound
	}
	if seg.Status != model.SegmentProcessing {
		return fmt.Errorf("%w: current status is %s", model.ErrStatusConflict, seg.Status)
	}
	if _, exists := s.results[result.ID]; !exists {
		s.results[result.ID] = copyResult(result)
	}
	seg.Status = model.SegmentDone
	seg.UpdatedAt = s.now()
	return nil
}

// ListResults returns the results of a segment.
func (s *Store) ListResults(_ context.Context, segmentID uuid.UUID) ([]*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Result
	for _, r := range s.results {
		if r.SegmentID == segmentID {
			out = append(out, copyResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetResult returns a copy of the result.
func (s *Store) GetResult(_ context.Context, id uuid.UUID) (*model.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyResult(r), nil
}

// LoadLabels builds a catalog from the stored labels.
func (s *Store) LoadLabels(_ context.Context) (*model.LabelCatalog, error) {
	s.mu.Lock()
	labels := make([]model.Label, 0, len(s.labels))
	for idx, name := range s.labels {
		labels = append(labels, model.Label{Index: idx, Name: name})
	}
	s.mu.Unlock()
	return model.NewLabelCatalog(labels)
}

// AppendLabels adds labels whose index is not present.
func (s *Store) AppendLabels(_ context.Context, labels []model.Label) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, l := range labels {
		if l.Name == "" {
			return added, fmt.Errorf("label %d is empty", l.Index)
		}
		if _, ok := s.labels[l.Index]; ok {
			continue
		}
		s.labels[l.Index] = l.Name
		added++
	}
	return added, nil
}

// ClaimDeletions leases pending events, deepest entities first.
func (s *Store) ClaimDeletions(_ context.Context, limit int, lease time.Duration) ([]*model.DeletionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var ready []*deletionRecord
	for _, rec := range s.deletions {
		if !rec.availableAt.After(now) {
			ready = append(ready, rec)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		di, dj := ready[i].event.Kind.Depth(), ready[j].event.Kind.Depth()
		if di != dj {
			return di > dj
		}
		return ready[i].event.ID < ready[j].event.ID
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]*model.DeletionEvent, 0, len(ready))
	for _, rec := range ready {
		rec.availableAt = now.Add(lease)
		ev := rec.event
		out = append(out, &ev)
	}
	return out, nil
}

// CompleteDeletion drops a handled event.
func (s *Store) CompleteDeletion(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deletions, id)
	return nil
}

// RetryDeletion records a failed attempt and defers the event.
func (s *Store) RetryDeletion(_ context.Context, id int64, delay time.Duration, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deletions[id]
	if !ok {
		return nil
	}
	rec.event.Attempts++
	if cause != nil {
		rec.event.LastError = cause.Error()
	}
	rec.availableAt = s.now().Add(delay)
	return nil
}

// PendingDeletions returns the number of events in the outbox.
func (s *Store) PendingDeletions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletions)
}

// WatchDeletions registers a watcher that is signalled on every delete.
func (s *Store) WatchDeletions(ctx context.Context) (<-chan struct{}, error) {
	w := make(chan struct{}, 1)
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				s.removeWatcher(w)
				return
			case <-w:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) removeWatcher(w chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.watchers {
		if c == w {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			return
		}
	}
}

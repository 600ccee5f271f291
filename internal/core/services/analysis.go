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

// Package services is the façade the HTTP ingress uses to submit media and
// to read and delete analysis state.
package services

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/filetype"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

var (
	// ErrNoResultBlob is returned for a result stored without an annotated image.
	ErrNoResultBlob = errors.New("result has no image")
	// ErrEmptyUpload is returned by Submit for an upload without content.
	ErrEmptyUpload = errors.New("upload is empty")
)

// sniffLen is how many leading bytes filetype needs to match every type it knows.
const sniffLen = 261

// DetectMediaKind classifies an upload from its first bytes, falling back to
// the declared content type. Anything not recognised as video is a photo.
func DetectMediaKind(head []byte, contentType string) model.MediaKind {
	switch {
	case filetype.IsVideo(head):
		return model.MediaVideo
	case filetype.IsImage(head):
		return model.MediaPhoto
	case strings.Contains(strings.ToLower(contentType), "video"):
		return model.MediaVideo
	}
	return model.MediaPhoto
}

// SegmentDetail is a segment with its results.
type SegmentDetail struct {
	*model.Segment
	Results []*model.Result `json:"recognition_results"`
}

// AnalysisService creates tasks and answers queries about them.
type AnalysisService struct {
	store        storage.Store
	blobs        cloud.BlobStore
	queue        queue.Queue
	queues       cloud.Queues
	signedURLTTL time.Duration
	monitor      *workflow.StuckMonitor
}

// NewAnalysisService is the constructor for AnalysisService.
//
// Inputs:
//   - config: The application's overall configuration.
//   - clients: The initialized store, blob store and queue clients.
//
// Returns:
//   - A pointer to a service sharing the clients with the background stages.
func NewAnalysisService(config *cloud.Config, clients *cloud.ServiceClients) *AnalysisService {
	return &AnalysisService{
		store:        clients.Store,
		blobs:        clients.Blobs,
		queue:        clients.Queue,
		queues:       config.Queues,
		signedURLTTL: cloud.SignedURLTTLOrDefault(config),
		monitor:      workflow.NewStuckMonitor(clients.Store, config.StuckAfter(), config.MonitorInterval()),
	}
}

// Submit stores an upload and starts its analysis. A video is sent to the
// split stage. A photo becomes a one segment task whose artifact is the
// upload itself and goes straight to classification.
//
// The task row is written before its upload. Any later failure deletes the
// task, and the cleanup coordinator removes whatever part of the upload was
// stored, so Submit itself never deletes blobs.
func (s *AnalysisService) Submit(ctx context.Context, fileName, contentType string, r io.Reader, owner *uuid.UUID) (*model.Task, error) {
	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, ErrEmptyUpload
	}

	task := model.NewTask(DetectMediaKind(head, contentType), fileName, owner)
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if err := s.blobs.Put(ctx, task.SourceBlob, br, contentType); err != nil {
		s.abandon(ctx, task)
		return nil, fmt.Errorf("store upload: %w", err)
	}

	if task.Kind == model.MediaVideo {
		err = queue.PublishJSON(ctx, s.queue, s.queues.Split.Name, model.NewSplitRequest(task), s.queues.Split.Priority)
	} else {
		err = s.startPhoto(ctx, task)
	}
	if err != nil {
		s.abandon(ctx, task)
		return nil, fmt.Errorf("start task: %w", err)
	}
	slog.InfoContext(ctx, "task submitted", "task_id", task.ID, "file_type", task.Kind, "file_name", fileName)
	return s.store.GetTask(ctx, task.ID)
}

// abandon deletes a task nothing will ever pick up. The deletion event it
// writes has the cleanup coordinator remove the task's blobs.
func (s *AnalysisService) abandon(ctx context.Context, task *model.Task) {
	if _, err := s.store.DeleteTask(ctx, task.ID); err != nil {
		slog.ErrorContext(ctx, "failed to remove task that could not be started", "task_id", task.ID, "error", err)
	}
}

func (s *AnalysisService) startPhoto(ctx context.Context, task *model.Task) error {
	if err := s.store.TransitionTask(ctx, task.ID, model.TaskQueued, model.TaskProcessing, ""); err != nil {
		return err
	}
	seg := model.NewPhotoSegment(task)
	if _, err := s.store.CreateSegment(ctx, seg); err != nil {
		return err
	}
	if err := s.store.TransitionTask(ctx, task.ID, model.TaskProcessing, model.TaskSegmented, ""); err != nil {
		return err
	}
	req := model.NewClassificationRequest(seg.ID, task.ID, *seg.ArtifactBlob)
	return queue.PublishJSON(ctx, s.queue, s.queues.Classification.Name, req, s.queues.Classification.Priority)
}

// Get returns a task or model.ErrNotFound.
func (s *AnalysisService) Get(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Progress counts the task's segments by status.
func (s *AnalysisService) Progress(ctx context.Context, id uuid.UUID) (*model.TaskProgress, error) {
	return s.store.TaskProgress(ctx, id)
}

// Segments lists the segments of a task. A task without segments, or no task
// at all, is model.ErrNotFound.
func (s *AnalysisService) Segments(ctx context.Context, taskID uuid.UUID) ([]*model.Segment, error) {
	segments, err := s.store.ListSegments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, model.ErrNotFound
	}
	return segments, nil
}

// Segment returns one segment of a task with its results.
func (s *AnalysisService) Segment(ctx context.Context, taskID, segmentID uuid.UUID) (*SegmentDetail, error) {
	seg, err := s.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if seg.TaskID != taskID {
		return nil, model.ErrNotFound
	}
	results, err := s.store.ListResults(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []*model.Result{}
	}
	return &SegmentDetail{Segment: seg, Results: results}, nil
}

// ResultURL signs a download URL for the annotated image of a result.
func (s *AnalysisService) ResultURL(ctx context.Context, taskID, segmentID, resultID uuid.UUID) (string, error) {
	detail, err := s.Segment(ctx, taskID, segmentID)
	if err != nil {
		return "", err
	}
	for _, r := range detail.Results {
		if r.ID != resultID {
			continue
		}
		if r.ResultBlob == nil {
			return "", ErrNoResultBlob
		}
		return s.blobs.SignedURL(ctx, *r.ResultBlob, s.signedURLTTL)
	}
	return "", model.ErrNotFound
}

// Delete removes a task with its segments and results regardless of their
// status. Blobs are removed afterwards by the cleanup coordinator.
func (s *AnalysisService) Delete(ctx context.Context, id uuid.UUID) (*model.Task, error) {
	task, err := s.store.DeleteTask(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "task deleted", "task_id", id, "status", task.Status)
	return task, nil
}

// Stats counts tasks per status. Every status is present.
func (s *AnalysisService) Stats(ctx context.Context) (map[model.TaskStatus]int, error) {
	counts, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range []model.TaskStatus{
		model.TaskQueued, model.TaskProcessing, model.TaskSegmented,
		model.TaskDone, model.TaskSegmentationError, model.TaskClassificationError,
	} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

// Stuck lists the entities left in processing for too long.
func (s *AnalysisService) Stuck(ctx context.Context) (*model.StuckReport, error) {
	return s.monitor.Report(ctx)
}

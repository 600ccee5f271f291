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

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// CleanupCoordinator deletes the blobs referenced by rows that were removed
// from the entity store. It drains the deletion outbox whenever the store
// signals new events and on a fixed poll interval, so events written while
// the coordinator was down are handled after a restart.
type CleanupCoordinator struct {
	deletions   storage.DeletionLog
	blobs       blob.Store
	batchSize   int
	lease       time.Duration
	poll        time.Duration
	maxAttempts int
	initial     time.Duration
	maxDelay    time.Duration

	deleted metric.Int64Counter
	dropped metric.Int64Counter
}

// NewCleanupCoordinator is the constructor for the CleanupCoordinator.
//
// Inputs:
//   - config: The application's overall configuration. Its cleanup section sets the
//     batch size, lease, poll interval and retry policy.
//   - deletions: The deletion log the events are claimed from.
//   - blobs: The blob store the deleted entities' blobs are removed from.
//
// Returns:
//   - A pointer to a coordinator that is ready to Run.
func NewCleanupCoordinator(config *cloud.Config, deletions storage.DeletionLog, blobs blob.Store) *CleanupCoordinator {
	meter := otel.Meter("github.com/jaycherian/gcp-go-media-analysis")
	deleted, _ := meter.Int64Counter("cleanup.counter.deleted")
	dropped, _ := meter.Int64Counter("cleanup.counter.dropped")
	return &CleanupCoordinator{
		deletions:   deletions,
		blobs:       blobs,
		batchSize:   config.Cleanup.BatchSize,
		lease:       config.CleanupLease(),
		poll:        config.CleanupPoll(),
		maxAttempts: config.Cleanup.MaxAttempts,
		initial:     time.Duration(config.Cleanup.InitialBackoffMillis) * time.Millisecond,
		maxDelay:    time.Duration(config.Cleanup.MaxBackoffSeconds) * time.Second,
		deleted:     deleted,
		dropped:     dropped,
	}
}

// Run blocks until ctx is done.
func (c *CleanupCoordinator) Run(ctx context.Context) error {
	wake, err := c.deletions.WatchDeletions(ctx)
	if err != nil {
		return fmt.Errorf("watch deletions: %w", err)
	}
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	slog.InfoContext(ctx, "cleanup coordinator started", "poll", c.poll, "batch_size", c.batchSize)
	for {
		c.drain(ctx)
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-wake:
			if !ok {
				// The watch ended early; fall back to polling only.
				wake = nil
			}
		case <-ticker.C:
		}
	}
}

func (c *CleanupCoordinator) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := c.RunOnce(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "failed to claim deletion events", "error", err)
			return
		}
		if n < c.batchSize {
			return
		}
	}
}

// RunOnce handles one claimed batch and returns the number of events in it.
func (c *CleanupCoordinator) RunOnce(ctx context.Context) (int, error) {
	events, err := c.deletions.ClaimDeletions(ctx, c.batchSize, c.lease)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		c.handle(ctx, ev)
	}
	return len(events), nil
}

func (c *CleanupCoordinator) handle(ctx context.Context, ev *model.DeletionEvent) {
	attrs := []attribute.KeyValue{attribute.String("kind", string(ev.Kind))}
	err := c.deleteBlobs(ctx, ev)
	if err == nil {
		if err := c.deletions.CompleteDeletion(ctx, ev.ID); err != nil {
			// The lease expires and the event is handled again.
			slog.WarnContext(ctx, "failed to complete deletion event", "id", ev.ID, "error", err)
			return
		}
		c.deleted.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}

	if ev.Attempts+1 >= c.maxAttempts {
		slog.ErrorContext(ctx, "giving up on blob cleanup",
			"id", ev.ID, "kind", ev.Kind, "entity_id", ev.EntityID, "attempts", ev.Attempts+1, "error", err)
		if err := c.deletions.CompleteDeletion(ctx, ev.ID); err != nil {
			slog.WarnContext(ctx, "failed to drop deletion event", "id", ev.ID, "error", err)
		}
		c.dropped.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}

	delay := c.RetryDelay(ev.Attempts)
	slog.WarnContext(ctx, "blob cleanup failed, retrying",
		"id", ev.ID, "kind", ev.Kind, "entity_id", ev.EntityID, "delay", delay, "error", err)
	if err := c.deletions.RetryDeletion(ctx, ev.ID, delay, err); err != nil {
		slog.WarnContext(ctx, "failed to reschedule deletion event", "id", ev.ID, "error", err)
	}
}

func (c *CleanupCoordinator) deleteBlobs(ctx context.Context, ev *model.DeletionEvent) error {
	if ev.BlobKey != nil && *ev.BlobKey != "" {
		if err := c.blobs.Delete(ctx, *ev.BlobKey); err != nil && !errors.Is(err, blob.ErrNotExist) {
			return fmt.Errorf("delete %s: %w", *ev.BlobKey, err)
		}
	}
	if ev.Kind != model.EntityTask {
		return nil
	}
	// Sweeps artifacts whose rows never made it to the store, such as
	// frames uploaded before a crash.
	for _, prefix := range model.DerivedArtifactPrefixes(ev.EntityID) {
		if _, err := blob.DeletePrefix(ctx, c.blobs, prefix); err != nil && !errors.Is(err, blob.ErrNotExist) {
			return err
		}
	}
	return nil
}

// RetryDelay is the wait before the attempt that follows the given number of
// failed attempts. It doubles from the initial delay up to the maximum.
func (c *CleanupCoordinator) RetryDelay(attempts int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         c.maxDelay,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

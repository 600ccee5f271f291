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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// StuckMonitor reports tasks and segments whose worker died mid-stage. It
// never changes their status; recovery is an operator decision.
type StuckMonitor struct {
	store    storage.Store
	after    time.Duration
	interval time.Duration
	gauge    metric.Int64Gauge
}

// NewStuckMonitor is the constructor for the StuckMonitor.
//
// Inputs:
//   - store: The store queried for tasks and segments in processing.
//   - after: How long an entity may stay in processing before it is reported.
//   - interval: The time between two reports in Run.
//
// Returns:
//   - A pointer to a newly created StuckMonitor.
func NewStuckMonitor(store storage.Store, after, interval time.Duration) *StuckMonitor {
	gauge, _ := otel.Meter("github.com/jaycherian/gcp-go-media-analysis").Int64Gauge("pipeline.stuck")
	return &StuckMonitor{
		store:    store,
		after:    after,
		interval: interval,
		gauge:    gauge,
	}
}

// Report queries the entities stuck as of now.
func (m *StuckMonitor) Report(ctx context.Context) (*model.StuckReport, error) {
	before := time.Now().Add(-m.after)
	tasks, err := m.store.ListStuckTasks(ctx, before)
	if err != nil {
		return nil, err
	}
	segments, err := m.store.ListStuckSegments(ctx, before)
	if err != nil {
		return nil, err
	}
	return &model.StuckReport{Before: before, Tasks: tasks, Segments: segments}, nil
}

// Run logs a warning per stuck entity every interval until ctx is done.
func (m *StuckMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

func (m *StuckMonitor) check(ctx context.Context) {
	report, err := m.Report(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "stuck entity query failed", "error", err)
		return
	}
	for _, t := range report.Tasks {
		slog.WarnContext(ctx, "task stuck in processing", "task_id", t.ID, "since", t.UpdatedAt)
	}
	for _, s := range report.Segments {
		slog.WarnContext(ctx, "segment stuck in processing", "segment_id", s.ID, "task_id", s.TaskID, "since", s.UpdatedAt)
	}
	m.gauge.Record(ctx, int64(len(report.Tasks)), metric.WithAttributes(attribute.String("kind", "task")))
	m.gauge.Record(ctx, int64(len(report.Segments)), metric.WithAttributes(attribute.String("kind", "segment")))
}

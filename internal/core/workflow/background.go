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

	"golang.org/x/sync/errgroup"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
)

// RunBackground starts the listeners of the selected queue stages and, when
// selected, the cleanup coordinator and the stuck monitor, then blocks until
// ctx is done. It returns early when the listeners cannot be built or the
// coordinator cannot watch for deletions.
func RunBackground(ctx context.Context, config *cloud.Config, clients *cloud.ServiceClients, stages []Stage) error {
	listeners, err := NewListeners(ctx, config, clients, NewMediaTools(ctx, config), stages)
	if err != nil {
		return err
	}
	for _, l := range listeners {
		l.Listen(ctx)
	}
	slog.InfoContext(ctx, "stage listeners started", "stages", stages)

	g, ctx := errgroup.WithContext(ctx)
	if HasStage(stages, StageCleanup) {
		coordinator := NewCleanupCoordinator(config, clients.Store, clients.Blobs)
		g.Go(func() error { return coordinator.Run(ctx) })
	}
	if HasStage(stages, StageMonitor) {
		monitor := NewStuckMonitor(clients.Store, config.StuckAfter(), config.MonitorInterval())
		g.Go(func() error {
			monitor.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

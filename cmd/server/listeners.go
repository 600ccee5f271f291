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

package main

import (
	"context"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
)

// SetupListeners runs the selected stage listeners, the cleanup coordinator
// and the stuck monitor in the background. cancel is called when they fail to
// start so the server shuts down instead of accepting work nobody consumes.
func SetupListeners(ctx context.Context, cancel context.CancelFunc, config *cloud.Config, clients *cloud.ServiceClients, stages []workflow.Stage) {
	go func() {
		if err := workflow.RunBackground(ctx, config, clients, stages); err != nil {
			slog.ErrorContext(ctx, "background workers stopped", "error", err)
			cancel()
		}
	}()
}

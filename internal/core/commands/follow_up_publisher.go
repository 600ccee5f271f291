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

package commands

import (
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
)

// FollowUpPublisher publishes every pending follow-up. It runs after the
// writes the follow-ups depend on, so a consumer never sees a message for a
// row or blob that is not yet durable. A failed publish fails the delivery;
// the redelivered message publishes again and consumers ignore duplicates.
type FollowUpPublisher struct {
	cor.BaseCommand
	queue queue.Queue
}

// NewFollowUpPublisher is the constructor for creating a new FollowUpPublisher command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - q: The queue the follow-ups are published to.
//
// Outputs:
//   - *FollowUpPublisher: A pointer to the newly instantiated command.
func NewFollowUpPublisher(name string, q queue.Queue) *FollowUpPublisher {
	return &FollowUpPublisher{BaseCommand: *cor.NewBaseCommand(name), queue: q}
}

// IsExecutable reports whether any follow-up is pending.
func (c *FollowUpPublisher) IsExecutable(context cor.Context) bool {
	return context != nil && context.Get(GetFollowUpsParameterName()) != nil
}

// Execute publishes the pending follow-ups in order.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *FollowUpPublisher) Execute(context cor.Context) {
	ctx := context.GetContext()
	followUps := GetFollowUps(context)
	for _, f := range followUps {
		if err := queue.PublishJSON(ctx, c.queue, f.Queue, f.Body, f.Priority); err != nil {
			c.Fail(context, fmt.Errorf("failed to publish to %s: %w", f.Queue, err))
			return
		}
	}
	c.Succeed(context)
	if len(followUps) > 0 {
		slog.InfoContext(ctx, "published follow-up messages", "count", len(followUps), "queue", followUps[0].Queue)
	}
	context.Remove(GetFollowUpsParameterName())
	context.Add(c.GetOutputParam(), len(followUps))
}

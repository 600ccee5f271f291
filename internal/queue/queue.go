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

// Package queue defines the durable priority work queue that connects the
// pipeline stages. Delivery is at least once: a handler acknowledges a
// delivery after its effects are durable and returns it with Nack when they
// are not.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotDeclared is returned when publishing to or consuming from a queue
// that this process has not declared.
var ErrNotDeclared = errors.New("queue not declared")

// Message is an outgoing work item. Priority 0 is the lowest; values above the
// queue's maximum are clamped to it.
type Message struct {
	Body     []byte
	Priority uint8
}

// Delivery is a received work item.
type Delivery interface {
	Body() []byte
	Priority() uint8
	Ack() error
	// Nack returns the delivery to its queue for redelivery.
	Nack() error
}

// Handler processes one delivery and must settle it with Ack or Nack.
type Handler func(ctx context.Context, d Delivery)

// Queue is a named set of durable priority queues.
type Queue interface {
	// Declare creates the queue if it does not exist. Declaring an existing
	// queue with the same bound is a no-op.
	Declare(ctx context.Context, name string, maxPriority uint8) error
	Publish(ctx context.Context, name string, msg Message) error
	// Consume dispatches deliveries to handler on up to concurrency workers
	// and blocks until ctx is done.
	Consume(ctx context.Context, name string, concurrency int, handler Handler) error
	Close() error
}

// PublishJSON encodes v as the message body.
func PublishJSON(ctx context.Context, q Queue, name string, v any, priority uint8) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", name, err)
	}
	return q.Publish(ctx, name, Message{Body: body, Priority: priority})
}

// ClampPriority bounds p to maxPriority.
func ClampPriority(p, maxPriority uint8) uint8 {
	if p > maxPriority {
		return maxPriority
	}
	return p
}

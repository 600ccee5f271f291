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

package cloud

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
)

const (
	// PriorityAttribute carries the message priority. Pub/Sub has no native
	// priority, so it is informational for consumers only.
	PriorityAttribute  = "priority"
	SubscriptionSuffix = "-sub"
	defaultAckDeadline = 600 * time.Second
)

// PubSubQueue maps each queue name to a topic of the same name with a single
// pull subscription named <queue>-sub.
type PubSubQueue struct {
	client *pubsub.Client

	mu       sync.Mutex
	topics   map[string]*pubsub.Topic
	declared map[string]uint8
}

var _ queue.Queue = (*PubSubQueue)(nil)

// NewPubSubQueue is the constructor for PubSubQueue.
//
// Inputs:
//   - client: An initialized Pub/Sub client.
//
// Outputs:
//   - *PubSubQueue: A queue set with no declared queues.
func NewPubSubQueue(client *pubsub.Client) *PubSubQueue {
	return &PubSubQueue{
		client:   client,
		topics:   make(map[string]*pubsub.Topic),
		declared: make(map[string]uint8),
	}
}

// Declare creates the topic and subscription when they do not exist.
func (q *PubSubQueue) Declare(ctx context.Context, name string, maxPriority uint8) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	topic := q.client.Topic(name)
	ok, err := topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check topic %s: %w", name, err)
	}
	if !ok {
		if topic, err = q.client.CreateTopic(ctx, name); err != nil {
			return fmt.Errorf("create topic %s: %w", name, err)
		}
	}

	sub := q.client.Subscription(name + SubscriptionSuffix)
	ok, err = sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("check subscription %s: %w", sub.ID(), err)
	}
	if !ok {
		_, err = q.client.CreateSubscription(ctx, sub.ID(), pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: defaultAckDeadline,
		})
		if err != nil {
			return fmt.Errorf("create subscription %s: %w", sub.ID(), err)
		}
	}
	q.topics[name] = topic
	q.declared[name] = maxPriority
	return nil
}

// Publish waits for the server to accept the message.
func (q *PubSubQueue) Publish(ctx context.Context, name string, msg queue.Message) error {
	q.mu.Lock()
	topic, ok := q.topics[name]
	maxPriority := q.declared[name]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotDeclared, name)
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data: msg.Body,
		Attributes: map[string]string{
			PriorityAttribute: strconv.Itoa(int(queue.ClampPriority(msg.Priority, maxPriority))),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	return nil
}

// Consume receives from the queue's subscription with at most concurrency
// messages outstanding, until ctx is done.
func (q *PubSubQueue) Consume(ctx context.Context, name string, concurrency int, handler queue.Handler) error {
	q.mu.Lock()
	_, ok := q.declared[name]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotDeclared, name)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	sub := q.client.Subscription(name + SubscriptionSuffix)
	sub.ReceiveSettings.NumGoroutines = 1
	sub.ReceiveSettings.MaxOutstandingMessages = concurrency

	err := sub.Receive(ctx, func(msgCtx context.Context, msg *pubsub.Message) {
		handler(msgCtx, &pubsubDelivery{msg: msg})
	})
	if err != nil {
		return err
	}
	return ctx.Err()
}

// Close flushes and stops the publishing topics. The client stays open.
func (q *PubSubQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.topics {
		t.Stop()
	}
	return nil
}

type pubsubDelivery struct {
	msg *pubsub.Message
}

func (d *pubsubDelivery) Body() []byte { return d.msg.Data }

func (d *pubsubDelivery) Priority() uint8 {
	p, err := strconv.Atoi(d.msg.Attributes[PriorityAttribute])
	if err != nil || p < 0 || p > 255 {
		return 0
	}
	return uint8(p)
}

func (d *pubsubDelivery) Ack() error  { d.msg.Ack(); return nil }
func (d *pubsubDelivery) Nack() error { d.msg.Nack(); return nil }

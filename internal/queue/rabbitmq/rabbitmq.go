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

// Package rabbitmq implements queue.Queue on RabbitMQ priority queues
// (x-max-priority) with persistent, broker-confirmed messages and manual
// acknowledgement.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
)

// Default requeue delays.
const (
	DefaultRequeueDelay    = 500 * time.Millisecond
	DefaultMaxRequeueDelay = 30 * time.Second
)

// Config holds the broker connection settings.
type Config struct {
	URL             string
	DialMaxElapsed  time.Duration
	RequeueDelay    time.Duration // Wait before the first requeue of a failed delivery.
	MaxRequeueDelay time.Duration // Cap of the doubling wait between consecutive failures.
}

// Queue is a RabbitMQ backed queue.Queue.
type Queue struct {
	conn *amqp.Connection

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]uint8

	requeueDelay    time.Duration
	maxRequeueDelay time.Duration
}

var _ queue.Queue = (*Queue)(nil)

// ErrPublishNacked is returned when the broker refuses a published message.
var ErrPublishNacked = errors.New("broker did not accept the message")

// Dial connects to the broker, retrying with exponential backoff.
func Dial(ctx context.Context, cfg Config) (*Queue, error) {
	var conn *amqp.Connection
	operation := func() error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			slog.WarnContext(ctx, "broker not ready, retrying", "error", err)
			return err
		}
		conn = c
		return nil
	}
	b := backoff.NewExponentialBackOff()
	if cfg.DialMaxElapsed > 0 {
		b.MaxElapsedTime = cfg.DialMaxElapsed
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	q := &Queue{
		conn:            conn,
		pub:             pub,
		declared:        make(map[string]uint8),
		requeueDelay:    cfg.RequeueDelay,
		maxRequeueDelay: cfg.MaxRequeueDelay,
	}
	if q.requeueDelay <= 0 {
		q.requeueDelay = DefaultRequeueDelay
	}
	if q.maxRequeueDelay < q.requeueDelay {
		q.maxRequeueDelay = max(DefaultMaxRequeueDelay, q.requeueDelay)
	}
	return q, nil
}

// Declare creates a durable queue with the given x-max-priority.
func (q *Queue) Declare(_ context.Context, name string, maxPriority uint8) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, err := q.pub.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-max-priority": int32(maxPriority),
	})
	if err != nil {
		return fmt.Errorf("declare %s: %w", name, err)
	}
	q.declared[name] = maxPriority
	return nil
}

// Publish sends a persistent message through the default exchange and waits
// for the broker to confirm it.
func (q *Queue) Publish(ctx context.Context, name string, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	maxPriority, ok := q.declared[name]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotDeclared, name)
	}
	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     queue.ClampPriority(msg.Priority, maxPriority),
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", name, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm publish to %s: %w", name, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: %w", name, ErrPublishNacked)
	}
	return nil
}

// Consume opens a dedicated channel with a prefetch of concurrency and runs
// that many workers over it.
func (q *Queue) Consume(ctx context.Context, name string, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", name, err)
	}
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			requeue := newRequeueBackOff(q.requeueDelay, q.maxRequeueDelay)
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					handler(ctx, &delivery{ctx: ctx, d: d, requeue: requeue})
				}
			}
		}()
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("delivery channel for %s closed", name)
}

// Close closes the publishing channel and the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}

// requeueBackOff paces the requeues of one consume worker. Each failure in a
// row doubles the wait before the message goes back to the queue, so a
// delivery that keeps failing does not spin against the broker. A success
// resets it.
type requeueBackOff struct {
	b     *backoff.ExponentialBackOff
	sleep func(ctx context.Context, d time.Duration)
}

func newRequeueBackOff(initial, maxDelay time.Duration) *requeueBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return &requeueBackOff{b: b, sleep: sleepContext}
}

// wait blocks for the next delay, or until ctx is done, and returns the delay.
func (r *requeueBackOff) wait(ctx context.Context) time.Duration {
	d := r.b.NextBackOff()
	r.sleep(ctx, d)
	return d
}

func (r *requeueBackOff) reset() { r.b.Reset() }

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type delivery struct {
	ctx     context.Context
	d       amqp.Delivery
	requeue *requeueBackOff
}

func (d *delivery) Body() []byte    { return d.d.Body }
func (d *delivery) Priority() uint8 { return d.d.Priority }

func (d *delivery) Ack() error {
	d.requeue.reset()
	return d.d.Ack(false)
}

// Nack returns the message to the queue after the worker's requeue delay.
func (d *delivery) Nack() error {
	delay := d.requeue.wait(d.ctx)
	slog.DebugContext(d.ctx, "requeueing failed delivery", "delay", delay, "redelivered", d.d.Redelivered)
	return d.d.Nack(false, true)
}

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

package rabbitmq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue/rabbitmq"
)

func setupBroker(t *testing.T) *rabbitmq.Queue {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping rabbitmq container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	q, err := rabbitmq.Dial(ctx, rabbitmq.Config{
		URL:            fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		DialMaxElapsed: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestPriorityDelivery(t *testing.T) {
	q := setupBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, q.Declare(ctx, "recognition_queue", 10))
	require.NoError(t, q.Declare(ctx, "recognition_queue", 10))
	assert.ErrorIs(t, q.Publish(ctx, "undeclared", queue.Message{}), queue.ErrNotDeclared)

	require.NoError(t, q.Publish(ctx, "recognition_queue", queue.Message{Body: []byte("low"), Priority: 1}))
	require.NoError(t, q.Publish(ctx, "recognition_queue", queue.Message{Body: []byte("high"), Priority: 9}))

	got := make(chan string, 4)
	redelivered := false
	go func() {
		_ = q.Consume(ctx, "recognition_queue", 1, func(_ context.Context, d queue.Delivery) {
			if string(d.Body()) == "low" && !redelivered {
				redelivered = true
				_ = d.Nack()
				return
			}
			got <- string(d.Body())
			_ = d.Ack()
		})
	}()

	var order []string
	for len(order) < 2 {
		select {
		case body := <-got:
			order = append(order, body)
		case <-ctx.Done():
			t.Fatalf("timed out, received %v", order)
		}
	}
	assert.Equal(t, []string{"high", "low"}, order)
}

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

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
)

func TestMemoryDeliversByPriorityThenOrder(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	require.NoError(t, q.Declare(ctx, "work", 10))
	require.NoError(t, q.Declare(ctx, "work", 10))
	assert.Error(t, q.Declare(ctx, "work", 5))

	require.NoError(t, q.Publish(ctx, "work", Message{Body: []byte("low-1")}))
	require.NoError(t, q.Publish(ctx, "work", Message{Body: []byte("high"), Priority: 200}))
	require.NoError(t, q.Publish(ctx, "work", Message{Body: []byte("low-2")}))

	var got []string
	var priorities []uint8
	for q.DeliverNext(ctx, "work", func(_ context.Context, d Delivery) {
		got = append(got, string(d.Body()))
		priorities = append(priorities, d.Priority())
		_ = d.Ack()
	}) {
	}
	assert.Equal(t, []string{"high", "low-1", "low-2"}, got)
	assert.Equal(t, []uint8{10, 0, 0}, priorities)
	assert.Equal(t, 0, q.Len("work"))
}

func TestMemoryRejectsUndeclaredQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	assert.ErrorIs(t, q.Publish(ctx, "missing", Message{}), ErrNotDeclared)
	assert.ErrorIs(t, q.Consume(ctx, "missing", 1, nil), ErrNotDeclared)
}

func TestMemoryNackRequeues(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	require.NoError(t, q.Declare(ctx, "work", 1))
	require.NoError(t, PublishJSON(ctx, q, "work", map[string]string{"task_id": "a"}, 1))

	q.DeliverNext(ctx, "work", func(_ context.Context, d Delivery) {
		_ = d.Nack()
		_ = d.Nack()
	})
	assert.Equal(t, 1, q.Len("work"))
	assert.JSONEq(t, `{"task_id":"a"}`, string(q.Bodies("work")[0]))
}

func TestMemoryConsumeRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory()
	require.NoError(t, q.Declare(ctx, "work", 0))

	var handled atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, "work", 3, func(_ context.Context, d Delivery) {
			handled.Add(1)
			_ = d.Ack()
		})
	}()
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Publish(ctx, "work", Message{Body: []byte("m")}))
	}
	assert.Eventually(t, func() bool { return handled.Load() == 20 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not return after cancellation")
	}
}

type recordingCommand struct {
	cor.BaseCommand
	run func(ctx cor.Context)
}

func (c *recordingCommand) Execute(ctx cor.Context) { c.run(ctx) }

func TestListenerAckPolicy(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		run     func(ctx cor.Context)
		pending int
	}{
		{"success acks", func(ctx cor.Context) {}, 0},
		{"stop acks", func(ctx cor.Context) { ctx.Stop("malformed") }, 0},
		{"error nacks", func(ctx cor.Context) { ctx.AddError("store", errors.New("db down")) }, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewMemory()
			require.NoError(t, q.Declare(ctx, "work", 10))
			require.NoError(t, q.Publish(ctx, "work", Message{Body: []byte(`{"task_id":"t"}`)}))

			var input any
			cmd := &recordingCommand{BaseCommand: *cor.NewBaseCommand("record"), run: func(c cor.Context) {
				input = c.Get(cor.CtxIn)
				tt.run(c)
			}}
			l := NewListener(q, "work", 1, cmd)
			q.DeliverNext(ctx, "work", l.Handle)

			assert.Equal(t, `{"task_id":"t"}`, input)
			assert.Equal(t, tt.pending, q.Len("work"))
		})
	}
}

func TestListenerSerializesByKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemory()
	require.NoError(t, q.Declare(ctx, "work", 0))

	var (
		mu      sync.Mutex
		active  = map[string]int{}
		overlap bool
	)
	cmd := &recordingCommand{BaseCommand: *cor.NewBaseCommand("slow")}
	cmd.run = func(c cor.Context) {
		key := JSONField("segment_id")([]byte(c.Get(cor.CtxIn).(string)))
		mu.Lock()
		active[key]++
		if active[key] > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		active[key]--
		mu.Unlock()
	}
	l := NewListener(q, "work", 4, cmd)
	l.SetKeyFunc(JSONField("segment_id"))

	work := q.queues["work"]
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		body := `{"segment_id":"same"}`
		if i%2 == 1 {
			body = `{"segment_id":"other"}`
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Handle(ctx, &memDelivery{memory: q, queue: work, item: &item{body: []byte(body)}})
		}()
	}
	wg.Wait()
	assert.False(t, overlap)
	assert.Equal(t, 0, l.locks.size())
}

func TestJSONField(t *testing.T) {
	assert.Equal(t, "abc", JSONField("task_id")([]byte(`{"task_id":"abc"}`)))
	assert.Equal(t, "", JSONField("task_id")([]byte(`not json`)))
	assert.Equal(t, "", JSONField("task_id")([]byte(`{"task_id":5}`)))
}

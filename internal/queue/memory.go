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
	"container/heap"
	"context"
	"fmt"
	"sync"
)

type item struct {
	body     []byte
	priority uint8
	seq      uint64
}

// itemHeap orders by priority, highest first, then by publish order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type memQueue struct {
	maxPriority uint8
	items       itemHeap
	ready       chan struct{}
}

// Memory is an in-process Queue. Messages survive for the lifetime of the
// process only.
type Memory struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	seq    uint64
}

var _ Queue = (*Memory)(nil)

// NewMemory returns an empty in-process queue set.
func NewMemory() *Memory {
	return &Memory{queues: make(map[string]*memQueue)}
}

// Declare creates the queue if it does not exist. Declaring it again with a
// different maximum priority is an error.
func (m *Memory) Declare(_ context.Context, name string, maxPriority uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		if q.maxPriority != maxPriority {
			return fmt.Errorf("queue %s already declared with max priority %d", name, q.maxPriority)
		}
		return nil
	}
	m.queues[name] = &memQueue{maxPriority: maxPriority, ready: make(chan struct{}, 1)}
	return nil
}

// Publish appends the message to a declared queue.
func (m *Memory) Publish(_ context.Context, name string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeclared, name)
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	m.pushLocked(q, body, ClampPriority(msg.Priority, q.maxPriority))
	return nil
}

// pushLocked enqueues under m.mu and wakes one idle worker. The ready
// channel holds a single token, so a full channel means a wakeup is pending.
func (m *Memory) pushLocked(q *memQueue, body []byte, priority uint8) {
	m.seq++
	heap.Push(&q.items, &item{body: body, priority: priority, seq: m.seq})
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (m *Memory) pop(name string) (*item, *memQueue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok || q.items.Len() == 0 {
		return nil, q, false
	}
	it := heap.Pop(&q.items).(*item)
	// Pass the wakeup on while messages remain.
	if q.items.Len() > 0 {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
	return it, q, true
}

// Consume runs concurrency workers over the queue until ctx is done.
func (m *Memory) Consume(ctx context.Context, name string, concurrency int, handler Handler) error {
	m.mu.Lock()
	q, ok := m.queues[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotDeclared, name)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				if m.DeliverNext(ctx, name, handler) {
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.ready:
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// DeliverNext hands the highest priority pending message of name to handler
// on the calling goroutine. It reports false when the queue is empty.
func (m *Memory) DeliverNext(ctx context.Context, name string, handler Handler) bool {
	it, q, ok := m.pop(name)
	if !ok {
		return false
	}
	d := &memDelivery{memory: m, queue: q, item: it}
	handler(ctx, d)
	return true
}

// Len returns the number of pending messages in name.
func (m *Memory) Len(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q.items.Len()
	}
	return 0
}

// Bodies returns the pending message bodies of name in delivery order.
func (m *Memory) Bodies(name string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		return nil
	}
	sorted := make(itemHeap, len(q.items))
	copy(sorted, q.items)
	var out [][]byte
	for sorted.Len() > 0 {
		out = append(out, heap.Pop(&sorted).(*item).body)
	}
	return out
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

type memDelivery struct {
	memory *Memory
	queue  *memQueue
	item   *item
	once   sync.Once
}

func (d *memDelivery) Body() []byte    { return d.item.body }
func (d *memDelivery) Priority() uint8 { return d.item.priority }

// Ack settles the delivery. Settling twice has no effect.
func (d *memDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

// Nack puts the message back with its original priority. Its publish order
// is renewed, so it lines up behind messages of the same priority.
func (d *memDelivery) Nack() error {
	d.once.Do(func() {
		d.memory.mu.Lock()
		defer d.memory.mu.Unlock()
		d.memory.pushLocked(d.queue, d.item.body, d.item.priority)
	})
	return nil
}

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
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
)

// KeyFunc extracts the entity identifier a message acts on. Deliveries with
// the same key are never handled concurrently by one listener.
type KeyFunc func(body []byte) string

// JSONField keys deliveries by a top level string field of a JSON body.
func JSONField(field string) KeyFunc {
	return func(body []byte) string {
		var fields map[string]any
		if err := json.Unmarshal(body, &fields); err != nil {
			return ""
		}
		v, _ := fields[field].(string)
		return v
	}
}

// Listener binds a queue to the command that processes its messages. The
// delivery is acknowledged when the chain finishes without errors, stopped
// chains included, and returned to the queue otherwise.
type Listener struct {
	queue       Queue
	name        string
	concurrency int
	command     cor.Command
	key         KeyFunc
	locks       *keyLock
	tracer      trace.Tracer
}

// NewListener is the constructor for a Listener.
//
// Inputs:
//   - q: The queue to consume from.
//   - name: The queue name, also used for logging and telemetry.
//   - concurrency: The number of deliveries handled at once. Values below 1 mean 1.
//   - command: The chain run for every delivery. It may be attached later with SetCommand.
//
// Returns:
//   - A pointer to a Listener that is ready to Listen.
func NewListener(q Queue, name string, concurrency int, command cor.Command) *Listener {
	return &Listener{
		queue:       q,
		name:        name,
		concurrency: concurrency,
		command:     command,
		locks:       newKeyLock(),
		tracer:      otel.Tracer("message-listener"),
	}
}

// SetCommand attaches the command if none is set yet.
func (l *Listener) SetCommand(command cor.Command) {
	if l.command == nil {
		l.command = command
	}
}

// SetKeyFunc enables per-entity serialization of deliveries.
func (l *Listener) SetKeyFunc(key KeyFunc) {
	l.key = key
}

// Name returns the queue the listener consumes.
func (l *Listener) Name() string { return l.name }

// Listen consumes in a background goroutine until ctx is done.
func (l *Listener) Listen(ctx context.Context) {
	slog.InfoContext(ctx, "listening", "queue", l.name, "concurrency", l.concurrency)
	go func() {
		if err := l.queue.Consume(ctx, l.name, l.concurrency, l.Handle); err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "error receiving data", "queue", l.name, "error", err)
		}
	}()
}

// Handle runs the command for one delivery and settles it.
func (l *Listener) Handle(ctx context.Context, d Delivery) {
	if l.key != nil {
		if key := l.key(d.Body()); key != "" {
			unlock := l.locks.lock(key)
			defer unlock()
		}
	}

	spanCtx, span := l.tracer.Start(ctx, "receive-message")
	defer span.End()
	span.SetAttributes(
		attribute.String("queue", l.name),
		attribute.Int("priority", int(d.Priority())),
		attribute.String("msg", string(d.Body())),
	)

	chainCtx := cor.NewBaseContext()
	defer chainCtx.Close()
	chainCtx.SetContext(spanCtx)
	chainCtx.Add(cor.CtxIn, string(d.Body()))

	l.command.Execute(chainCtx)

	// A stopped chain has recorded its outcome on the entity, so it is acked
	// like a success. Only recorded errors return the message.
	if !chainCtx.HasErrors() {
		span.SetStatus(codes.Ok, "success")
		if chainCtx.IsStopped() {
			slog.DebugContext(spanCtx, "chain stopped", "queue", l.name, "reason", chainCtx.StopReason())
		}
		if err := d.Ack(); err != nil {
			slog.ErrorContext(spanCtx, "failed to ack message", "queue", l.name, "error", err)
		}
		return
	}

	span.SetStatus(codes.Error, "failed")
	for name, e := range chainCtx.GetErrors() {
		slog.ErrorContext(spanCtx, "error executing chain", "queue", l.name, "command", name, "error", e)
	}
	if err := d.Nack(); err != nil {
		slog.ErrorContext(spanCtx, "failed to nack message", "queue", l.name, "error", err)
	}
}

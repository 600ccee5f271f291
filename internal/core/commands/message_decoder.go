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
	"encoding/json"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// MessageDecoder turns the raw delivery body into a validated *T. A body that
// does not decode or validate can never succeed, so the chain is stopped and
// the delivery acknowledged instead of being redelivered forever.
type MessageDecoder[T any] struct {
	cor.BaseCommand
}

// NewMessageDecoder is the constructor for creating a new MessageDecoder command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//
// Outputs:
//   - *MessageDecoder[T]: A pointer to the newly instantiated command.
func NewMessageDecoder[T any](name string) *MessageDecoder[T] {
	return &MessageDecoder[T]{BaseCommand: *cor.NewBaseCommand(name)}
}

// Execute decodes and validates the request parameter, replacing the raw
// body with the typed value.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (d *MessageDecoder[T]) Execute(context cor.Context) {
	ctx := context.GetContext()
	raw, _ := context.Get(d.GetInputParam()).(string)

	msg := new(T)
	if err := json.Unmarshal([]byte(raw), msg); err != nil {
		d.drop(context, raw, err)
		return
	}
	if err := validate.Struct(msg); err != nil {
		d.drop(context, raw, err)
		return
	}

	d.Succeed(context)
	slog.DebugContext(ctx, "decoded message", "command", d.GetName())
	context.Add(GetRequestParameterName(), msg)
	context.Add(d.GetOutputParam(), msg)
}

func (d *MessageDecoder[T]) drop(context cor.Context, raw string, err error) {
	d.GetErrorCounter().Add(context.GetContext(), 1)
	slog.WarnContext(context.GetContext(), "dropping malformed message", "command", d.GetName(), "body", raw, "error", err)
	context.Stop("malformed message")
}

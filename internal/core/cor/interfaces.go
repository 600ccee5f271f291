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

// Package cor implements the chain of responsibility used by every pipeline
// stage. A stage is a Chain of small Commands that share one Context: each
// command reads its input from CtxIn and writes its output to CtxOut, and the
// chain pipes the output of one command into the input of the next.
//
// A command ends the run in one of two ways. AddError records a failure that
// must be retried, so the delivery is returned to its queue. Stop records that
// the message is fully handled (including handled permanent failures), so the
// remaining commands are skipped and the delivery is acknowledged.
package cor

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	CtxIn  = "__IN__"
	CtxOut = "__OUT__"
)

// Context carries state between the commands of a chain.
type Context interface {
	SetContext(context context.Context)
	GetContext() context.Context

	Add(key string, value any) Context
	Get(key string) any
	Remove(key string)

	// AddError records a retryable failure for the command named key.
	AddError(key string, err error)
	GetErrors() map[string]error
	HasErrors() bool

	// Stop ends the chain after the current command without recording an error.
	Stop(reason string)
	IsStopped() bool
	StopReason() string

	// AddTempFile registers a local file removed by Close.
	AddTempFile(file string)
	GetTempFiles() []string
	Close()
}

// Executable runs against a shared chain context.
type Executable interface {
	Execute(context Context)
}

// Command is one step of a chain.
type Command interface {
	Executable

	GetName() string
	GetInputParam() string
	GetOutputParam() string
	IsExecutable(context Context) bool

	GetTracer() trace.Tracer
	GetMeter() metric.Meter
	GetSuccessCounter() metric.Int64Counter
	GetErrorCounter() metric.Int64Counter
}

// Chain is a Command composed of an ordered list of commands.
type Chain interface {
	Command

	ContinueOnFailure(bool) Chain
	AddCommand(command Command) Chain
}

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

package cor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
)

// BaseContext is the default Context. It is safe for use by commands that fan
// work out to several goroutines.
type BaseContext struct {
	mu         sync.Mutex
	data       map[string]any
	errors     map[string]error
	tempFiles  []string
	stopped    bool
	stopReason string
	context    context.Context
}

// NewBaseContext returns an empty context. Callers attach the Go context with
// SetContext before running a chain.
func NewBaseContext() Context {
	return &BaseContext{
		data:      make(map[string]any),
		errors:    make(map[string]error),
		tempFiles: make([]string, 0),
	}
}

// SetContext replaces the Go context carried by the chain.
func (c *BaseContext) SetContext(context context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.context = context
}

// GetContext returns the Go context of the current command.
func (c *BaseContext) GetContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.context
}

// Close removes every registered temporary file.
func (c *BaseContext) Close() {
	for _, file := range c.GetTempFiles() {
		if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove temporary file", "file", file, "error", err)
		}
	}
}

// Add stores value under key and returns the context.
func (c *BaseContext) Add(key string, value any) Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return c
}

// Get returns the value under key, or nil.
func (c *BaseContext) Get(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key]
}

func (c *BaseContext) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

func (c *BaseContext) AddTempFile(file string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempFiles = append(c.tempFiles, file)
}

func (c *BaseContext) GetTempFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.tempFiles))
	copy(out, c.tempFiles)
	return out
}

// AddError records err under key, normally the failing command's name.
func (c *BaseContext) AddError(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors[key] = err
}

// GetErrors returns a copy of the recorded errors.
func (c *BaseContext) GetErrors() map[string]error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]error, len(c.errors))
	for k, v := range c.errors {
		out[k] = v
	}
	return out
}

func (c *BaseContext) HasErrors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errors) > 0
}

// Stop ends the chain after the current command. The first reason wins.
func (c *BaseContext) Stop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped = true
		c.stopReason = reason
	}
}

func (c *BaseContext) IsStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *BaseContext) StopReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopReason
}

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
	"errors"
	"fmt"
	"log/slog"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/cor"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
)

// MissingBlobHandler records the permanent failure caused by a blob that does
// not exist. It returns an error only when that record could not be written.
type MissingBlobHandler func(context cor.Context, key string) error

// BlobToTempFile downloads the blob named by keyParam into a temporary file
// and stores the local path under the output parameter. The file is removed
// when the chain context is closed.
type BlobToTempFile struct {
	cor.BaseCommand
	blobs     blob.Store
	keyParam  string
	pattern   string
	onMissing MissingBlobHandler
}

// NewBlobToTempFile is the constructor for creating a new BlobToTempFile command.
//
// Inputs:
//   - name: A string name for this command instance, used for logging and telemetry.
//   - blobs: The blob store to download from.
//   - keyParam: The context parameter holding the blob key.
//   - outputParam: The context parameter the local path is written to.
//   - pattern: The `os.CreateTemp` pattern of the local file.
//   - onMissing: Records the permanent failure when the blob does not exist.
//
// Outputs:
//   - *BlobToTempFile: A pointer to the newly instantiated command.
func NewBlobToTempFile(name string, blobs blob.Store, keyParam, outputParam, pattern string, onMissing MissingBlobHandler) *BlobToTempFile {
	cmd := &BlobToTempFile{
		BaseCommand: *cor.NewBaseCommand(name),
		blobs:       blobs,
		keyParam:    keyParam,
		pattern:     pattern,
		onMissing:   onMissing,
	}
	cmd.OutputParamName = outputParam
	return cmd
}

// IsExecutable reports whether the blob key parameter is set.
func (c *BlobToTempFile) IsExecutable(context cor.Context) bool {
	return context != nil && getString(context, c.keyParam) != ""
}

// Execute downloads the blob into a temporary file owned by the context.
//
// Inputs:
//   - context: The shared `cor.Context` for this workflow execution.
func (c *BlobToTempFile) Execute(context cor.Context) {
	ctx := context.GetContext()
	key := getString(context, c.keyParam)

	path, err := blob.GetFile(ctx, c.blobs, key, c.pattern)
	if errors.Is(err, blob.ErrNotExist) && c.onMissing != nil {
		c.GetErrorCounter().Add(ctx, 1)
		slog.WarnContext(ctx, "blob does not exist", "key", key)
		if err := c.onMissing(context, key); err != nil {
			c.Fail(context, err)
			return
		}
		context.Stop("blob does not exist")
		return
	}
	if err != nil {
		c.Fail(context, fmt.Errorf("failed to download %s: %w", key, err))
		return
	}

	c.Succeed(context)
	context.AddTempFile(path)
	context.Add(c.GetOutputParam(), path)
}

// TaskSourceMissing fails the task whose upload disappeared.
func TaskSourceMissing(store storage.TaskStore) MissingBlobHandler {
	return func(context cor.Context, key string) error {
		task, ok := getTask(context)
		if !ok {
			return nil
		}
		return recordTaskFailure(context.GetContext(), store, task.ID, "source file not found: "+key)
	}
}

// SegmentArtifactMissing fails the segment whose artifact disappeared.
func SegmentArtifactMissing(store storage.Store, from model.SegmentStatus) MissingBlobHandler {
	return func(context cor.Context, key string) error {
		seg, ok := getSegment(context)
		if !ok {
			return nil
		}
		return recordSegmentFailure(context.GetContext(), store, seg, from, "artifact not found: "+key)
	}
}

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

// Package workflow_test runs the pipeline stages end to end against the
// in-memory store, blob store and queue with fake media tools.
package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/memory"
	"github.com/jaycherian/gcp-go-media-analysis/internal/telemetry"
	test "github.com/jaycherian/gcp-go-media-analysis/internal/testutil"
)

const tName = "github.com/jaycherian/gcp-go-media-analysis/tests/workflow"

var (
	ctx    context.Context
	tracer = otel.Tracer(tName)
	logger = otelslog.NewLogger(tName)
)

func TestMain(m *testing.M) {
	var cancel context.CancelFunc
	ctx, cancel = context.WithCancel(context.Background())

	config := test.GetConfig()
	closeLog, err := telemetry.SetupLogging(config)
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	shutdown, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		log.Fatalf("failed to setup telemetry: %v", err)
	}

	code := m.Run()

	_ = shutdown(ctx)
	_ = closeLog()
	cancel()
	os.Exit(code)
}

// harness is one isolated pipeline deployment.
type harness struct {
	t          *testing.T
	config     *cloud.Config
	store      *memory.Store
	blobs      *blob.MemoryStore
	faults     *faultyBlobs
	queue      *queue.Memory
	classifier *test.FakeClassifier
	detector   *test.FakeSceneDetector
	frames     *test.FakeFrameExtractor
	annotator  *test.FakeAnnotator
	listeners  map[string]*queue.Listener
}

func newHarness(t *testing.T, configure func(*cloud.Config)) *harness {
	t.Helper()
	config := test.GetConfig()
	if configure != nil {
		configure(config)
	}
	h := &harness{
		t:          t,
		config:     config,
		store:      memory.NewStore(),
		blobs:      blob.NewMemoryStore(),
		queue:      queue.NewMemory(),
		classifier: &test.FakeClassifier{Result: model.Classification{ClassIndex: 1, Confidence: 0.93}},
		detector:   &test.FakeSceneDetector{Scenes: []model.TimeRange{{Start: 0, End: 5}, {Start: 5, End: 12}}, Length: 12},
		frames:     &test.FakeFrameExtractor{},
		annotator:  &test.FakeAnnotator{},
		listeners:  make(map[string]*queue.Listener),
	}
	h.faults = &faultyBlobs{MemoryStore: h.blobs, failGet: make(map[string]bool)}
	_, err := h.store.AppendLabels(ctx, test.TestLabels().Labels())
	require.NoError(t, err)
	require.NoError(t, workflow.DeclareQueues(ctx, config, h.queue))

	listeners, err := workflow.NewListeners(ctx, config, h.clients(), h.tools(), workflow.AllStages)
	require.NoError(t, err)
	for _, l := range listeners {
		h.listeners[l.Name()] = l
	}
	return h
}

func (h *harness) clients() *cloud.ServiceClients {
	return &cloud.ServiceClients{
		Store:      h.store,
		Blobs:      h.faults,
		Queue:      h.queue,
		Classifier: h.classifier,
	}
}

func (h *harness) tools() *workflow.MediaTools {
	return &workflow.MediaTools{Detector: h.detector, Frames: h.frames, Clips: h.frames, Annotator: h.annotator}
}

func (h *harness) queueNames() []string {
	return []string{h.config.Queues.Split.Name, h.config.Queues.Extraction.Name, h.config.Queues.Classification.Name}
}

// deliver hands the next message of one queue to its listener.
func (h *harness) deliver(name string) bool {
	return h.queue.DeliverNext(ctx, name, h.listeners[name].Handle)
}

// drain runs every stage until all queues are empty.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		delivered := false
		for _, name := range h.queueNames() {
			if h.deliver(name) {
				delivered = true
			}
		}
		if !delivered {
			return
		}
	}
	h.t.Fatal("queues did not drain")
}

// uploadVideo stores a video and enqueues its split, the way ingress does.
func (h *harness) uploadVideo() *model.Task {
	h.t.Helper()
	task := model.NewTask(model.MediaVideo, "clip.mp4", nil)
	require.NoError(h.t, h.blobs.Put(ctx, task.SourceBlob, bytes.NewReader(test.SampleMP4), "video/mp4"))
	require.NoError(h.t, h.store.CreateTask(ctx, task))
	h.publishSplit(task)
	return task
}

func (h *harness) publishSplit(task *model.Task) {
	h.t.Helper()
	require.NoError(h.t, queue.PublishJSON(ctx, h.queue, h.config.Queues.Split.Name, model.NewSplitRequest(task), h.config.Queues.Split.Priority))
}

func (h *harness) task(id uuid.UUID) *model.Task {
	h.t.Helper()
	task, err := h.store.GetTask(ctx, id)
	require.NoError(h.t, err)
	return task
}

func (h *harness) segments(task *model.Task) []*model.Segment {
	h.t.Helper()
	segments, err := h.store.ListSegments(ctx, task.ID)
	require.NoError(h.t, err)
	return segments
}

func (h *harness) results(seg *model.Segment) []*model.Result {
	h.t.Helper()
	results, err := h.store.ListResults(ctx, seg.ID)
	require.NoError(h.t, err)
	return results
}

// faultyBlobs fails reads of selected keys once with a transient error.
type faultyBlobs struct {
	*blob.MemoryStore
	mu      sync.Mutex
	failGet map[string]bool
}

func (f *faultyBlobs) failGetOnce(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failGet[key] = true
}

func (f *faultyBlobs) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	fail := f.failGet[key]
	delete(f.failGet, key)
	f.mu.Unlock()
	if fail {
		return nil, errors.New("storage unavailable")
	}
	return f.MemoryStore.Get(ctx, key)
}

func bytesOf(s string) io.Reader { return bytes.NewReader([]byte(s)) }

func writeFile(path, content string) error { return os.WriteFile(path, []byte(content), 0o600) }

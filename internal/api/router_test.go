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

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaycherian/gcp-go-media-analysis/internal/api"
	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/memory"
	test "github.com/jaycherian/gcp-go-media-analysis/internal/testutil"
)

type server struct {
	router *gin.Engine
	store  *memory.Store
	blobs  *blob.MemoryStore
	queue  *queue.Memory
	config *cloud.Config
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := &server{
		store:  memory.NewStore(),
		blobs:  blob.NewMemoryStore(),
		queue:  queue.NewMemory(),
		config: test.GetConfig(),
	}
	require.NoError(t, workflow.DeclareQueues(context.Background(), s.config, s.queue))
	service := services.NewAnalysisService(s.config, &cloud.ServiceClients{Store: s.store, Blobs: s.blobs, Queue: s.queue})
	s.router = api.NewRouter("media-analysis-test", service)
	return s
}

func (s *server) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(w, req)
	return w
}

func (s *server) upload(t *testing.T, name, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/analysis", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUploadAndQuery(t *testing.T) {
	s := newServer(t)

	w := s.upload(t, "clip.mp4", "video/mp4", test.SampleMP4)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[map[string]string](t, w)
	taskID := created["task_id"]
	require.NotEmpty(t, taskID)
	assert.Equal(t, 1, s.queue.Len(s.config.Queues.Split.Name))

	w = s.do(t, http.MethodGet, "/analysis/"+taskID)
	require.Equal(t, http.StatusOK, w.Code)
	view := decode[map[string]any](t, w)
	assert.Equal(t, "queued", view["status"])
	assert.Equal(t, "video", view["file_type"])
	assert.Nil(t, view["error_message"])

	w = s.do(t, http.MethodGet, "/analysis/"+taskID+"/segments")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/analysis/"+taskID+"/progress")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["total"])

	w = s.do(t, http.MethodGet, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]int](t, w)
	assert.Equal(t, 1, stats["queued"])
	assert.Equal(t, 0, stats["done"])
}

func TestPhotoSegmentRoutes(t *testing.T) {
	s := newServer(t)
	w := s.upload(t, "fish.jpg", "image/jpeg", test.SampleJPEG)
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := uuid.MustParse(decode[map[string]string](t, w)["task_id"])

	w = s.do(t, http.MethodGet, "/analysis/"+taskID.String()+"/segments")
	require.Equal(t, http.StatusOK, w.Code)
	segments := decode[[]*model.Segment](t, w)
	require.Len(t, segments, 1)
	seg := segments[0]

	ctx := context.Background()
	require.NoError(t, s.store.TransitionSegment(ctx, seg.ID, model.SegmentQueued, model.SegmentProcessing, ""))
	result := model.NewResult(seg.ID, test.TestLabels(), 0, 0.9, 0.8)
	key := model.RecognitionResultKey(taskID, seg.ID)
	result.ResultBlob = &key
	require.NoError(t, s.blobs.Put(ctx, key, bytes.NewReader(test.SampleJPEG), "image/jpeg"))
	require.NoError(t, s.store.CompleteSegment(ctx, result))

	base := "/analysis/" + taskID.String() + "/segments/" + seg.ID.String()
	w = s.do(t, http.MethodGet, base)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[map[string]any](t, w)
	results, ok := detail["recognition_results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, "tench", results[0].(map[string]any)["object_detected"])

	w = s.do(t, http.MethodGet, base+"/results/"+result.ID.String()+"/url")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["url"], key)

	w = s.do(t, http.MethodGet, base+"/results/"+uuid.NewString()+"/url")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRoute(t *testing.T) {
	s := newServer(t)
	w := s.upload(t, "fish.jpg", "image/jpeg", test.SampleJPEG)
	require.Equal(t, http.StatusCreated, w.Code)
	taskID := decode[map[string]string](t, w)["task_id"]

	w = s.do(t, http.MethodDelete, "/analysis/"+taskID)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, taskID, decode[map[string]any](t, w)["task_id"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/analysis/"+taskID).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/analysis/"+taskID).Code)
}

func TestBadRequests(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/analysis/not-a-uuid").Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/analysis").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/analysis/"+uuid.NewString()).Code)
}

func TestEmptyUploadIsBadRequest(t *testing.T) {
	s := newServer(t)
	w := s.upload(t, "empty.mp4", "video/mp4", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "upload is empty", decode[map[string]string](t, w)["error"])
	assert.Zero(t, s.blobs.Len())
}

func TestNewRouterRegistersEveryRoute(t *testing.T) {
	s := newServer(t)
	var routes []string
	for _, r := range s.router.Routes() {
		routes = append(routes, r.Method+" "+r.Path)
	}
	assert.ElementsMatch(t, []string{
		"POST /analysis",
		"GET /analysis/stuck",
		"GET /analysis/:id",
		"DELETE /analysis/:id",
		"GET /analysis/:id/progress",
		"GET /analysis/:id/segments",
		"GET /analysis/:id/segments/:segment_id",
		"GET /analysis/:id/segments/:segment_id/results/:result_id/url",
		"GET /stats",
	}, routes)
}

func TestStuckRoute(t *testing.T) {
	s := newServer(t)
	w := s.do(t, http.MethodGet, "/analysis/stuck")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[map[string]any](t, w)
	assert.Contains(t, report, "tasks")
	assert.Contains(t, report, "segments")
}

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

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
)

// TaskView is the public projection of a task.
type TaskView struct {
	TaskID       uuid.UUID        `json:"task_id"`
	Status       model.TaskStatus `json:"status"`
	FileType     model.MediaKind  `json:"file_type"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	ErrorMessage *string          `json:"error_message"`
}

// NewTaskView converts a task for the JSON API.
func NewTaskView(t *model.Task) *TaskView {
	v := &TaskView{
		TaskID:    t.ID,
		Status:    t.Status,
		FileType:  t.Kind,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if t.ErrorMessage != "" {
		msg := t.ErrorMessage
		v.ErrorMessage = &msg
	}
	return v
}

type handlers struct {
	service *services.AnalysisService
}

func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, services.ErrNoResultBlob), errors.Is(err, blob.ErrNotExist):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrEmptyUpload):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// uuidParam parses a path parameter, answering 400 when it is not a UUID.
func uuidParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) submit(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer file.Close()

	var owner *uuid.UUID
	if raw := c.PostForm("user_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
			return
		}
		owner = &id
	}

	task, err := h.service.Submit(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), file, owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID})
}

func (h *handlers) get(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	task, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTaskView(task))
}

func (h *handlers) progress(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	progress, err := h.service.Progress(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (h *handlers) segments(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	segments, err := h.service.Segments(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, segments)
}

func (h *handlers) segment(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	segID, ok := uuidParam(c, "segment_id")
	if !ok {
		return
	}
	detail, err := h.service.Segment(c.Request.Context(), id, segID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *handlers) resultURL(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	segID, ok := uuidParam(c, "segment_id")
	if !ok {
		return
	}
	resultID, ok := uuidParam(c, "result_id")
	if !ok {
		return
	}
	url, err := h.service.ResultURL(c.Request.Context(), id, segID, resultID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (h *handlers) delete(c *gin.Context) {
	id, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	task, err := h.service.Delete(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, NewTaskView(task))
}

func (h *handlers) stats(c *gin.Context) {
	counts, err := h.service.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (h *handlers) stuck(c *gin.Context) {
	report, err := h.service.Stuck(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

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

package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const MaxRetries = 3

// GenerativeModel is the subset of genai.Models used by the classifier.
type GenerativeModel interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// QuotaAwareGenerativeAIModel wraps a model with a request rate limiter and
// bounded retries so callers stay inside the Vertex AI quota.
type QuotaAwareGenerativeAIModel struct {
	GenerativeContentConfig *genai.GenerateContentConfig
	ModelName               string
	ModelHandle             GenerativeModel
	RateLimit               *rate.Limiter
	RetryInterval           time.Duration // Initial backoff between failed calls.
}

// NewQuotaAwareModel allows requestsPerSecond calls per second with a burst
// of the same size.
func NewQuotaAwareModel(config *genai.GenerateContentConfig, name string, handle GenerativeModel, requestsPerSecond int) *QuotaAwareGenerativeAIModel {
	if requestsPerSecond < 1 {
		requestsPerSecond = 1
	}
	return &QuotaAwareGenerativeAIModel{
		GenerativeContentConfig: config,
		ModelName:               name,
		ModelHandle:             handle,
		RateLimit:               rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
		RetryInterval:           2 * time.Second,
	}
}

// GenerateContent waits for a rate limiter token before each attempt and
// retries failed calls with exponential backoff up to MaxRetries times.
func (q *QuotaAwareGenerativeAIModel) GenerateContent(ctx context.Context, contents []*genai.Content) (*genai.GenerateContentResponse, error) {
	var resp *genai.GenerateContentResponse
	attempt := 0
	operation := func() error {
		attempt++
		if err := q.RateLimit.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := q.ModelHandle.GenerateContent(ctx, q.ModelName, contents, q.GenerativeContentConfig)
		if err != nil {
			slog.WarnContext(ctx, "generate content failed", "model", q.ModelName, "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.RetryInterval
	b.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed generation after %d attempts: %w", attempt, err)
	}
	return resp, nil
}

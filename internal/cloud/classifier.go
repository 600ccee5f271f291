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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/genai"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
)

const classifierMeterName = "github.com/jaycherian/gcp-go-media-analysis/classifier"

// ErrEmptyResponse is returned when the model produced no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

// GeminiClassifier labels a frame by asking a multi-modal model to pick the
// best matching class from the label catalog.
type GeminiClassifier struct {
	model        *QuotaAwareGenerativeAIModel
	inputTokens  metric.Int64Counter
	outputTokens metric.Int64Counter
}

// NewGeminiClassifier wraps a rate limited model.
func NewGeminiClassifier(m *QuotaAwareGenerativeAIModel) *GeminiClassifier {
	meter := otel.Meter(classifierMeterName)
	in, _ := meter.Int64Counter("classifier.tokens.input")
	out, _ := meter.Int64Counter("classifier.tokens.output")
	return &GeminiClassifier{model: m, inputTokens: in, outputTokens: out}
}

// ClassificationSchema constrains the model output to a single class index and score.
var ClassificationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"class_index": {Type: genai.TypeInteger},
		"confidence":  {Type: genai.TypeNumber},
	},
	Required: []string{"class_index", "confidence"},
}

// BuildClassificationPrompt lists the catalog as "index: label" lines.
func BuildClassificationPrompt(catalog *model.LabelCatalog) string {
	var sb strings.Builder
	sb.WriteString("Classify the main object in this image. Choose exactly one class from the list below ")
	sb.WriteString("and answer with JSON of the form {\"class_index\": <index>, \"confidence\": <0..1>}.\n")
	for _, l := range catalog.Labels() {
		fmt.Fprintf(&sb, "%d: %s\n", l.Index, l.Name)
	}
	return sb.String()
}

// Classify sends the image inline together with the catalog prompt.
func (g *GeminiClassifier) Classify(ctx context.Context, image []byte, mimeType string, catalog *model.LabelCatalog) (*model.Classification, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{Data: image, MIMEType: mimeType}},
			{Text: BuildClassificationPrompt(catalog)},
		},
	}}
	resp, err := g.model.GenerateContent(ctx, contents)
	if err != nil {
		return nil, err
	}
	if resp.UsageMetadata != nil {
		g.inputTokens.Add(ctx, int64(resp.UsageMetadata.PromptTokenCount))
		g.outputTokens.Add(ctx, int64(resp.UsageMetadata.CandidatesTokenCount))
	}
	return ParseClassification(ResponseText(resp))
}

// ResponseText concatenates the text parts of every candidate and strips a
// markdown json fence if the model added one.
func ResponseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			sb.WriteString(part.Text)
		}
	}
	value := strings.TrimSpace(sb.String())
	value = strings.TrimPrefix(value, "```json")
	value = strings.TrimSuffix(value, "```")
	return strings.TrimSpace(value)
}

// ParseClassification decodes the model's JSON answer.
func ParseClassification(text string) (*model.Classification, error) {
	if text == "" {
		return nil, ErrEmptyResponse
	}
	var c model.Classification
	if err := json.Unmarshal([]byte(text), &c); err != nil {
		return nil, fmt.Errorf("failed to parse classification %q: %w", text, err)
	}
	c.Confidence = model.ClampConfidence(c.Confidence)
	return &c, nil
}

// StaticClassifier returns the same classification for every image. It backs
// the "static" driver used for local runs without model access.
type StaticClassifier struct {
	Result model.Classification
}

// Classify returns a copy of Result for any non-empty image.
func (s *StaticClassifier) Classify(_ context.Context, image []byte, _ string, _ *model.LabelCatalog) (*model.Classification, error) {
	if len(image) == 0 {
		return nil, errors.New("empty image")
	}
	out := s.Result
	return &out, nil
}

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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	credentials "cloud.google.com/go/iam/credentials/apiv1"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"google.golang.org/genai"

	"github.com/jaycherian/gcp-go-media-analysis/internal/blob"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue"
	"github.com/jaycherian/gcp-go-media-analysis/internal/queue/rabbitmq"
	entitystore "github.com/jaycherian/gcp-go-media-analysis/internal/storage"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/memory"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/postgres"
)

// Classifier labels one image against the catalog.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string, catalog *model.LabelCatalog) (*model.Classification, error)
}

// ResultExporter copies finished results to an analytics sink.
type ResultExporter interface {
	ExportResult(ctx context.Context, segment *model.Segment, result *model.Result) error
}

// BlobStore is a blob store that can also hand out signed read URLs.
type BlobStore interface {
	blob.Store
	blob.Signer
}

// ServiceClients holds every external connection of the process. The
// Google Cloud clients are only created for the drivers that need them and
// are nil otherwise.
type ServiceClients struct {
	Store      entitystore.Store
	Blobs      BlobStore
	Queue      queue.Queue
	Classifier Classifier
	Exporter   ResultExporter // nil unless BigQuery export is enabled.

	StorageClient  *storage.Client
	PubsubClient   *pubsub.Client
	GenAIClient    *genai.Client
	BiqQueryClient *bigquery.Client
	IAMClient      *credentials.IamCredentialsClient
	AgentModels    map[string]*QuotaAwareGenerativeAIModel
}

// Close releases every connection that was opened.
func (c *ServiceClients) Close() {
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			slog.Warn("failed to close queue", "error", err)
		}
	}
	if c.Store != nil {
		c.Store.Close()
	}
	if c.StorageClient != nil {
		_ = c.StorageClient.Close()
	}
	if c.PubsubClient != nil {
		_ = c.PubsubClient.Close()
	}
	if c.BiqQueryClient != nil {
		_ = c.BiqQueryClient.Close()
	}
	if c.IAMClient != nil {
		_ = c.IAMClient.Close()
	}
}

// NewServiceClients opens the store, blob store, broker and classifier
// selected by the configuration. On error every connection opened so far is
// closed.
func NewServiceClients(ctx context.Context, config *Config) (*ServiceClients, error) {
	c := &ServiceClients{AgentModels: make(map[string]*QuotaAwareGenerativeAIModel)}
	if err := c.init(ctx, config); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *ServiceClients) init(ctx context.Context, config *Config) (err error) {
	if c.Store, err = newStore(ctx, config); err != nil {
		return err
	}
	if err = c.initBlobs(ctx, config); err != nil {
		return err
	}
	if err = c.initQueue(ctx, config); err != nil {
		return err
	}
	if err = c.initClassifier(ctx, config); err != nil {
		return err
	}
	if config.BigQueryDataSource.Enabled {
		if c.BiqQueryClient, err = bigquery.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
			return fmt.Errorf("failed to create bigquery client: %w", err)
		}
		c.Exporter = NewBigQueryResultExporter(c.BiqQueryClient,
			config.BigQueryDataSource.DatasetName, config.BigQueryDataSource.ResultsTable)
	}
	return nil
}

func newStore(ctx context.Context, config *Config) (entitystore.Store, error) {
	switch config.Database.Driver {
	case "postgres":
		store, err := postgres.Connect(ctx, postgres.Config{
			URL:               config.Database.URL,
			MinConns:          config.Database.MinConns,
			MaxConns:          config.Database.MaxConns,
			ConnectMaxElapsed: seconds(config.Database.ConnectTimeoutSeconds),
			RunMigrations:     config.Database.RunMigrations,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case "memory":
		slog.WarnContext(ctx, "using the in-memory entity store; state is lost on exit")
		return memory.NewStore(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", config.Database.Driver)
}

func (c *ServiceClients) initBlobs(ctx context.Context, config *Config) (err error) {
	switch config.Blob.Driver {
	case "gcs":
		if c.StorageClient, err = storage.NewClient(ctx); err != nil {
			return fmt.Errorf("failed to create storage client: %w", err)
		}
		if config.Application.SignerServiceAccountEmail != "" {
			if c.IAMClient, err = credentials.NewIamCredentialsClient(ctx); err != nil {
				return fmt.Errorf("failed to create iam credentials client: %w", err)
			}
		}
		c.Blobs = NewGCSBlobStore(c.StorageClient, config.Blob.Bucket, c.IAMClient, config.Application.SignerServiceAccountEmail)
	case "memory":
		c.Blobs = blob.NewMemoryStore()
	default:
		return fmt.Errorf("unknown blob driver %q", config.Blob.Driver)
	}
	return nil
}

func (c *ServiceClients) initQueue(ctx context.Context, config *Config) (err error) {
	switch config.Broker.Driver {
	case "rabbitmq":
		q, err := rabbitmq.Dial(ctx, rabbitmq.Config{
			URL:             config.Broker.URL,
			DialMaxElapsed:  seconds(config.Broker.DialTimeoutSeconds),
			RequeueDelay:    time.Duration(config.Broker.RequeueDelayMillis) * time.Millisecond,
			MaxRequeueDelay: seconds(config.Broker.MaxRequeueDelaySeconds),
		})
		if err != nil {
			return err
		}
		c.Queue = q
	case "pubsub":
		if c.PubsubClient, err = pubsub.NewClient(ctx, config.Application.GoogleProjectId); err != nil {
			return fmt.Errorf("failed to create pubsub client: %w", err)
		}
		c.Queue = NewPubSubQueue(c.PubsubClient)
	case "memory":
		c.Queue = queue.NewMemory()
	default:
		return fmt.Errorf("unknown broker driver %q", config.Broker.Driver)
	}
	return nil
}

func (c *ServiceClients) initClassifier(ctx context.Context, config *Config) (err error) {
	switch config.Classifier.Driver {
	case "static":
		c.Classifier = &StaticClassifier{}
		return nil
	case "gemini":
	default:
		return fmt.Errorf("unknown classifier driver %q", config.Classifier.Driver)
	}

	c.GenAIClient, err = genai.NewClient(ctx, &genai.ClientConfig{
		Project:  config.Application.GoogleProjectId,
		Location: config.Application.GoogleLocation,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return fmt.Errorf("failed to create genai client: %w", err)
	}
	for key, values := range config.AgentModels {
		c.AgentModels[key] = NewQuotaAwareModel(NewGenerateContentConfig(values), values.Model, c.GenAIClient.Models, values.RateLimit)
	}
	agent, ok := c.AgentModels[config.Classifier.Agent]
	if !ok {
		return errors.New("classifier agent is not configured")
	}
	c.Classifier = NewGeminiClassifier(agent)
	return nil
}

// NewGenerateContentConfig turns an agent model section into a request
// configuration. A JSON output format also pins the classification schema.
func NewGenerateContentConfig(values VertexAiLLMModel) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](values.Temperature),
		TopP:             genai.Ptr[float32](values.TopP),
		TopK:             genai.Ptr[float32](values.TopK),
		MaxOutputTokens:  values.MaxTokens,
		SafetySettings:   DefaultSafetySettings,
		ResponseMIMEType: values.OutputFormat,
	}
	if values.SystemInstructions != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: values.SystemInstructions}}}
	}
	if values.OutputFormat == "application/json" {
		cfg.ResponseSchema = ClassificationSchema
	}
	return cfg
}

// SignedURLTTLOrDefault bounds the lifetime of result URLs.
func SignedURLTTLOrDefault(config *Config) time.Duration {
	if ttl := config.SignedURLTTL(); ttl > 0 {
		return ttl
	}
	return 15 * time.Minute
}

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

// Package cloud holds the process configuration, the ServiceClients
// dependency container and the Google Cloud adapters behind the pipeline's
// blob store, work queue and classifier interfaces.
package cloud

import (
	"time"

	"google.golang.org/genai"
)

// DefaultSafetySettings disables content blocking for frame classification.
var DefaultSafetySettings = []*genai.SafetySetting{
	{
		Category:  genai.HarmCategoryDangerousContent,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHarassment,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategoryHateSpeech,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
	{
		Category:  genai.HarmCategorySexuallyExplicit,
		Threshold: genai.HarmBlockThresholdBlockNone,
	},
}

// Database selects and configures the relational store.
type Database struct {
	Driver                string `toml:"driver" validate:"oneof=postgres memory"`
	URL                   string `toml:"url" validate:"required_if=Driver postgres"`
	MinConns              int32  `toml:"min_conns" validate:"gte=0"`
	MaxConns              int32  `toml:"max_conns" validate:"gte=0"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds" validate:"gte=0"` // Upper bound on connect retries.
	RunMigrations         bool   `toml:"run_migrations"`
}

// Blob selects the blob store and the lifetime of signed result URLs.
type Blob struct {
	Driver              string `toml:"driver" validate:"oneof=gcs memory"`
	Bucket              string `toml:"bucket" validate:"required_if=Driver gcs"`
	SignedURLTTLSeconds int    `toml:"signed_url_ttl_seconds" validate:"gte=0"`
}

// Broker selects the message broker.
type Broker struct {
	Driver             string `toml:"driver" validate:"oneof=rabbitmq pubsub memory"`
	URL                string `toml:"url" validate:"required_if=Driver rabbitmq"` // AMQP URL for rabbitmq.
	DialTimeoutSeconds int    `toml:"dial_timeout_seconds" validate:"gte=0"`

	RequeueDelayMillis     int `toml:"requeue_delay_millis" validate:"gte=0"`      // First wait before a failed delivery is requeued.
	MaxRequeueDelaySeconds int `toml:"max_requeue_delay_seconds" validate:"gte=0"` // Cap of the requeue wait.
}

// QueueSpec describes one stage queue.
type QueueSpec struct {
	Name        string `toml:"name" validate:"required"`
	MaxPriority uint8  `toml:"max_priority" validate:"lte=255"`
	Priority    uint8  `toml:"priority"`                    // Priority of messages published to this queue.
	Concurrency int    `toml:"concurrency" validate:"gte=1"` // Worker slots per process.
}

// Queues holds the three stage queues.
type Queues struct {
	Split          QueueSpec `toml:"split"`
	Extraction     QueueSpec `toml:"extraction"`
	Classification QueueSpec `toml:"classification"`
}

// Pipeline holds the stage behavior shared by every worker.
type Pipeline struct {
	ExtractionMode          string  `toml:"extraction_mode" validate:"oneof=inline deferred"`
	ExportSegmentClips      bool    `toml:"export_segment_clips"`
	UploadParallelism       int     `toml:"upload_parallelism" validate:"gte=1"`
	ClassificationThreshold float64 `toml:"classification_threshold" validate:"gte=0,lte=1"`
	StuckAfterSeconds       int     `toml:"stuck_after_seconds" validate:"gt=0"`
	MonitorIntervalSeconds  int     `toml:"monitor_interval_seconds" validate:"gt=0"`
	LabelFile               string  `toml:"label_file"` // Imported at startup when set.
}

// FFmpeg configures the media tools.
type FFmpeg struct {
	Path           string  `toml:"path"`
	ProbePath      string  `toml:"probe_path"`
	SceneThreshold float64 `toml:"scene_threshold" validate:"gt=0,lte=1"`
	DetectGPU      bool    `toml:"detect_gpu"`
	FontFile       string  `toml:"font_file"`
	FontSize       int     `toml:"font_size" validate:"gte=0"`
}

// Cleanup configures the deletion coordinator: claim size, lease and retry
// policy of a deletion event.
type Cleanup struct {
	BatchSize            int `toml:"batch_size" validate:"gte=1"`
	LeaseSeconds         int `toml:"lease_seconds" validate:"gt=0"`
	PollIntervalSeconds  int `toml:"poll_interval_seconds" validate:"gt=0"`
	MaxAttempts          int `toml:"max_attempts" validate:"gte=1"`
	InitialBackoffMillis int `toml:"initial_backoff_millis" validate:"gt=0"`
	MaxBackoffSeconds    int `toml:"max_backoff_seconds" validate:"gt=0"`
}

// ClassifierConfig selects the image classifier. The gemini driver reads its
// model settings from AgentModels[Agent].
type ClassifierConfig struct {
	Driver string `toml:"driver" validate:"oneof=gemini static"`
	Agent  string `toml:"agent"` // Key into AgentModels for the gemini driver.
}

// VertexAiLLMModel represents the configuration for a Vertex AI large language model (LLM).
type VertexAiLLMModel struct {
	Model              string  `toml:"model"`
	SystemInstructions string  `toml:"system_instructions"`
	Temperature        float32 `toml:"temperature"`
	TopP               float32 `toml:"top_p"`
	TopK               float32 `toml:"top_k"`
	MaxTokens          int32   `toml:"max_tokens"`
	OutputFormat       string  `toml:"output_format"`
	RateLimit          int     `toml:"rate_limit"` // Requests per second.
}

// BigQueryDataSource configures the optional analytics copy of results.
type BigQueryDataSource struct {
	Enabled      bool   `toml:"enabled"`
	DatasetName  string `toml:"dataset" validate:"required_if=Enabled true"`
	ResultsTable string `toml:"results_table" validate:"required_if=Enabled true"`
}

// Telemetry configures the trace and metric exporters and the logger.
type Telemetry struct {
	Exporter     string `toml:"exporter" validate:"oneof=gcp otlp none"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	LogFile      string `toml:"log_file"` // Empty writes to stdout only.
	LogLevel     string `toml:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// Config represents the overall configuration for the application, loaded from TOML files.
type Config struct {
	Application struct {
		Name                      string `toml:"name" validate:"required"`
		GoogleProjectId           string `toml:"google_project_id"`
		GoogleLocation            string `toml:"location"`
		SignerServiceAccountEmail string `toml:"signer_service_account_email"` // Signs result URLs through IAM.
		Port                      string `toml:"port"`
	} `toml:"application"`
	Database           Database                    `toml:"database"`
	Blob               Blob                        `toml:"blob"`
	Broker             Broker                      `toml:"broker"`
	Queues             Queues                      `toml:"queues"`
	Pipeline           Pipeline                    `toml:"pipeline"`
	FFmpeg             FFmpeg                      `toml:"ffmpeg"`
	Cleanup            Cleanup                     `toml:"cleanup"`
	Classifier         ClassifierConfig            `toml:"classifier"`
	AgentModels        map[string]VertexAiLLMModel `toml:"agent_models"`
	BigQueryDataSource BigQueryDataSource          `toml:"big_query_data_source"`
	Telemetry          Telemetry                   `toml:"telemetry"`
}

// NewConfig returns a configuration holding the defaults that the TOML files
// override.
func NewConfig() *Config {
	c := &Config{
		Database: Database{Driver: "memory", MaxConns: 10, ConnectTimeoutSeconds: 60, RunMigrations: true},
		Blob:     Blob{Driver: "memory", SignedURLTTLSeconds: 900},
		Broker:   Broker{Driver: "memory", DialTimeoutSeconds: 60, RequeueDelayMillis: 500, MaxRequeueDelaySeconds: 30},
		Queues: Queues{
			Split:          QueueSpec{Name: "video_processing_queue", MaxPriority: 10, Concurrency: 1},
			Extraction:     QueueSpec{Name: "extraction_queue", MaxPriority: 10, Concurrency: 2},
			Classification: QueueSpec{Name: "recognition_queue", MaxPriority: 10, Concurrency: 4},
		},
		Pipeline: Pipeline{
			ExtractionMode:          "inline",
			UploadParallelism:       4,
			ClassificationThreshold: 0.8,
			StuckAfterSeconds:       900,
			MonitorIntervalSeconds:  60,
		},
		FFmpeg: FFmpeg{SceneThreshold: 0.1, DetectGPU: true, FontSize: 24},
		Cleanup: Cleanup{
			BatchSize:            32,
			LeaseSeconds:         60,
			PollIntervalSeconds:  30,
			MaxAttempts:          8,
			InitialBackoffMillis: 500,
			MaxBackoffSeconds:    300,
		},
		Classifier:  ClassifierConfig{Driver: "static"},
		AgentModels: make(map[string]VertexAiLLMModel),
		Telemetry:   Telemetry{Exporter: "none", LogLevel: "info"},
	}
	c.Application.Name = "media-analysis"
	c.Application.Port = "8080"
	return c
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// StuckAfter is how long a task or segment may stay in processing.
func (c *Config) StuckAfter() time.Duration      { return seconds(c.Pipeline.StuckAfterSeconds) }
// MonitorInterval is the time between two stuck reports.
func (c *Config) MonitorInterval() time.Duration { return seconds(c.Pipeline.MonitorIntervalSeconds) }
// SignedURLTTL is the lifetime of a signed result URL.
func (c *Config) SignedURLTTL() time.Duration    { return seconds(c.Blob.SignedURLTTLSeconds) }
// CleanupLease is how long a claimed deletion event is hidden from other
// coordinators.
func (c *Config) CleanupLease() time.Duration    { return seconds(c.Cleanup.LeaseSeconds) }
// CleanupPoll is the deletion log poll interval.
func (c *Config) CleanupPoll() time.Duration     { return seconds(c.Cleanup.PollIntervalSeconds) }

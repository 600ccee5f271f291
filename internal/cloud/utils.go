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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	ConfigFileBaseName  = ".env"
	ConfigFileExtension = ".toml"
	ConfigSeparator     = "."
	EnvConfigFilePrefix = "GCP_CONFIG_PREFIX" // Directory holding the configuration files.
	EnvConfigRuntime    = "GCP_RUNTIME"       // Selects .env.<runtime>.toml, e.g. "local", "test", "prod".

	EnvDatabaseURL = "DATABASE_URL"
	EnvRabbitMQURL = "RABBITMQ_URL"
	EnvProjectID   = "GCP_PROJECT_ID"
	EnvBlobBucket  = "BLOB_BUCKET"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func fileExists(in string) bool {
	_, err := os.Stat(in)
	return !errors.Is(err, os.ErrNotExist)
}

// ConfigFiles returns the base and runtime specific configuration file names.
func ConfigFiles() (base, runtime string) {
	prefix := os.Getenv(EnvConfigFilePrefix)
	if len(prefix) > 0 && !strings.HasSuffix(prefix, string(os.PathSeparator)) {
		prefix = prefix + string(os.PathSeparator)
	}
	env := os.Getenv(EnvConfigRuntime)
	if env == "" {
		env = "test"
	}
	base = prefix + ConfigFileBaseName + ConfigFileExtension
	runtime = prefix + ConfigFileBaseName + ConfigSeparator + env + ConfigFileExtension
	return base, runtime
}

// LoadConfig decodes the base configuration file and then the runtime file
// on top of config, applies environment overrides and validates the result.
// Missing files are skipped.
func LoadConfig(config *Config) error {
	base, runtime := ConfigFiles()
	for _, name := range []string{base, runtime} {
		if !fileExists(name) {
			slog.Debug("configuration file not found", "file", name)
			continue
		}
		if _, err := toml.DecodeFile(name, config); err != nil {
			return fmt.Errorf("failed to decode configuration file %s: %w", name, err)
		}
		slog.Info("loaded configuration file", "file", name)
	}
	ApplyEnvOverrides(config)
	return ValidateConfig(config)
}

// DefaultEnv sets the configuration directory and runtime for variables the
// environment leaves unset.
func DefaultEnv(prefix, runtime string) error {
	if os.Getenv(EnvConfigFilePrefix) == "" {
		if err := os.Setenv(EnvConfigFilePrefix, prefix); err != nil {
			return err
		}
	}
	if os.Getenv(EnvConfigRuntime) == "" {
		return os.Setenv(EnvConfigRuntime, runtime)
	}
	return nil
}

// ApplyEnvOverrides replaces connection settings with values from the
// environment when they are set.
func ApplyEnvOverrides(config *Config) {
	if v := os.Getenv(EnvDatabaseURL); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv(EnvRabbitMQURL); v != "" {
		config.Broker.URL = v
	}
	if v := os.Getenv(EnvProjectID); v != "" {
		config.Application.GoogleProjectId = v
	}
	if v := os.Getenv(EnvBlobBucket); v != "" {
		config.Blob.Bucket = v
	}
}

// ValidateConfig checks the struct tags and the cross field rules the tags
// cannot express.
func ValidateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	needsProject := config.Broker.Driver == "pubsub" || config.Blob.Driver == "gcs" ||
		config.Classifier.Driver == "gemini" || config.BigQueryDataSource.Enabled
	if needsProject && config.Application.GoogleProjectId == "" {
		return errors.New("invalid configuration: google_project_id is required for Google Cloud drivers")
	}
	if config.Classifier.Driver == "gemini" {
		if _, ok := config.AgentModels[config.Classifier.Agent]; !ok {
			return fmt.Errorf("invalid configuration: classifier agent %q is not defined in agent_models", config.Classifier.Agent)
		}
	}
	return nil
}

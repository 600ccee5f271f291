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

// Package main runs the HTTP ingress of the media analysis pipeline and,
// unless disabled with -stages none, the stage listeners in the same process.
package main

import (
	"fmt"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
)

// SetupOS points the configuration loader at the configs directory unless
// the environment already selects one. The runtime defaults to "local".
func SetupOS() error {
	return cloud.DefaultEnv("configs", "local")
}

// GetConfig loads .env.toml and the runtime override on top of the defaults.
func GetConfig() (*cloud.Config, error) {
	if err := SetupOS(); err != nil {
		return nil, fmt.Errorf("failed to setup environment: %w", err)
	}
	config := cloud.NewConfig()
	if err := cloud.LoadConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

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

// Package main runs pipeline consumers without the HTTP ingress, so each
// stage can be scaled on its own. With -import-labels it merges a label file
// into the catalog and exits.
//
//	worker -stages split,cleanup
//	worker -stages extraction,classification,monitor
//	worker -import-labels configs/labels.json
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/telemetry"
)

func main() {
	stagesFlag := flag.String("stages", "all", "comma separated consumers (split, extraction, classification, cleanup, monitor) or \"all\"")
	labelFile := flag.String("import-labels", "", "merge this label file into the catalog and exit")
	flag.Parse()

	stages, err := workflow.ParseStages(*stagesFlag)
	if err != nil {
		log.Fatal(err)
	}

	if err := cloud.DefaultEnv("configs", "local"); err != nil {
		log.Fatalf("failed to setup environment: %v", err)
	}
	config := cloud.NewConfig()
	if err := cloud.LoadConfig(config); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	closeLog, err := telemetry.SetupLogging(config)
	if err != nil {
		log.Fatalf("failed to setup logging: %v", err)
	}
	defer func() { _ = closeLog() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTelemetry, err := telemetry.SetupOpenTelemetry(ctx, config)
	if err != nil {
		slog.Error("failed to setup OpenTelemetry", "error", err)
		return
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	clients, err := cloud.NewServiceClients(ctx, config)
	if err != nil {
		slog.Error("failed to create service clients", "error", err)
		return
	}
	defer clients.Close()

	if err := workflow.DeclareQueues(ctx, config, clients.Queue); err != nil {
		slog.Error("failed to declare queues", "error", err)
		return
	}

	if *labelFile != "" {
		added, err := workflow.ImportLabels(ctx, clients.Store, *labelFile)
		if err != nil {
			slog.Error("failed to import labels", "file", *labelFile, "error", err)
			return
		}
		slog.Info("label import finished", "added", added)
		return
	}
	if config.Pipeline.LabelFile != "" {
		if _, err := workflow.ImportLabels(ctx, clients.Store, config.Pipeline.LabelFile); err != nil {
			slog.Error("failed to import labels", "file", config.Pipeline.LabelFile, "error", err)
			return
		}
	}

	slog.Info("worker starting", "stages", stages)
	if err := workflow.RunBackground(ctx, config, clients, stages); err != nil {
		slog.Error("worker stopped", "error", err)
		return
	}
	slog.Info("worker exiting")
}

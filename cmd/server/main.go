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

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jaycherian/gcp-go-media-analysis/internal/api"
	"github.com/jaycherian/gcp-go-media-analysis/internal/cloud"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/services"
	"github.com/jaycherian/gcp-go-media-analysis/internal/core/workflow"
	"github.com/jaycherian/gcp-go-media-analysis/internal/telemetry"
)

func main() {
	stagesFlag := flag.String("stages", "all", "comma separated consumers to run in process (split, extraction, classification, cleanup, monitor), \"all\" or \"none\"")
	flag.Parse()

	stages, err := workflow.ParseStages(*stagesFlag)
	if err != nil {
		log.Fatal(err)
	}

	config, err := GetConfig()
	if err != nil {
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
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

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
	if config.Pipeline.LabelFile != "" {
		if _, err := workflow.ImportLabels(ctx, clients.Store, config.Pipeline.LabelFile); err != nil {
			slog.Error("failed to import labels", "error", err)
			return
		}
	}

	if len(stages) > 0 {
		SetupListeners(ctx, cancel, config, clients, stages)
	}

	service := services.NewAnalysisService(config, clients)
	srv := &http.Server{
		Addr:         ":" + config.Application.Port,
		Handler:      api.NewRouter(config.Application.Name, service),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("failed to listen", "error", err)
			cancel()
		}
	}()
	slog.Info("server ready", "port", config.Application.Port, "stages", stages)

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
}

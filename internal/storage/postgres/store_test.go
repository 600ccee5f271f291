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

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jaycherian/gcp-go-media-analysis/internal/core/model"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/postgres"
	"github.com/jaycherian/gcp-go-media-analysis/internal/storage/storetest"
)

// setupTestContainer starts postgres, applies the embedded migrations and
// returns the connected store.
func setupTestContainer(t *testing.T) (*postgres.Store, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(time.Minute),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := postgres.Connect(ctx, postgres.Config{
		URL:               fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxConns:          8,
		ConnectMaxElapsed: 30 * time.Second,
		RunMigrations:     true,
	})
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		_ = container.Terminate(ctx)
	}
	return store, cleanup
}

func truncate(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(),
		"TRUNCATE entity_deletions, recognition_results, task_segments, tasks, labels_map RESTART IDENTITY CASCADE")
	require.NoError(t, err)
}

func TestStore(t *testing.T) {
	store, cleanup := setupTestContainer(t)
	defer cleanup()

	storetest.Run(t, func(t *testing.T) storage.Store {
		truncate(t, store.Pool())
		return store
	})

	t.Run("MigrateIsIdempotent", func(t *testing.T) {
		assert.NoError(t, postgres.Migrate(store.Pool()))
	})

	t.Run("WatchDeletionsReceivesTriggerNotifications", func(t *testing.T) {
		truncate(t, store.Pool())
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := store.WatchDeletions(ctx)
		require.NoError(t, err)

		task := model.NewTask(model.MediaPhoto, "cat.jpg", nil)
		require.NoError(t, store.CreateTask(ctx, task))
		_, err = store.DeleteTask(ctx, task.ID)
		require.NoError(t, err)

		select {
		case <-events:
		case <-time.After(10 * time.Second):
			t.Fatal("no notification received from the deletion trigger")
		}
	})
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdesk-ai/backdesk/internal/config"
)

func testAppConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	registry := filepath.Join(dir, "tools.yaml")
	require.NoError(t, os.WriteFile(registry, []byte(`
tools:
  - name: crm_lookup
    description: Look up a customer record
    risk_level: read
    permissions: [crm:read]
    builtin: true
`), 0o600))

	cfgFile := filepath.Join(dir, "backdesk.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
storage:
  backend: memory
provider:
  api_key: test-key
catalog:
  path: `+registry+`
credentials:
  backend: env
`), 0o600))

	cfg, err := config.Load(cfgFile)
	require.NoError(t, err)
	return cfg
}

func TestWireApp(t *testing.T) {
	cfg := testAppConfig(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()

	app, err := wireApp(cfg, logger, reg, reg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	assert.NotNil(t, app.Server)
	assert.NotNil(t, app.Gate)
	assert.NotNil(t, app.Catalog)

	_, ok := app.Catalog.Snapshot().Lookup("crm_lookup")
	assert.True(t, ok)
}

func TestWireApp_MissingAPIKey(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Provider.APIKey = ""
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()

	_, err := wireApp(cfg, logger, reg, reg)
	assert.Error(t, err)
}

func TestWireApp_MissingRegistry(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Catalog.Path = "/nonexistent/tools.yaml"
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()

	_, err := wireApp(cfg, logger, reg, reg)
	assert.Error(t, err)
}

func TestApp_GracefulShutdown(t *testing.T) {
	cfg := testAppConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := prometheus.NewRegistry()

	app, err := wireApp(cfg, logger, reg, reg)
	require.NoError(t, err)
	defer func() { _ = app.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Start and let the deadline cancel it; should shut down cleanly.
	err = app.Start(ctx)
	assert.NoError(t, err)
}

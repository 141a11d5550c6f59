// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backdesk-ai/backdesk/internal/config"
)

func TestLoad_DefaultValues(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:18710", cfg.Server.Listen)
	assert.Equal(t, "standard", cfg.Models.DefaultTier)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Models.Tiers["standard"])
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 1536, cfg.Storage.VectorDimensions)
	assert.Equal(t, 300*time.Second, cfg.Confirmations.TTL)
	assert.Equal(t, 10, cfg.Turn.MaxToolCalls)
	assert.Equal(t, 2*time.Second, cfg.Enrichment.SourceTimeout)
	assert.Equal(t, "chain", cfg.Credentials.Backend)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "backdesk.yaml")

	content := `
server:
  listen: "0.0.0.0:9999"
models:
  default_tier: quick
  tiers:
    quick: "claude-haiku-4-5"
confirmations:
  ttl: 120s
permissions:
  users:
    alice: [ops]
  roles:
    ops: ["crm:read", "crm:write"]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Server.Listen)
	assert.Equal(t, "quick", cfg.Models.DefaultTier)
	assert.Equal(t, 120*time.Second, cfg.Confirmations.TTL)
	assert.Equal(t, []string{"ops"}, cfg.Permissions.Users["alice"])
	assert.Equal(t, []string{"crm:read", "crm:write"}, cfg.Permissions.Roles["ops"])
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("BACKDESK_SERVER_LISTEN", "10.0.0.1:8080")
	t.Setenv("BACKDESK_LOGGING_LEVEL", "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:8080", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_ValidationCalledAtLoadTime(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "backdesk.yaml")

	content := `
storage:
  backend: "postgres"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	_, err := config.Load(cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

// validConfig returns a config that passes all validation.
func validConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: "127.0.0.1:18710"},
		Models: config.ModelsConfig{
			Tiers:               map[string]string{"standard": "claude-sonnet-4-5"},
			DefaultTier:         "standard",
			ConfidenceThreshold: 0.4,
		},
		Storage: config.StorageConfig{
			Backend:          "sqlite",
			Path:             "backdesk.db",
			VectorDimensions: 1536,
		},
		Confirmations: config.ConfirmationsConfig{
			TTL:           300 * time.Second,
			SweepInterval: 10 * time.Second,
		},
		Turn: config.TurnConfig{MaxToolCalls: 10},
		Enrichment: config.EnrichmentConfig{
			SourceTimeout:  2 * time.Second,
			TraversalDepth: 2,
			ChunkLimit:     8,
			MemoryLimit:    5,
		},
		Credentials: config.CredentialsConfig{Backend: "chain", Service: "backdesk"},
		Logging:     config.LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate_Valid(t *testing.T) {
	assert.Empty(t, validConfig().Validate())
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Listen = "not-an-address"
	cfg.Storage.Backend = "postgres"
	cfg.Turn.MaxToolCalls = 0
	cfg.Logging.Level = "loud"

	errs := cfg.Validate()
	require.Len(t, errs, 4)
}

func TestValidate_Fields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantMsg string
	}{
		{
			name:    "default tier without model",
			mutate:  func(c *config.Config) { c.Models.DefaultTier = "reasoning" },
			wantMsg: "models.default_tier",
		},
		{
			name:    "unknown tier key",
			mutate:  func(c *config.Config) { c.Models.Tiers["turbo"] = "m" },
			wantMsg: "models.tiers",
		},
		{
			name:    "confidence threshold out of range",
			mutate:  func(c *config.Config) { c.Models.ConfidenceThreshold = 1.5 },
			wantMsg: "confidence_threshold",
		},
		{
			name: "sqlite backend without path",
			mutate: func(c *config.Config) {
				c.Storage.Path = ""
			},
			wantMsg: "storage.path",
		},
		{
			name:    "non-positive vector dimensions",
			mutate:  func(c *config.Config) { c.Storage.VectorDimensions = 0 },
			wantMsg: "vector_dimensions",
		},
		{
			name:    "non-positive ttl",
			mutate:  func(c *config.Config) { c.Confirmations.TTL = 0 },
			wantMsg: "confirmations.ttl",
		},
		{
			name:    "tool budget too large",
			mutate:  func(c *config.Config) { c.Turn.MaxToolCalls = 500 },
			wantMsg: "turn.max_tool_calls",
		},
		{
			name:    "non-positive source timeout",
			mutate:  func(c *config.Config) { c.Enrichment.SourceTimeout = 0 },
			wantMsg: "enrichment.source_timeout",
		},
		{
			name:    "unknown credential backend",
			mutate:  func(c *config.Config) { c.Credentials.Backend = "vault" },
			wantMsg: "credentials.backend",
		},
		{
			name:    "unknown log format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantMsg: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			errs := cfg.Validate()
			require.NotEmpty(t, errs)
			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.wantMsg) {
					found = true
				}
			}
			assert.True(t, found, "expected an error mentioning %q, got %v", tt.wantMsg, errs)
		})
	}
}

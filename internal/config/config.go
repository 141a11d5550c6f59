// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package config loads and validates the Backdesk configuration from file,
// environment, and defaults.
package config

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Config is the top-level Backdesk configuration.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Models        ModelsConfig        `mapstructure:"models"`
	Provider      ProviderConfig      `mapstructure:"provider"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Catalog       CatalogConfig       `mapstructure:"catalog"`
	Confirmations ConfirmationsConfig `mapstructure:"confirmations"`
	Turn          TurnConfig          `mapstructure:"turn"`
	Enrichment    EnrichmentConfig    `mapstructure:"enrichment"`
	Credentials   CredentialsConfig   `mapstructure:"credentials"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Permissions   PermissionsConfig   `mapstructure:"permissions"`
}

// ServerConfig controls how the HTTP server listens.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// ModelsConfig maps routing tiers to backing models.
type ModelsConfig struct {
	Tiers               map[string]string `mapstructure:"tiers"`
	DefaultTier         string            `mapstructure:"default_tier"`
	ConfidenceThreshold float64           `mapstructure:"confidence_threshold"`
}

// ProviderConfig holds credentials and endpoint for the LLM provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// StorageConfig selects and locates the storage backend.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	Path             string `mapstructure:"path"`
	VectorDimensions int    `mapstructure:"vector_dimensions"`
}

// CatalogConfig locates the tool catalog file.
type CatalogConfig struct {
	Path            string        `mapstructure:"path"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// ConfirmationsConfig tunes the approval gate.
type ConfirmationsConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TurnConfig tunes the turn pipeline.
type TurnConfig struct {
	MaxToolCalls int    `mapstructure:"max_tool_calls"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// EnrichmentConfig tunes context retrieval.
type EnrichmentConfig struct {
	SourceTimeout  time.Duration `mapstructure:"source_timeout"`
	TraversalDepth int           `mapstructure:"traversal_depth"`
	ChunkLimit     int           `mapstructure:"chunk_limit"`
	MemoryLimit    int           `mapstructure:"memory_limit"`
}

// CredentialsConfig selects where tool credentials come from.
type CredentialsConfig struct {
	Backend string `mapstructure:"backend"`
	Service string `mapstructure:"service"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PermissionsConfig maps users to roles and roles to tool permissions.
type PermissionsConfig struct {
	Users map[string][]string `mapstructure:"users"`
	Roles map[string][]string `mapstructure:"roles"`
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix BACKDESK_).
func Load(path string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.listen", "127.0.0.1:18710")
	v.SetDefault("server.cors_origins", []string{"http://localhost:5173"})
	v.SetDefault("models.tiers", map[string]string{
		"quick":     "claude-haiku-4-5",
		"standard":  "claude-sonnet-4-5",
		"reasoning": "claude-opus-4-1",
	})
	v.SetDefault("models.default_tier", "standard")
	v.SetDefault("models.confidence_threshold", 0.4)
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "backdesk.db")
	v.SetDefault("storage.vector_dimensions", 1536)
	v.SetDefault("catalog.path", "tools.yaml")
	v.SetDefault("catalog.refresh_interval", "30s")
	v.SetDefault("confirmations.ttl", "300s")
	v.SetDefault("confirmations.sweep_interval", "10s")
	v.SetDefault("turn.max_tool_calls", 10)
	v.SetDefault("enrichment.source_timeout", "2s")
	v.SetDefault("enrichment.traversal_depth", 2)
	v.SetDefault("enrichment.chunk_limit", 8)
	v.SetDefault("enrichment.memory_limit", 5)
	v.SetDefault("credentials.backend", "chain")
	v.SetDefault("credentials.service", "backdesk")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Environment
	v.SetEnvPrefix("BACKDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// File
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, bderr.Errorf(bderr.CodeConfigLoadReadFailure, "reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, bderr.Errorf(bderr.CodeConfigValidateInvalidValue, "unmarshalling config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, bderr.Errorf(bderr.CodeConfigValidateInvalidValue, "validating config: %w", errors.Join(errs...))
	}

	return &cfg, nil
}

// Validate checks the configuration for logical errors. It returns all
// validation errors found, collecting issues rather than stopping at the
// first one.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateServer()...)
	errs = append(errs, c.validateModels()...)
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateConfirmations()...)
	errs = append(errs, c.validateTurn()...)
	errs = append(errs, c.validateEnrichment()...)
	errs = append(errs, c.validateCredentials()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue, "config: server.listen must not be empty"))
		return errs
	}
	_, portStr, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: server.listen must be a valid host:port address, got %q: %w",
			c.Server.Listen, err,
		))
		return errs
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be a number, got %q", portStr))
	} else if port < 1 || port > 65535 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: server.listen port must be between 1 and 65535, got %d", port))
	}

	return errs
}

func (c *Config) validateModels() []error {
	var errs []error

	if c.Models.DefaultTier == "" {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue, "config: models.default_tier must not be empty"))
	} else if _, ok := c.Models.Tiers[c.Models.DefaultTier]; !ok {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: models.default_tier %q has no model in models.tiers", c.Models.DefaultTier))
	}

	validTiers := map[string]bool{"quick": true, "standard": true, "reasoning": true}
	for tier, model := range c.Models.Tiers {
		if !validTiers[tier] {
			errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
				"config: models.tiers key must be one of [quick, standard, reasoning], got %q", tier))
		}
		if model == "" {
			errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
				"config: models.tiers[%s] must not be empty", tier))
		}
	}

	if c.Models.ConfidenceThreshold <= 0 || c.Models.ConfidenceThreshold > 1 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: models.confidence_threshold must be in (0, 1], got %g", c.Models.ConfidenceThreshold))
	}

	return errs
}

func (c *Config) validateStorage() []error {
	var errs []error

	validBackends := map[string]bool{"sqlite": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: storage.backend must be one of [sqlite, memory], got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: storage.path must not be empty for the sqlite backend"))
	}
	if c.Storage.VectorDimensions <= 0 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: storage.vector_dimensions must be greater than 0, got %d", c.Storage.VectorDimensions))
	}

	return errs
}

func (c *Config) validateConfirmations() []error {
	var errs []error

	if c.Confirmations.TTL <= 0 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: confirmations.ttl must be greater than 0, got %s", c.Confirmations.TTL))
	}
	if c.Confirmations.SweepInterval <= 0 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: confirmations.sweep_interval must be greater than 0, got %s", c.Confirmations.SweepInterval))
	}

	return errs
}

func (c *Config) validateTurn() []error {
	var errs []error

	if c.Turn.MaxToolCalls < 1 || c.Turn.MaxToolCalls > 100 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: turn.max_tool_calls must be between 1 and 100, got %d", c.Turn.MaxToolCalls))
	}

	return errs
}

func (c *Config) validateEnrichment() []error {
	var errs []error

	if c.Enrichment.SourceTimeout <= 0 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: enrichment.source_timeout must be greater than 0, got %s", c.Enrichment.SourceTimeout))
	}
	if c.Enrichment.TraversalDepth < 1 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: enrichment.traversal_depth must be at least 1, got %d", c.Enrichment.TraversalDepth))
	}
	if c.Enrichment.ChunkLimit < 1 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: enrichment.chunk_limit must be at least 1, got %d", c.Enrichment.ChunkLimit))
	}
	if c.Enrichment.MemoryLimit < 1 {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: enrichment.memory_limit must be at least 1, got %d", c.Enrichment.MemoryLimit))
	}

	return errs
}

func (c *Config) validateCredentials() []error {
	var errs []error

	validBackends := map[string]bool{"keyring": true, "env": true, "chain": true}
	if !validBackends[c.Credentials.Backend] {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: credentials.backend must be one of [keyring, env, chain], got %q", c.Credentials.Backend))
	}
	if c.Credentials.Service == "" {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: credentials.service must not be empty"))
	}

	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: logging.level must be one of [debug, info, warn, error], got %q", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, bderr.Errorf(bderr.CodeConfigValidateInvalidValue,
			"config: logging.format must be one of [text, json], got %q", c.Logging.Format))
	}

	return errs
}

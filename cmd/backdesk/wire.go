// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/backdesk-ai/backdesk/internal/catalog"
	"github.com/backdesk-ai/backdesk/internal/config"
	"github.com/backdesk-ai/backdesk/internal/confirm"
	"github.com/backdesk-ai/backdesk/internal/credentials"
	"github.com/backdesk-ai/backdesk/internal/enrich"
	"github.com/backdesk-ai/backdesk/internal/executor"
	"github.com/backdesk-ai/backdesk/internal/metrics"
	"github.com/backdesk-ai/backdesk/internal/provider"
	anthropicprov "github.com/backdesk-ai/backdesk/internal/provider/anthropic"
	"github.com/backdesk-ai/backdesk/internal/router"
	"github.com/backdesk-ai/backdesk/internal/security"
	"github.com/backdesk-ai/backdesk/internal/server"
	"github.com/backdesk-ai/backdesk/internal/store"
	"github.com/backdesk-ai/backdesk/internal/store/sqlite"
	"github.com/backdesk-ai/backdesk/internal/turn"
	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// App holds all wired subsystems and manages their lifecycle.
type App struct {
	Server  *server.Server
	Gate    *confirm.Gate
	Catalog *catalog.Catalog

	provider     provider.Provider
	refreshEvery time.Duration
	sweepEvery   time.Duration
	logger       *slog.Logger
	closers      []func() error
}

// wireApp creates all subsystems and wires them together.
func wireApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*App, error) {
	app := &App{
		refreshEvery: cfg.Catalog.RefreshInterval,
		sweepEvery:   cfg.Confirmations.SweepInterval,
		logger:       logger,
	}

	// 1. Stores. Knowledge graph and memories live in process; audit and
	// vectors persist in sqlite unless the memory backend is selected.
	knowledge := store.NewInMemoryKnowledgeStore()
	memories := store.NewInMemoryMemoryStore()

	var auditStore store.AuditStore
	var vectors store.VectorStore
	switch cfg.Storage.Backend {
	case "sqlite":
		audit, err := sqlite.NewAuditStore(cfg.Storage.Path)
		if err != nil {
			return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating audit store")
		}
		app.closers = append(app.closers, audit.Close)
		auditStore = audit

		vec, err := sqlite.NewVectorStore(cfg.Storage.Path, cfg.Storage.VectorDimensions)
		if err != nil {
			app.closeAll()
			return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating vector store")
		}
		app.closers = append(app.closers, vec.Close)
		vectors = vec
	default:
		auditStore = store.NewInMemoryAuditStore()
		vectors = store.NewInMemoryVectorStore()
	}

	// 2. Tool catalog.
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		app.closeAll()
		return nil, bderr.Wrapf(err, bderr.CodeCLISetupFailure, "loading tool catalog %s", cfg.Catalog.Path)
	}
	app.Catalog = cat

	// 3. Metrics.
	m := metrics.New(reg)

	// 4. Credential store and executor.
	var credStore credentials.Store
	switch cfg.Credentials.Backend {
	case "keyring":
		credStore = credentials.NewKeyringStore()
	case "env":
		credStore = credentials.NewEnvStore()
	default:
		credStore = credentials.NewChain(credentials.NewKeyringStore(), credentials.NewEnvStore())
	}
	injector := credentials.NewInjector(credStore, cfg.Credentials.Service)
	adapter := executor.NewHTTPAdapter(nil, injector)

	exec := executor.New(cat, adapter, auditStore,
		executor.WithLogger(logger),
		executor.WithMetrics(m),
	)
	exec.RegisterStoreBuiltins(knowledge, memories, auditStore)

	// 5. Enricher. Embedding generation is supplied by an external
	// service; without one, vector retrieval stays disabled and turns run
	// on graph and memory context.
	enricher := enrich.New(knowledge, vectors, memories, nil, enrich.Config{
		SourceTimeout:  cfg.Enrichment.SourceTimeout,
		TraversalDepth: cfg.Enrichment.TraversalDepth,
		ChunkLimit:     cfg.Enrichment.ChunkLimit,
		MemoryLimit:    cfg.Enrichment.MemoryLimit,
	}, logger)

	// 6. Confirmation gate.
	gate := confirm.NewGate(
		confirm.WithTTL(cfg.Confirmations.TTL),
		confirm.WithLogger(logger),
	)
	app.Gate = gate

	// 7. Model router and provider.
	tiers := make(map[router.Tier]string, len(cfg.Models.Tiers))
	for tier, model := range cfg.Models.Tiers {
		tiers[router.Tier(tier)] = model
	}
	rtr, err := router.New(router.Config{
		Models:              tiers,
		DefaultTier:         router.Tier(cfg.Models.DefaultTier),
		ConfidenceThreshold: cfg.Models.ConfidenceThreshold,
		Logger:              logger,
	})
	if err != nil {
		app.closeAll()
		return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating model router")
	}

	prov, err := anthropicprov.New(anthropicprov.Config{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
	})
	if err != nil {
		app.closeAll()
		return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating model provider")
	}
	app.provider = prov
	app.closers = append(app.closers, prov.Close)

	// 8. Turn orchestrator.
	resolver := security.NewRoleResolver(cfg.Permissions.Users, cfg.Permissions.Roles)
	orch, err := turn.New(turn.Config{
		Provider:            prov,
		Router:              rtr,
		Enricher:            enricher,
		Catalog:             cat,
		Gate:                gate,
		Executor:            exec,
		Resolver:            resolver,
		Metrics:             m,
		Logger:              logger,
		SystemPrompt:        cfg.Turn.SystemPrompt,
		MaxToolCallsPerTurn: cfg.Turn.MaxToolCalls,
	})
	if err != nil {
		app.closeAll()
		return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating turn orchestrator")
	}

	// 9. HTTP server.
	srv, err := server.New(server.Config{
		ListenAddr:  cfg.Server.Listen,
		CORSOrigins: cfg.Server.CORSOrigins,
		Gatherer:    gatherer,
	})
	if err != nil {
		app.closeAll()
		return nil, bderr.Wrap(err, bderr.CodeCLISetupFailure, "creating server")
	}
	srv.RegisterServices(&server.Services{
		Runner:  orch,
		Gate:    gate,
		Catalog: cat,
	})
	app.Server = srv

	return app, nil
}

// Start runs the HTTP server, the confirmation sweeper, and the catalog
// refresh loop until the context is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.Gate.Start(a.sweepEvery)
	defer a.Gate.Stop()

	if a.refreshEvery > 0 {
		go a.refreshCatalog(ctx)
	}

	return a.Server.Start(ctx)
}

// refreshCatalog re-reads the tool registry on a fixed interval so catalog
// edits take effect on the next turn.
func (a *App) refreshCatalog(ctx context.Context) {
	ticker := time.NewTicker(a.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Catalog.Refresh(); err != nil {
				a.logger.WarnContext(ctx, "catalog refresh failed, keeping current snapshot", "error", err)
			}
		}
	}
}

// Close releases all resources held by the app.
func (a *App) Close() error {
	return a.closeAll()
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

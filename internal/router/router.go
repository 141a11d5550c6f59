// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Backdesk Contributors

// Package router selects which backing model serves a turn, based on a
// lightweight complexity classification of the user message. Routing is
// advisory: any failure degrades to the default tier and never blocks
// the turn.
package router

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	bderr "github.com/backdesk-ai/backdesk/pkg/errors"
)

// Tier identifies a model capability class.
type Tier string

const (
	TierQuick     Tier = "quick"
	TierStandard  Tier = "standard"
	TierReasoning Tier = "reasoning"
)

// Selection is the outcome of routing one turn.
type Selection struct {
	Tier  Tier
	Model string
	Tags  []string
}

// Classifier assigns tags and a confidence to a message.
type Classifier interface {
	Classify(message string) (tags []string, confidence float64)
}

var (
	codeRegex    = regexp.MustCompile(`(?i)\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE)\b`)
	reasonRegex  = regexp.MustCompile(`(?i)\b(analyze|reason|compare|derive|why|tradeoff|investigate|root cause)\b`)
	quickRegex   = regexp.MustCompile(`(?i)\b(what is|define|quick|brief|summary|status of)\b`)
	markdownCode = regexp.MustCompile("```")
)

// HeuristicClassifier tags messages using simple content heuristics.
type HeuristicClassifier struct{}

// Classify returns tags for the message and a confidence score. Confidence
// grows with the number of matched heuristics; an empty message scores zero.
func (c *HeuristicClassifier) Classify(message string) ([]string, float64) {
	content := strings.TrimSpace(message)
	if content == "" {
		return nil, 0
	}

	var tags []string
	if markdownCode.MatchString(content) || codeRegex.MatchString(content) {
		tags = append(tags, "code")
	}
	if reasonRegex.MatchString(content) {
		tags = append(tags, "reasoning")
	}
	if quickRegex.MatchString(content) || len(content) < 80 {
		tags = append(tags, "quick")
	}

	confidence := float64(len(tags)) * 0.45
	if confidence > 1 {
		confidence = 1
	}
	return tags, confidence
}

// Config configures a Router.
type Config struct {
	// Models maps each tier to a concrete model ID. The default tier
	// must have an entry.
	Models map[Tier]string
	// DefaultTier is used when classification is inconclusive.
	DefaultTier Tier
	// ConfidenceThreshold below which the default tier is used.
	ConfidenceThreshold float64
	Classifier          Classifier
	Logger              *slog.Logger
}

// Router maps classified messages onto model tiers.
type Router struct {
	models      map[Tier]string
	defaultTier Tier
	threshold   float64
	classifier  Classifier
	logger      *slog.Logger
}

// New creates a Router. The default tier must resolve to a model.
func New(cfg Config) (*Router, error) {
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierStandard
	}
	if _, ok := cfg.Models[cfg.DefaultTier]; !ok {
		return nil, bderr.Errorf(bderr.CodeRouterNoDefault, "no model configured for default tier %q", cfg.DefaultTier)
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.4
	}
	if cfg.Classifier == nil {
		cfg.Classifier = &HeuristicClassifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		models:      cfg.Models,
		defaultTier: cfg.DefaultTier,
		threshold:   cfg.ConfidenceThreshold,
		classifier:  cfg.Classifier,
		logger:      cfg.Logger,
	}, nil
}

// Select classifies the message and picks a tier. Classification failures
// and low-confidence results fall back to the default tier.
func (r *Router) Select(ctx context.Context, message string) Selection {
	tags, confidence := r.classifier.Classify(message)

	tier := r.defaultTier
	if confidence >= r.threshold {
		tier = tierForTags(tags, r.defaultTier)
	}

	model, ok := r.models[tier]
	if !ok {
		// Tier has no model configured; degrade to default.
		r.logger.WarnContext(ctx, "no model for tier, using default",
			"tier", tier, "default_tier", r.defaultTier)
		tier = r.defaultTier
		model = r.models[tier]
	}

	return Selection{Tier: tier, Model: model, Tags: tags}
}

// tierForTags maps classification tags to a tier. Reasoning and code signals
// outrank the quick signal.
func tierForTags(tags []string, fallback Tier) Tier {
	var quick bool
	for _, t := range tags {
		switch t {
		case "reasoning", "code":
			return TierReasoning
		case "quick":
			quick = true
		}
	}
	if quick {
		return TierQuick
	}
	return fallback
}

package adapters

import (
	"context"
	"log/slog"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// GenericAdapter is the fallback for servicers without a dedicated
// configuration. It steers by learned advice instead of hard config: advice
// supplies the document order, preferred formats and known issues as soft
// defaults. With an endpoint it uploads portal-style; without one it queues
// the package for manual review.
type GenericAdapter struct {
	cfg    models.ServicerConfig
	advice models.Advice
	portal *PortalAdapter
	logger *slog.Logger
}

func NewGenericAdapter(cfg models.ServicerConfig, advice models.Advice, logger *slog.Logger) *GenericAdapter {
	if logger == nil {
		logger = slog.Default()
	}

	if len(cfg.DocumentOrder) == 0 {
		cfg.DocumentOrder = advice.DocumentOrder
	}
	if len(cfg.AcceptedFormats) == 0 {
		cfg.AcceptedFormats = advice.PreferredFormats
	}
	if cfg.Requirements == nil {
		cfg.Requirements = advice.Requirements
	}

	g := &GenericAdapter{cfg: cfg, advice: advice, logger: logger}
	if cfg.Endpoint != "" {
		// Learned formats stay advisory: the upload path must not reject
		// a package over a preference.
		relaxed := cfg
		relaxed.AcceptedFormats = nil
		g.portal = NewPortalAdapter(relaxed, logger)
	}
	return g
}

func (g *GenericAdapter) Config() models.ServicerConfig { return g.cfg }

// Advice exposes the learned guidance the adapter was built with.
func (g *GenericAdapter) Advice() models.Advice { return g.advice }

func (g *GenericAdapter) Validate(sub models.Submission) models.ValidationResult {
	// Learned formats are preferences, not hard rules, so format issues
	// downgrade to nothing here; size and presence checks still apply.
	relaxed := g.cfg
	relaxed.AcceptedFormats = nil
	issues := validatePackage(relaxed, sub, g.portal != nil)
	return models.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

func (g *GenericAdapter) Submit(ctx context.Context, sub models.Submission) models.SubmissionResult {
	if g.portal != nil {
		return g.portal.Submit(ctx, sub)
	}

	if issues := validatePackage(g.cfg, sub, false); len(issues) > 0 {
		return validationFailure(sub, g.cfg.ID, issues)
	}

	g.logger.Info("no automated channel for servicer, queueing for manual review",
		"servicer", g.cfg.ID,
		"submission", sub.ID,
		"documents", len(sub.Documents),
	)
	return models.SubmissionResult{
		SubmissionID:      sub.ID,
		ServicerID:        g.cfg.ID,
		Status:            models.StatusManualReview,
		Attempts:          1,
		DeliveryConfirmed: false,
		CompletedAt:       time.Now(),
	}
}

func (g *GenericAdapter) TestConnection(ctx context.Context) models.ConnectionStatus {
	if g.portal != nil {
		return g.portal.TestConnection(ctx)
	}
	return models.ConnectionStatus{
		Success: false,
		Message: "no automated channel configured; submissions are queued for manual review",
	}
}

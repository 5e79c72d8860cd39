package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reliefstack/servicer-engine/internal/adapters"
	"github.com/reliefstack/servicer-engine/internal/metrics"
	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/utils"
)

// AdapterProvider hands out the adapter for a servicer. The factory
// implements it.
type AdapterProvider interface {
	GetAdapter(ctx context.Context, servicerID string) adapters.Adapter
}

// IntelligenceEngine is the learning surface the service depends on.
type IntelligenceEngine interface {
	LearnFromSubmission(ctx context.Context, sub models.Submission, outcome models.SubmissionOutcome) (models.LearnedInsights, error)
	Recommendations(ctx context.Context, servicerID string) ([]string, error)
	Intelligence(ctx context.Context, servicerID string) (models.ServicerIntelligence, error)
}

// SubmissionService orchestrates the submission lifecycle: validate and
// submit through the right adapter, remember what went out, and feed
// outcomes back into the intelligence engine.
type SubmissionService struct {
	logger    *slog.Logger
	provider  AdapterProvider
	intel     IntelligenceEngine
	latencies *utils.LatencyTracker

	mu        sync.RWMutex
	submitted map[string]models.Submission
}

func NewSubmissionService(logger *slog.Logger, provider AdapterProvider, intel IntelligenceEngine) *SubmissionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmissionService{
		logger:    logger,
		provider:  provider,
		intel:     intel,
		latencies: utils.NewLatencyTracker(1024),
		submitted: make(map[string]models.Submission),
	}
}

// Submit routes the package through the servicer's adapter. The result is
// always returned; errors mean the service itself was misused, not that the
// submission failed.
func (s *SubmissionService) Submit(ctx context.Context, sub models.Submission) (models.SubmissionResult, error) {
	if sub.ID == "" {
		return models.SubmissionResult{}, utils.NewAppError("services.submit", "submission id is required", nil)
	}
	if sub.ServicerID == "" {
		return models.SubmissionResult{}, utils.NewAppError("services.submit", "servicer id is required", nil)
	}
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}

	adapter := s.provider.GetAdapter(ctx, sub.ServicerID)

	start := time.Now()
	result := adapter.Submit(ctx, sub)
	duration := time.Since(start)

	s.latencies.Observe(duration)
	metrics.ObserveSubmission(result.ServicerID, string(result.Status), duration)

	if result.Failure != nil {
		s.logger.Warn("submission did not land",
			"submission", sub.ID,
			"servicer", result.ServicerID,
			"status", result.Status,
			"kind", result.Failure.Kind,
			"attempts", result.Attempts,
		)
	} else {
		s.logger.Info("submission completed",
			"submission", sub.ID,
			"servicer", result.ServicerID,
			"status", result.Status,
			"confirmation", result.ConfirmationID,
			"attempts", result.Attempts,
		)
	}

	// Remember the package so a later outcome can be matched back to it
	// for learning. Validation failures never reached the servicer, so
	// there is nothing to learn from them.
	if !result.Failed(models.FailureValidation) {
		s.remember(sub)
	}

	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("submission latency", "p95", s.latencies.Percentile(95), "samples", count)
	}
	return result, nil
}

// Validate runs the adapter's pre-flight checks without submitting.
func (s *SubmissionService) Validate(ctx context.Context, sub models.Submission) (models.ValidationResult, error) {
	if sub.ServicerID == "" {
		return models.ValidationResult{}, utils.NewAppError("services.validate", "servicer id is required", nil)
	}
	adapter := s.provider.GetAdapter(ctx, sub.ServicerID)
	return adapter.Validate(sub), nil
}

// RecordOutcome attaches a servicer verdict to a previously submitted
// package and lets the engine learn from it. Learning failures are logged
// and counted but never fail the recording: the outcome is ground truth
// regardless of whether the pattern store kept up.
func (s *SubmissionService) RecordOutcome(ctx context.Context, submissionID string, outcome models.SubmissionOutcome) (models.LearnedInsights, error) {
	sub, ok := s.recall(submissionID)
	if !ok {
		return models.LearnedInsights{}, utils.NewAppError("services.outcome", "unknown submission "+submissionID, nil)
	}
	return s.RecordOutcomeFor(ctx, sub, outcome), nil
}

// RecordOutcomeFor learns from an outcome for a caller-supplied submission,
// covering packages submitted before a restart.
func (s *SubmissionService) RecordOutcomeFor(ctx context.Context, sub models.Submission, outcome models.SubmissionOutcome) models.LearnedInsights {
	if outcome.RespondedAt.IsZero() {
		outcome.RespondedAt = time.Now()
	}

	insights, err := s.intel.LearnFromSubmission(ctx, sub, outcome)
	if err != nil {
		metrics.ObserveLearning(false)
		s.logger.Error("learning from outcome failed",
			"submission", sub.ID,
			"servicer", sub.ServicerID,
			"status", outcome.Status,
			"error", err,
		)
		return models.LearnedInsights{ServicerID: sub.ServicerID}
	}

	metrics.ObserveLearning(true)
	for _, p := range insights.Patterns {
		metrics.ObservePatterns(string(p.Type), 1)
	}
	s.logger.Info("outcome recorded",
		"submission", sub.ID,
		"servicer", sub.ServicerID,
		"status", outcome.Status,
		"created", insights.CreatedRecords,
		"updated", insights.UpdatedRecords,
	)

	s.forget(sub.ID)
	return insights
}

// Recommendations proxies the engine's current guidance for a servicer.
func (s *SubmissionService) Recommendations(ctx context.Context, servicerID string) ([]string, error) {
	return s.intel.Recommendations(ctx, servicerID)
}

// Intelligence proxies the engine's derived intelligence view.
func (s *SubmissionService) Intelligence(ctx context.Context, servicerID string) (models.ServicerIntelligence, error) {
	return s.intel.Intelligence(ctx, servicerID)
}

// TestConnection probes the servicer's channel.
func (s *SubmissionService) TestConnection(ctx context.Context, servicerID string) models.ConnectionStatus {
	return s.provider.GetAdapter(ctx, servicerID).TestConnection(ctx)
}

// LatencyP95 returns the current p95 submission latency.
func (s *SubmissionService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

// LatencyAvg returns the mean submission latency over the retained window.
func (s *SubmissionService) LatencyAvg() time.Duration {
	return s.latencies.Average()
}

func (s *SubmissionService) remember(sub models.Submission) {
	s.mu.Lock()
	s.submitted[sub.ID] = sub
	s.mu.Unlock()
}

func (s *SubmissionService) recall(id string) (models.Submission, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submitted[id]
	return sub, ok
}

func (s *SubmissionService) forget(id string) {
	s.mu.Lock()
	delete(s.submitted, id)
	s.mu.Unlock()
}

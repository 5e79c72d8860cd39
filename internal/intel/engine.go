// Package intel turns submission outcomes into persisted servicer
// intelligence and derives recommendations from it.
package intel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/reliefstack/servicer-engine/internal/cache"
	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/store"
)

// Store abstracts persistence for intelligence records and the raw pattern log.
type Store interface {
	GetRecord(ctx context.Context, servicerID, signature string) (models.IntelligenceRecord, bool, error)
	InsertRecord(ctx context.Context, rec models.IntelligenceRecord) error
	UpdateRecord(ctx context.Context, rec models.IntelligenceRecord, expectedOccurrences int) (bool, error)
	ListRecords(ctx context.Context, servicerID string) ([]models.IntelligenceRecord, error)
	AppendLog(ctx context.Context, servicerID, submissionID string, patterns []models.Pattern, status models.OutcomeStatus) error
}

// Policy holds the tunable learning values.
type Policy struct {
	// ConfidenceStep is the fraction of remaining headroom added per repeat
	// observation: new = old + (1-old)*step.
	ConfidenceStep float64
	// RecommendThreshold gates which learned document orders are surfaced.
	RecommendThreshold float64
	// EvidenceLimit caps retained outcome evidence per record.
	EvidenceLimit int
	// AdviceTTL bounds how long cached recommendation reads are served.
	AdviceTTL time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		ConfidenceStep:     0.1,
		RecommendThreshold: 0.8,
		EvidenceLimit:      50,
		AdviceTTL:          2 * time.Minute,
	}
}

// casAttempts bounds the optimistic-concurrency retry loop per record.
const casAttempts = 4

// Engine is the intelligence engine. Learning events for the same servicer
// are serialised; reads are cached behind the configured provider.
type Engine struct {
	store  Store
	cache  cache.Provider
	policy Policy
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine constructs an Engine. cacheProvider may be nil to disable caching.
func NewEngine(logger *slog.Logger, store Store, cacheProvider cache.Provider, policy Policy) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if policy.ConfidenceStep <= 0 || policy.ConfidenceStep >= 1 {
		policy.ConfidenceStep = DefaultPolicy().ConfidenceStep
	}
	if policy.RecommendThreshold <= 0 {
		policy.RecommendThreshold = DefaultPolicy().RecommendThreshold
	}
	if policy.EvidenceLimit <= 0 {
		policy.EvidenceLimit = DefaultPolicy().EvidenceLimit
	}
	return &Engine{
		store:  store,
		cache:  cacheProvider,
		policy: policy,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

// LearnFromSubmission is the single learning entry point, invoked once per
// resolved submission. Failures here never fail the submission that triggered
// the learning; callers log the returned error and move on.
func (e *Engine) LearnFromSubmission(ctx context.Context, sub models.Submission, outcome models.SubmissionOutcome) (models.LearnedInsights, error) {
	servicerID := normaliseID(sub.ServicerID)
	if servicerID == "" {
		return models.LearnedInsights{}, fmt.Errorf("submission %s has no servicer id", sub.ID)
	}

	patterns := ExtractPatterns(sub, outcome)
	insights := models.LearnedInsights{ServicerID: servicerID, Patterns: patterns}
	if len(patterns) == 0 {
		return insights, nil
	}

	// One in-flight learning operation per servicer; combined with the
	// store's occurrence-count CAS this keeps counters and confidence
	// trajectories intact under concurrent writers.
	unlock := e.lockServicer(servicerID)
	defer unlock()

	if err := e.store.AppendLog(ctx, servicerID, sub.ID, patterns, outcome.Status); err != nil {
		return insights, fmt.Errorf("append pattern log: %w", err)
	}

	observedAt := outcome.RespondedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	evidenceKey := evidenceKeyFor(observedAt, sub.ID)

	for _, pattern := range patterns {
		created, delta, err := e.storePattern(ctx, servicerID, pattern, outcome.Status, evidenceKey)
		if err != nil {
			return insights, fmt.Errorf("store pattern %s: %w", pattern.Signature(), err)
		}
		insights.ConfidenceDelta += delta
		if created {
			insights.CreatedRecords++
			insights.NewRequirements = append(insights.NewRequirements, describePattern(pattern))
		} else {
			insights.UpdatedRecords++
		}
	}

	if err := e.cache.Del(ctx, adviceCacheKey(servicerID)); err != nil {
		e.logger.Warn("advice cache invalidation failed", slog.String("servicer", servicerID), slog.Any("error", err))
	}

	recs, err := e.Recommendations(ctx, servicerID)
	if err != nil {
		// Recommendations are a read-back convenience; the learning itself
		// already succeeded.
		e.logger.Warn("recommendation read-back failed", slog.String("servicer", servicerID), slog.Any("error", err))
	} else {
		insights.Recommendations = recs
	}

	return insights, nil
}

// storePattern upserts one pattern into its aggregated intelligence record.
// Returns whether a new record was created and the confidence delta applied.
func (e *Engine) storePattern(ctx context.Context, servicerID string, pattern models.Pattern, status models.OutcomeStatus, evidenceKey string) (bool, float64, error) {
	signature := pattern.Signature()

	for attempt := 0; attempt < casAttempts; attempt++ {
		existing, found, err := e.store.GetRecord(ctx, servicerID, signature)
		if err != nil {
			return false, 0, err
		}

		if !found {
			rec := models.IntelligenceRecord{
				ServicerID:  servicerID,
				Type:        models.IntelligenceTypeFor(pattern.Type),
				Signature:   signature,
				Description: describePattern(pattern),
				Pattern:     pattern,
				Evidence:    map[string]models.OutcomeStatus{evidenceKey: status},
				Confidence:  models.Clamp(pattern.Confidence),
				Occurrences: 1,
				LastSeen:    pattern.LastSeen,
			}
			if err := e.store.InsertRecord(ctx, rec); err != nil {
				if errors.Is(err, store.ErrDuplicateRecord) {
					// A concurrent writer inserted the same signature first;
					// re-read and fall through to the update path.
					e.logger.Debug("insert raced, retrying as update",
						slog.String("servicer", servicerID), slog.String("signature", signature))
					continue
				}
				return false, 0, err
			}
			return true, rec.Confidence, nil
		}

		oldConfidence := existing.Confidence
		updated := existing
		updated.Confidence = models.Clamp(oldConfidence + (1-oldConfidence)*e.policy.ConfidenceStep)
		updated.Occurrences = existing.Occurrences + 1
		updated.LastSeen = pattern.LastSeen
		updated.Pattern.LastSeen = pattern.LastSeen
		updated.Pattern.Confidence = updated.Confidence
		updated.Pattern.Occurrences = updated.Occurrences
		updated.Evidence = appendEvidence(existing.Evidence, evidenceKey, status, e.policy.EvidenceLimit)

		ok, err := e.store.UpdateRecord(ctx, updated, existing.Occurrences)
		if err != nil {
			return false, 0, err
		}
		if ok {
			return false, updated.Confidence - oldConfidence, nil
		}
		// Lost the CAS race; re-read and retry.
	}

	return false, 0, fmt.Errorf("record %s/%s contended beyond %d attempts", servicerID, signature, casAttempts)
}

// evidenceKeyFor builds the evidence map key for one observation. The
// fixed-width nanosecond timestamp keeps lexicographic order chronological,
// and the submission id separates observations landing in the same instant.
func evidenceKeyFor(observedAt time.Time, submissionID string) string {
	return observedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "#" + submissionID
}

// appendEvidence adds one outcome keyed by timestamp, evicting the oldest
// entries beyond the retention limit. Keys sort lexicographically in
// chronological order.
func appendEvidence(evidence map[string]models.OutcomeStatus, key string, status models.OutcomeStatus, limit int) map[string]models.OutcomeStatus {
	out := make(map[string]models.OutcomeStatus, len(evidence)+1)
	for k, v := range evidence {
		out[k] = v
	}
	out[key] = status

	for len(out) > limit {
		oldest := ""
		for k := range out {
			if oldest == "" || k < oldest {
				oldest = k
			}
		}
		delete(out, oldest)
	}
	return out
}

// lockServicer acquires the per-servicer learning lock.
func (e *Engine) lockServicer(servicerID string) func() {
	e.mu.Lock()
	lock, ok := e.locks[servicerID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[servicerID] = lock
	}
	e.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func normaliseID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func describePattern(p models.Pattern) string {
	switch p.Type {
	case models.PatternDocumentOrder:
		return "Preferred document order: " + strings.Join(p.DocumentOrder, " > ")
	case models.PatternDocumentFormat:
		return "Accepted document formats: " + strings.Join(p.Formats, ", ")
	case models.PatternSubmissionTiming:
		return fmt.Sprintf("Submission timing: %s %02d:00", p.Weekday, p.Hour)
	case models.PatternCommonIssues:
		return "Recurring issues: " + strings.Join(p.Issues, "; ")
	default:
		return string(p.Type)
	}
}

package intel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/reliefstack/servicer-engine/internal/cache"
	"github.com/reliefstack/servicer-engine/internal/models"
)

func adviceCacheKey(servicerID string) string {
	return "advice:" + servicerID
}

// Advice returns structured guidance for a servicer: learned document order,
// preferred formats, best submission window, known issues, and the historical
// acceptance rate. Reads go through the cache; learning invalidates it.
func (e *Engine) Advice(ctx context.Context, servicerID string) (models.Advice, error) {
	servicerID = normaliseID(servicerID)

	if cached, err := e.cache.Get(ctx, adviceCacheKey(servicerID)); err == nil {
		var advice models.Advice
		if err := json.Unmarshal(cached, &advice); err == nil {
			return advice, nil
		}
		e.logger.Warn("discarding malformed cached advice", slog.String("servicer", servicerID))
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		e.logger.Warn("advice cache read failed", slog.String("servicer", servicerID), slog.Any("error", err))
	}

	records, err := e.store.ListRecords(ctx, servicerID)
	if err != nil {
		return models.Advice{}, fmt.Errorf("list intelligence: %w", err)
	}

	advice := buildAdvice(servicerID, records)

	if payload, err := json.Marshal(advice); err == nil {
		if err := e.cache.Set(ctx, adviceCacheKey(servicerID), payload, e.policy.AdviceTTL); err != nil {
			e.logger.Warn("advice cache write failed", slog.String("servicer", servicerID), slog.Any("error", err))
		}
	}

	return advice, nil
}

// Recommendations derives the human-readable guidance list for a servicer,
// ranked by how actionable each line is. Suitable for direct display.
func (e *Engine) Recommendations(ctx context.Context, servicerID string) ([]string, error) {
	servicerID = normaliseID(servicerID)

	records, err := e.store.ListRecords(ctx, servicerID)
	if err != nil {
		return nil, fmt.Errorf("list intelligence: %w", err)
	}
	return e.buildRecommendations(records), nil
}

// Intelligence materialises the per-servicer aggregate view. It has no
// independent lifecycle; it is always derived from stored records on read.
func (e *Engine) Intelligence(ctx context.Context, servicerID string) (models.ServicerIntelligence, error) {
	servicerID = normaliseID(servicerID)

	records, err := e.store.ListRecords(ctx, servicerID)
	if err != nil {
		return models.ServicerIntelligence{}, fmt.Errorf("list intelligence: %w", err)
	}

	view := models.ServicerIntelligence{
		ServicerID:   servicerID,
		Requirements: map[string]string{},
		Records:      records,
	}
	var lastUpdated time.Time
	for _, rec := range records {
		view.Patterns = append(view.Patterns, rec.Pattern)
		if rec.Type == models.IntelligenceRequirement {
			if _, ok := view.Requirements[string(rec.Pattern.Type)]; !ok {
				view.Requirements[string(rec.Pattern.Type)] = rec.Description
			}
		}
		if rec.LastSeen.After(lastUpdated) {
			lastUpdated = rec.LastSeen
		}
	}
	view.LastUpdated = lastUpdated
	view.SuccessRate, _ = acceptanceRate(records)
	view.AvgResponseTime = avgResponseTime(records)
	return view, nil
}

func buildAdvice(servicerID string, records []models.IntelligenceRecord) models.Advice {
	advice := models.Advice{
		ServicerID:   servicerID,
		Requirements: map[string]string{},
	}

	formatSeen := make(map[string]struct{})
	issueSeen := make(map[string]struct{})
	for _, rec := range records {
		switch rec.Pattern.Type {
		case models.PatternDocumentOrder:
			if len(advice.DocumentOrder) == 0 {
				advice.DocumentOrder = append([]string(nil), rec.Pattern.DocumentOrder...)
				advice.Requirements["document_order"] = strings.Join(rec.Pattern.DocumentOrder, " > ")
			}
		case models.PatternDocumentFormat:
			for _, format := range rec.Pattern.Formats {
				if _, ok := formatSeen[format]; ok {
					continue
				}
				formatSeen[format] = struct{}{}
				advice.PreferredFormats = append(advice.PreferredFormats, format)
			}
		case models.PatternCommonIssues:
			for _, issue := range rec.Pattern.Issues {
				if _, ok := issueSeen[issue]; ok {
					continue
				}
				issueSeen[issue] = struct{}{}
				advice.KnownIssues = append(advice.KnownIssues, issue)
			}
		}
	}
	if len(advice.PreferredFormats) > 0 {
		advice.Requirements["document_format"] = strings.Join(advice.PreferredFormats, ", ")
	}

	if weekday, hour, ok := bestWindow(records); ok {
		advice.BestWeekday = weekday
		advice.BestHour = hour
		advice.Requirements["submission_timing"] = fmt.Sprintf("%s %02d:00", weekday, hour)
	}

	advice.SuccessRate, advice.Observations = acceptanceRate(records)
	return advice
}

func (e *Engine) buildRecommendations(records []models.IntelligenceRecord) []string {
	var recs []string

	// Records arrive confidence-descending, so the first qualifying order
	// record is the most confident one. Orders below the threshold are noise
	// and stay unsurfaced.
	for _, rec := range records {
		if rec.Pattern.Type != models.PatternDocumentOrder {
			continue
		}
		if rec.Confidence >= e.policy.RecommendThreshold {
			recs = append(recs, fmt.Sprintf("Submit documents in this order: %s (confidence %.0f%%)",
				strings.Join(rec.Pattern.DocumentOrder, " > "), rec.Confidence*100))
		}
		break
	}

	for _, rec := range records {
		if rec.Pattern.Type != models.PatternDocumentFormat {
			continue
		}
		if rec.Confidence >= e.policy.RecommendThreshold && len(rec.Pattern.Formats) > 0 {
			recs = append(recs, "Preferred formats: "+strings.Join(rec.Pattern.Formats, ", "))
		}
		break
	}

	if weekday, hour, ok := bestWindow(records); ok {
		recs = append(recs, fmt.Sprintf("Best submission window: %s around %02d:00", weekday, hour))
	}

	if issues := collectIssues(records); len(issues) > 0 {
		recs = append(recs, "Avoid known issues: "+strings.Join(issues, "; "))
	}

	if rate, observations := acceptanceRate(records); observations > 0 {
		recs = append(recs, fmt.Sprintf("Historical acceptance rate: %.0f%% across %d submissions", rate*100, observations))
	}

	return recs
}

// bestWindow averages the submission day/hour across all timing patterns,
// weighting each bucket by how often it was observed.
func bestWindow(records []models.IntelligenceRecord) (time.Weekday, int, bool) {
	dayWeight := make(map[time.Weekday]int)
	var hourSum, weightSum int
	for _, rec := range records {
		if rec.Pattern.Type != models.PatternSubmissionTiming {
			continue
		}
		weight := rec.Occurrences
		if weight <= 0 {
			weight = 1
		}
		dayWeight[rec.Pattern.Weekday] += weight
		hourSum += rec.Pattern.Hour * weight
		weightSum += weight
	}
	if weightSum == 0 {
		return 0, 0, false
	}

	best := time.Sunday
	bestWeight := -1
	for day := time.Sunday; day <= time.Saturday; day++ {
		if w := dayWeight[day]; w > bestWeight {
			best = day
			bestWeight = w
		}
	}
	hour := int(math.Round(float64(hourSum) / float64(weightSum)))
	return best, hour, true
}

// collectIssues dedupes issues across every common-issues record, preserving
// confidence order.
func collectIssues(records []models.IntelligenceRecord) []string {
	seen := make(map[string]struct{})
	var issues []string
	for _, rec := range records {
		if rec.Pattern.Type != models.PatternCommonIssues {
			continue
		}
		for _, issue := range rec.Pattern.Issues {
			if _, ok := seen[issue]; ok {
				continue
			}
			seen[issue] = struct{}{}
			issues = append(issues, issue)
		}
	}
	return issues
}

// acceptanceRate computes accepted/total over the union of stored evidence.
// Evidence keys identify the learning event, so entries repeated across
// records for the same event collapse to one observation.
func acceptanceRate(records []models.IntelligenceRecord) (float64, int) {
	events := make(map[string]models.OutcomeStatus)
	for _, rec := range records {
		for key, status := range rec.Evidence {
			events[key] = status
		}
	}
	if len(events) == 0 {
		return 0, 0
	}
	accepted := 0
	for _, status := range events {
		if status == models.OutcomeAccepted {
			accepted++
		}
	}
	return float64(accepted) / float64(len(events)), len(events)
}

// avgResponseTime averages measured response latency across timing records,
// weighted by occurrences.
func avgResponseTime(records []models.IntelligenceRecord) time.Duration {
	var total time.Duration
	var weight int64
	for _, rec := range records {
		if rec.Pattern.Type != models.PatternSubmissionTiming || rec.Pattern.ResponseTime <= 0 {
			continue
		}
		w := int64(rec.Occurrences)
		if w <= 0 {
			w = 1
		}
		total += rec.Pattern.ResponseTime * time.Duration(w)
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return total / time.Duration(weight)
}

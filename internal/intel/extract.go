package intel

import (
	"sort"
	"strings"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// Initial confidence assigned when a pattern type is first observed. Later
// observations of the same signature move confidence asymptotically toward 1.
const (
	initialOrderConfidence  = 0.9
	initialFormatConfidence = 0.85
	initialTimingConfidence = 0.6
	initialIssuesConfidence = 0.7
)

// ExtractPatterns derives patterns from one (submission, outcome) pair. It is
// a pure function: the same inputs always yield the same pattern set.
//
// Ordering and formatting patterns carry positive evidence, so they are only
// emitted for accepted outcomes. A timing pattern is emitted for every
// outcome, tagged with the outcome status, because timing data is informative
// even for rejections. A common-issues pattern is emitted whenever the
// servicer demanded changes, regardless of final status.
func ExtractPatterns(sub models.Submission, outcome models.SubmissionOutcome) []models.Pattern {
	var patterns []models.Pattern

	if outcome.Status == models.OutcomeAccepted && len(sub.Documents) > 0 {
		patterns = append(patterns, models.Pattern{
			Type:          models.PatternDocumentOrder,
			Confidence:    initialOrderConfidence,
			Occurrences:   1,
			LastSeen:      outcome.RespondedAt,
			DocumentOrder: sub.DocumentTypes(),
			Metadata:      map[string]string{"submission_type": sub.Type},
		})
		patterns = append(patterns, models.Pattern{
			Type:        models.PatternDocumentFormat,
			Confidence:  initialFormatConfidence,
			Occurrences: 1,
			LastSeen:    outcome.RespondedAt,
			Formats:     documentFormats(sub.Documents),
			Metadata:    map[string]string{"submission_type": sub.Type},
		})
	}

	responseTime := outcome.ProcessingTime
	if responseTime <= 0 && !outcome.RespondedAt.IsZero() && outcome.RespondedAt.After(sub.SubmittedAt) {
		responseTime = outcome.RespondedAt.Sub(sub.SubmittedAt)
	}
	patterns = append(patterns, models.Pattern{
		Type:         models.PatternSubmissionTiming,
		Confidence:   initialTimingConfidence,
		Occurrences:  1,
		LastSeen:     outcome.RespondedAt,
		Weekday:      sub.SubmittedAt.Weekday(),
		Hour:         sub.SubmittedAt.Hour(),
		ResponseTime: responseTime,
		Metadata:     map[string]string{"status": string(outcome.Status)},
	})

	if len(outcome.RequiredChanges) > 0 {
		issues := normaliseIssues(outcome.RequiredChanges)
		patterns = append(patterns, models.Pattern{
			Type:        models.PatternCommonIssues,
			Confidence:  initialIssuesConfidence,
			Occurrences: 1,
			LastSeen:    outcome.RespondedAt,
			Issues:      issues,
			Metadata:    map[string]string{"status": string(outcome.Status)},
		})
	}

	return patterns
}

// documentFormats returns the distinct formats present, sorted.
func documentFormats(docs []models.Document) []string {
	seen := make(map[string]struct{}, len(docs))
	var formats []string
	for _, doc := range docs {
		format := strings.ToLower(strings.TrimSpace(doc.Format))
		if format == "" {
			continue
		}
		if _, ok := seen[format]; ok {
			continue
		}
		seen[format] = struct{}{}
		formats = append(formats, format)
	}
	sort.Strings(formats)
	return formats
}

// normaliseIssues trims, lowercases, dedupes and sorts required changes so
// equal issue sets always share one signature.
func normaliseIssues(changes []string) []string {
	seen := make(map[string]struct{}, len(changes))
	var issues []string
	for _, change := range changes {
		issue := strings.ToLower(strings.TrimSpace(change))
		if issue == "" {
			continue
		}
		if _, ok := seen[issue]; ok {
			continue
		}
		seen[issue] = struct{}{}
		issues = append(issues, issue)
	}
	sort.Strings(issues)
	return issues
}

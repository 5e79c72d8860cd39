// Package adapters implements protocol-specific submission strategies for
// reaching mortgage servicers over their real integration surfaces.
package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// Adapter is the contract every submission strategy implements. Submit is a
// total function: failures come back as typed results, never as errors used
// for control flow past the adapter boundary.
type Adapter interface {
	Submit(ctx context.Context, sub models.Submission) models.SubmissionResult
	Validate(sub models.Submission) models.ValidationResult
	TestConnection(ctx context.Context) models.ConnectionStatus
	Config() models.ServicerConfig
}

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 250 * time.Millisecond
)

func maxAttempts(cfg models.ServicerConfig) int {
	if cfg.MaxAttempts > 0 {
		return cfg.MaxAttempts
	}
	return defaultMaxAttempts
}

func retryBackoff(cfg models.ServicerConfig) time.Duration {
	if cfg.RetryBackoff > 0 {
		return cfg.RetryBackoff
	}
	return defaultRetryBackoff
}

func adapterTimeout(cfg models.ServicerConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultTimeout
}

// backoffDelay returns the exponential delay before the given retry attempt
// (attempt is 1-based; the delay precedes attempt 2 onward).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepCtx waits for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// orderDocuments reorders a package to match the preferred type order. Types
// appearing in the preference come first, in preference order; the rest keep
// their original relative order at the tail.
func orderDocuments(docs []models.Document, preferred []string) []models.Document {
	if len(preferred) == 0 || len(docs) < 2 {
		return docs
	}

	rank := make(map[string]int, len(preferred))
	for i, t := range preferred {
		rank[t] = i
	}

	ordered := make([]models.Document, 0, len(docs))
	for _, t := range preferred {
		for _, doc := range docs {
			if doc.Type == t {
				ordered = append(ordered, doc)
			}
		}
	}
	for _, doc := range docs {
		if _, known := rank[doc.Type]; !known {
			ordered = append(ordered, doc)
		}
	}
	return ordered
}

// renderDocumentName applies the servicer's naming convention. Templates use
// {loan_number}, {borrower}, {doc_type}, {index} and {format} placeholders;
// an empty template falls back to loan_doctype_index.format.
func renderDocumentName(tmpl string, sub models.Submission, doc models.Document, index int) string {
	loan := sub.Metadata["loan_number"]
	if loan == "" {
		loan = sub.ID
	}
	if tmpl == "" {
		return fmt.Sprintf("%s_%s_%02d.%s", loan, doc.Type, index+1, doc.Format)
	}
	replacer := strings.NewReplacer(
		"{loan_number}", loan,
		"{borrower}", sub.Metadata["borrower_name"],
		"{doc_type}", doc.Type,
		"{index}", fmt.Sprintf("%02d", index+1),
		"{format}", doc.Format,
	)
	return replacer.Replace(tmpl)
}

// validationFailure builds the result returned when pre-flight checks fail.
func validationFailure(sub models.Submission, servicerID string, issues []models.ValidationIssue) models.SubmissionResult {
	messages := make([]string, 0, len(issues))
	for _, issue := range issues {
		messages = append(messages, issue.Message)
	}
	return models.SubmissionResult{
		SubmissionID: sub.ID,
		ServicerID:   servicerID,
		Status:       models.StatusFailed,
		Failure: &models.Failure{
			Kind:      models.FailureValidation,
			Message:   strings.Join(messages, "; "),
			Retryable: false,
		},
		CompletedAt: time.Now(),
	}
}

// validatePackage runs the channel-independent pre-flight checks shared by
// all adapters: non-empty package, accepted formats, per-file and total size
// ceilings, required document types, and (for channels that transmit bytes)
// content availability.
func validatePackage(cfg models.ServicerConfig, sub models.Submission, requireContent bool) []models.ValidationIssue {
	var issues []models.ValidationIssue

	if len(sub.Documents) == 0 {
		return []models.ValidationIssue{{
			Code:    "empty_package",
			Message: "submission contains no documents",
		}}
	}

	present := make(map[string]struct{}, len(sub.Documents))
	var total int64
	for _, doc := range sub.Documents {
		present[doc.Type] = struct{}{}
		total += doc.SizeBytes

		if !cfg.AcceptsFormat(strings.ToLower(doc.Format)) {
			issues = append(issues, models.ValidationIssue{
				Code:     "unsupported_format",
				Document: doc.Type,
				Message:  fmt.Sprintf("%s: format %q not accepted (accepted: %s)", doc.Type, doc.Format, strings.Join(cfg.AcceptedFormats, ", ")),
			})
		}
		if cfg.MaxFileBytes > 0 && doc.SizeBytes > cfg.MaxFileBytes {
			issues = append(issues, models.ValidationIssue{
				Code:     "file_too_large",
				Document: doc.Type,
				Message:  fmt.Sprintf("%s: %d bytes exceeds the %d byte per-file limit", doc.Type, doc.SizeBytes, cfg.MaxFileBytes),
			})
		}
		if requireContent && len(doc.Content) == 0 {
			issues = append(issues, models.ValidationIssue{
				Code:     "missing_content",
				Document: doc.Type,
				Message:  doc.Type + ": document content is required for this channel",
			})
		}
	}

	if cfg.MaxTotalBytes > 0 && total > cfg.MaxTotalBytes {
		issues = append(issues, models.ValidationIssue{
			Code:    "package_too_large",
			Message: "package size " + strconv.FormatInt(total, 10) + " bytes exceeds the " + strconv.FormatInt(cfg.MaxTotalBytes, 10) + " byte total limit",
		})
	}

	for _, required := range cfg.RequiredTypes {
		if _, ok := present[required]; !ok {
			issues = append(issues, models.ValidationIssue{
				Code:     "missing_document",
				Document: required,
				Message:  "required document missing: " + required,
			})
		}
	}

	return issues
}

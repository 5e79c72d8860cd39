package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// APIAdapter submits packages to servicers exposing a JSON submission API.
// Documents travel base64-encoded inside the request body and the servicer
// answers synchronously with a confirmation number.
type APIAdapter struct {
	cfg        models.ServicerConfig
	httpClient *http.Client
	logger     *slog.Logger
}

func NewAPIAdapter(cfg models.ServicerConfig, logger *slog.Logger) *APIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: adapterTimeout(cfg)},
		logger:     logger,
	}
}

func (a *APIAdapter) Config() models.ServicerConfig { return a.cfg }

func (a *APIAdapter) Validate(sub models.Submission) models.ValidationResult {
	issues := validatePackage(a.cfg, sub, true)
	return models.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

type apiDocument struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Format  string `json:"format"`
	Content string `json:"content_base64"`
}

type apiSubmitRequest struct {
	SubmissionID string            `json:"submission_id"`
	Type         string            `json:"type"`
	SubmittedAt  string            `json:"submitted_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Documents    []apiDocument     `json:"documents"`
}

type apiSubmitResponse struct {
	ConfirmationID string `json:"confirmation_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
}

// Submit validates the package, shapes it to the servicer's conventions and
// posts it, retrying transient transport failures with exponential backoff.
func (a *APIAdapter) Submit(ctx context.Context, sub models.Submission) models.SubmissionResult {
	if issues := validatePackage(a.cfg, sub, true); len(issues) > 0 {
		return validationFailure(sub, a.cfg.ID, issues)
	}

	payload := a.buildRequest(sub)
	attempts := maxAttempts(a.cfg)
	base := retryBackoff(a.cfg)

	var lastFailure *models.Failure
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(base, attempt-1)); err != nil {
				lastFailure = &models.Failure{Kind: models.FailureTimeout, Message: err.Error(), Retryable: false}
				break
			}
		}
		tried = attempt

		result, failure := a.submitOnce(ctx, payload)
		if failure == nil {
			result.SubmissionID = sub.ID
			result.ServicerID = a.cfg.ID
			result.Attempts = attempt
			result.CompletedAt = time.Now()
			return result
		}

		lastFailure = failure
		a.logger.Warn("api submission attempt failed",
			"servicer", a.cfg.ID,
			"submission", sub.ID,
			"attempt", attempt,
			"kind", failure.Kind,
			"error", failure.Message,
		)
		if !failure.Retryable {
			break
		}
	}

	return models.SubmissionResult{
		SubmissionID: sub.ID,
		ServicerID:   a.cfg.ID,
		Status:       a.statusFor(lastFailure),
		Attempts:     tried,
		Failure:      lastFailure,
		CompletedAt:  time.Now(),
	}
}

func (a *APIAdapter) statusFor(failure *models.Failure) models.SubmissionStatus {
	if failure != nil && failure.Kind == models.FailureRejected {
		return models.StatusRejected
	}
	return models.StatusFailed
}

func (a *APIAdapter) buildRequest(sub models.Submission) apiSubmitRequest {
	dateFormat := a.cfg.DateFormat
	if dateFormat == "" {
		dateFormat = time.RFC3339
	}

	docs := orderDocuments(sub.Documents, a.cfg.DocumentOrder)
	out := make([]apiDocument, 0, len(docs))
	for i, doc := range docs {
		out = append(out, apiDocument{
			Type:    doc.Type,
			Name:    renderDocumentName(a.cfg.NamingTemplate, sub, doc, i),
			Format:  strings.ToLower(doc.Format),
			Content: base64.StdEncoding.EncodeToString(doc.Content),
		})
	}

	return apiSubmitRequest{
		SubmissionID: sub.ID,
		Type:         sub.Type,
		SubmittedAt:  sub.SubmittedAt.Format(dateFormat),
		Metadata:     sub.Metadata,
		Documents:    out,
	}
}

// submitOnce performs a single POST. The returned failure's Retryable flag
// drives the outer retry loop.
func (a *APIAdapter) submitOnce(ctx context.Context, payload apiSubmitRequest) (models.SubmissionResult, *models.Failure) {
	body, err := json.Marshal(payload)
	if err != nil {
		return models.SubmissionResult{}, &models.Failure{
			Kind:      models.FailureTransport,
			Message:   fmt.Sprintf("marshal payload: %v", err),
			Retryable: false,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("submissions"), bytes.NewReader(body))
	if err != nil {
		return models.SubmissionResult{}, &models.Failure{Kind: models.FailureTransport, Message: err.Error(), Retryable: false}
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Only the caller's context running out is terminal. A client-side
		// timeout on a single request is a transport hiccup and retryable.
		if ctx.Err() != nil {
			return models.SubmissionResult{}, &models.Failure{Kind: models.FailureTimeout, Message: err.Error(), Retryable: false}
		}
		return models.SubmissionResult{}, &models.Failure{Kind: models.FailureTransport, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var decoded apiSubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
			return models.SubmissionResult{}, &models.Failure{
				Kind:      models.FailureTransport,
				Message:   fmt.Sprintf("decode response: %v", err),
				Retryable: true,
			}
		}
		return models.SubmissionResult{
			Status:            models.StatusSubmitted,
			ConfirmationID:    decoded.ConfirmationID,
			DeliveryConfirmed: true,
		}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return models.SubmissionResult{}, &models.Failure{
			Kind:      models.FailureRejected,
			Message:   fmt.Sprintf("servicer rejected the package: %s: %s", resp.Status, readErrorBody(resp.Body)),
			Retryable: false,
		}

	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return models.SubmissionResult{}, &models.Failure{
			Kind:      models.FailureTransport,
			Message:   "servicer returned " + resp.Status,
			Retryable: true,
		}

	case resp.StatusCode >= 500:
		return models.SubmissionResult{}, &models.Failure{
			Kind:      models.FailureTransport,
			Message:   "servicer returned " + resp.Status,
			Retryable: true,
		}

	default:
		return models.SubmissionResult{}, &models.Failure{
			Kind:      models.FailureRejected,
			Message:   fmt.Sprintf("servicer returned %s: %s", resp.Status, readErrorBody(resp.Body)),
			Retryable: false,
		}
	}
}

// TestConnection probes the servicer's health endpoint with the configured
// credentials.
func (a *APIAdapter) TestConnection(ctx context.Context) models.ConnectionStatus {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint("health"), nil)
	if err != nil {
		return models.ConnectionStatus{Success: false, Message: err.Error()}
	}
	a.authorize(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return models.ConnectionStatus{Success: false, Message: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return models.ConnectionStatus{Success: true, Message: "servicer API reachable"}
	}
	return models.ConnectionStatus{Success: false, Message: "servicer API returned " + resp.Status}
}

func (a *APIAdapter) authorize(req *http.Request) {
	switch {
	case a.cfg.APIKey != "":
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	case a.cfg.Username != "":
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}
}

func (a *APIAdapter) endpoint(suffix string) string {
	u, err := url.Parse(a.cfg.Endpoint)
	if err != nil {
		return strings.TrimRight(a.cfg.Endpoint, "/") + "/" + suffix
	}
	u.Path = path.Join(u.Path, suffix)
	return u.String()
}

func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil || len(bytes.TrimSpace(data)) == 0 {
		return "(no body)"
	}
	return string(bytes.TrimSpace(data))
}

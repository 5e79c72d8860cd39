package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"text/template"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

// errSessionExpired marks a call bounced on authentication so the submit
// path can re-login once before giving up.
var errSessionExpired = errors.New("portal session expired")

const defaultSessionTTL = 20 * time.Minute

const defaultCoverSheet = `Loss Mitigation Submission
Servicer: {{.ServicerName}}
Submission: {{.SubmissionID}}
Type: {{.SubmissionType}}
Loan number: {{.LoanNumber}}
Borrower: {{.Borrower}}
Documents ({{len .Documents}}):
{{range .Documents}}  - {{.Name}} ({{.Type}}, {{.Format}})
{{end}}`

// portalSession is one authenticated portal session. Sessions are scoped to
// a single submission attempt and never shared: concurrent submissions each
// log in for themselves so one attempt's expiry cannot cross-talk into
// another.
type portalSession struct {
	token  string
	expiry time.Time
}

func (s portalSession) expired() bool {
	return time.Now().After(s.expiry)
}

// PortalAdapter drives servicers that only accept uploads through their web
// portal: form login for a session token, a rendered cover sheet, then one
// multipart upload per document.
type PortalAdapter struct {
	cfg        models.ServicerConfig
	httpClient *http.Client
	logger     *slog.Logger
	coverTmpl  *template.Template
}

func NewPortalAdapter(cfg models.ServicerConfig, logger *slog.Logger) *PortalAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	raw := cfg.CoverSheetTemplate
	if raw == "" {
		raw = defaultCoverSheet
	}
	tmpl, err := template.New("cover").Parse(raw)
	if err != nil {
		logger.Warn("invalid cover sheet template, using default", "servicer", cfg.ID, "error", err)
		tmpl = template.Must(template.New("cover").Parse(defaultCoverSheet))
	}
	return &PortalAdapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: adapterTimeout(cfg)},
		logger:     logger,
		coverTmpl:  tmpl,
	}
}

func (p *PortalAdapter) Config() models.ServicerConfig { return p.cfg }

func (p *PortalAdapter) Validate(sub models.Submission) models.ValidationResult {
	issues := validatePackage(p.cfg, sub, true)
	return models.ValidationResult{Valid: len(issues) == 0, Issues: issues}
}

// Submit uploads the cover sheet and each document in the servicer's
// preferred order, then finalises the package. Transport failures are
// retried with backoff up to the configured attempt limit; a session bounce
// triggers exactly one re-login per attempt.
func (p *PortalAdapter) Submit(ctx context.Context, sub models.Submission) models.SubmissionResult {
	if issues := validatePackage(p.cfg, sub, true); len(issues) > 0 {
		return validationFailure(sub, p.cfg.ID, issues)
	}

	attempts := maxAttempts(p.cfg)
	base := retryBackoff(p.cfg)

	var lastErr error
	tried := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(base, attempt-1)); err != nil {
				lastErr = err
				break
			}
		}
		tried = attempt

		result, err := p.submitPackage(ctx, sub)
		if err == nil {
			result.SubmissionID = sub.ID
			result.ServicerID = p.cfg.ID
			result.Attempts = tried
			result.CompletedAt = time.Now()
			return result
		}
		lastErr = err

		if errors.Is(err, errSessionExpired) {
			return models.SubmissionResult{
				SubmissionID: sub.ID,
				ServicerID:   p.cfg.ID,
				Status:       models.StatusFailed,
				Attempts:     tried,
				Failure: &models.Failure{
					Kind:      models.FailureSession,
					Message:   "portal rejected authentication; credentials invalid or session expired after re-login",
					Retryable: false,
				},
				CompletedAt: time.Now(),
			}
		}

		p.logger.Warn("portal submission attempt failed",
			"servicer", p.cfg.ID,
			"submission", sub.ID,
			"attempt", attempt,
			"error", err,
		)
		if ctx.Err() != nil {
			break
		}
	}

	kind := models.FailureTransport
	retryable := true
	if ctx.Err() != nil {
		kind = models.FailureTimeout
		retryable = false
	}
	return models.SubmissionResult{
		SubmissionID: sub.ID,
		ServicerID:   p.cfg.ID,
		Status:       models.StatusFailed,
		Attempts:     tried,
		Failure:      &models.Failure{Kind: kind, Message: fmt.Sprintf("portal submission failed: %v", lastErr), Retryable: retryable},
		CompletedAt:  time.Now(),
	}
}

// submitPackage performs one full attempt with a fresh session. A session
// bounce mid-upload gets exactly one re-login and rerun before the failure
// surfaces.
func (p *PortalAdapter) submitPackage(ctx context.Context, sub models.Submission) (models.SubmissionResult, error) {
	sess, err := p.login(ctx)
	if err != nil {
		return models.SubmissionResult{}, err
	}

	result, err := p.transmit(ctx, sess, sub)
	if errors.Is(err, errSessionExpired) {
		p.logger.Info("portal session expired mid-upload, re-authenticating", "servicer", p.cfg.ID, "submission", sub.ID)
		sess, err = p.login(ctx)
		if err != nil {
			return models.SubmissionResult{}, err
		}
		result, err = p.transmit(ctx, sess, sub)
	}
	return result, err
}

func (p *PortalAdapter) transmit(ctx context.Context, sess portalSession, sub models.Submission) (models.SubmissionResult, error) {
	cover, err := p.renderCoverSheet(sub)
	if err != nil {
		return models.SubmissionResult{}, fmt.Errorf("render cover sheet: %w", err)
	}
	if err := p.uploadFile(ctx, sess, sub.ID, "cover_sheet.txt", cover); err != nil {
		return models.SubmissionResult{}, err
	}

	docs := orderDocuments(sub.Documents, p.cfg.DocumentOrder)
	for i, doc := range docs {
		name := renderDocumentName(p.cfg.NamingTemplate, sub, doc, i)
		if err := p.uploadFile(ctx, sess, sub.ID, name, doc.Content); err != nil {
			return models.SubmissionResult{}, err
		}
	}

	confirmation, err := p.finalize(ctx, sess, sub.ID)
	if err != nil {
		return models.SubmissionResult{}, err
	}

	return models.SubmissionResult{
		Status:            models.StatusSubmitted,
		ConfirmationID:    confirmation,
		DeliveryConfirmed: true,
	}, nil
}

// login authenticates and returns a fresh session bounded by the configured
// session TTL.
func (p *PortalAdapter) login(ctx context.Context) (portalSession, error) {
	form := url.Values{}
	form.Set("username", p.cfg.Username)
	form.Set("password", p.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("login"), strings.NewReader(form.Encode()))
	if err != nil {
		return portalSession{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return portalSession{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return portalSession{}, errSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		return portalSession{}, fmt.Errorf("portal login returned %s", resp.Status)
	}

	var decoded struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return portalSession{}, fmt.Errorf("decode login response: %w", err)
	}
	if decoded.Token == "" {
		return portalSession{}, errors.New("portal login returned no token")
	}

	ttl := p.cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return portalSession{token: decoded.Token, expiry: time.Now().Add(ttl)}, nil
}

func (p *PortalAdapter) uploadFile(ctx context.Context, sess portalSession, submissionID, name string, content []byte) error {
	if sess.expired() {
		return errSessionExpired
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("submission_id", submissionID); err != nil {
		return err
	}
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := part.Write(content); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("upload"), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+sess.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("portal upload of %q returned %s", name, resp.Status)
	}
	return nil
}

func (p *PortalAdapter) finalize(ctx context.Context, sess portalSession, submissionID string) (string, error) {
	if sess.expired() {
		return "", errSessionExpired
	}

	payload, err := json.Marshal(map[string]string{"submission_id": submissionID})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("finalize"), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+sess.token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", errSessionExpired
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("portal finalize returned %s", resp.Status)
	}

	var decoded struct {
		ConfirmationID string `json:"confirmation_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("decode finalize response: %w", err)
	}
	return decoded.ConfirmationID, nil
}

func (p *PortalAdapter) renderCoverSheet(sub models.Submission) ([]byte, error) {
	docs := orderDocuments(sub.Documents, p.cfg.DocumentOrder)
	named := make([]struct {
		Name   string
		Type   string
		Format string
	}, 0, len(docs))
	for i, doc := range docs {
		named = append(named, struct {
			Name   string
			Type   string
			Format string
		}{
			Name:   renderDocumentName(p.cfg.NamingTemplate, sub, doc, i),
			Type:   doc.Type,
			Format: doc.Format,
		})
	}

	var buf bytes.Buffer
	err := p.coverTmpl.Execute(&buf, map[string]any{
		"ServicerName":   p.cfg.Name,
		"SubmissionID":   sub.ID,
		"SubmissionType": sub.Type,
		"LoanNumber":     sub.Metadata["loan_number"],
		"Borrower":       sub.Metadata["borrower_name"],
		"Documents":      named,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TestConnection attempts a portal login with the configured credentials.
func (p *PortalAdapter) TestConnection(ctx context.Context) models.ConnectionStatus {
	if _, err := p.login(ctx); err != nil {
		if errors.Is(err, errSessionExpired) {
			return models.ConnectionStatus{Success: false, Message: "portal rejected the configured credentials"}
		}
		return models.ConnectionStatus{Success: false, Message: err.Error()}
	}
	return models.ConnectionStatus{Success: true, Message: "portal login succeeded"}
}

func (p *PortalAdapter) endpoint(suffix string) string {
	u, err := url.Parse(p.cfg.Endpoint)
	if err != nil {
		return strings.TrimRight(p.cfg.Endpoint, "/") + "/" + suffix
	}
	u.Path = path.Join(u.Path, suffix)
	return u.String()
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/reliefstack/servicer-engine/internal/adapters"
	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/services"
)

type stubAdapter struct {
	result models.SubmissionResult
	valid  models.ValidationResult
}

func (a *stubAdapter) Submit(ctx context.Context, sub models.Submission) models.SubmissionResult {
	r := a.result
	r.SubmissionID = sub.ID
	r.ServicerID = sub.ServicerID
	return r
}
func (a *stubAdapter) Validate(sub models.Submission) models.ValidationResult { return a.valid }
func (a *stubAdapter) TestConnection(ctx context.Context) models.ConnectionStatus {
	return models.ConnectionStatus{Success: true, Message: "reachable"}
}
func (a *stubAdapter) Config() models.ServicerConfig { return models.ServicerConfig{} }

type stubProvider struct{ adapter *stubAdapter }

func (p *stubProvider) GetAdapter(ctx context.Context, servicerID string) adapters.Adapter {
	return p.adapter
}

type stubIntel struct {
	insights models.LearnedInsights
	recs     []string
}

func (i *stubIntel) LearnFromSubmission(ctx context.Context, sub models.Submission, outcome models.SubmissionOutcome) (models.LearnedInsights, error) {
	return i.insights, nil
}
func (i *stubIntel) Recommendations(ctx context.Context, servicerID string) ([]string, error) {
	return i.recs, nil
}
func (i *stubIntel) Intelligence(ctx context.Context, servicerID string) (models.ServicerIntelligence, error) {
	return models.ServicerIntelligence{ServicerID: servicerID, SuccessRate: 0.75}, nil
}

func newTestServer(adapter *stubAdapter, intel *stubIntel) *httptest.Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewSubmissionService(logger, &stubProvider{adapter: adapter}, intel)
	return httptest.NewServer(NewHandler(svc, logger).Routes())
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func testSubmission() models.Submission {
	return models.Submission{
		ID:         "sub-1",
		ServicerID: "acme_bank",
		Type:       "loan_modification",
		Documents: []models.Document{
			{Type: "application", Format: "pdf", SizeBytes: 3, Content: []byte("abc")},
		},
	}
}

func TestSubmitEndpoint(t *testing.T) {
	adapter := &stubAdapter{result: models.SubmissionResult{Status: models.StatusSubmitted, ConfirmationID: "C-9"}}
	server := newTestServer(adapter, &stubIntel{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/submissions", testSubmission())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[models.SubmissionResult](t, resp)
	if result.Status != models.StatusSubmitted || result.ConfirmationID != "C-9" {
		t.Fatalf("result = %+v", result)
	}
}

func TestSubmitEndpointGeneratesID(t *testing.T) {
	adapter := &stubAdapter{result: models.SubmissionResult{Status: models.StatusSubmitted}}
	server := newTestServer(adapter, &stubIntel{})
	defer server.Close()

	sub := testSubmission()
	sub.ID = ""
	resp := postJSON(t, server.URL+"/v1/submissions", sub)
	result := decodeBody[models.SubmissionResult](t, resp)
	if result.SubmissionID == "" {
		t.Fatal("expected a generated submission id")
	}
}

func TestSubmitEndpointMapsFailuresToStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		result     models.SubmissionResult
		wantStatus int
	}{
		{
			name: "validation failure",
			result: models.SubmissionResult{
				Status:  models.StatusFailed,
				Failure: &models.Failure{Kind: models.FailureValidation, Message: "empty"},
			},
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name: "transport failure",
			result: models.SubmissionResult{
				Status:  models.StatusFailed,
				Failure: &models.Failure{Kind: models.FailureTransport, Message: "down", Retryable: true},
			},
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "servicer rejection is still a handled submission",
			result:     models.SubmissionResult{Status: models.StatusRejected, Failure: &models.Failure{Kind: models.FailureRejected, Message: "no"}},
			wantStatus: http.StatusOK,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := newTestServer(&stubAdapter{result: tc.result}, &stubIntel{})
			defer server.Close()

			resp := postJSON(t, server.URL+"/v1/submissions", testSubmission())
			resp.Body.Close()
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
		})
	}
}

func TestSubmitEndpointRejectsBadBody(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp, err := http.Post(server.URL+"/v1/submissions", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestValidateEndpoint(t *testing.T) {
	adapter := &stubAdapter{valid: models.ValidationResult{
		Valid:  false,
		Issues: []models.ValidationIssue{{Code: "missing_document", Document: "paystub", Message: "required document missing: paystub"}},
	}}
	server := newTestServer(adapter, &stubIntel{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/submissions/validate", testSubmission())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decodeBody[models.ValidationResult](t, resp)
	if result.Valid || len(result.Issues) != 1 || result.Issues[0].Code != "missing_document" {
		t.Fatalf("result = %+v", result)
	}
}

func TestOutcomeEndpointUnknownSubmission(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/submissions/missing/outcome", models.SubmissionOutcome{Status: models.OutcomeAccepted})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestOutcomeEndpointAfterSubmit(t *testing.T) {
	adapter := &stubAdapter{result: models.SubmissionResult{Status: models.StatusSubmitted}}
	intel := &stubIntel{insights: models.LearnedInsights{ServicerID: "acme_bank", CreatedRecords: 3}}
	server := newTestServer(adapter, intel)
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/submissions", testSubmission())
	resp.Body.Close()

	resp = postJSON(t, server.URL+"/v1/submissions/sub-1/outcome", models.SubmissionOutcome{Status: models.OutcomeAccepted})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	insights := decodeBody[models.LearnedInsights](t, resp)
	if insights.CreatedRecords != 3 {
		t.Fatalf("insights = %+v", insights)
	}
}

func TestOutcomeEndpointWithEmbeddedSubmission(t *testing.T) {
	intel := &stubIntel{insights: models.LearnedInsights{ServicerID: "acme_bank", CreatedRecords: 2}}
	server := newTestServer(&stubAdapter{}, intel)
	defer server.Close()

	sub := testSubmission()
	payload := map[string]any{
		"status":     models.OutcomeAccepted,
		"submission": sub,
	}
	resp := postJSON(t, server.URL+"/v1/submissions/sub-1/outcome", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	insights := decodeBody[models.LearnedInsights](t, resp)
	if insights.CreatedRecords != 2 {
		t.Fatalf("insights = %+v", insights)
	}
}

func TestOutcomeEndpointRejectsUnknownStatus(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp := postJSON(t, server.URL+"/v1/submissions/sub-1/outcome", map[string]string{"status": "maybe"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRecommendationsEndpoint(t *testing.T) {
	intel := &stubIntel{recs: []string{"Preferred formats: pdf"}}
	server := newTestServer(&stubAdapter{}, intel)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/servicers/acme_bank/recommendations")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	recs, ok := body["recommendations"].([]any)
	if !ok || len(recs) != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestIntelligenceEndpoint(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/servicers/acme_bank/intelligence")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	intel := decodeBody[models.ServicerIntelligence](t, resp)
	if intel.ServicerID != "acme_bank" || intel.SuccessRate != 0.75 {
		t.Fatalf("intelligence = %+v", intel)
	}
}

func TestConnectionEndpoint(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/servicers/acme_bank/connection")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	status := decodeBody[models.ConnectionStatus](t, resp)
	if !status.Success {
		t.Fatalf("status = %+v", status)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(&stubAdapter{}, &stubIntel{})
	defer server.Close()

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decodeBody[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("body = %+v", body)
	}
	for _, key := range []string{"latency_p95", "latency_avg"} {
		if _, ok := body[key].(string); !ok {
			t.Fatalf("health body missing %s: %+v", key, body)
		}
	}
}

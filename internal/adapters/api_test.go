package adapters

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func apiTestConfig(endpoint string) models.ServicerConfig {
	return models.ServicerConfig{
		ID:           "acme_bank",
		Name:         "Acme Bank",
		Integration:  models.IntegrationAPI,
		Endpoint:     endpoint,
		APIKey:       "test-key",
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
	}
}

func apiTestSubmission() models.Submission {
	return models.Submission{
		ID:          "sub-100",
		ServicerID:  "acme_bank",
		Type:        "loan_modification",
		SubmittedAt: time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC),
		Metadata:    map[string]string{"loan_number": "LN-1"},
		Documents: []models.Document{
			{Type: "application", Format: "pdf", SizeBytes: 3, Content: []byte("abc")},
			{Type: "hardship_letter", Format: "pdf", SizeBytes: 3, Content: []byte("def")},
		},
	}
}

func TestAPIAdapterSubmitSuccess(t *testing.T) {
	var gotAuth string
	var gotBody apiSubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/submissions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(apiSubmitResponse{ConfirmationID: "CONF-77", Status: "received"})
	}))
	defer server.Close()

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	result := adapter.Submit(context.Background(), apiTestSubmission())

	if result.Status != models.StatusSubmitted {
		t.Fatalf("status = %s, want submitted (failure: %+v)", result.Status, result.Failure)
	}
	if result.ConfirmationID != "CONF-77" {
		t.Fatalf("confirmation = %q, want CONF-77", result.ConfirmationID)
	}
	if !result.DeliveryConfirmed {
		t.Fatal("expected delivery confirmed for synchronous API acknowledgement")
	}
	if result.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", result.Attempts)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if len(gotBody.Documents) != 2 {
		t.Fatalf("documents in request = %d, want 2", len(gotBody.Documents))
	}
}

func TestAPIAdapterAppliesDocumentOrder(t *testing.T) {
	var gotBody apiSubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := apiTestConfig(server.URL)
	cfg.DocumentOrder = []string{"hardship_letter", "application"}
	adapter := NewAPIAdapter(cfg, testLogger())

	result := adapter.Submit(context.Background(), apiTestSubmission())
	if result.Status != models.StatusSubmitted {
		t.Fatalf("status = %s, failure: %+v", result.Status, result.Failure)
	}
	if gotBody.Documents[0].Type != "hardship_letter" || gotBody.Documents[1].Type != "application" {
		t.Fatalf("document order not applied: %s, %s", gotBody.Documents[0].Type, gotBody.Documents[1].Type)
	}
}

func TestAPIAdapterRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"missing income documentation"}`, http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	result := adapter.Submit(context.Background(), apiTestSubmission())

	if result.Status != models.StatusRejected {
		t.Fatalf("status = %s, want rejected", result.Status)
	}
	if !result.Failed(models.FailureRejected) {
		t.Fatalf("failure = %+v, want kind rejected", result.Failure)
	}
	if result.Failure.Retryable {
		t.Fatal("rejection must not be retryable")
	}
	if calls.Load() != 1 {
		t.Fatalf("server called %d times, want 1", calls.Load())
	}
}

func TestAPIAdapterRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(apiSubmitResponse{ConfirmationID: "CONF-2"})
	}))
	defer server.Close()

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	result := adapter.Submit(context.Background(), apiTestSubmission())

	if result.Status != models.StatusSubmitted {
		t.Fatalf("status = %s, failure: %+v", result.Status, result.Failure)
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
}

func TestAPIAdapterExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	result := adapter.Submit(context.Background(), apiTestSubmission())

	if result.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !result.Failed(models.FailureTransport) {
		t.Fatalf("failure = %+v, want kind transport", result.Failure)
	}
	if !result.Failure.Retryable {
		t.Fatal("exhausted transport failure should still be marked retryable for the caller")
	}
	if calls.Load() != 3 {
		t.Fatalf("server called %d times, want 3", calls.Load())
	}
}

func TestAPIAdapterValidationFailureSkipsNetwork(t *testing.T) {
	cfg := apiTestConfig("http://127.0.0.1:0")
	cfg.AcceptedFormats = []string{"pdf"}
	adapter := NewAPIAdapter(cfg, testLogger())

	sub := apiTestSubmission()
	sub.Documents[0].Format = "docx"

	result := adapter.Submit(context.Background(), sub)
	if result.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !result.Failed(models.FailureValidation) {
		t.Fatalf("failure = %+v, want kind validation", result.Failure)
	}
}

func TestAPIAdapterTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	status := adapter.TestConnection(context.Background())
	if !status.Success {
		t.Fatalf("expected success, got %+v", status)
	}

	server.Close()
	status = adapter.TestConnection(context.Background())
	if status.Success {
		t.Fatal("expected failure after server shutdown")
	}
}

func TestAPIAdapterClientTimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	cfg := apiTestConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond

	adapter := NewAPIAdapter(cfg, testLogger())
	result := adapter.Submit(context.Background(), apiTestSubmission())

	if result.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !result.Failed(models.FailureTransport) {
		t.Fatalf("failure = %+v, want kind transport", result.Failure)
	}
	if !result.Failure.Retryable {
		t.Fatal("client-side timeout should stay retryable")
	}
	// The per-request timeout must not end the retry loop early.
	if got := calls.Load(); got != 3 {
		t.Fatalf("server saw %d calls, want 3", got)
	}
	if result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", result.Attempts)
	}
}

func TestAPIAdapterCallerDeadlineEndsRetries(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := NewAPIAdapter(apiTestConfig(server.URL), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	result := adapter.Submit(ctx, apiTestSubmission())

	if result.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !result.Failed(models.FailureTimeout) {
		t.Fatalf("failure = %+v, want kind timeout", result.Failure)
	}
	if result.Failure.Retryable {
		t.Fatal("an exhausted caller deadline is not retryable")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server saw %d calls, want 1", got)
	}
}

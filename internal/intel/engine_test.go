package intel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/reliefstack/servicer-engine/internal/models"
	"github.com/reliefstack/servicer-engine/internal/store"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	records   map[string]models.IntelligenceRecord // key: servicer|signature
	logged    int
	failing   bool
	insertErr error // forced hard failure for InsertRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]models.IntelligenceRecord)}
}

func (m *memStore) key(servicerID, signature string) string {
	return servicerID + "|" + signature
}

func (m *memStore) GetRecord(_ context.Context, servicerID, signature string) (models.IntelligenceRecord, bool, error) {
	if m.failing {
		return models.IntelligenceRecord{}, false, errors.New("store unavailable")
	}
	rec, ok := m.records[m.key(servicerID, signature)]
	return rec, ok, nil
}

func (m *memStore) InsertRecord(_ context.Context, rec models.IntelligenceRecord) error {
	if m.failing {
		return errors.New("store unavailable")
	}
	if m.insertErr != nil {
		return m.insertErr
	}
	k := m.key(rec.ServicerID, rec.Signature)
	if _, exists := m.records[k]; exists {
		return fmt.Errorf("duplicate record %s: %w", k, store.ErrDuplicateRecord)
	}
	m.records[k] = rec
	return nil
}

func (m *memStore) UpdateRecord(_ context.Context, rec models.IntelligenceRecord, expectedOccurrences int) (bool, error) {
	if m.failing {
		return false, errors.New("store unavailable")
	}
	k := m.key(rec.ServicerID, rec.Signature)
	existing, ok := m.records[k]
	if !ok || existing.Occurrences != expectedOccurrences {
		return false, nil
	}
	m.records[k] = rec
	return true, nil
}

func (m *memStore) ListRecords(_ context.Context, servicerID string) ([]models.IntelligenceRecord, error) {
	if m.failing {
		return nil, errors.New("store unavailable")
	}
	var out []models.IntelligenceRecord
	for k, rec := range m.records {
		if strings.HasPrefix(k, servicerID+"|") {
			out = append(out, rec)
		}
	}
	// Confidence-descending, matching the SQLite read.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Confidence > out[i].Confidence {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memStore) AppendLog(_ context.Context, _, _ string, patterns []models.Pattern, _ models.OutcomeStatus) error {
	if m.failing {
		return errors.New("store unavailable")
	}
	m.logged += len(patterns)
	return nil
}

func acceptedOutcome(sub models.Submission) models.SubmissionOutcome {
	return models.SubmissionOutcome{
		Status:      models.OutcomeAccepted,
		RespondedAt: sub.SubmittedAt.Add(24 * time.Hour),
	}
}

func TestLearnFirstAcceptedSubmission(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(nil, store, nil, DefaultPolicy())

	sub := sampleSubmission()
	insights, err := engine.LearnFromSubmission(context.Background(), sub, acceptedOutcome(sub))
	if err != nil {
		t.Fatalf("learn: %v", err)
	}

	if insights.CreatedRecords != 3 {
		t.Fatalf("expected 3 new records (order, format, timing), got %d", insights.CreatedRecords)
	}
	if insights.UpdatedRecords != 0 {
		t.Fatalf("expected no updates on first observation, got %d", insights.UpdatedRecords)
	}
	if len(insights.NewRequirements) != 3 {
		t.Fatalf("expected new-requirement flags for each created record")
	}

	order, found, _ := store.GetRecord(context.Background(), "acme_bank", "document_order:hardship_letter>bank_statement")
	if !found {
		t.Fatalf("document_order record not created")
	}
	if order.Confidence != 0.9 || order.Occurrences != 1 {
		t.Fatalf("expected confidence 0.9 occurrence 1, got %v/%d", order.Confidence, order.Occurrences)
	}
	if order.Type != models.IntelligenceRequirement {
		t.Fatalf("document_order must persist as a requirement record, got %s", order.Type)
	}

	format, found, _ := store.GetRecord(context.Background(), "acme_bank", "document_format:pdf")
	if !found {
		t.Fatalf("document_format record not created")
	}
	if format.Confidence != 0.85 || format.Occurrences != 1 {
		t.Fatalf("expected confidence 0.85 occurrence 1, got %v/%d", format.Confidence, format.Occurrences)
	}

	if store.logged != 3 {
		t.Fatalf("expected 3 raw log entries, got %d", store.logged)
	}
}

func TestLearnRepeatUpdatesExistingRecord(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(nil, store, nil, DefaultPolicy())
	ctx := context.Background()

	sub := sampleSubmission()
	outcome := acceptedOutcome(sub)
	if _, err := engine.LearnFromSubmission(ctx, sub, outcome); err != nil {
		t.Fatalf("first learn: %v", err)
	}
	insights, err := engine.LearnFromSubmission(ctx, sub, models.SubmissionOutcome{
		Status:      models.OutcomeAccepted,
		RespondedAt: outcome.RespondedAt.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("second learn: %v", err)
	}

	if insights.CreatedRecords != 0 {
		t.Fatalf("repeat observation must not create records, created %d", insights.CreatedRecords)
	}
	if insights.UpdatedRecords != 3 {
		t.Fatalf("expected 3 updated records, got %d", insights.UpdatedRecords)
	}

	order, _, _ := store.GetRecord(ctx, "acme_bank", "document_order:hardship_letter>bank_statement")
	if math.Abs(order.Confidence-0.91) > 1e-9 {
		t.Fatalf("expected confidence 0.9 + 0.1*0.1 = 0.91, got %v", order.Confidence)
	}
	if order.Occurrences != 2 {
		t.Fatalf("expected occurrence count 2, got %d", order.Occurrences)
	}
	if len(order.Evidence) != 2 {
		t.Fatalf("expected evidence per learning event, got %d entries", len(order.Evidence))
	}
}

func TestConfidenceConvergesMonotonically(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(nil, store, nil, DefaultPolicy())
	ctx := context.Background()

	sub := sampleSubmission()
	prev := 0.0
	prevIncrement := math.Inf(1)
	for i := 0; i < 40; i++ {
		outcome := models.SubmissionOutcome{
			Status:      models.OutcomeAccepted,
			RespondedAt: sub.SubmittedAt.Add(time.Duration(i+1) * time.Hour),
		}
		if _, err := engine.LearnFromSubmission(ctx, sub, outcome); err != nil {
			t.Fatalf("learn %d: %v", i, err)
		}

		order, _, _ := store.GetRecord(ctx, "acme_bank", "document_order:hardship_letter>bank_statement")
		if order.Confidence < 0 || order.Confidence > 1 {
			t.Fatalf("confidence escaped [0,1]: %v", order.Confidence)
		}
		if order.Confidence >= 1 {
			t.Fatalf("confidence must never reach 1.0, got %v", order.Confidence)
		}
		if order.Confidence <= prev {
			t.Fatalf("confidence must increase monotonically: %v after %v", order.Confidence, prev)
		}
		if i > 0 {
			increment := order.Confidence - prev
			if increment >= prevIncrement {
				t.Fatalf("increments must strictly decrease: %v then %v", prevIncrement, increment)
			}
			prevIncrement = increment
		}
		if order.Occurrences != i+1 {
			t.Fatalf("occurrence count must advance by exactly 1: want %d got %d", i+1, order.Occurrences)
		}
		prev = order.Confidence
	}
}

func TestLearnRejectedOnlyTiming(t *testing.T) {
	store := newMemStore()
	engine := NewEngine(nil, store, nil, DefaultPolicy())

	sub := sampleSubmission()
	insights, err := engine.LearnFromSubmission(context.Background(), sub, models.SubmissionOutcome{
		Status:      models.OutcomeRejected,
		RespondedAt: sub.SubmittedAt.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("learn: %v", err)
	}
	if insights.CreatedRecords != 1 {
		t.Fatalf("rejected outcome should create only the timing record, got %d", insights.CreatedRecords)
	}
	if _, found, _ := store.GetRecord(context.Background(), "acme_bank", "document_order:hardship_letter>bank_statement"); found {
		t.Fatalf("rejected outcome must not create ordering intelligence")
	}
}

func TestLearnStoreFailureSurfacesError(t *testing.T) {
	store := newMemStore()
	store.failing = true
	engine := NewEngine(nil, store, nil, DefaultPolicy())

	sub := sampleSubmission()
	_, err := engine.LearnFromSubmission(context.Background(), sub, acceptedOutcome(sub))
	if err == nil {
		t.Fatalf("expected error when store is unavailable")
	}
}

func TestLearnInsertFailureSurfacesError(t *testing.T) {
	mem := newMemStore()
	mem.insertErr = errors.New("disk full")
	engine := NewEngine(nil, mem, nil, DefaultPolicy())

	sub := sampleSubmission()
	_, err := engine.LearnFromSubmission(context.Background(), sub, acceptedOutcome(sub))
	if err == nil {
		t.Fatal("expected insert failure to surface")
	}
	// A hard store failure is not a writer race and must not burn the
	// optimistic-retry budget.
	if !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected the store error verbatim, got %v", err)
	}
	if strings.Contains(err.Error(), "contended") {
		t.Fatalf("insert failure misreported as contention: %v", err)
	}
}

func TestSameInstantOutcomesKeepDistinctEvidence(t *testing.T) {
	mem := newMemStore()
	engine := NewEngine(nil, mem, nil, DefaultPolicy())
	ctx := context.Background()

	first := sampleSubmission()
	second := sampleSubmission()
	second.ID = "sub-2"
	respondedAt := first.SubmittedAt.Add(24 * time.Hour)

	for _, sub := range []models.Submission{first, second} {
		outcome := models.SubmissionOutcome{Status: models.OutcomeAccepted, RespondedAt: respondedAt}
		if _, err := engine.LearnFromSubmission(ctx, sub, outcome); err != nil {
			t.Fatalf("learn %s: %v", sub.ID, err)
		}
	}

	order, _, _ := mem.GetRecord(ctx, "acme_bank", "document_order:hardship_letter>bank_statement")
	// Two submissions resolved at the same instant stay two observations.
	if len(order.Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d: %v", len(order.Evidence), order.Evidence)
	}
	if order.Occurrences != 2 {
		t.Fatalf("expected 2 occurrences, got %d", order.Occurrences)
	}
}

func TestEvidenceRetentionCapped(t *testing.T) {
	store := newMemStore()
	policy := DefaultPolicy()
	policy.EvidenceLimit = 5
	engine := NewEngine(nil, store, nil, policy)
	ctx := context.Background()

	sub := sampleSubmission()
	for i := 0; i < 12; i++ {
		outcome := models.SubmissionOutcome{
			Status:      models.OutcomeAccepted,
			RespondedAt: sub.SubmittedAt.Add(time.Duration(i+1) * time.Hour),
		}
		if _, err := engine.LearnFromSubmission(ctx, sub, outcome); err != nil {
			t.Fatalf("learn %d: %v", i, err)
		}
	}

	order, _, _ := store.GetRecord(ctx, "acme_bank", "document_order:hardship_letter>bank_statement")
	if len(order.Evidence) != 5 {
		t.Fatalf("expected evidence capped at 5, got %d", len(order.Evidence))
	}
	if order.Occurrences != 12 {
		t.Fatalf("occurrence counter must not be affected by evidence eviction, got %d", order.Occurrences)
	}
}

package models

import "time"

// Submission is a loss-mitigation document package handed over by the
// surrounding application. It is write-once: the engine only reads it.
type Submission struct {
	ID          string            `json:"id"`
	ServicerID  string            `json:"servicer_id"`
	Type        string            `json:"type"`
	Documents   []Document        `json:"documents"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Document describes one file inside a submission package. Content carries
// the raw bytes for channels that transmit files; metadata-only callers may
// leave it empty.
type Document struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	Format    string `json:"format"`
	SizeBytes int64  `json:"size_bytes"`
	Content   []byte `json:"content_base64,omitempty"`
}

// OutcomeStatus enumerates servicer decisions on a submission.
type OutcomeStatus string

const (
	OutcomeAccepted        OutcomeStatus = "accepted"
	OutcomeRejected        OutcomeStatus = "rejected"
	OutcomePending         OutcomeStatus = "pending"
	OutcomeRequiresChanges OutcomeStatus = "requires_changes"
)

// SubmissionOutcome is the servicer's (or a human monitor's) verdict on one
// submission. It is handed to the intelligence engine exactly once.
type SubmissionOutcome struct {
	Status          OutcomeStatus `json:"status"`
	RespondedAt     time.Time     `json:"responded_at"`
	Feedback        string        `json:"feedback,omitempty"`
	RequiredChanges []string      `json:"required_changes,omitempty"`
	ProcessingTime  time.Duration `json:"processing_time,omitempty"`
}

// DocumentTypes returns the ordered document type tags of the package.
func (s Submission) DocumentTypes() []string {
	types := make([]string, 0, len(s.Documents))
	for _, doc := range s.Documents {
		types = append(types, doc.Type)
	}
	return types
}

// TotalSize returns the summed byte size of all documents.
func (s Submission) TotalSize() int64 {
	var total int64
	for _, doc := range s.Documents {
		total += doc.SizeBytes
	}
	return total
}

package models

import "time"

// SubmissionStatus enumerates terminal states of a submission attempt.
type SubmissionStatus string

const (
	// StatusSubmitted means the servicer's system acknowledged receipt.
	StatusSubmitted SubmissionStatus = "submitted"
	// StatusTransmitted means the transport accepted the package but the
	// servicer has not acknowledged processing (email's weaker guarantee).
	StatusTransmitted SubmissionStatus = "transmitted"
	// StatusRejected means the servicer's system declined the package.
	StatusRejected SubmissionStatus = "rejected"
	// StatusFailed means the attempt did not reach the servicer.
	StatusFailed SubmissionStatus = "failed"
	// StatusManualReview means no automated channel exists and the package
	// was queued for a human to submit.
	StatusManualReview SubmissionStatus = "manual_review"
)

// FailureKind discriminates why an attempt failed, so callers can decide
// between retry, fix-and-resubmit, and escalation.
type FailureKind string

const (
	FailureTransport  FailureKind = "transport"
	FailureSession    FailureKind = "session"
	FailureValidation FailureKind = "validation"
	FailureRejected   FailureKind = "rejected"
	FailureTimeout    FailureKind = "timeout"
)

// Failure carries the typed failure attached to a SubmissionResult.
type Failure struct {
	Kind      FailureKind `json:"kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// SubmissionResult reports the outcome of one adapter submit call.
type SubmissionResult struct {
	SubmissionID      string           `json:"submission_id"`
	ServicerID        string           `json:"servicer_id"`
	Status            SubmissionStatus `json:"status"`
	ConfirmationID    string           `json:"confirmation_id,omitempty"`
	Attempts          int              `json:"attempts"`
	DeliveryConfirmed bool             `json:"delivery_confirmed"`
	Failure           *Failure         `json:"failure,omitempty"`
	CompletedAt       time.Time        `json:"completed_at"`
}

// Failed reports whether the result carries a failure of the given kind.
func (r SubmissionResult) Failed(kind FailureKind) bool {
	return r.Failure != nil && r.Failure.Kind == kind
}

// ValidationIssue is one locally detectable problem with a submission.
type ValidationIssue struct {
	Code     string `json:"code"`
	Document string `json:"document,omitempty"`
	Message  string `json:"message"`
}

// ValidationResult is the pre-flight check outcome. Valid is false whenever
// Issues is non-empty.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// ConnectionStatus reports a lightweight reachability/credential probe.
type ConnectionStatus struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

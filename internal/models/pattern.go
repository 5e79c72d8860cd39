package models

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// PatternType enumerates the kinds of observations the engine extracts.
type PatternType string

const (
	PatternDocumentOrder    PatternType = "document_order"
	PatternDocumentFormat   PatternType = "document_format"
	PatternSubmissionTiming PatternType = "submission_timing"
	PatternCommonIssues     PatternType = "common_issues"
)

// IntelligenceType classifies persisted intelligence records. Other tooling
// reads these values, so they are part of the durable contract.
type IntelligenceType string

const (
	IntelligenceRequirement      IntelligenceType = "requirement"
	IntelligencePattern          IntelligenceType = "pattern"
	IntelligenceSuccessFactor    IntelligenceType = "success_factor"
	IntelligenceContactProtocol  IntelligenceType = "contact_protocol"
	IntelligenceTimingPreference IntelligenceType = "timing_preference"
)

// IntelligenceTypeFor maps a pattern type to the intelligence type its record
// is stored under. The mapping is closed: adding a pattern type without a case
// here falls through to the generic bucket on purpose.
func IntelligenceTypeFor(pt PatternType) IntelligenceType {
	switch pt {
	case PatternDocumentOrder, PatternDocumentFormat, PatternCommonIssues:
		return IntelligenceRequirement
	case PatternSubmissionTiming:
		return IntelligenceTimingPreference
	default:
		return IntelligencePattern
	}
}

// Pattern is a single typed observation extracted from one
// (submission, outcome) pair. The payload fields are discriminated by Type.
type Pattern struct {
	Type        PatternType       `json:"type"`
	Confidence  float64           `json:"confidence"`
	Occurrences int               `json:"occurrences"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// document_order payload
	DocumentOrder []string `json:"document_order,omitempty"`
	// document_format payload
	Formats []string `json:"formats,omitempty"`
	// submission_timing payload
	Weekday      time.Weekday  `json:"weekday,omitempty"`
	Hour         int           `json:"hour,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	// common_issues payload
	Issues []string `json:"issues,omitempty"`
}

// Signature serialises the payload into the stable key used to aggregate
// repeated observations. Two patterns with equal signatures describe the same
// servicer behaviour and must share one intelligence record.
func (p Pattern) Signature() string {
	switch p.Type {
	case PatternDocumentOrder:
		return string(p.Type) + ":" + strings.Join(p.DocumentOrder, ">")
	case PatternDocumentFormat:
		formats := append([]string(nil), p.Formats...)
		sort.Strings(formats)
		return string(p.Type) + ":" + strings.Join(formats, ",")
	case PatternSubmissionTiming:
		return string(p.Type) + ":" + strings.ToLower(p.Weekday.String()) + ":" + strconv.Itoa(p.Hour)
	case PatternCommonIssues:
		issues := append([]string(nil), p.Issues...)
		sort.Strings(issues)
		return string(p.Type) + ":" + strings.Join(issues, "|")
	default:
		return string(p.Type)
	}
}

// Clamp bounds a confidence value to [0,1].
func Clamp(confidence float64) float64 {
	if confidence < 0 {
		return 0
	}
	if confidence > 1 {
		return 1
	}
	return confidence
}

// IntelligenceRecord is the durable, aggregated view of one recurring pattern
// for one servicer. Keyed by (ServicerID, Signature); repeated observation
// updates, never duplicates.
type IntelligenceRecord struct {
	ID          string                   `json:"id"`
	ServicerID  string                   `json:"servicer_id"`
	Type        IntelligenceType         `json:"type"`
	Signature   string                   `json:"signature"`
	Description string                   `json:"description"`
	Pattern     Pattern                  `json:"pattern"`
	Evidence    map[string]OutcomeStatus `json:"evidence,omitempty"`
	Confidence  float64                  `json:"confidence"`
	Occurrences int                      `json:"occurrences"`
	Impact      float64                  `json:"impact"`
	LastSeen    time.Time                `json:"last_seen"`
}

// ServicerIntelligence is the per-servicer aggregate derived on read.
type ServicerIntelligence struct {
	ServicerID      string               `json:"servicer_id"`
	Requirements    map[string]string    `json:"requirements,omitempty"`
	Patterns        []Pattern            `json:"patterns,omitempty"`
	SuccessRate     float64              `json:"success_rate"`
	AvgResponseTime time.Duration        `json:"avg_response_time"`
	LastUpdated     time.Time            `json:"last_updated"`
	Records         []IntelligenceRecord `json:"-"`
}

// LearnedInsights summarises one learning event for the caller.
type LearnedInsights struct {
	ServicerID      string    `json:"servicer_id"`
	Patterns        []Pattern `json:"patterns"`
	CreatedRecords  int       `json:"created_records"`
	UpdatedRecords  int       `json:"updated_records"`
	NewRequirements []string  `json:"new_requirements,omitempty"`
	ConfidenceDelta float64   `json:"confidence_delta"`
	Recommendations []string  `json:"recommendations,omitempty"`
}

// Advice is the intelligence engine's guidance consumed by the factory and
// the generic adapter: soft defaults, never hard rules.
type Advice struct {
	ServicerID       string            `json:"servicer_id"`
	Requirements     map[string]string `json:"requirements,omitempty"`
	DocumentOrder    []string          `json:"document_order,omitempty"`
	PreferredFormats []string          `json:"preferred_formats,omitempty"`
	BestWeekday      time.Weekday      `json:"best_weekday,omitempty"`
	BestHour         int               `json:"best_hour,omitempty"`
	KnownIssues      []string          `json:"known_issues,omitempty"`
	SuccessRate      float64           `json:"success_rate"`
	Observations     int               `json:"observations"`
}

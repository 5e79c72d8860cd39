package models

import "time"

// IntegrationType identifies the channel a servicer accepts packages on.
type IntegrationType string

const (
	IntegrationAPI    IntegrationType = "api"
	IntegrationPortal IntegrationType = "portal"
	IntegrationEmail  IntegrationType = "email"
	IntegrationFax    IntegrationType = "fax"
)

// ServicerConfig parameterises one adapter. For dedicated adapters the values
// come from configuration; for the generic adapter Requirements carries the
// currently learned recommendations instead.
type ServicerConfig struct {
	ID          string          `yaml:"id" json:"id"`
	Name        string          `yaml:"name" json:"name"`
	Integration IntegrationType `yaml:"integration" json:"integration"`

	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
	Username string `yaml:"username" json:"-"`
	Password string `yaml:"password" json:"-"`
	APIKey   string `yaml:"apiKey" json:"-"`

	Requirements    map[string]string `yaml:"requirements" json:"requirements,omitempty"`
	DocumentOrder   []string          `yaml:"documentOrder" json:"document_order,omitempty"`
	AcceptedFormats []string          `yaml:"acceptedFormats" json:"accepted_formats,omitempty"`
	RequiredTypes   []string          `yaml:"requiredTypes" json:"required_types,omitempty"`
	MaxFileBytes    int64             `yaml:"maxFileBytes" json:"max_file_bytes,omitempty"`
	MaxTotalBytes   int64             `yaml:"maxTotalBytes" json:"max_total_bytes,omitempty"`
	DateFormat      string            `yaml:"dateFormat" json:"date_format,omitempty"`
	NamingTemplate  string            `yaml:"namingTemplate" json:"naming_template,omitempty"`

	// Portal-only settings.
	CoverSheetTemplate string        `yaml:"coverSheetTemplate" json:"-"`
	SessionTTL         time.Duration `yaml:"sessionTTL" json:"-"`

	// Email/fax-only settings.
	SubjectTemplate string `yaml:"subjectTemplate" json:"-"`
	BodyTemplate    string `yaml:"bodyTemplate" json:"-"`
	ConfirmationCC  string `yaml:"confirmationCC" json:"-"`
	ReadReceipt     bool   `yaml:"readReceipt" json:"-"`

	Timeout      time.Duration `yaml:"timeout" json:"-"`
	MaxAttempts  int           `yaml:"maxAttempts" json:"-"`
	RetryBackoff time.Duration `yaml:"retryBackoff" json:"-"`
}

// AcceptsFormat reports whether the servicer accepts the given file format.
// An empty accepted list means no restriction is known.
func (c ServicerConfig) AcceptsFormat(format string) bool {
	if len(c.AcceptedFormats) == 0 {
		return true
	}
	for _, f := range c.AcceptedFormats {
		if f == format {
			return true
		}
	}
	return false
}

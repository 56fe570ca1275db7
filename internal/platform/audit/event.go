// Package audit appends immutable records of every auth decision. Events are
// written once and never mutated or deleted; retention and search live in the
// compliance tooling, not here.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Category labels the kind of decision an event records.
type Category string

const (
	CategoryAuthSuccess        Category = "AUTH_SUCCESS"
	CategoryAuthFailure        Category = "AUTH_FAILURE"
	CategorySessionTimeout     Category = "SESSION_TIMEOUT"
	CategoryCrossTenantAttempt Category = "CROSS_TENANT_ATTEMPT"
	CategoryEmergencyAccess    Category = "EMERGENCY_ACCESS"
	CategoryPHIAccess          Category = "PHI_ACCESS"
	CategoryConfigChange       Category = "CONFIG_CHANGE"
)

// Outcome values for an event.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// Event is one appended audit record.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	// PrincipalID is empty for failures that happened before a principal was
	// resolved (missing or unverifiable tokens).
	PrincipalID  string   `json:"principal_id,omitempty"`
	Role         string   `json:"role,omitempty"`
	ClinicID     string   `json:"clinic_id,omitempty"`
	Category     Category `json:"category"`
	Action       string   `json:"action,omitempty"`
	ResourceType string   `json:"resource_type,omitempty"`
	ResourceID   string   `json:"resource_id,omitempty"`
	Outcome      string   `json:"outcome"`
	// Reason is the precise internal failure classification. It stays in the
	// audit stream; HTTP responses never expose it.
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	// Alert marks events that should page someone, break-glass use above all.
	Alert bool `json:"alert,omitempty"`
	// SuperAdminCrossClinic labels a super-admin allow that crossed the
	// tenant boundary, keeping it distinguishable from routine access.
	SuperAdminCrossClinic bool              `json:"super_admin_cross_clinic,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// fill stamps the generated fields an event needs before append.
func (e *Event) fill(now time.Time) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now.UTC()
	}
}

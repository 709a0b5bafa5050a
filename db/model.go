package db

import "time"

// ===========================
// INCIDENT MODELS
// ===========================

// Incident statuses
const (
	IncidentStatusOpen         = "open"
	IncidentStatusAcknowledged = "acknowledged"
	IncidentStatusResolved     = "resolved"
	IncidentStatusCancelled    = "cancelled"
)

// Incident represents a tracked occurrence of a triggering condition.
// Incidents are append-only: they move through terminal states but are
// never hard-deleted.
type Incident struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Severity       int                    `json:"severity"` // 1 (critical) .. 4 (low)
	Source         string                 `json:"source"`
	RootHash       string                 `json:"root_hash"`
	Status         string                 `json:"status"`
	PolicyName     string                 `json:"policy_name"`
	Context        map[string]interface{} `json:"context,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string                 `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy     string                 `json:"resolved_by,omitempty"`
}

// IsTerminal reports whether the incident can no longer transition.
func (i *Incident) IsTerminal() bool {
	return i.Status == IncidentStatusResolved || i.Status == IncidentStatusCancelled
}

// ===========================
// ESCALATION MODELS
// ===========================

// Notification channels
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelVoice    = "voice"
	ChannelWhatsApp = "whatsapp"
)

// ValidChannels enumerates the transports policy steps may reference.
var ValidChannels = []string{ChannelEmail, ChannelSMS, ChannelVoice, ChannelWhatsApp}

// EscalationPolicy is a named, ordered set of delayed multi-channel steps.
type EscalationPolicy struct {
	Name            string           `json:"name"`
	Enabled         bool             `json:"enabled"`
	CooldownSeconds int              `json:"cooldown_seconds"`
	Steps           []EscalationStep `json:"steps"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CreatedBy       string           `json:"created_by,omitempty"`
}

// EscalationStep is one tier of a policy. Delays must be strictly
// increasing across steps; the first step is typically delay 0.
type EscalationStep struct {
	Level        int      `json:"level"`
	DelaySeconds int      `json:"delay_seconds"`
	Channels     []string `json:"channels"`
}

// EscalationEvent statuses. Events only ever move forward:
// pending -> dispatching -> sent|failed, or pending -> cancelled.
const (
	EventStatusPending     = "pending"
	EventStatusDispatching = "dispatching"
	EventStatusSent        = "sent"
	EventStatusFailed      = "failed"
	EventStatusCancelled   = "cancelled"
)

// EscalationEvent is one scheduled notification: exactly one row per
// (incident, step, channel), created at trigger time.
type EscalationEvent struct {
	ID          string     `json:"id"`
	IncidentID  string     `json:"incident_id"`
	StepLevel   int        `json:"step_level"`
	Channel     string     `json:"channel"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredID string     `json:"delivered_id,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PolicyCooldown throttles an entire policy independently of incident
// signatures.
type PolicyCooldown struct {
	PolicyName  string    `json:"policy_name"`
	LastFiredAt time.Time `json:"last_fired_at"`
}

// ===========================
// TEMPLATE / COMPLIANCE MODELS
// ===========================

// Template categories
const (
	TemplateCategoryMarketing      = "MARKETING"
	TemplateCategoryUtility        = "UTILITY"
	TemplateCategoryAuthentication = "AUTHENTICATION"
)

// Template approval statuses
const (
	TemplateApproved = "approved"
	TemplatePending  = "pending"
	TemplateRejected = "rejected"
)

// Template is a pre-registered message body with positional parameters
// ({{1}}, {{2}}, ...). Only approved UTILITY/AUTHENTICATION templates
// may be sent outside the WhatsApp free-form window.
type Template struct {
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Language       string    `json:"language"`
	Body           string    `json:"body"`
	Parameters     []string  `json:"parameters"`
	ApprovalStatus string    `json:"approval_status"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationWindow tracks the WhatsApp 24h customer-contact rule per
// contact. Only an inbound customer message resets the clock.
type ConversationWindow struct {
	ContactID             string     `json:"contact_id"`
	LastCustomerMessageAt *time.Time `json:"last_customer_message_at,omitempty"`
	LastBusinessMessageAt *time.Time `json:"last_business_message_at,omitempty"`
}

// Payload is what a channel sender ultimately transmits. For template
// sends TemplateName is set and Body holds the rendered text.
type Payload struct {
	Channel      string   `json:"channel"`
	Contact      string   `json:"contact"`
	Subject      string   `json:"subject,omitempty"`
	Body         string   `json:"body"`
	TemplateName string   `json:"template_name,omitempty"`
	Parameters   []string `json:"parameters,omitempty"`
}

// SendResult is the outcome reported by a channel sender.
type SendResult struct {
	DeliveredID string `json:"delivered_id"`
	Status      string `json:"status"`
}

// ===========================
// AUDIT MODELS
// ===========================

// AuditEntry is one append-only record emitted per state transition and
// per dispatch attempt. Siren produces these; an external sink owns them.
type AuditEntry struct {
	Actor    string                 `json:"actor"`
	Event    string                 `json:"event"`
	Entity   string                 `json:"entity"`
	EntityID string                 `json:"entity_id"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// ===========================
// REQUEST / RESPONSE MODELS
// ===========================

// Trigger result statuses reported to the caller
const (
	TriggerResultOpen           = "open"
	TriggerResultDuplicate      = "duplicate"
	TriggerResultCooldownActive = "cooldown_active"
)

type TriggerIncidentRequest struct {
	Type       string                 `json:"type" binding:"required"`
	Severity   int                    `json:"severity" binding:"required"`
	Source     string                 `json:"source"`
	PolicyName string                 `json:"policy_name" binding:"required"`
	Context    map[string]interface{} `json:"context"`
	Variables  map[string]interface{} `json:"variables"`
	Force      bool                   `json:"force"`
}

type TriggerIncidentResponse struct {
	IncidentID string `json:"incident_id"`
	Status     string `json:"status"` // open, duplicate, cooldown_active
}

type IncidentActionRequest struct {
	Actor string `json:"actor" binding:"required"`
}

type CreateEscalationPolicyRequest struct {
	Name            string           `json:"name" binding:"required"`
	Enabled         *bool            `json:"enabled"`
	CooldownSeconds int              `json:"cooldown_seconds"`
	Steps           []EscalationStep `json:"steps" binding:"required"`
	CreatedBy       string           `json:"created_by"`
}

type CreateTemplateRequest struct {
	Name           string   `json:"name" binding:"required"`
	Category       string   `json:"category" binding:"required"`
	Language       string   `json:"language"`
	Body           string   `json:"body" binding:"required"`
	Parameters     []string `json:"parameters"`
	ApprovalStatus string   `json:"approval_status"`
}

// PolicyTestResult is the dry-run report for POST /policies/:name/test.
type PolicyTestResult struct {
	PolicyName string            `json:"policy_name"`
	Valid      bool              `json:"valid"`
	Errors     []string          `json:"errors,omitempty"`
	Plan       []PolicyTestEvent `json:"plan,omitempty"`
}

// PolicyTestEvent describes one event the policy would materialize.
type PolicyTestEvent struct {
	StepLevel    int    `json:"step_level"`
	Channel      string `json:"channel"`
	DelaySeconds int    `json:"delay_seconds"`
}

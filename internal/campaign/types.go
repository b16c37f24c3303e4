package campaign

import (
	"encoding/json"
	"time"
)

// Campaign lifecycle statuses.
const (
	StatusDraft     = "draft"
	StatusScheduled = "scheduled"
	StatusSending   = "sending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusDeleted   = "deleted"
)

// Recipient statuses. Status only moves forward:
// pending -> {sent|failed} -> delivered -> read.
const (
	RecipientPending   = "pending"
	RecipientSent      = "sent"
	RecipientDelivered = "delivered"
	RecipientRead      = "read"
	RecipientFailed    = "failed"
)

// Branch names recognized in a trigger condition's branch map.
const (
	BranchDefault = "default"
	BranchFalse   = "false_branch"
	BranchError   = "error_branch"
)

// Trigger condition operators.
const (
	OpEquals         = "equals"
	OpNotEquals      = "not_equals"
	OpContains       = "contains"
	OpNotContains    = "not_contains"
	OpGreaterThan    = "greater_than"
	OpLessThan       = "less_than"
	OpGreaterOrEqual = "greater_or_equal"
	OpLessOrEqual    = "less_or_equal"
	OpIn             = "in"
	OpNotIn          = "not_in"
	OpRegex          = "regex"
)

var knownOperators = map[string]struct{}{
	OpEquals: {}, OpNotEquals: {}, OpContains: {}, OpNotContains: {},
	OpGreaterThan: {}, OpLessThan: {}, OpGreaterOrEqual: {}, OpLessOrEqual: {},
	OpIn: {}, OpNotIn: {}, OpRegex: {},
}

// KnownOperator reports whether op is a supported condition operator.
// Unknown operators are rejected at step creation, never defaulted to a match.
func KnownOperator(op string) bool {
	_, ok := knownOperators[op]
	return ok
}

var knownBranches = map[string]struct{}{
	BranchDefault: {}, BranchFalse: {}, BranchError: {},
}

func KnownBranch(name string) bool {
	_, ok := knownBranches[name]
	return ok
}

type Campaign struct {
	ID              int64
	TenantID        int64
	AccountID       string // sending channel account, also the rate-limiter key
	Name            string
	Message         string
	MediaURL        string
	Status          string
	TotalRecipients int
	SentCount       int
	FailedCount     int
	DeliveredCount  int
	ReadCount       int
	ScheduledAt     *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
}

type Recipient struct {
	ID          int64
	CampaignID  int64
	ExternalID  string // recipient identity on the social platform
	Status      string
	Error       string
	SentAt      *time.Time
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// TriggerCondition selects the branch a sequence takes after a step.
// Branches maps a branch name to a target step_order; a missing entry or a
// target absent among the campaign's steps ends the sequence.
type TriggerCondition struct {
	Field    string         `json:"field"`
	Operator string         `json:"operator"`
	Value    any            `json:"value"`
	Branches map[string]int `json:"branches,omitempty"`
}

type Step struct {
	ID         int64
	CampaignID int64
	StepOrder  int // unique per campaign, not necessarily contiguous
	Message    string
	MediaURL   string
	DelayHours int
	Condition  *TriggerCondition
}

// StepOutcome is one entry of the audit trail returned by the interpreter.
type StepOutcome struct {
	StepID        int64  `json:"step_id"`
	StepOrder     int    `json:"step_order"`
	Success       bool   `json:"success"`
	BranchTaken   string `json:"branch_taken"`
	NextStepOrder *int   `json:"next_step_order"`
	Error         string `json:"error,omitempty"`
}

// Domain event types fanned out to webhook endpoints.
const (
	EventDMReceived     = "dm.received"
	EventCommentCreated = "comment.created"
	EventFollowNew      = "follow.new"
	EventMediaPublished = "media.published"
	EventMessageSent    = "message.sent"
)

// Event is the opaque {id, type, timestamp, data} record posted to endpoints.
// The engine never interprets Data.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventEnvelope travels over the queue between event producers and the
// webhook dispatcher.
type EventEnvelope struct {
	TenantID int64 `json:"tenant_id"`
	Event    Event `json:"event"`
}

type WebhookEndpoint struct {
	ID       int64
	TenantID int64
	URL      string
	Events   []string
	Secret   string
	IsActive bool
}

// Delivery log statuses. Monotonic: pending -> retrying* -> {success|failed}.
const (
	DeliveryPending  = "pending"
	DeliverySuccess  = "success"
	DeliveryFailed   = "failed"
	DeliveryRetrying = "retrying"
)

type DeliveryLog struct {
	ID          int64
	EndpointID  int64
	EventType   string
	Payload     []byte
	HTTPStatus  int
	Response    string
	Status      string
	RetryCount  int
	Error       string
	SentAt      *time.Time
	CompletedAt *time.Time
}

// DeliveryUpdate is a partial DeliveryLog mutation; nil fields stay untouched.
type DeliveryUpdate struct {
	Status      string
	HTTPStatus  *int
	Response    *string
	RetryCount  *int
	Error       *string
	CompletedAt *time.Time
}

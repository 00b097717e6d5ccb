package domain

import (
	"context"
	"time"
)

// EventType classifies an audit entry.
type EventType string

const (
	EventPayment        EventType = "payment_audit"
	EventSecurity       EventType = "security_audit"
	EventDataAccess     EventType = "data_access_audit"
	EventAuthentication EventType = "authentication_audit"
	EventError          EventType = "error_audit"
)

// Severity of an audit entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditEntry is the redacted record written to the audit sink.
// Identifiers are salted digests; metadata is scrubbed before it gets here.
type AuditEntry struct {
	ID              string         `json:"id"`
	Timestamp       time.Time      `json:"timestamp"`
	EventType       EventType      `json:"eventType"`
	Action          string         `json:"action"`
	Severity        Severity       `json:"severity"`
	Success         bool           `json:"success"`
	RequestID       string         `json:"requestId,omitempty"`
	UserID          string         `json:"userId,omitempty"`
	HashedIP        string         `json:"hashedIp,omitempty"`
	HashedUserAgent string         `json:"hashedUserAgent,omitempty"`
	HashedEmail     string         `json:"hashedEmail,omitempty"`
	RequiresReview  bool           `json:"requiresReview,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	StackTrace      string         `json:"stackTrace,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// AuditSink is the external append-only log sink. At-least-once delivery
// is acceptable.
type AuditSink interface {
	SaveAuditEntry(ctx context.Context, entry *AuditEntry) error
}

// AlertSink receives critical security and error entries.
type AlertSink interface {
	Alert(ctx context.Context, entry *AuditEntry) error
}

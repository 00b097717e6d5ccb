// Package audit writes the redacted, append-only audit trail for the vault,
// the risk engine and contactless sessions.
//
// Every entry is redacted before it leaves the process: identifiers are
// replaced by salted digests, sensitive metadata keys are stripped at any
// depth, and stack traces are scrubbed. Logging never fails the caller; when
// the sink rejects an entry it is written to the fallback logger instead.
package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/redact"
)

// Event is the caller-supplied input to every Log method. Raw identifiers
// (IP, UserAgent, Email) are hashed before the entry is written.
type Event struct {
	Action    string
	Severity  domain.Severity // computed when empty
	Success   bool
	RequestID string
	UserID    string

	IP        string
	UserAgent string
	Email     string

	Amount   float64
	Currency string

	Metadata     map[string]any
	Err          error
	ErrorMessage string
	StackTrace   string
}

// ActionHighValue is the action of the review entry emitted alongside
// high-value payment activity.
const ActionHighValue = "high_value_transaction"

// Logger classifies, redacts and persists audit entries.
type Logger struct {
	sink      domain.AuditSink
	alerts    domain.AlertSink
	fallback  *slog.Logger
	hash      hasher
	highValue float64
	now       func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithAlertSink sets the callback for critical security and error entries.
func WithAlertSink(a domain.AlertSink) Option {
	return func(l *Logger) { l.alerts = a }
}

// WithFallback sets the logger used when the sink write fails.
func WithFallback(fallback *slog.Logger) Option {
	return func(l *Logger) { l.fallback = fallback }
}

// WithHashSalt sets the secret used to digest identifiers.
func WithHashSalt(salt string) Option {
	return func(l *Logger) {
		if salt != "" {
			l.hash.key = []byte(salt)
		}
	}
}

// WithHashLength sets the digest length in hex characters.
func WithHashLength(n int) Option {
	return func(l *Logger) {
		if n > 0 {
			l.hash.length = n
		}
	}
}

// WithHighValueThreshold sets the amount above which payment activity is
// escalated for manual review.
func WithHighValueThreshold(amount float64) Option {
	return func(l *Logger) { l.highValue = amount }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger creates an audit logger writing to sink. A nil sink writes
// every entry to the fallback logger.
func NewLogger(sink domain.AuditSink, opts ...Option) *Logger {
	l := &Logger{
		sink:      sink,
		alerts:    nopAlerts{},
		fallback:  slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		hash:      hasher{length: 16},
		highValue: 10000,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.hash.key == nil {
		// Digests still correlate within this process, not across restarts.
		key := make([]byte, 32)
		_, _ = rand.Read(key)
		l.hash.key = key
		l.fallback.Warn("audit hash salt not configured, using ephemeral salt")
	}
	return l
}

// LogPaymentActivity records a payment operation. Amounts above the
// high-value threshold also produce a security entry flagged for review.
func (l *Logger) LogPaymentActivity(ctx context.Context, ev Event) {
	entry := l.build(domain.EventPayment, ev, paymentSeverity(ev, l.highValue))
	l.write(ctx, entry)

	if ev.Amount > l.highValue {
		review := l.build(domain.EventSecurity, Event{
			Action:    ActionHighValue,
			Severity:  domain.SeverityHigh,
			Success:   ev.Success,
			RequestID: ev.RequestID,
			UserID:    ev.UserID,
			IP:        ev.IP,
			UserAgent: ev.UserAgent,
			Email:     ev.Email,
			Amount:    ev.Amount,
			Currency:  ev.Currency,
			Metadata:  map[string]any{"source_action": ev.Action},
		}, domain.SeverityHigh)
		review.RequiresReview = true
		l.write(ctx, review)
	}
}

// LogSecurityEvent records a security-relevant decision or violation.
func (l *Logger) LogSecurityEvent(ctx context.Context, ev Event) {
	sev := domain.SeverityMedium
	if !ev.Success {
		sev = domain.SeverityHigh
	}
	l.write(ctx, l.build(domain.EventSecurity, ev, sev))
}

// LogDataAccess records access to card data (detokenization, lookups).
func (l *Logger) LogDataAccess(ctx context.Context, ev Event) {
	l.write(ctx, l.build(domain.EventDataAccess, ev, lowUnlessFailed(ev)))
}

// LogAuthenticationEvent records access-control checks.
func (l *Logger) LogAuthenticationEvent(ctx context.Context, ev Event) {
	l.write(ctx, l.build(domain.EventAuthentication, ev, lowUnlessFailed(ev)))
}

// LogError records a failure. Error text and stack traces are sanitized.
func (l *Logger) LogError(ctx context.Context, ev Event) {
	ev.Success = false
	l.write(ctx, l.build(domain.EventError, ev, domain.SeverityHigh))
}

func paymentSeverity(ev Event, highValue float64) domain.Severity {
	switch {
	case ev.Amount > highValue:
		return domain.SeverityHigh
	case !ev.Success:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func lowUnlessFailed(ev Event) domain.Severity {
	if ev.Success {
		return domain.SeverityLow
	}
	return domain.SeverityMedium
}

func (l *Logger) build(kind domain.EventType, ev Event, defaultSeverity domain.Severity) *domain.AuditEntry {
	sev := ev.Severity
	if sev == "" {
		sev = defaultSeverity
	}

	meta := scrubMetadata(ev.Metadata)
	if ev.Amount != 0 || ev.Currency != "" {
		if meta == nil {
			meta = make(map[string]any, 2)
		}
		meta["amount"] = ev.Amount
		if ev.Currency != "" {
			meta["currency"] = ev.Currency
		}
	}

	msg := ev.ErrorMessage
	if msg == "" && ev.Err != nil {
		msg = ev.Err.Error()
	}

	return &domain.AuditEntry{
		ID:              uuid.NewString(),
		Timestamp:       l.now().UTC(),
		EventType:       kind,
		Action:          ev.Action,
		Severity:        sev,
		Success:         ev.Success,
		RequestID:       ev.RequestID,
		UserID:          ev.UserID,
		HashedIP:        l.hash.hash(ev.IP),
		HashedUserAgent: l.hash.hash(ev.UserAgent),
		HashedEmail:     l.hash.hash(ev.Email),
		ErrorMessage:    redact.Message(msg),
		StackTrace:      redact.StackTrace(ev.StackTrace),
		Metadata:        meta,
	}
}

// write persists the entry and escalates critical security and error
// entries. Nothing here may panic or return into the caller.
func (l *Logger) write(ctx context.Context, entry *domain.AuditEntry) {
	defer func() {
		if r := recover(); r != nil {
			l.fallbackWrite(entry, fmt.Errorf("audit sink panic: %v", r))
		}
	}()

	if l.sink == nil {
		l.fallbackWrite(entry, nil)
	} else if err := l.sink.SaveAuditEntry(ctx, entry); err != nil {
		l.fallbackWrite(entry, err)
	}

	if entry.Severity == domain.SeverityCritical &&
		(entry.EventType == domain.EventSecurity || entry.EventType == domain.EventError) {
		if err := l.alerts.Alert(ctx, entry); err != nil {
			l.fallback.Warn("audit alert failed",
				"entry_id", entry.ID,
				"error", err,
			)
		}
	}
}

func (l *Logger) fallbackWrite(entry *domain.AuditEntry, cause error) {
	attrs := []any{
		"entry_id", entry.ID,
		"timestamp", entry.Timestamp,
		"event_type", entry.EventType,
		"action", entry.Action,
		"severity", entry.Severity,
		"success", entry.Success,
		"request_id", entry.RequestID,
		"hashed_ip", entry.HashedIP,
		"hashed_user_agent", entry.HashedUserAgent,
		"requires_review", entry.RequiresReview,
		"metadata", entry.Metadata,
	}
	if entry.ErrorMessage != "" {
		attrs = append(attrs, "error_message", entry.ErrorMessage)
	}
	if cause != nil {
		attrs = append(attrs, "sink_error", cause.Error())
		l.fallback.Error("audit sink write failed", attrs...)
		return
	}
	l.fallback.Info("audit", attrs...)
}

type nopAlerts struct{}

func (nopAlerts) Alert(context.Context, *domain.AuditEntry) error { return nil }

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemorySink keeps entries in memory. Used in tests and single-process demos.
type MemorySink struct {
	mu      sync.RWMutex
	entries []*domain.AuditEntry
	err     error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// SaveAuditEntry appends the entry, or returns the configured failure.
func (s *MemorySink) SaveAuditEntry(_ context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

// FailWith makes every subsequent write fail with err. nil restores writes.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Entries returns a copy of the stored entries in write order.
func (s *MemorySink) Entries() []*domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*domain.AuditEntry{}, s.entries...)
}

// ByType returns the stored entries of one event type.
func (s *MemorySink) ByType(t domain.EventType) []*domain.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.AuditEntry
	for _, e := range s.entries {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Alert lets a MemorySink double as an alert sink.
func (s *MemorySink) Alert(ctx context.Context, entry *domain.AuditEntry) error {
	return s.SaveAuditEntry(ctx, entry)
}

// BusSink publishes redacted entries to the event bus for asynchronous
// persistence by the worker.
type BusSink struct {
	bus   domain.EventBus
	topic string
}

// NewBusSink creates a sink publishing to domain.TopicAuditEntry.
func NewBusSink(bus domain.EventBus) *BusSink {
	return &BusSink{bus: bus, topic: domain.TopicAuditEntry}
}

// SaveAuditEntry publishes the entry as JSON.
func (s *BusSink) SaveAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}
	if err := s.bus.Publish(ctx, s.topic, payload); err != nil {
		return fmt.Errorf("failed to publish audit entry: %w", err)
	}
	return nil
}

// BusAlerter publishes critical entries to domain.TopicAuditAlert.
type BusAlerter struct {
	bus domain.EventBus
}

// NewBusAlerter creates an alert sink on the event bus.
func NewBusAlerter(bus domain.EventBus) *BusAlerter {
	return &BusAlerter{bus: bus}
}

// Alert publishes the entry as JSON.
func (a *BusAlerter) Alert(ctx context.Context, entry *domain.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit alert: %w", err)
	}
	return a.bus.Publish(ctx, domain.TopicAuditAlert, payload)
}

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// SaveAuditEntry logs the entry at info level.
func (s *LogSink) SaveAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	s.logger.InfoContext(ctx, "audit",
		"entry_id", entry.ID,
		"event_type", entry.EventType,
		"action", entry.Action,
		"severity", entry.Severity,
		"success", entry.Success,
		"request_id", entry.RequestID,
		"hashed_ip", entry.HashedIP,
		"requires_review", entry.RequiresReview,
		"metadata", entry.Metadata,
	)
	return nil
}

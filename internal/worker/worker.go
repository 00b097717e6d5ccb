// Package worker persists the audit stream and runs vault maintenance for
// the Pro tier.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Purger removes expired vault entries.
type Purger interface {
	PurgeExpiredVaultEntries(ctx context.Context, before time.Time) (int64, error)
}

// Worker consumes audit entries from the EventBus and writes them to the
// durable sink.
type Worker struct {
	bus    domain.EventBus
	sink   domain.AuditSink
	purger Purger
	now    func() time.Time

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	persisted atomic.Int64
	failed    atomic.Int64
	alerts    atomic.Int64
	purged    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// PurgeInterval is how often expired vault entries are removed.
	// Zero disables purging.
	PurgeInterval time.Duration
}

// NewWorker creates a new audit worker. purger may be nil.
func NewWorker(bus domain.EventBus, sink domain.AuditSink, purger Purger) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		sink:   sink,
		purger: purger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the audit topics and starts the purge loop.
func (w *Worker) Start(cfg Config) error {
	if w.sink == nil {
		return fmt.Errorf("audit sink is required")
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicAuditEntry, w.handleEntry)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicAuditEntry, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	sub, err = w.bus.Subscribe(w.ctx, domain.TopicAuditAlert, w.handleAlert)
	if err != nil {
		slog.Error("failed to subscribe to alerts",
			"topic", domain.TopicAuditAlert,
			"error", err,
		)
	} else {
		w.subscriptions = append(w.subscriptions, sub)
	}

	if cfg.PurgeInterval > 0 && w.purger != nil {
		w.wg.Add(1)
		go w.purgeLoop(cfg.PurgeInterval)
	}

	slog.Info("audit worker started",
		"subscriptions", len(w.subscriptions),
		"purge_interval", cfg.PurgeInterval.String(),
	)
	return nil
}

// handleEntry decodes and persists one audit entry. A decode failure is
// dropped since redelivery would fail the same way.
func (w *Worker) handleEntry(ctx context.Context, msg *domain.Message) error {
	var entry domain.AuditEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse audit entry",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	if err := w.sink.SaveAuditEntry(ctx, &entry); err != nil {
		w.failed.Add(1)
		slog.Error("failed to persist audit entry",
			"entry_id", entry.ID,
			"event_type", entry.EventType,
			"error", err,
		)
		return err
	}

	w.persisted.Add(1)
	slog.Debug("audit entry persisted",
		"entry_id", entry.ID,
		"event_type", entry.EventType,
	)
	return nil
}

// handleAlert surfaces a critical entry on the operational log.
func (w *Worker) handleAlert(_ context.Context, msg *domain.Message) error {
	var entry domain.AuditEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		slog.Error("failed to parse audit alert",
			"message_id", msg.ID,
			"error", err,
		)
		return nil
	}

	w.alerts.Add(1)
	slog.Error("audit alert",
		"entry_id", entry.ID,
		"event_type", entry.EventType,
		"action", entry.Action,
		"severity", entry.Severity,
		"request_id", entry.RequestID,
	)
	return nil
}

func (w *Worker) purgeLoop(interval time.Duration) {
	defer w.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.PurgeOnce(w.ctx)
		}
	}
}

// PurgeOnce removes vault entries that have already expired.
func (w *Worker) PurgeOnce(ctx context.Context) int64 {
	if w.purger == nil {
		return 0
	}
	n, err := w.purger.PurgeExpiredVaultEntries(ctx, w.now().UTC())
	if err != nil {
		slog.Error("failed to purge expired vault entries", "error", err)
		return 0
	}
	if n > 0 {
		w.purged.Add(n)
		slog.Info("expired vault entries purged", "count", n)
	}
	return n
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("audit worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Persisted         int64    `json:"persisted"`
	Failed            int64    `json:"failed"`
	Alerts            int64    `json:"alerts"`
	Purged            int64    `json:"purged"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Persisted:         w.persisted.Load(),
		Failed:            w.failed.Load(),
		Alerts:            w.alerts.Load(),
		Purged:            w.purged.Load(),
	}
}

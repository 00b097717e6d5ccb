// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for durable persistence: the vault's
// backing store and the audit log sink.
type Repository interface {
	VaultStore
	AuditSink

	// PurgeExpiredVaultEntries deletes entries that expired before t.
	PurgeExpiredVaultEntries(ctx context.Context, before time.Time) (int64, error)

	// ListAuditEntries returns entries for a request, oldest first.
	ListAuditEntries(ctx context.Context, requestID string) ([]*AuditEntry, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

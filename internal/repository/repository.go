// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrInvalidInput = errors.New("invalid input")
)

var _ domain.Repository = (*SQLRepository)(nil)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// PutVaultEntry stores or replaces a sealed vault entry.
func (r *SQLRepository) PutVaultEntry(ctx context.Context, entry *domain.VaultEntry) error {
	if entry == nil || entry.Token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}
	if len(entry.Ciphertext) == 0 {
		return fmt.Errorf("%w: ciphertext is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO vault_entries (token, ciphertext, key_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			key_id = excluded.key_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.Token,
		base64.StdEncoding.EncodeToString(entry.Ciphertext),
		entry.KeyID,
		entry.CreatedAt.UnixMilli(),
		entry.ExpiresAt.UnixMilli(),
	)
	return err
}

// GetVaultEntry retrieves a vault entry by token. Returns nil, nil when the
// token is unknown. Expiry is left to the caller.
func (r *SQLRepository) GetVaultEntry(ctx context.Context, token string) (*domain.VaultEntry, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidInput)
	}

	query := `
		SELECT token, ciphertext, key_id, created_at, expires_at
		FROM vault_entries
		WHERE token = ?
	`

	var entry domain.VaultEntry
	var ciphertext string
	var createdAt, expiresAt int64

	err := r.db.QueryRowContext(ctx, r.rebind(query), token).Scan(
		&entry.Token, &ciphertext, &entry.KeyID, &createdAt, &expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.Ciphertext, err = base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("corrupt ciphertext for vault entry: %w", err)
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()

	return &entry, nil
}

// DeleteVaultEntry removes a vault entry. Unknown tokens are not an error.
func (r *SQLRepository) DeleteVaultEntry(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrInvalidInput)
	}

	_, err := r.db.ExecContext(ctx, r.rebind(`DELETE FROM vault_entries WHERE token = ?`), token)
	return err
}

// PurgeExpiredVaultEntries deletes every entry whose expiry is at or before t.
func (r *SQLRepository) PurgeExpiredVaultEntries(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		r.rebind(`DELETE FROM vault_entries WHERE expires_at <= ?`),
		before.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SaveAuditEntry appends a redacted audit entry. Replays of the same entry
// id are ignored, so at-least-once delivery does not duplicate rows.
func (r *SQLRepository) SaveAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("%w: audit entry id is required", ErrInvalidInput)
	}

	var metadata string
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal audit metadata: %w", err)
		}
		metadata = string(raw)
	}

	query := `
		INSERT INTO audit_entries (
			id, timestamp, event_type, action, severity, success,
			request_id, user_id, hashed_ip, hashed_user_agent, hashed_email,
			requires_review, error_message, stack_trace, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		entry.ID, entry.Timestamp.UnixMilli(), string(entry.EventType), entry.Action,
		string(entry.Severity), boolToInt(entry.Success),
		entry.RequestID, entry.UserID, entry.HashedIP, entry.HashedUserAgent, entry.HashedEmail,
		boolToInt(entry.RequiresReview), entry.ErrorMessage, entry.StackTrace, metadata,
	)
	return err
}

// ListAuditEntries returns the entries recorded for a request, oldest first.
func (r *SQLRepository) ListAuditEntries(ctx context.Context, requestID string) ([]*domain.AuditEntry, error) {
	if requestID == "" {
		return nil, fmt.Errorf("%w: requestID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, timestamp, event_type, action, severity, success,
			   request_id, user_id, hashed_ip, hashed_user_agent, hashed_email,
			   requires_review, error_message, stack_trace, metadata
		FROM audit_entries
		WHERE request_id = ?
		ORDER BY timestamp, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var ts int64
		var eventType, severity string
		var success, review int
		var reqID, userID, ip, ua, email, errMsg, stack, metadata sql.NullString

		if err := rows.Scan(
			&e.ID, &ts, &eventType, &e.Action, &severity, &success,
			&reqID, &userID, &ip, &ua, &email,
			&review, &errMsg, &stack, &metadata,
		); err != nil {
			return nil, err
		}

		e.Timestamp = time.UnixMilli(ts).UTC()
		e.EventType = domain.EventType(eventType)
		e.Severity = domain.Severity(severity)
		e.Success = success == 1
		e.RequiresReview = review == 1
		e.RequestID = reqID.String
		e.UserID = userID.String
		e.HashedIP = ip.String
		e.HashedUserAgent = ua.String
		e.HashedEmail = email.String
		e.ErrorMessage = errMsg.String
		e.StackTrace = stack.String

		if metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse audit metadata for %s: %w", e.ID, err)
			}
		}

		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL. Timestamps are unix
// milliseconds so expiry comparisons behave the same on both drivers.

// schemaVaultEntries holds token -> sealed PAN. Plaintext PAN and CVV are
// never written here; ciphertext is the base64 AEAD envelope.
const schemaVaultEntries = `
CREATE TABLE IF NOT EXISTS vault_entries (
    token TEXT PRIMARY KEY,
    ciphertext TEXT NOT NULL,
    key_id TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    expires_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_vault_entries_expires ON vault_entries(expires_at);
`

const schemaAuditEntries = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id TEXT PRIMARY KEY,
    timestamp BIGINT NOT NULL,
    event_type TEXT NOT NULL,
    action TEXT NOT NULL,
    severity TEXT NOT NULL,
    success INTEGER NOT NULL,
    request_id TEXT,
    user_id TEXT,
    hashed_ip TEXT,
    hashed_user_agent TEXT,
    hashed_email TEXT,
    requires_review INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    stack_trace TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_entries_request ON audit_entries(request_id);
CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries(event_type, timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_entries_review ON audit_entries(requires_review);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaVaultEntries,
		schemaAuditEntries,
	}
}

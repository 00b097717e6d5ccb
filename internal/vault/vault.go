// Package vault tokenizes card data. Plaintext PANs are sealed with an AEAD
// before they reach the backing store and are only released by
// DetokenizeForPayment for a single settlement call.
package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
)

var tracer = otel.Tracer("kestrel-vault")

// TokenPrefix marks vault tokens.
const TokenPrefix = "tok_"

// Auditor is the subset of the audit log the vault writes to.
type Auditor interface {
	LogPaymentActivity(ctx context.Context, ev audit.Event)
	LogSecurityEvent(ctx context.Context, ev audit.Event)
	LogDataAccess(ctx context.Context, ev audit.Event)
	LogAuthenticationEvent(ctx context.Context, ev audit.Event)
	LogError(ctx context.Context, ev audit.Event)
}

// Vault issues tokens for card data and resolves them back for settlement.
// Create one per process and share it.
type Vault struct {
	store   domain.VaultStore
	auditor Auditor
	keys    *keyring
	sealer  *sealer
	keyID   string
	ttl     time.Duration

	approvedRoles map[string]struct{}
	maxInactive   time.Duration
	allowlist     []netip.Prefix

	now func() time.Time
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the time source used for creation and expiry.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(v *Vault) { v.sealer.rand = r }
}

// New creates a vault over store. The master key must be at least 32 bytes.
func New(cfg domain.VaultConfig, store domain.VaultStore, auditor Auditor, opts ...Option) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}

	keys, err := deriveKeys([]byte(cfg.MasterKey))
	if err != nil {
		return nil, err
	}
	s, err := newSealer(cfg.Cipher, keys.sealKey)
	if err != nil {
		return nil, err
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 365 * 24 * time.Hour
	}
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "k1"
	}

	roles := cfg.ApprovedRoles
	if len(roles) == 0 {
		roles = []string{"admin", "payment_processor", "compliance_officer"}
	}
	approved := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		approved[r] = struct{}{}
	}

	inactiveDays := cfg.MaxInactiveDays
	if inactiveDays <= 0 {
		inactiveDays = 90
	}

	allowlist, err := parseAllowlist(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}

	v := &Vault{
		store:         store,
		auditor:       auditor,
		keys:          keys,
		sealer:        s,
		keyID:         keyID,
		ttl:           ttl,
		approvedRoles: approved,
		maxInactive:   time.Duration(inactiveDays) * 24 * time.Hour,
		allowlist:     allowlist,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Tokenize validates card, seals the PAN and stores it under a new token.
// A fresh token is minted on every call, even for a card seen before; the
// fingerprint is the correlation key. The CVV is cleared from card before
// Tokenize returns, whatever the outcome.
func (v *Vault) Tokenize(ctx context.Context, card *domain.CardData, correlationID string) (*domain.TokenizedCard, error) {
	ctx, span := tracer.Start(ctx, "vault.Tokenize")
	defer span.End()

	if card != nil {
		defer func() { card.CVV = "" }()
	}

	if err := ValidateCardData(card); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		v.auditor.LogPaymentActivity(ctx, audit.Event{
			Action:       "tokenize",
			Success:      false,
			RequestID:    correlationID,
			ErrorMessage: err.Error(),
		})
		return nil, err
	}
	card.CVV = ""

	pan := normalizePAN(card.PAN)
	now := v.now().UTC()
	token := newToken()
	brand := BrandOf(pan)

	sealed, err := v.sealer.seal([]byte(pan), []byte(token))
	if err != nil {
		encErr := domain.NewEncryptionError("failed to secure card data", err)
		v.fail(ctx, span, "tokenize", correlationID, encErr)
		return nil, encErr
	}

	entry := &domain.VaultEntry{
		Token:      token,
		Ciphertext: sealed,
		KeyID:      v.keyID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(v.ttl),
	}
	if err := v.store.PutVaultEntry(ctx, entry); err != nil {
		span.SetStatus(codes.Error, "store failed")
		v.auditor.LogError(ctx, audit.Event{
			Action:       "tokenize",
			RequestID:    correlationID,
			ErrorMessage: "vault store write failed",
		})
		return nil, fmt.Errorf("failed to store vault entry: %w", err)
	}

	span.SetAttributes(attribute.String("card.brand", string(brand)))

	v.auditor.LogPaymentActivity(ctx, audit.Event{
		Action:    "tokenize",
		Success:   true,
		RequestID: correlationID,
		Metadata: map[string]any{
			"token":  token,
			"brand":  string(brand),
			"key_id": v.keyID,
		},
	})

	return &domain.TokenizedCard{
		Token:       token,
		MaskedPAN:   MaskPAN(pan),
		ExpiryMonth: card.ExpiryMonth,
		ExpiryYear:  card.ExpiryYear,
		Brand:       brand,
		Fingerprint: v.Fingerprint(pan, card.ExpiryMonth, card.ExpiryYear),
		CreatedAt:   now,
		ExpiresAt:   entry.ExpiresAt,
	}, nil
}

// DetokenizeForPayment resolves token to its PAN. The caller must use the
// result for exactly one settlement call and must not cache or log it.
func (v *Vault) DetokenizeForPayment(ctx context.Context, token, correlationID string) (string, error) {
	ctx, span := tracer.Start(ctx, "vault.DetokenizeForPayment")
	defer span.End()

	if token == "" {
		return "", domain.NewValidationError("token", "token is required")
	}

	entry, err := v.store.GetVaultEntry(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, "store failed")
		return "", fmt.Errorf("failed to read vault entry: %w", err)
	}
	if entry == nil {
		v.denied(ctx, token, correlationID, "token not found")
		return "", domain.NewNotFoundError("token not found")
	}
	if entry.Expired(v.now()) {
		if err := v.store.DeleteVaultEntry(ctx, token); err != nil {
			span.RecordError(err)
		}
		v.denied(ctx, token, correlationID, "token expired")
		return "", domain.NewNotFoundError("token not found")
	}

	plain, err := v.sealer.open(entry.Ciphertext, []byte(token))
	if err != nil {
		encErr := domain.NewEncryptionError("failed to unseal card data", err)
		v.fail(ctx, span, "detokenize", correlationID, encErr)
		return "", encErr
	}
	pan := string(plain)
	for i := range plain {
		plain[i] = 0
	}

	v.auditor.LogDataAccess(ctx, audit.Event{
		Action:    "detokenize",
		Success:   true,
		RequestID: correlationID,
		Metadata:  map[string]any{"token": token, "key_id": entry.KeyID},
	})
	return pan, nil
}

// Fingerprint is a keyed one-way digest of PAN and expiry, stable across
// calls and usable only for correlation.
func (v *Vault) Fingerprint(pan, expiryMonth, expiryYear string) string {
	return hex.EncodeToString(macSum(v.keys.fingerprintKey, normalizePAN(pan), expiryMonth, expiryYear))
}

// Cryptogram computes an application cryptogram over the authorization
// fields with a key derived from the master secret.
func (v *Vault) Cryptogram(fields ...string) string {
	sum := macSum(v.keys.cryptogramKey, fields...)
	return strings.ToUpper(hex.EncodeToString(sum[:8]))
}

func (v *Vault) denied(ctx context.Context, token, correlationID, reason string) {
	v.auditor.LogDataAccess(ctx, audit.Event{
		Action:       "detokenize",
		Success:      false,
		RequestID:    correlationID,
		ErrorMessage: reason,
		Metadata:     map[string]any{"token": token},
	})
}

func (v *Vault) fail(ctx context.Context, span trace.Span, action, correlationID string, err *domain.Error) {
	span.SetStatus(codes.Error, err.Message)
	v.auditor.LogError(ctx, audit.Event{
		Action:       action,
		Severity:     domain.SeverityCritical,
		RequestID:    correlationID,
		ErrorMessage: err.Error(),
	})
}

func newToken() string {
	return TokenPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

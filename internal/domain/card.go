package domain

import (
	"context"
	"time"
)

// CardBrand is derived from the PAN prefix.
type CardBrand string

const (
	BrandVisa       CardBrand = "visa"
	BrandMastercard CardBrand = "mastercard"
	BrandAmex       CardBrand = "amex"
	BrandDiscover   CardBrand = "discover"
	BrandUnknown    CardBrand = "unknown"
)

// CardData is raw card material submitted by the request layer.
// It is never persisted and must not outlive the call that consumes it.
type CardData struct {
	PAN            string `json:"pan"`
	ExpiryMonth    string `json:"expiryMonth"` // "MM"
	ExpiryYear     string `json:"expiryYear"`  // "YYYY"
	CardholderName string `json:"cardholderName,omitempty"`
	CVV            string `json:"-"`
}

// TokenizedCard is the non-sensitive representation handed back to callers.
type TokenizedCard struct {
	Token       string    `json:"token"`
	MaskedPAN   string    `json:"maskedPan"`
	ExpiryMonth string    `json:"expiryMonth"`
	ExpiryYear  string    `json:"expiryYear"`
	Brand       CardBrand `json:"brand"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// CardPayload is what a contactless reader hands over after a tap.
// Expiry uses the EMV "MM/YY" form.
type CardPayload struct {
	PAN            string            `json:"-"`
	Expiry         string            `json:"expiry"`
	CardholderName string            `json:"cardholderName,omitempty"`
	AID            string            `json:"aid,omitempty"`
	EMVTags        map[string]string `json:"emvTags,omitempty"`
}

// Required EMV tags when tag-value data is present.
const (
	EMVTagCurrencyCode       = "5F2A"
	EMVTagApplicationProfile = "82"
	EMVTagTransactionCounter = "9F36"
)

// VaultEntry is the stored record behind a token. The vault never stores
// plaintext PAN or CVV.
type VaultEntry struct {
	Token      string    `json:"token"`
	Ciphertext []byte    `json:"ciphertext"`
	KeyID      string    `json:"keyId"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is past its expiry at t.
func (e *VaultEntry) Expired(t time.Time) bool {
	return !t.Before(e.ExpiresAt)
}

// VaultStore is the external secure key-value store behind the vault.
type VaultStore interface {
	// PutVaultEntry stores or replaces an entry keyed by its token.
	PutVaultEntry(ctx context.Context, entry *VaultEntry) error

	// GetVaultEntry returns nil, nil when the token is unknown.
	GetVaultEntry(ctx context.Context, token string) (*VaultEntry, error)

	// DeleteVaultEntry removes an entry. Missing tokens are not an error.
	DeleteVaultEntry(ctx context.Context, token string) error
}

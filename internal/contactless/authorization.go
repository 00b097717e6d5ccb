package contactless

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Authorization is the synthetic EMV authorization record handed to
// settlement. It carries the vault token, never the PAN.
type Authorization struct {
	SessionID           string           `json:"sessionId"`
	TerminalID          string           `json:"terminalId"`
	Token               string           `json:"token"`
	MaskedPAN           string           `json:"maskedPan"`
	Brand               domain.CardBrand `json:"brand"`
	AID                 string           `json:"aid"`
	ATC                 string           `json:"atc"`
	UnpredictableNumber string           `json:"unpredictableNumber"`
	Cryptogram          string           `json:"cryptogram"`
	Amount              float64          `json:"amount"`
	Currency            string           `json:"currency"`
	CVMRequired         bool             `json:"cvmRequired"`
	CreatedAt           time.Time        `json:"createdAt"`
}

var brandAIDs = map[domain.CardBrand]string{
	domain.BrandVisa:       domain.AIDVisa,
	domain.BrandMastercard: domain.AIDMastercard,
	domain.BrandAmex:       domain.AIDAmex,
	domain.BrandDiscover:   domain.AIDDiscover,
}

func (t *Terminal) authorize(sessionID string, p *domain.CardPayload, card *domain.TokenizedCard, amount float64, currency string) (*Authorization, error) {
	aid := p.AID
	if aid == "" {
		aid = brandAIDs[card.Brand]
	}
	if aid == "" {
		return nil, domain.NewDeviceError("no application identifier for card", nil)
	}

	atc := p.EMVTags[domain.EMVTagTransactionCounter]
	if atc == "" {
		atc = "0001"
	}

	un := make([]byte, 4)
	if _, err := rand.Read(un); err != nil {
		return nil, domain.NewEncryptionError("failed to generate unpredictable number", err)
	}
	unHex := strings.ToUpper(hex.EncodeToString(un))

	return &Authorization{
		SessionID:           sessionID,
		TerminalID:          t.cfg.DeviceID,
		Token:               card.Token,
		MaskedPAN:           card.MaskedPAN,
		Brand:               card.Brand,
		AID:                 aid,
		ATC:                 atc,
		UnpredictableNumber: unHex,
		Cryptogram:          t.vault.Cryptogram(aid, atc, unHex, minorUnits(amount), currency, card.Token),
		Amount:              amount,
		Currency:            currency,
		CVMRequired:         t.cfg.CVMRequiredLimit > 0 && amount > t.cfg.CVMRequiredLimit,
		CreatedAt:           t.now().UTC(),
	}, nil
}

// minorUnits renders amount as the 12-digit EMV amount field.
func minorUnits(amount float64) string {
	return fmt.Sprintf("%012d", int64(math.Round(amount*100)))
}

// Detokenizer resolves a vault token to its PAN.
type Detokenizer interface {
	DetokenizeForPayment(ctx context.Context, token, correlationID string) (string, error)
}

// Gateway submits an authorization with its PAN to the acquirer. The PAN
// must not be retained after Submit returns.
type Gateway interface {
	Submit(ctx context.Context, pan string, auth *Authorization) (string, error)
}

// TokenSettler resolves the authorization's token immediately before a
// single gateway submission.
type TokenSettler struct {
	vault   Detokenizer
	gateway Gateway
}

// NewTokenSettler creates a settler over vault and gateway.
func NewTokenSettler(vault Detokenizer, gateway Gateway) *TokenSettler {
	return &TokenSettler{vault: vault, gateway: gateway}
}

// Settle detokenizes and submits the authorization.
func (s *TokenSettler) Settle(ctx context.Context, auth *Authorization) (string, error) {
	pan, err := s.vault.DetokenizeForPayment(ctx, auth.Token, auth.SessionID)
	if err != nil {
		return "", err
	}
	return s.gateway.Submit(ctx, pan, auth)
}

// SimulatedGateway approves every submission with a fresh transaction id.
type SimulatedGateway struct{}

// Submit approves auth.
func (SimulatedGateway) Submit(_ context.Context, pan string, auth *Authorization) (string, error) {
	if pan == "" {
		return "", fmt.Errorf("empty card number")
	}
	return "txn_" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
}

package vault

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/redact"
)

// PAN length bounds.
const (
	MinPANLength = 13
	MaxPANLength = 19
)

// LuhnValid reports whether digits passes the Luhn checksum. Non-digit
// input is invalid.
func LuhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// BrandOf derives the card brand from the PAN prefix.
func BrandOf(pan string) domain.CardBrand {
	if pan == "" {
		return domain.BrandUnknown
	}
	switch pan[0] {
	case '4':
		return domain.BrandVisa
	case '5':
		return domain.BrandMastercard
	case '2':
		if len(pan) == 16 {
			return domain.BrandMastercard
		}
	case '3':
		return domain.BrandAmex
	case '6':
		return domain.BrandDiscover
	}
	return domain.BrandUnknown
}

// MaskPAN reveals only the last four digits.
func MaskPAN(pan string) string {
	return redact.MaskPAN(pan)
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// normalizePAN strips spaces and dashes commonly used when keying a PAN.
func normalizePAN(pan string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(pan)
}

// ValidateCardData checks PAN, expiry and optional CVV. Errors never echo
// the submitted values.
func ValidateCardData(card *domain.CardData) error {
	if card == nil {
		return domain.NewValidationError("card", "card data is required")
	}
	pan := normalizePAN(card.PAN)
	if err := validatePAN(pan); err != nil {
		return err
	}
	if len(card.ExpiryMonth) != 2 || !allDigits(card.ExpiryMonth) {
		return domain.NewValidationError("expiryMonth", "expiry month must be two digits")
	}
	if m := atoi2(card.ExpiryMonth); m < 1 || m > 12 {
		return domain.NewValidationError("expiryMonth", "expiry month must be between 01 and 12")
	}
	if len(card.ExpiryYear) != 4 || !allDigits(card.ExpiryYear) {
		return domain.NewValidationError("expiryYear", "expiry year must be four digits")
	}
	if card.CVV != "" && (len(card.CVV) < 3 || len(card.CVV) > 4 || !allDigits(card.CVV)) {
		return domain.NewValidationError("cvv", "security code must be 3 or 4 digits")
	}
	return nil
}

func validatePAN(pan string) error {
	if !allDigits(pan) {
		return domain.NewValidationError("pan", "card number must contain only digits")
	}
	if len(pan) < MinPANLength || len(pan) > MaxPANLength {
		return domain.NewValidationError("pan", "card number must be 13 to 19 digits")
	}
	if !LuhnValid(pan) {
		return domain.NewValidationError("pan", "card number failed checksum")
	}
	return nil
}

// ValidateCardPayload checks a reader payload: PAN length, MM/YY expiry and,
// when EMV tag data is present, the currency, application profile and
// transaction counter tags.
func ValidateCardPayload(p *domain.CardPayload) error {
	if p == nil {
		return domain.NewValidationError("payload", "card payload is required")
	}
	pan := normalizePAN(p.PAN)
	if !allDigits(pan) || len(pan) < MinPANLength || len(pan) > MaxPANLength {
		return domain.NewValidationError("pan", "card number must be 13 to 19 digits")
	}
	if !validShortExpiry(p.Expiry) {
		return domain.NewValidationError("expiry", "expiry must be MM/YY")
	}
	if len(p.EMVTags) > 0 {
		for _, tag := range []string{
			domain.EMVTagCurrencyCode,
			domain.EMVTagApplicationProfile,
			domain.EMVTagTransactionCounter,
		} {
			if v, ok := p.EMVTags[tag]; !ok || v == "" {
				return domain.NewValidationError("emvTags", "missing required EMV tag "+tag)
			}
		}
	}
	return nil
}

func validShortExpiry(s string) bool {
	if len(s) != 5 || s[2] != '/' {
		return false
	}
	mm, yy := s[:2], s[3:]
	if !allDigits(mm) || !allDigits(yy) {
		return false
	}
	m := atoi2(mm)
	return m >= 1 && m <= 12
}

func atoi2(s string) int {
	return int(s[0]-'0')*10 + int(s[1]-'0')
}

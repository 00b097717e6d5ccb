package redact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"card_number", []string{"card", "number"}},
		{"cardNumber", []string{"card", "number"}},
		{"CARD-NUMBER", []string{"card", "number"}},
		{"PANNumber", []string{"pan", "number"}},
		{"cvv2", []string{"cvv", "2"}},
		{"billing.trackData", []string{"billing", "track", "data"}},
		{"shipping", []string{"shipping"}},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokens(tt.in))
		})
	}
}

func TestFieldSetMatch(t *testing.T) {
	set := NewFieldSet("card_number", "cvv", "track_data").
		WithWordPrefix("pin").
		WithWord("pan")

	tests := []struct {
		key   string
		field string
		ok    bool
	}{
		{"card_number", "card_number", true},
		{"cardNumber", "card_number", true},
		{"cardnumber", "card_number", true},
		{"customer_cardnumber", "card_number", true},
		{"cardnumber_raw", "card_number", true},
		{"CVV", "cvv", true},
		{"card_cvv", "cvv", true},
		{"cardcvv", "cvv", true},
		{"CARDCVV", "cvv", true},
		{"cvvcode", "cvv", true},
		{"cvv2", "cvv", true},
		{"TrackData", "track_data", true},
		{"rawtrackdata", "track_data", true},
		{"trackdata2", "track_data", true},
		{"user_pin", "pin", true},
		{"pinCode", "pin", true},
		{"PINBLOCK", "pin", true},
		{"pan", "pan", true},
		{"maskedPan", "pan", true},
		{"shipping", "", false},
		{"spinner", "", false},
		{"panel", "", false},
		{"span_id", "", false},
		{"card_brand", "", false},
		{"number", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			field, ok := set.Match(tt.key)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.field, field)
		})
	}
}

func TestCompact(t *testing.T) {
	assert.Equal(t, "cardcvv", Compact("Card-CVV"))
	assert.Equal(t, "trackdata2", Compact("track_data.2"))
	assert.Equal(t, "", Compact("__"))
}

func TestMaskPANs(t *testing.T) {
	got := MaskPANs("charge failed for 4111111111111111 at 12:00")
	assert.Equal(t, "charge failed for ************1111 at 12:00", got)
	assert.NotContains(t, got, "411111")

	assert.Equal(t, "order 12345", MaskPANs("order 12345"))
}

func TestMaskPAN(t *testing.T) {
	assert.Equal(t, "************1111", MaskPAN("4111111111111111"))
	assert.Equal(t, "***********0005", MaskPAN("378282246310005"))
	assert.Equal(t, "****", MaskPAN("1234"))
}

func TestStackTrace(t *testing.T) {
	trace := strings.Join([]string{
		"panic: boom",
		"/home/alice/src/kestrel/vault.go:42",
		"/Users/bob/go/pkg/mod/x.go:10",
		`C:\Users\carol\app\main.go:7`,
		"GET /callback?token=abc123&password=hunter2&key=s3cr3t&page=2",
		"pan=5555555555554444",
	}, "\n")

	got := StackTrace(trace)

	assert.NotContains(t, got, "alice")
	assert.NotContains(t, got, "bob")
	assert.NotContains(t, got, "carol")
	assert.NotContains(t, got, "abc123")
	assert.NotContains(t, got, "hunter2")
	assert.NotContains(t, got, "s3cr3t")
	assert.NotContains(t, got, "5555555555554444")
	assert.Contains(t, got, "token="+Marker)
	assert.Contains(t, got, "page=2")
	assert.Contains(t, got, "/src/kestrel/vault.go:42")
}

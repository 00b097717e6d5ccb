package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"

	"github.com/opensource-finance/kestrel/internal/redact"
)

// strippedKeys are removed from metadata at any depth.
var strippedKeys = redact.NewFieldSet("card_number", "account_number", "cvv", "cvc", "track_data", "full_pan").
	WithWordPrefix("pin").
	WithWord("pan")

// hasher produces salted, truncated, one-way digests of identifiers.
type hasher struct {
	key    []byte
	length int
}

func (h hasher) hash(v string) string {
	if v == "" {
		return ""
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(v))
	sum := hex.EncodeToString(mac.Sum(nil))
	if h.length > 0 && h.length < len(sum) {
		return sum[:h.length]
	}
	return sum
}

// scrubMetadata returns a deep copy of m without sensitive keys and with card
// numbers masked in every remaining string.
func scrubMetadata(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out, _ := scrubValue(m).(map[string]any)
	if len(out) == 0 {
		return nil
	}
	return out
}

func scrubValue(v any) any {
	switch t := v.(type) {
	case string:
		return redact.MaskPANs(t)
	case nil, bool, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := strippedKeys.Match(k); hit {
				continue
			}
			out[k] = scrubValue(val)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, hit := strippedKeys.Match(k); hit {
				continue
			}
			out[k] = redact.MaskPANs(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = scrubValue(val)
		}
		return out
	}

	// Structs, typed maps and slices are normalized through JSON so their
	// field names can be checked like any other key.
	switch reflect.ValueOf(v).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer:
		raw, err := json.Marshal(v)
		if err != nil {
			return redact.Marker
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return redact.Marker
		}
		return scrubValue(generic)
	}
	return v
}

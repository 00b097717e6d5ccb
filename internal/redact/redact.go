// Package redact holds the field matching and text scrubbing shared by the
// audit log and the vault compliance checks.
package redact

import (
	"regexp"
	"strings"
	"unicode"
)

// Marker replaces redacted text.
const Marker = "[REDACTED]"

// FieldSet is an enumerated set of sensitive field names. By default a key
// matches a field when the field name, lowercased with separators removed,
// is a substring of the key compacted the same way: "cardcvv", "CARD-CVV" and
// "securityCvc" all match. Short names that occur inside ordinary words can be
// anchored to word tokens instead (see WithWordPrefix and WithWord).
type FieldSet struct {
	fields []field
}

type matchMode int

const (
	matchSubstring matchMode = iota
	matchWordPrefix
	matchWord
)

type field struct {
	name    string
	compact string
	mode    matchMode
}

// NewFieldSet builds a set of substring-matched fields from snake_case names.
func NewFieldSet(names ...string) *FieldSet {
	return (&FieldSet{}).add(matchSubstring, names)
}

// WithWordPrefix adds fields that match only at the start of a word, so
// "pinBlock" and "PINBLOCK" match pin while "shipping" does not.
func (s *FieldSet) WithWordPrefix(names ...string) *FieldSet {
	return s.add(matchWordPrefix, names)
}

// WithWord adds fields that match only a whole word, so "maskedPan" matches
// pan while "panel" and "span" do not.
func (s *FieldSet) WithWord(names ...string) *FieldSet {
	return s.add(matchWord, names)
}

func (s *FieldSet) add(mode matchMode, names []string) *FieldSet {
	for _, n := range names {
		s.fields = append(s.fields, field{name: n, compact: Compact(n), mode: mode})
	}
	return s
}

// Match reports the first field name matching key.
func (s *FieldSet) Match(key string) (string, bool) {
	compact := Compact(key)
	if compact == "" {
		return "", false
	}
	tokens := Tokens(key)
	for _, f := range s.fields {
		switch f.mode {
		case matchSubstring:
			if strings.Contains(compact, f.compact) {
				return f.name, true
			}
		case matchWordPrefix:
			for _, t := range tokens {
				if strings.HasPrefix(t, f.compact) {
					return f.name, true
				}
			}
		case matchWord:
			for _, t := range tokens {
				if t == f.compact {
					return f.name, true
				}
			}
		}
	}
	return "", false
}

// Names returns the enumerated field names.
func (s *FieldSet) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.name
	}
	return out
}

// Compact lowercases key and drops everything but letters and digits.
func Compact(key string) string {
	var b strings.Builder
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// Tokens splits a key into lowercase words on separators, camelCase
// boundaries and letter/digit boundaries.
func Tokens(key string) []string {
	runes := []rune(key)
	var out []string
	var cur []rune

	flush := func() {
		if len(cur) > 0 {
			out = append(out, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}

	for i, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			flush()
			continue
		}
		if len(cur) > 0 {
			prev := runes[i-1]
			switch {
			case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
				flush()
			case unicode.IsUpper(r) && unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]):
				flush()
			case unicode.IsDigit(r) != unicode.IsDigit(prev):
				flush()
			}
		}
		cur = append(cur, r)
	}
	flush()
	return out
}

var (
	panPattern    = regexp.MustCompile(`\b\d{13,19}\b`)
	homePattern   = regexp.MustCompile(`(/home/|/Users/|/root\b)[^/\s:]*|[A-Za-z]:\\Users\\[^\\\s]+`)
	secretPattern = regexp.MustCompile(`(?i)\b(password|token|key)=[^&\s]+`)
)

// MaskPANs masks every 13-19 digit run down to its last four digits.
func MaskPANs(s string) string {
	return panPattern.ReplaceAllStringFunc(s, func(m string) string {
		return MaskPAN(m)
	})
}

// MaskPAN returns pan with every character but the last four replaced by '*'.
func MaskPAN(pan string) string {
	if len(pan) <= 4 {
		return strings.Repeat("*", len(pan))
	}
	return strings.Repeat("*", len(pan)-4) + pan[len(pan)-4:]
}

// StackTrace removes home directories, credential query fragments and card
// numbers from a stack trace or error text.
func StackTrace(s string) string {
	s = homePattern.ReplaceAllString(s, Marker)
	s = secretPattern.ReplaceAllString(s, "${1}="+Marker)
	return MaskPANs(s)
}

// Message sanitizes user-visible error text.
func Message(s string) string {
	return StackTrace(s)
}

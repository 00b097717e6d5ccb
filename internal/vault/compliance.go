package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/redact"
)

// Field names that must never be stored, matched case-insensitively as
// substrings of keys at any depth. pin is anchored to the start of a word so
// "shipping" stays clean while "pinBlock" and "PINBLOCK" do not.
var prohibitedFields = redact.NewFieldSet("cvv", "cvc", "track_data", "full_pan").
	WithWordPrefix("pin")

// Fields that carry a card number and must be masked when stored.
var panFields = redact.NewFieldSet("card_number", "account_number").
	WithWord("pan")

// ComplianceReport is the result of a storage compliance check.
type ComplianceReport struct {
	Compliant  bool     `json:"compliant"`
	Violations []string `json:"violations"`
}

// ValidateStorageCompliance walks payload at any depth and reports
// prohibited fields and unmasked card numbers. Structs are inspected through
// their JSON field names.
func ValidateStorageCompliance(payload any) ComplianceReport {
	root, err := normalize(payload)
	if err != nil {
		return ComplianceReport{Violations: []string{"payload could not be inspected"}}
	}

	var violations []string
	walk("", root, &violations)
	return ComplianceReport{Compliant: len(violations) == 0, Violations: violations}
}

func normalize(payload any) (any, error) {
	switch payload.(type) {
	case nil, map[string]any, []any, string, float64, bool:
		return payload, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func walk(path string, v any, violations *[]string) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p := joinPath(path, k)
			if field, hit := prohibitedFields.Match(k); hit {
				*violations = append(*violations, fmt.Sprintf("prohibited field %q at %s", field, p))
				continue
			}
			if _, hit := panFields.Match(k); hit && unmaskedPAN(t[k]) {
				*violations = append(*violations, fmt.Sprintf("unmasked card number at %s", p))
				continue
			}
			walk(p, t[k], violations)
		}
	case []any:
		for i, item := range t {
			walk(path+"["+strconv.Itoa(i)+"]", item, violations)
		}
	default:
		// Typed maps and slices that skipped normalization.
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice || rv.Kind() == reflect.Struct {
			if n, err := normalize(v); err == nil {
				walk(path, n, violations)
			}
		}
	}
}

func unmaskedPAN(v any) bool {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		s = t.String()
	default:
		return false
	}
	return !strings.Contains(s, "*") && len(s) > 6
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// SecurityHeaders are required on every response that may carry card data.
func SecurityHeaders() map[string]string {
	return map[string]string{
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
	}
}

// NetworkRequest is the transport view of a request checked by
// ValidateNetworkSecurity.
type NetworkRequest struct {
	Scheme          string
	TLS             bool
	ForwardedProto  string
	ClientIP        string
	RequestID       string
	ResponseHeaders http.Header
}

// NetworkRequestFrom builds a NetworkRequest from an inbound request and the
// headers about to be written.
func NetworkRequestFrom(r *http.Request, responseHeaders http.Header) NetworkRequest {
	ip := r.RemoteAddr
	if ap, err := netip.ParseAddrPort(ip); err == nil {
		ip = ap.Addr().String()
	}
	return NetworkRequest{
		Scheme:          r.URL.Scheme,
		TLS:             r.TLS != nil,
		ForwardedProto:  r.Header.Get("X-Forwarded-Proto"),
		ClientIP:        ip,
		ResponseHeaders: responseHeaders,
	}
}

// NetworkReport is the result of a transport security check.
type NetworkReport struct {
	Secure bool     `json:"secure"`
	Issues []string `json:"issues"`
}

// ValidateNetworkSecurity requires HTTPS, the security response headers and,
// when an allowlist is configured, a client address inside it.
func (v *Vault) ValidateNetworkSecurity(ctx context.Context, req NetworkRequest) NetworkReport {
	var issues []string

	if !req.TLS && !strings.EqualFold(req.Scheme, "https") && !strings.EqualFold(req.ForwardedProto, "https") {
		issues = append(issues, "HTTPS is required")
	}

	required := SecurityHeaders()
	names := make([]string, 0, len(required))
	for name := range required {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if req.ResponseHeaders.Get(name) == "" {
			issues = append(issues, "missing security header "+name)
		}
	}

	if len(v.allowlist) > 0 {
		addr, err := netip.ParseAddr(req.ClientIP)
		if err != nil || !v.allowed(addr.Unmap()) {
			issues = append(issues, "client address not in allowlist")
		}
	}

	report := NetworkReport{Secure: len(issues) == 0, Issues: issues}
	v.auditor.LogSecurityEvent(ctx, audit.Event{
		Action:    "network_security_check",
		Success:   report.Secure,
		RequestID: req.RequestID,
		IP:        req.ClientIP,
		Metadata:  map[string]any{"issues": len(issues)},
	})
	return report
}

func (v *Vault) allowed(addr netip.Addr) bool {
	for _, p := range v.allowlist {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func parseAllowlist(entries []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, e := range entries {
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Permissions required for card-data access.
const (
	PermissionReadPaymentData = "read_payment_data"
	PermissionProcessPayments = "process_payments"
)

// AccessUser is the principal checked by ValidateAccessControl.
type AccessUser struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Permissions  []string  `json:"permissions"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	RequestID    string    `json:"-"`
}

// AccessReport is the result of an access control check.
type AccessReport struct {
	Authorized   bool     `json:"authorized"`
	Restrictions []string `json:"restrictions"`
}

// ValidateAccessControl checks role, permissions and account activity.
func (v *Vault) ValidateAccessControl(ctx context.Context, user AccessUser) AccessReport {
	var restrictions []string

	if _, ok := v.approvedRoles[user.Role]; !ok {
		restrictions = append(restrictions, "role not approved for card data access")
	}

	held := make(map[string]struct{}, len(user.Permissions))
	for _, p := range user.Permissions {
		held[p] = struct{}{}
	}
	for _, p := range []string{PermissionReadPaymentData, PermissionProcessPayments} {
		if _, ok := held[p]; !ok {
			restrictions = append(restrictions, "missing permission "+p)
		}
	}

	if user.LastActiveAt.IsZero() || v.now().Sub(user.LastActiveAt) > v.maxInactive {
		restrictions = append(restrictions, "account inactive beyond allowed period")
	}

	report := AccessReport{Authorized: len(restrictions) == 0, Restrictions: restrictions}
	v.auditor.LogAuthenticationEvent(ctx, audit.Event{
		Action:    "card_data_access_check",
		Success:   report.Authorized,
		RequestID: user.RequestID,
		UserID:    user.ID,
		Metadata:  map[string]any{"role": user.Role, "restrictions": len(restrictions)},
	})
	return report
}

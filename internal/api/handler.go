package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/vault"
)

// Tokenizer converts raw card data to a vault token.
type Tokenizer interface {
	Tokenize(ctx context.Context, card *domain.CardData, correlationID string) (*domain.TokenizedCard, error)
}

// ComplianceChecker runs the transport and access checks.
type ComplianceChecker interface {
	ValidateNetworkSecurity(ctx context.Context, req vault.NetworkRequest) vault.NetworkReport
	ValidateAccessControl(ctx context.Context, user vault.AccessUser) vault.AccessReport
}

// RiskScorer scores transactions and attests devices.
type RiskScorer interface {
	AssessTransactionRisk(ctx context.Context, amount float64, deviceID string, rc domain.RequestContext) domain.RiskAssessment
	AssessDeviceTrust(ctx context.Context, fingerprint string, dc domain.DeviceContext) (*domain.DeviceTrustRecord, error)
}

// PaymentTerminal runs contactless payment sessions.
type PaymentTerminal interface {
	ProcessContactlessPayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResult, error)
}

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds dependencies for API handlers. Any component may be nil;
// its endpoints then answer 503.
type Handler struct {
	tokenizer  Tokenizer
	compliance ComplianceChecker
	risk       RiskScorer
	terminal   PaymentTerminal
	checks     map[string]Pinger
	version    string
}

// Dependencies groups the components served by the API.
type Dependencies struct {
	Tokenizer  Tokenizer
	Compliance ComplianceChecker
	Risk       RiskScorer
	Terminal   PaymentTerminal

	// Checks are pinged by /health, keyed by component name.
	Checks map[string]Pinger
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies, version string) *Handler {
	return &Handler{
		tokenizer:  deps.Tokenizer,
		compliance: deps.Compliance,
		risk:       deps.Risk,
		terminal:   deps.Terminal,
		checks:     deps.Checks,
		version:    version,
	}
}

// TokenizeRequest is the request body for POST /v1/tokens.
type TokenizeRequest struct {
	PAN            string `json:"pan"`
	ExpiryMonth    string `json:"expiryMonth"`
	ExpiryYear     string `json:"expiryYear"`
	CardholderName string `json:"cardholderName,omitempty"`
	CVV            string `json:"cvv,omitempty"`
}

// Tokenize handles POST /v1/tokens. The CVV is accepted for validation
// only and never stored.
func (h *Handler) Tokenize(w http.ResponseWriter, r *http.Request) {
	if h.tokenizer == nil {
		writeUnavailable(w, "tokenization")
		return
	}

	var req TokenizeRequest
	if !decode(w, r, &req) {
		return
	}

	card := &domain.CardData{
		PAN:            req.PAN,
		ExpiryMonth:    req.ExpiryMonth,
		ExpiryYear:     req.ExpiryYear,
		CardholderName: req.CardholderName,
		CVV:            req.CVV,
	}

	tokenized, err := h.tokenizer.Tokenize(r.Context(), card, GetRequestID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenized)
}

// TransactionRiskRequest is the request body for POST /v1/risk/transactions.
type TransactionRiskRequest struct {
	Amount   float64 `json:"amount"`
	DeviceID string  `json:"deviceId"`
}

// AssessTransaction handles POST /v1/risk/transactions. IP and User-Agent
// come from the request itself.
func (h *Handler) AssessTransaction(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeUnavailable(w, "risk")
		return
	}

	var req TransactionRiskRequest
	if !decode(w, r, &req) {
		return
	}

	ctx := r.Context()
	assessment := h.risk.AssessTransactionRisk(ctx, req.Amount, req.DeviceID, domain.RequestContext{
		IP:        GetClientIP(ctx),
		UserAgent: GetUserAgent(ctx),
		RequestID: GetRequestID(ctx),
	})
	writeJSON(w, http.StatusOK, assessment)
}

// DeviceTrustRequest is the request body for POST /v1/risk/devices.
type DeviceTrustRequest struct {
	Fingerprint  string   `json:"fingerprint"`
	DeviceType   string   `json:"deviceType,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	UserAgent    string   `json:"userAgent,omitempty"`
}

// AssessDevice handles POST /v1/risk/devices.
func (h *Handler) AssessDevice(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeUnavailable(w, "risk")
		return
	}

	var req DeviceTrustRequest
	if !decode(w, r, &req) {
		return
	}
	ua := req.UserAgent
	if ua == "" {
		ua = GetUserAgent(r.Context())
	}

	record, err := h.risk.AssessDeviceTrust(r.Context(), req.Fingerprint, domain.DeviceContext{
		DeviceType:   req.DeviceType,
		Capabilities: req.Capabilities,
		UserAgent:    ua,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// CheckStorage handles POST /v1/compliance/storage. The body is any JSON
// document about to be persisted.
func (h *Handler) CheckStorage(w http.ResponseWriter, r *http.Request) {
	var payload any
	if !decode(w, r, &payload) {
		return
	}
	writeJSON(w, http.StatusOK, vault.ValidateStorageCompliance(payload))
}

// CheckNetwork handles GET /v1/compliance/network by checking the current
// request and the headers already set on its response.
func (h *Handler) CheckNetwork(w http.ResponseWriter, r *http.Request) {
	if h.compliance == nil {
		writeUnavailable(w, "compliance")
		return
	}

	ctx := r.Context()
	nr := vault.NetworkRequestFrom(r, w.Header())
	if ip := GetClientIP(ctx); ip != "" {
		nr.ClientIP = ip
	}
	nr.RequestID = GetRequestID(ctx)

	writeJSON(w, http.StatusOK, h.compliance.ValidateNetworkSecurity(ctx, nr))
}

// CheckAccess handles POST /v1/compliance/access.
func (h *Handler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	if h.compliance == nil {
		writeUnavailable(w, "compliance")
		return
	}

	var user vault.AccessUser
	if !decode(w, r, &user) {
		return
	}
	user.RequestID = GetRequestID(r.Context())

	writeJSON(w, http.StatusOK, h.compliance.ValidateAccessControl(r.Context(), user))
}

// ProcessPayment handles POST /v1/contactless/payments. The response body
// is always the payment result; failures carry a redacted error.
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	if h.terminal == nil {
		writeUnavailable(w, "contactless")
		return
	}

	var req domain.PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.RequestID == "" {
		req.RequestID = GetRequestID(ctx)
	}
	req.IP = GetClientIP(ctx)
	req.UserAgent = GetUserAgent(ctx)

	result, err := h.terminal.ProcessContactlessPayment(ctx, req)
	if result == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		slog.Warn("contactless payment failed",
			"request_id", req.RequestID,
			"session_id", result.SessionID,
			"state", result.State,
			"kind", domain.KindOf(err),
		)
		writeJSON(w, statusFor(err), result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := make(map[string]string, len(h.checks))

	for name, c := range h.checks {
		if err := c.Ping(r.Context()); err != nil {
			status = "degraded"
			components[name] = "unavailable"
			continue
		}
		components[name] = "ok"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    h.version,
		"components": components,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindSecurity:
		return http.StatusForbidden
	case domain.KindDevice:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders a domain error's safe message. Other errors are
// reported generically.
func writeError(w http.ResponseWriter, err error) {
	var de *domain.Error
	if !errors.As(err, &de) {
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	body := map[string]string{
		"error": de.Message,
		"kind":  string(de.Kind),
	}
	if de.Field != "" {
		body["field"] = de.Field
	}
	writeJSON(w, statusFor(err), body)
}

func writeUnavailable(w http.ResponseWriter, component string) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"error": component + " is not configured",
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Package contactless drives NFC payment sessions from card detection
// through authorization and settlement hand-off.
package contactless

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/redact"
	"github.com/opensource-finance/kestrel/internal/vault"
)

var tracer = otel.Tracer("kestrel-contactless")

// KindInternal classifies failures that are not domain errors, such as a
// settlement gateway error or a recovered panic.
const KindInternal domain.ErrorKind = "internal_error"

// ActionPayment is the audit action for the payment outcome.
const ActionPayment = "contactless_payment"

// CardVault tokenizes card data read from the field and signs
// authorizations.
type CardVault interface {
	Tokenize(ctx context.Context, card *domain.CardData, correlationID string) (*domain.TokenizedCard, error)
	Cryptogram(fields ...string) string
}

// RiskGate scores a payment before the reader is engaged.
type RiskGate interface {
	AssessTransactionRisk(ctx context.Context, amount float64, deviceID string, rc domain.RequestContext) domain.RiskAssessment
}

// Settler hands an authorization to the external settlement gateway and
// returns its transaction id.
type Settler interface {
	Settle(ctx context.Context, auth *Authorization) (string, error)
}

// Auditor is the subset of the audit log the terminal writes to.
type Auditor interface {
	LogPaymentActivity(ctx context.Context, ev audit.Event)
	LogSecurityEvent(ctx context.Context, ev audit.Event)
	LogError(ctx context.Context, ev audit.Event)
}

// Terminal is a contactless acceptance device. It owns the reader and is
// safe for concurrent sessions.
type Terminal struct {
	cfg     domain.ContactlessConfig
	reader  Reader
	vault   CardVault
	settler Settler
	risk    RiskGate
	auditor Auditor
	logger  *slog.Logger
	now     func() time.Time

	initMu      sync.Mutex
	initialized bool
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithRiskGate scores every payment before the reader is engaged.
func WithRiskGate(r RiskGate) Option {
	return func(t *Terminal) { t.risk = r }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Terminal) { t.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Terminal) { t.now = now }
}

// NewTerminal creates a terminal. reader may be nil when no hardware is
// configured; payments then fail at initialization.
func NewTerminal(cfg domain.ContactlessConfig, reader Reader, v CardVault, settler Settler, auditor Auditor, opts ...Option) (*Terminal, error) {
	if v == nil {
		return nil, fmt.Errorf("card vault is required")
	}
	if settler == nil {
		return nil, fmt.Errorf("settler is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	if cfg.MaxAmount <= 0 {
		return nil, fmt.Errorf("device amount ceiling must be positive")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}

	t := &Terminal{
		cfg:     cfg,
		reader:  reader,
		vault:   v,
		settler: settler,
		auditor: auditor,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// InitializeNFC configures the reader's EMV parameters and, when enabled,
// registers the card emulation service. Calls after the first success are
// no-ops.
func (t *Terminal) InitializeNFC(ctx context.Context) error {
	t.initMu.Lock()
	defer t.initMu.Unlock()

	if t.initialized {
		return nil
	}
	if t.reader == nil {
		return domain.NewDeviceError("no NFC reader configured", nil)
	}

	params := EMVParameters{
		TransactionLimit: t.cfg.MaxAmount,
		CVMRequiredLimit: t.cfg.CVMRequiredLimit,
		FloorLimit:       t.cfg.FloorLimit,
		Currency:         t.cfg.Currency,
		AIDs:             append([]string(nil), t.cfg.SupportedAIDs...),
	}
	if err := t.reader.Initialize(ctx, params); err != nil {
		return domain.NewDeviceError("failed to initialize NFC reader", err)
	}
	if t.cfg.EnableHCE {
		if err := t.registerHCE(ctx); err != nil {
			return err
		}
	}

	t.initialized = true
	t.logger.Info("nfc reader initialized",
		"device_id", t.cfg.DeviceID,
		"aids", len(params.AIDs),
		"hce", t.cfg.EnableHCE,
	)
	return nil
}

// ProcessContactlessPayment runs one payment session end to end. The
// result always carries the session id; on failure it carries a redacted
// error and the returned error is the structured cause. Once authorization
// starts the session runs to a terminal state regardless of ctx.
func (t *Terminal) ProcessContactlessPayment(ctx context.Context, req domain.PaymentRequest) (result *domain.PaymentResult, err error) {
	ctx, span := tracer.Start(ctx, "contactless.ProcessContactlessPayment")
	defer span.End()

	session := t.NewSession(req.RequestID)
	sessionID := session.ID()
	span.SetAttributes(attribute.String("session.id", sessionID))

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = t.cfg.Currency
	}

	result = &domain.PaymentResult{
		SessionID: sessionID,
		Amount:    req.Amount,
		Currency:  currency,
	}

	defer func() {
		if r := recover(); r != nil {
			session.fail(context.WithoutCancel(ctx))
			err = fmt.Errorf("payment session panicked: %s", redact.Message(fmt.Sprint(r)))
			t.auditor.LogError(ctx, audit.Event{
				Action:       ActionPayment,
				Severity:     domain.SeverityCritical,
				RequestID:    req.RequestID,
				ErrorMessage: fmt.Sprint(r),
				StackTrace:   string(debug.Stack()),
				Metadata:     map[string]any{"session_id": sessionID},
			})
		}

		session.teardown(context.WithoutCancel(ctx))

		result.State = session.State()
		result.CompletedAt = t.now().UTC()
		if err != nil {
			result.Success = false
			result.Error = redactedError(err)
			span.SetStatus(codes.Error, string(result.Error.Kind))
		}
		t.auditor.LogPaymentActivity(ctx, audit.Event{
			Action:       ActionPayment,
			Success:      result.Success,
			RequestID:    req.RequestID,
			IP:           req.IP,
			UserAgent:    req.UserAgent,
			Amount:       req.Amount,
			Currency:     currency,
			ErrorMessage: errorMessage(result.Error),
			Metadata: map[string]any{
				"session_id":     sessionID,
				"transaction_id": result.TransactionID,
				"state":          string(result.State),
			},
		})
	}()

	if err := validateAmount(req.Amount, currency); err != nil {
		session.fail(ctx)
		return result, err
	}
	if req.Amount > t.cfg.MaxAmount {
		session.fail(ctx)
		return result, domain.NewDeviceError("amount exceeds device limit", nil)
	}

	if t.risk != nil {
		assessment := t.risk.AssessTransactionRisk(ctx, req.Amount, t.cfg.DeviceID, domain.RequestContext{
			IP:        req.IP,
			UserAgent: req.UserAgent,
			RequestID: req.RequestID,
		})
		result.Risk = &assessment
		if assessment.Recommendation == domain.RecommendDecline {
			session.fail(ctx)
			t.auditor.LogSecurityEvent(ctx, audit.Event{
				Action:    "contactless_risk_decline",
				Success:   false,
				RequestID: req.RequestID,
				IP:        req.IP,
				UserAgent: req.UserAgent,
				Metadata:  map[string]any{"session_id": sessionID, "score": assessment.Score},
			})
			return result, domain.NewSecurityError("transaction declined by risk policy")
		}
	}

	if err := t.InitializeNFC(ctx); err != nil {
		session.fail(ctx)
		return result, err
	}

	payload, err := session.ReadPaymentCard(ctx, t.cfg.ReadTimeout)
	if err != nil {
		session.fail(ctx)
		return result, err
	}
	if payload == nil {
		session.fail(ctx)
		return result, domain.NewDeviceError("card read failed", errNoPayload)
	}

	// No cancellation from here on.
	ctx = context.WithoutCancel(ctx)

	card, err := cardDataFrom(payload)
	if err != nil {
		session.fail(ctx)
		return result, err
	}
	tokenized, err := t.vault.Tokenize(ctx, card, req.RequestID)
	if err != nil {
		session.fail(ctx)
		return result, err
	}

	if err := session.transition(ctx, domain.StateAuthorizing); err != nil {
		session.fail(ctx)
		return result, err
	}
	auth, err := t.authorize(sessionID, payload, tokenized, req.Amount, currency)
	if err != nil {
		session.fail(ctx)
		return result, err
	}

	if err := session.transition(ctx, domain.StateSettling); err != nil {
		session.fail(ctx)
		return result, err
	}
	txID, err := t.settler.Settle(ctx, auth)
	if err != nil {
		session.fail(ctx)
		return result, fmt.Errorf("settlement failed: %w", err)
	}

	if err := session.transition(ctx, domain.StateComplete); err != nil {
		return result, err
	}
	result.Success = true
	result.TransactionID = txID
	return result, nil
}

func (t *Terminal) validate(payload *domain.CardPayload) error {
	if payload == nil {
		return domain.NewValidationError("payload", "card payload is required")
	}
	return vault.ValidateCardPayload(payload)
}

func (t *Terminal) supportsAID(aid string) bool {
	for _, supported := range t.cfg.SupportedAIDs {
		if strings.EqualFold(supported, aid) {
			return true
		}
	}
	return false
}

func validateAmount(amount float64, currency string) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return domain.NewValidationError("amount", "amount must be a positive number")
	}
	if len(currency) != 3 {
		return domain.NewValidationError("currency", "currency must be a three-letter code")
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return domain.NewValidationError("currency", "currency must be a three-letter code")
		}
	}
	return nil
}

// cardDataFrom converts an EMV payload to vault card data.
func cardDataFrom(p *domain.CardPayload) (*domain.CardData, error) {
	if len(p.Expiry) != 5 {
		return nil, domain.NewValidationError("expiry", "expiry must be MM/YY")
	}
	return &domain.CardData{
		PAN:            p.PAN,
		ExpiryMonth:    p.Expiry[:2],
		ExpiryYear:     "20" + p.Expiry[3:],
		CardholderName: p.CardholderName,
	}, nil
}

func redactedError(err error) *domain.ErrorInfo {
	var de *domain.Error
	if errors.As(err, &de) {
		return &domain.ErrorInfo{Kind: de.Kind, Message: redact.Message(de.Message)}
	}
	return &domain.ErrorInfo{Kind: KindInternal, Message: "payment processing failed"}
}

func errorMessage(info *domain.ErrorInfo) string {
	if info == nil {
		return ""
	}
	return info.Message
}
